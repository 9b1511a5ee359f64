package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/avalanche"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/finality"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/forks"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

// finalityView scopes a ballot for equivocation checks: one vote per phase
// per conflict set, or per vertex when the vertex has no conflict key.
func (n *Node) finalityView(phase consensus.VotePhase, v *consensus.Vertex) uint64 {
	var scope []byte
	if key := n.conflictKey(v); key != "" {
		scope = append([]byte("key:"), key...)
	} else {
		scope = append([]byte("vertex:"), v.ID[:]...)
	}
	d := crypto.Digest([]byte{byte(phase)}, scope)
	return binary.BigEndian.Uint64(d[:8])
}

// castVote records the local ballot and broadcasts it.
func (n *Node) castVote(v *consensus.Vertex, phase consensus.VotePhase) {
	fv := &consensus.FinalityVote{
		VertexID:  v.ID,
		Voter:     n.self,
		Phase:     phase,
		View:      n.finalityView(phase, v),
		Height:    v.Height,
		Timestamp: time.Now(),
	}
	n.collector.Add(fv)
	n.post(outbound{broadcast: true, msg: wire.NewFinalityVoteMessage(fv)})
}

func (n *Node) handleFinalityVote(ctx context.Context, m *wire.FinalityVoteMessage) error {
	fv, err := m.FinalityVote()
	if err != nil {
		return err
	}
	if height, ok := n.engine.Height(fv.VertexID); ok {
		v, err := n.store.GetVertex(ctx, fv.VertexID)
		if err != nil {
			return err
		}
		if fv.Height != height || fv.View != n.finalityView(fv.Phase, v) {
			return fmt.Errorf("%w: %s vote for %s at view %d height %d",
				wire.ErrMalformed, fv.Phase, fv.VertexID.Short(), fv.View, fv.Height)
		}
	}
	if ev, equivocated := n.detector.ObserveVote(fv.Vote()); equivocated {
		n.recordEvidence(*ev)
		return fmt.Errorf("%w: %s vote by %s", consensus.ErrEquivocation, fv.Phase, fv.Voter)
	}
	if n.engine.Status(fv.VertexID) == consensus.StatusRejected {
		return nil
	}
	if !n.collector.Add(fv) {
		return nil
	}
	switch n.engine.Status(fv.VertexID) {
	case consensus.StatusAccepted, consensus.StatusFinalized:
		if _, err := n.registry.Reward(fv.Voter); err != nil {
			return err
		}
	}
	n.trigger(fv.VertexID)
	return nil
}

// finalityLoop drives accepted vertices through the two-phase commit as
// ballots arrive. A fatal finality error stops the node.
func (n *Node) finalityLoop(ctx context.Context) error {
	retry := n.cfg.FinalityRetry
	if retry <= 0 {
		retry = time.Second
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-n.finalize:
			if err := n.advanceFinality(ctx, id); err != nil {
				return err
			}
		case <-ticker.C:
			for _, id := range n.finality.Pending() {
				if err := n.advanceFinality(ctx, id); err != nil {
					return err
				}
			}
		}
	}
}

func (n *Node) advanceFinality(ctx context.Context, id consensus.VertexID) error {
	phase, ok := n.finality.Phase(id)
	if !ok {
		return nil
	}
	if n.engine.Status(id) == consensus.StatusRejected {
		n.abortFinality(id)
		return nil
	}

	if phase == consensus.PhaseProposed {
		res, err := n.finality.ProcessPrecommit(id, n.collector.Votes(id, consensus.VotePreCommit))
		if err != nil {
			return err
		}
		if res != finality.Success {
			return nil
		}
		if n.engine.Status(id) == consensus.StatusRejected {
			n.abortFinality(id)
			return nil
		}
		v, err := n.loadVertex(ctx, id)
		if err != nil {
			n.logger.Warn("Cannot cast commit vote", zap.Stringer("vertex", id), zap.Error(err))
			return nil
		}
		n.castVote(v, consensus.VoteCommit)
		phase = consensus.PhasePreCommitted
	}

	if phase != consensus.PhasePreCommitted {
		return nil
	}
	res, err := n.finality.ProcessCommit(ctx, id, n.collector.Votes(id, consensus.VoteCommit))
	if err != nil {
		if consensus.IsFatal(err) {
			return err
		}
		n.logger.Warn("Commit not processed", zap.Stringer("vertex", id), zap.Error(err))
		return nil
	}
	if res != finality.Finalized {
		return nil
	}
	if err := n.engine.MarkFinalized(id); err != nil {
		n.logger.Warn("Finalized vertex not marked in engine", zap.Stringer("vertex", id), zap.Error(err))
	}
	return nil
}

// abortFinality withdraws a rejected vertex from the two-phase commit and
// drops its ballots. It reports false when the vertex already committed.
func (n *Node) abortFinality(id consensus.VertexID) bool {
	if !n.finality.Abort(id) {
		return false
	}
	n.collector.Forget(id)
	return true
}

func (n *Node) loadVertex(ctx context.Context, id consensus.VertexID) (*consensus.Vertex, error) {
	v, err := n.store.GetVertex(ctx, id)
	if err != nil {
		return nil, err
	}
	if height, ok := n.engine.Height(id); ok {
		v.Height = height
	}
	return v, nil
}

// forkLoop periodically scans for forks, resolves them and rejects the
// losers.
func (n *Node) forkLoop(ctx context.Context) error {
	interval := n.forks.Config().Interval
	if interval <= 0 {
		interval = forks.DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.scanForks(ctx); err != nil {
				return err
			}
		}
	}
}

func (n *Node) scanForks(ctx context.Context) error {
	found, err := n.forks.DetectForks(ctx)
	if err != nil {
		if consensus.IsFatal(err) {
			return err
		}
		n.logger.Warn("Fork scan failed", zap.Error(err))
		return nil
	}
	for _, f := range found {
		res, err := n.forks.ResolveFork(ctx, f)
		if err != nil {
			if !errors.Is(err, forks.ErrForkInconclusive) {
				n.logger.Warn("Fork not resolved", zap.String("position", f.Position), zap.Error(err))
			}
			continue
		}
		for _, id := range f.Competing {
			if id == res.Winner {
				continue
			}
			// A committed loser stays final; otherwise finality lets go
			// before the engine rejects, so no commit can follow.
			if !n.abortFinality(id) {
				n.logger.Error("Fork loser already committed",
					zap.Stringer("vertex", id),
					zap.Stringer("winner", res.Winner),
				)
				continue
			}
			err := n.engine.Reject(id, "lost fork at "+f.Position)
			switch {
			case err == nil:
			case errors.Is(err, avalanche.ErrAlreadyFinalized):
				n.logger.Error("Fork loser already finalized",
					zap.Stringer("vertex", id),
					zap.Stringer("winner", res.Winner),
				)
			default:
				n.logger.Warn("Fork loser not rejected", zap.Stringer("vertex", id), zap.Error(err))
			}
		}
	}
	return nil
}
