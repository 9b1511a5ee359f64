package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/byzantine"
)

// adaptor connects the consensus engine to the node. Every callback runs on
// a shard worker, so none of them waits on the transport or the engine.
type adaptor struct {
	n *Node
}

func (a *adaptor) VerifyVertex(v *consensus.Vertex) error {
	pub, ok := a.n.registry.PublicKey(v.Creator)
	if !ok {
		return fmt.Errorf("%w: creator %s", consensus.ErrUnknownValidator, v.Creator)
	}
	if !a.n.verifier.Verify(consensus.VertexSigningBytes(v.ID), v.Signature, pub) {
		return fmt.Errorf("vertex %s not signed by %s", v.ID.Short(), v.Creator)
	}
	return nil
}

func (a *adaptor) SendQuery(_ context.Context, to consensus.ValidatorID, q *consensus.ConsensusQuery) {
	a.n.post(outbound{to: to, msg: wire.NewQueryMessage(q)})
}

func (a *adaptor) SendResponse(_ context.Context, to consensus.ValidatorID, r *consensus.ConsensusResponse) {
	a.n.post(outbound{to: to, msg: wire.NewResponseMessage(r)})
}

func (a *adaptor) OnAccepted(v *consensus.Vertex, _ *consensus.VertexAcceptedEvent) {
	n := a.n
	if n.finality.Propose(v) {
		n.castVote(v, consensus.VotePreCommit)
	}
	n.trigger(v.ID)
}

func (a *adaptor) OnRejected(id consensus.VertexID, reason string) {
	a.n.logger.Debug("Vertex rejected", zap.Stringer("vertex", id), zap.String("reason", reason))
	a.n.abortFinality(id)
}

func (a *adaptor) OnResponse(r *consensus.ConsensusResponse, delay time.Duration) {
	n := a.n
	if _, err := n.registry.Reward(r.Responder); err != nil {
		return
	}
	n.registry.RecordUptime(r.Responder, true)
	if ev, flagged := n.detector.MonitorBehavior(r.Responder, byzantine.BehaviorEvent{
		Kind:  byzantine.BehaviorVoteDelay,
		Delay: delay,
	}); flagged {
		n.recordEvidence(*ev)
	}
}

func (a *adaptor) OnAbstention(validator consensus.ValidatorID, query consensus.QueryID) {
	n := a.n
	n.registry.RecordUptime(validator, false)
	if ev, flagged := n.detector.MonitorBehavior(validator, byzantine.BehaviorEvent{Kind: byzantine.BehaviorAbstention}); flagged {
		ev.Detail += " (query " + query.String() + ")"
		n.recordEvidence(*ev)
	}
}

func (a *adaptor) OnRoundComplete(ev *consensus.RoundCompletedEvent) {
	n := a.n
	n.quorum.ObserveResponsiveness(ev.Accepts+ev.Rejects, ev.Sampled)
	if n.monitor != nil {
		n.monitor.ObserveQuorum(n.quorum.ThreatLevel(), n.quorum.CalculateQuorum())
	}
}
