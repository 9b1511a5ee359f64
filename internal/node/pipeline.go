package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/byzantine"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

type inbound struct {
	from consensus.ValidatorID
	msg  wire.Message
	at   time.Time
}

type outbound struct {
	to        consensus.ValidatorID
	broadcast bool
	msg       wire.Message
}

// inboundLoop decodes transport deliveries and hands them to the
// verification pool.
func (n *Node) inboundLoop(ctx context.Context) error {
	stream := n.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-stream:
			if !ok {
				return fmt.Errorf("%w: inbound stream closed", consensus.ErrTransportFailure)
			}
			n.receive(ctx, raw)
		}
	}
}

func (n *Node) receive(ctx context.Context, raw consensus.InboundMessage) {
	now := time.Now()
	if ev, flagged := n.detector.MonitorBehavior(raw.From, byzantine.BehaviorEvent{Kind: byzantine.BehaviorMessage, At: now}); flagged {
		n.recordEvidence(*ev)
	}

	msg, err := wire.Decode(raw.Data)
	if err != nil {
		n.recordEvidence(n.detector.Fault(byzantine.MalformedMessage, raw.From, err.Error()))
		return
	}
	n.observe(msg.Kind(), true, len(raw.Data))

	if n.registry.IsIsolated(raw.From) {
		n.logger.Debug("Dropping message from isolated validator",
			zap.Stringer("from", raw.From),
			zap.Stringer("kind", msg.Kind()),
		)
		return
	}

	select {
	case n.inbound <- inbound{from: raw.From, msg: msg, at: now}:
	case <-ctx.Done():
	}
}

// verifyLoop runs message authentication on a bounded pool, separate from
// transport I/O.
func (n *Node) verifyLoop(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(n.cfg.VerifyWorkers))
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-n.inbound:
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				n.process(ctx, in)
			}()
		}
	}
}

func (n *Node) process(ctx context.Context, in inbound) {
	switch m := in.msg.(type) {
	case *wire.VertexMessage:
		n.handleVertex(ctx, in, m)
	case wire.Signed:
		if ev, bad := n.detector.ValidateMessage(m, in.from); bad {
			n.recordEvidence(*ev)
			return
		}
		signed, err := wire.SigningBytes(m)
		if err != nil {
			return
		}
		if ev, replayed := n.detector.CheckReplay(crypto.Digest(signed), in.from); replayed {
			n.recordEvidence(*ev)
			return
		}
		n.dispatchSigned(ctx, in, m)
	}
}

func (n *Node) dispatchSigned(ctx context.Context, in inbound, m wire.Signed) {
	var err error
	switch m := m.(type) {
	case *wire.QueryMessage:
		err = n.handleQuery(ctx, m)
	case *wire.ResponseMessage:
		err = n.handleResponse(ctx, m)
	case *wire.FinalityVoteMessage:
		err = n.handleFinalityVote(ctx, m)
	case *wire.IsolationNotice:
		err = n.handleIsolationNotice(m)
	}
	if errors.Is(err, wire.ErrMalformed) {
		n.recordEvidence(n.detector.Fault(byzantine.MalformedMessage, in.from, err.Error()))
		return
	}
	if err != nil {
		n.logger.Debug("Message not processed",
			zap.Stringer("from", in.from),
			zap.Stringer("kind", m.Kind()),
			zap.Error(err),
		)
	}
}

func (n *Node) handleVertex(ctx context.Context, in inbound, m *wire.VertexMessage) {
	v, found := n.detector.ValidateProposal(m, byzantine.VertexContext{From: in.from, ReceivedAt: in.at})
	for _, ev := range found {
		n.recordEvidence(ev)
	}
	if v == nil {
		return
	}
	n.admit(ctx, v)
}

// admit submits a received vertex, holding it back while a parent is
// missing.
func (n *Node) admit(ctx context.Context, v *consensus.Vertex) {
	_, err := n.engine.SubmitVertex(ctx, v)
	switch {
	case err == nil:
		n.afterAdmit(ctx, v.ID)
	case errors.Is(err, consensus.ErrMissingParent):
		n.orphanMu.Lock()
		n.orphans.Add(v.ID, v)
		n.orphanMu.Unlock()
		n.logger.Debug("Holding orphan vertex", zap.Stringer("vertex", v.ID), zap.Error(err))
	default:
		n.logger.Debug("Vertex not admitted", zap.Stringer("vertex", v.ID), zap.Error(err))
	}
}

// afterAdmit replays queries parked for id and retries orphans whose
// parents are now known.
func (n *Node) afterAdmit(ctx context.Context, id consensus.VertexID) {
	for _, q := range n.unpark(id) {
		if err := n.engine.HandleQuery(ctx, q); err != nil {
			n.logger.Debug("Parked query dropped", zap.Stringer("vertex", id), zap.Error(err))
		}
	}
	for _, v := range n.readyOrphans() {
		n.admit(ctx, v)
	}
}

func (n *Node) readyOrphans() []*consensus.Vertex {
	n.orphanMu.Lock()
	defer n.orphanMu.Unlock()
	var ready []*consensus.Vertex
	for _, id := range n.orphans.Keys() {
		v, ok := n.orphans.Peek(id)
		if !ok {
			continue
		}
		known := true
		for _, p := range v.Parents {
			if !n.engine.Known(p) {
				known = false
				break
			}
		}
		if known {
			n.orphans.Remove(id)
			ready = append(ready, v)
		}
	}
	return ready
}

func (n *Node) park(q *consensus.ConsensusQuery) {
	n.parkedMu.Lock()
	defer n.parkedMu.Unlock()
	waiting, _ := n.parked.Peek(q.VertexID)
	n.parked.Add(q.VertexID, append(waiting, parkedQuery{query: q, at: time.Now()}))
}

// unpark removes the queries parked for id and returns those still within
// their round deadline.
func (n *Node) unpark(id consensus.VertexID) []*consensus.ConsensusQuery {
	n.parkedMu.Lock()
	waiting, ok := n.parked.Peek(id)
	if ok {
		n.parked.Remove(id)
	}
	n.parkedMu.Unlock()

	deadline := n.cfg.Consensus.RoundTimeout
	out := make([]*consensus.ConsensusQuery, 0, len(waiting))
	for _, p := range waiting {
		if time.Since(p.at) <= deadline {
			out = append(out, p.query)
		}
	}
	return out
}

func (n *Node) handleQuery(ctx context.Context, m *wire.QueryMessage) error {
	q, err := m.Query()
	if err != nil {
		return err
	}
	err = n.engine.HandleQuery(ctx, q)
	if !errors.Is(err, consensus.ErrUnknownVertex) {
		return err
	}
	n.park(q)
	// The vertex may have been admitted after the lookup.
	if n.engine.Known(q.VertexID) {
		for _, parked := range n.unpark(q.VertexID) {
			if err := n.engine.HandleQuery(ctx, parked); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) handleResponse(ctx context.Context, m *wire.ResponseMessage) error {
	r, err := m.Response()
	if err != nil {
		return err
	}
	height, ok := n.engine.Height(r.VertexID)
	if !ok {
		return consensus.ErrUnknownVertex
	}
	if ev, equivocated := n.detector.ObserveVote(r.Vote(height)); equivocated {
		n.recordEvidence(*ev)
		return fmt.Errorf("%w: response to query %s", consensus.ErrEquivocation, r.QueryID)
	}
	return n.engine.RecordVote(ctx, r)
}

func (n *Node) handleIsolationNotice(m *wire.IsolationNotice) error {
	subject, err := m.SubjectID()
	if err != nil {
		return err
	}
	n.logger.Info("Peer reported isolation change",
		zap.Stringer("reporter", m.Sender()),
		zap.Stringer("subject", subject),
		zap.Bool("isolated", m.Isolated),
		zap.Float64("reputation", m.Reputation),
	)
	return nil
}

// outboundLoop signs, encodes and sends queued messages.
func (n *Node) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-n.outbound:
			n.deliver(ctx, o)
		}
	}
}

func (n *Node) deliver(ctx context.Context, o outbound) {
	if s, ok := o.msg.(wire.Signed); ok {
		if err := wire.Sign(s, n.signer); err != nil {
			n.logger.Error("Failed to sign outbound message", zap.Stringer("kind", o.msg.Kind()), zap.Error(err))
			return
		}
	}
	data, err := wire.Encode(o.msg)
	if err != nil {
		n.logger.Error("Failed to encode outbound message", zap.Stringer("kind", o.msg.Kind()), zap.Error(err))
		return
	}
	n.observe(o.msg.Kind(), false, len(data))

	if o.broadcast {
		err = n.transport.Broadcast(ctx, data)
	} else {
		err = n.transport.Send(ctx, o.to, data)
	}
	if err != nil && ctx.Err() == nil {
		n.logger.Debug("Outbound delivery failed",
			zap.Stringer("kind", o.msg.Kind()),
			zap.Bool("broadcast", o.broadcast),
			zap.Error(err),
		)
	}
}
