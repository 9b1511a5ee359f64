package csf

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/transport/memnet"
)

// Behavior is the scripted misbehavior of a Byzantine actor.
type Behavior int

const (
	// Equivocate answers every query twice with opposite preferences.
	Equivocate Behavior = iota + 1
	// Silent never answers.
	Silent
	// Forge answers with signatures made by a key it does not own.
	Forge
)

var behaviorNames = map[Behavior]string{
	Equivocate: "equivocate",
	Silent:     "silent",
	Forge:      "forge",
}

func (b Behavior) String() string {
	if name, ok := behaviorNames[b]; ok {
		return name
	}
	return fmt.Sprintf("Behavior(%d)", int(b))
}

// ParseBehavior resolves a behavior by name.
func ParseBehavior(s string) (Behavior, error) {
	for b, name := range behaviorNames {
		if strings.EqualFold(s, name) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown byzantine behavior %q", s)
}

// Actor is a registered validator that speaks the wire protocol directly and
// misbehaves according to its script. It never proposes or votes on finality.
type Actor struct {
	id       consensus.ValidatorID
	signer   consensus.Signer
	forger   consensus.Signer
	behavior Behavior
	ep       *memnet.Endpoint
	logger   *zap.Logger
}

// ID returns the actor's validator id.
func (a *Actor) ID() consensus.ValidatorID { return a.id }

// Behavior returns the actor's script.
func (a *Actor) Behavior() Behavior { return a.behavior }

// Run answers queries until ctx is done.
func (a *Actor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-a.ep.Inbound():
			if !ok {
				return nil
			}
			a.handle(ctx, raw)
		}
	}
}

func (a *Actor) handle(ctx context.Context, raw consensus.InboundMessage) {
	msg, err := wire.Decode(raw.Data)
	if err != nil {
		return
	}
	m, ok := msg.(*wire.QueryMessage)
	if !ok {
		return
	}
	q, err := m.Query()
	if err != nil {
		return
	}

	switch a.behavior {
	case Silent:
	case Equivocate:
		a.respond(ctx, raw.From, q, true, a.signer)
		a.respond(ctx, raw.From, q, false, a.signer)
	case Forge:
		a.respond(ctx, raw.From, q, false, a.forger)
	}
}

func (a *Actor) respond(ctx context.Context, to consensus.ValidatorID, q *consensus.ConsensusQuery, accept bool, signer consensus.Signer) {
	resp := wire.NewResponseMessage(&consensus.ConsensusResponse{
		QueryID:    q.QueryID,
		VertexID:   q.VertexID,
		Responder:  a.id,
		Accept:     accept,
		Confidence: 1,
		Timestamp:  time.Now(),
	})
	if err := wire.Sign(resp, signer); err != nil {
		a.logger.Debug("Sign failed", zap.Error(err))
		return
	}
	data, err := wire.Encode(resp)
	if err != nil {
		return
	}
	if err := a.ep.Send(ctx, to, data); err != nil {
		a.logger.Debug("Send failed", zap.Stringer("to", to), zap.Error(err))
	}
}
