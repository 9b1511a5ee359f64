package avalanche

import (
	"context"
	"time"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Adaptor connects the engine to the node. Calls are made from shard
// workers and must not block on engine operations.
type Adaptor interface {
	// VerifyVertex checks the creator signature of a submitted vertex.
	VerifyVertex(v *consensus.Vertex) error

	// SendQuery asks a sampled validator for its preference.
	SendQuery(ctx context.Context, to consensus.ValidatorID, q *consensus.ConsensusQuery)

	// SendResponse answers a query.
	SendResponse(ctx context.Context, to consensus.ValidatorID, r *consensus.ConsensusResponse)

	// OnAccepted is called once per accepted vertex.
	OnAccepted(v *consensus.Vertex, ev *consensus.VertexAcceptedEvent)

	// OnRejected is called once per rejected vertex.
	OnRejected(id consensus.VertexID, reason string)

	// OnResponse is called for every counted response with its latency.
	OnResponse(r *consensus.ConsensusResponse, delay time.Duration)

	// OnAbstention is called for each sampled validator that missed the deadline.
	OnAbstention(validator consensus.ValidatorID, query consensus.QueryID)

	// OnRoundComplete is called when a round concludes.
	OnRoundComplete(ev *consensus.RoundCompletedEvent)
}

// Sampler selects validators to query.
type Sampler interface {
	Sample(k int, exclude ...consensus.ValidatorID) ([]consensus.ValidatorID, error)
}

// NopAdaptor ignores every callback and accepts every vertex.
type NopAdaptor struct{}

func (NopAdaptor) VerifyVertex(*consensus.Vertex) error { return nil }
func (NopAdaptor) SendQuery(context.Context, consensus.ValidatorID, *consensus.ConsensusQuery) {
}
func (NopAdaptor) SendResponse(context.Context, consensus.ValidatorID, *consensus.ConsensusResponse) {
}
func (NopAdaptor) OnAccepted(*consensus.Vertex, *consensus.VertexAcceptedEvent) {}
func (NopAdaptor) OnRejected(consensus.VertexID, string)                        {}
func (NopAdaptor) OnResponse(*consensus.ConsensusResponse, time.Duration)       {}
func (NopAdaptor) OnAbstention(consensus.ValidatorID, consensus.QueryID)        {}
func (NopAdaptor) OnRoundComplete(*consensus.RoundCompletedEvent)               {}
