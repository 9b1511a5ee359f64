package consensus

import (
	"context"
)

// VertexStore persists admitted vertices. Implementations must be safe for
// concurrent use.
type VertexStore interface {
	// GetVertex returns the vertex or ErrVertexNotFound.
	GetVertex(ctx context.Context, id VertexID) (*Vertex, error)

	// HasVertex reports whether the vertex is stored.
	HasVertex(ctx context.Context, id VertexID) (bool, error)

	// PutVertex stores a vertex. Storing the same vertex twice is a no-op.
	PutVertex(ctx context.Context, v *Vertex) error

	// GetTips returns vertices that have no children.
	GetTips(ctx context.Context) ([]VertexID, error)

	// QueryByHeight returns all vertices at the given height.
	QueryByHeight(ctx context.Context, height uint64) ([]VertexID, error)
}

// Hasher is the collision-resistant hash used for vertex ids.
type Hasher interface {
	Hash(data []byte) [32]byte
}

// Signer signs on behalf of the local validator.
type Signer interface {
	// Scheme names the signature algorithm.
	Scheme() string

	// PublicKey returns the encoded public key.
	PublicKey() []byte

	// Sign signs msg.
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks signatures of one scheme.
type Verifier interface {
	Verify(msg, sig, publicKey []byte) bool
}

// InboundMessage is a message delivered by the transport. From is the
// transport-authenticated peer, independent of any id claimed inside Data.
type InboundMessage struct {
	From ValidatorID
	Data []byte
}

// Transport moves encoded messages between validators. Delivery failures are
// retried by the transport itself.
type Transport interface {
	// Send delivers data to one peer.
	Send(ctx context.Context, to ValidatorID, data []byte) error

	// Broadcast delivers data to every connected peer.
	Broadcast(ctx context.Context, data []byte) error

	// Inbound returns the stream of received messages.
	Inbound() <-chan InboundMessage
}
