// Package consensus defines the shared types, collaborator interfaces and
// error taxonomy of the DAG consensus subsystem. Concrete components live in
// the sub-packages (avalanche, finality, forks, byzantine, voting, validators).
package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// VertexID is the content hash of a vertex.
type VertexID [32]byte

// String returns the hex encoding of the id.
func (id VertexID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id VertexID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is unset.
func (id VertexID) IsZero() bool {
	return id == VertexID{}
}

// Compare orders ids lexicographically.
func (id VertexID) Compare(other VertexID) int {
	return bytes.Compare(id[:], other[:])
}

// ValidatorID identifies a validator. It is RIPEMD160(SHA256(publicKey)).
type ValidatorID [20]byte

// String returns the hex encoding of the id.
func (id ValidatorID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is unset.
func (id ValidatorID) IsZero() bool {
	return id == ValidatorID{}
}

// QueryID identifies one sampling query.
type QueryID [16]byte

// String returns the hex encoding of the id.
func (id QueryID) String() string {
	return hex.EncodeToString(id[:])
}

// View folds the query id into the view number used for equivocation checks.
func (id QueryID) View() uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// Status is the externally visible decision state of a vertex.
type Status int

const (
	// StatusUnknown means the vertex has never been admitted.
	StatusUnknown Status = iota

	// StatusPending means sampling rounds are still running.
	StatusPending

	// StatusAccepted means the consensus engine decided the vertex and it
	// has been handed to the finality engine.
	StatusAccepted

	// StatusFinalized means the vertex is committed and irreversible.
	StatusFinalized

	// StatusRejected means the vertex lost its conflict set or descends
	// from a rejected vertex.
	StatusRejected
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Decided reports whether the status is terminal for the consensus engine.
func (s Status) Decided() bool {
	return s == StatusAccepted || s == StatusFinalized || s == StatusRejected
}

// FinalityPhase is the per-vertex state of the two-phase commit.
type FinalityPhase int32

const (
	// PhaseProposed is the entry state of an accepted vertex.
	PhaseProposed FinalityPhase = iota

	// PhasePreCommitted means the first quorum was observed.
	PhasePreCommitted

	// PhaseCommitted is terminal: the vertex is final.
	PhaseCommitted
)

// String returns the string representation of the phase.
func (p FinalityPhase) String() string {
	switch p {
	case PhaseProposed:
		return "proposed"
	case PhasePreCommitted:
		return "precommitted"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// VotePhase distinguishes the two finality ballots.
type VotePhase uint8

const (
	// VotePreCommit is cast once the voter's engine accepted the vertex.
	VotePreCommit VotePhase = iota + 1

	// VoteCommit is cast once the voter observed the vertex pre-committed.
	VoteCommit
)

// String returns the string representation of the vote phase.
func (p VotePhase) String() string {
	switch p {
	case VotePreCommit:
		return "precommit"
	case VoteCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Vertex is a unit of data in the DAG.
type Vertex struct {
	// ID is the content hash over creator, parents, payload and timestamp.
	ID VertexID

	// Parents are the DAG edges. They must exist before the vertex is admitted.
	Parents []VertexID

	// Payload is opaque application data.
	Payload []byte

	// Creator is the validator that built and signed the vertex.
	Creator ValidatorID

	// Timestamp is the creator's wall clock at creation.
	Timestamp time.Time

	// Signature is the creator's signature over VertexSigningBytes(ID).
	Signature []byte

	// Height is derived on admission: 0 for genesis, 1 + max parent height otherwise.
	Height uint64
}

// IsGenesis reports whether the vertex has no parents.
func (v *Vertex) IsGenesis() bool {
	return len(v.Parents) == 0
}

// Clone returns a deep copy.
func (v *Vertex) Clone() *Vertex {
	c := *v
	c.Parents = append([]VertexID(nil), v.Parents...)
	c.Payload = append([]byte(nil), v.Payload...)
	c.Signature = append([]byte(nil), v.Signature...)
	return &c
}

// VertexMetadata is the mutable consensus state attached to a vertex.
type VertexMetadata struct {
	// Confidence is accumulated chits over the confidence threshold, in [0,1].
	Confidence float64

	// Confirmations counts successful chits credited to the vertex.
	Confirmations int

	// Finalized is set once the finality engine commits the vertex.
	Finalized bool

	// Round is the number of sampling rounds concluded for the vertex.
	Round int

	// Chit is the outcome of the latest concluded round.
	Chit bool
}

// Vote is the normalized form of any signed ballot: a query response or a
// finality vote. Equivocation is defined over (Validator, View, Height).
type Vote struct {
	Validator ValidatorID
	VertexID  VertexID
	View      uint64
	Height    uint64
	Accept    bool
	Timestamp time.Time
}

// Conflicts reports whether two votes for the same (validator, view, height)
// disagree.
func (v Vote) Conflicts(other Vote) bool {
	if v.Validator != other.Validator || v.View != other.View || v.Height != other.Height {
		return false
	}
	return v.VertexID != other.VertexID || v.Accept != other.Accept
}

// ConsensusQuery asks a sampled validator for its preference on a vertex.
type ConsensusQuery struct {
	QueryID   QueryID
	VertexID  VertexID
	Requester ValidatorID
	Timestamp time.Time
	Signature []byte
}

// ConsensusResponse answers a ConsensusQuery.
type ConsensusResponse struct {
	QueryID    QueryID
	VertexID   VertexID
	Responder  ValidatorID
	Accept     bool
	Confidence float64
	Timestamp  time.Time
	Signature  []byte
}

// Vote converts the response to a Vote at the given vertex height.
func (r *ConsensusResponse) Vote(height uint64) Vote {
	return Vote{
		Validator: r.Responder,
		VertexID:  r.VertexID,
		View:      r.QueryID.View(),
		Height:    height,
		Accept:    r.Accept,
		Timestamp: r.Timestamp,
	}
}

// FinalityVote is a signed pre-commit or commit ballot.
type FinalityVote struct {
	VertexID  VertexID
	Voter     ValidatorID
	Phase     VotePhase
	View      uint64
	Height    uint64
	Timestamp time.Time
	Signature []byte
}

// Vote converts the ballot to its normalized form.
func (fv *FinalityVote) Vote() Vote {
	return Vote{
		Validator: fv.Voter,
		VertexID:  fv.VertexID,
		View:      fv.View,
		Height:    fv.Height,
		Accept:    true,
		Timestamp: fv.Timestamp,
	}
}

// FinalityRecord is emitted on every forward finality transition.
type FinalityRecord struct {
	VertexID    VertexID
	Height      uint64
	Phase       FinalityPhase
	VotingPower float64
	TotalPower  float64
	Quorum      float64
	Timestamp   time.Time
}

// Fork is a set of mutually non-ancestral vertices at one DAG position.
type Fork struct {
	ID         [32]byte
	Height     uint64
	Position   string
	Competing  []VertexID
	DetectedAt time.Time
}

// ForkResolution records how a fork instance was settled. It is immutable.
type ForkResolution struct {
	ForkID     [32]byte
	Winner     VertexID
	Reason     string
	Power      map[VertexID]float64
	ResolvedAt time.Time
}

// ConflictKeyFunc extracts the conflict-set key of a vertex. Vertices with
// the same non-empty key cannot both be preferred.
type ConflictKeyFunc func(v *Vertex) string

// NoConflicts treats every vertex as the sole member of its conflict set.
func NoConflicts(*Vertex) string { return "" }

// PrefixConflictKey keys vertices by the payload prefix before sep, so
// "acct42:debit" and "acct42:credit" conflict. Payloads without sep have
// no conflicts.
func PrefixConflictKey(sep byte) ConflictKeyFunc {
	return func(v *Vertex) string {
		if i := bytes.IndexByte(v.Payload, sep); i > 0 {
			return string(v.Payload[:i])
		}
		return ""
	}
}

// vertexDomain separates vertex hashes from other hashed material.
var vertexDomain = []byte("dagbft/vertex/v1")

// VertexPreimage is the canonical byte layout hashed into a VertexID.
func VertexPreimage(creator ValidatorID, parents []VertexID, payload []byte, ts time.Time) []byte {
	buf := make([]byte, 0, len(vertexDomain)+20+4+32*len(parents)+4+len(payload)+8)
	buf = append(buf, vertexDomain...)
	buf = append(buf, creator[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(parents)))
	for _, p := range parents {
		buf = append(buf, p[:]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixNano()))
	return buf
}

// ComputeVertexID hashes the vertex content.
func ComputeVertexID(h Hasher, creator ValidatorID, parents []VertexID, payload []byte, ts time.Time) VertexID {
	return VertexID(h.Hash(VertexPreimage(creator, parents, payload, ts)))
}

// VertexSigningBytes is what a creator signs for a vertex.
func VertexSigningBytes(id VertexID) []byte {
	out := make([]byte, 0, len(vertexDomain)+len(id))
	out = append(out, vertexDomain...)
	return append(out, id[:]...)
}

// QuorumSize returns 2f+1 for n validators with f = (n-1)/3.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	f := (n - 1) / 3
	return 2*f + 1
}
