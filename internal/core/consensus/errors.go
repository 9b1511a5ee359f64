package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure is a delivery error; the transport retries it.
	ErrTransportFailure = errors.New("transport failure")

	// ErrSignatureInvalid means a signature did not verify against the
	// claimed sender's registered key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrEquivocation means a validator signed conflicting votes.
	ErrEquivocation = errors.New("equivocation")

	// ErrConsensusTimeout marks a query that expired; it counts as an abstention.
	ErrConsensusTimeout = errors.New("consensus timeout")

	// ErrInsufficientVotes means quorum was not met yet. Callers retry.
	ErrInsufficientVotes = errors.New("insufficient votes")

	// ErrForkDetected means competing vertices occupy one DAG position.
	ErrForkDetected = errors.New("fork detected")

	// ErrStorageCorruption means the vertex store returned unverifiable
	// ancestry. It is fatal.
	ErrStorageCorruption = errors.New("storage corruption")

	// ErrHalted is returned by the finality engine after corruption was seen.
	ErrHalted = errors.New("finalization halted")

	// ErrVertexNotFound is returned by VertexStore lookups.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrMissingParent rejects a vertex whose parents are not stored.
	ErrMissingParent = errors.New("missing parent")

	// ErrUnknownVertex refers to a vertex the component has not seen.
	ErrUnknownVertex = errors.New("unknown vertex")

	// ErrUnknownValidator refers to an unregistered validator.
	ErrUnknownValidator = errors.New("unknown validator")

	// ErrMalformed rejects structurally invalid vertices and messages.
	ErrMalformed = errors.New("malformed message")
)

// IsFatal reports whether err requires process-level intervention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorageCorruption) || errors.Is(err, ErrHalted)
}

// CorruptionError describes a storage integrity violation.
type CorruptionError struct {
	Vertex VertexID
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("storage corruption at vertex %s: %s", e.Vertex.Short(), e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrStorageCorruption }

// NewCorruptionError builds a CorruptionError.
func NewCorruptionError(id VertexID, reason string) error {
	return &CorruptionError{Vertex: id, Reason: reason}
}
