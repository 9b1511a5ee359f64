// Package wire defines the signed messages validators exchange and their
// canonical CBOR encoding. Every message except VertexMessage is signed over
// its SigningBytes; a VertexMessage carries the creator's vertex signature.
package wire

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Kind tags the message carried by an Envelope.
type Kind uint8

const (
	KindVertex Kind = iota + 1
	KindQuery
	KindResponse
	KindFinalityVote
	KindIsolationNotice
)

// String returns the string representation.
func (k Kind) String() string {
	switch k {
	case KindVertex:
		return "vertex"
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindFinalityVote:
		return "finality_vote"
	case KindIsolationNotice:
		return "isolation_notice"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownKind is returned when an envelope carries an unknown tag.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformed is returned for undecodable or structurally invalid messages.
	ErrMalformed = errors.New("malformed wire message")
)

// Message is any wire message.
type Message interface {
	Kind() Kind
}

// Envelope frames a message for the transport.
type Envelope struct {
	Kind Kind   `codec:"k"`
	Body []byte `codec:"b"`
}

// cbor is shared by all encoders; handles are safe for concurrent use once
// configured.
var cbor = newHandle()

func newHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}

func marshal(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, cbor).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, cbor).Decode(v)
}

// Encode frames msg in an Envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	return marshal(&Envelope{Kind: msg.Kind(), Body: body})
}

// Decode parses an Envelope and its body.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}

	var msg Message
	switch env.Kind {
	case KindVertex:
		msg = new(VertexMessage)
	case KindQuery:
		msg = new(QueryMessage)
	case KindResponse:
		msg = new(ResponseMessage)
	case KindFinalityVote:
		msg = new(FinalityVoteMessage)
	case KindIsolationNotice:
		msg = new(IsolationNotice)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if err := unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, env.Kind, err)
	}
	return msg, nil
}
