package wire

import (
	"fmt"
	"time"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// VertexMessage carries a vertex. Hash is the payload digest; VertexID is the
// content hash. Both are recomputed by the receiver.
type VertexMessage struct {
	VertexID  []byte   `codec:"id"`
	Parents   [][]byte `codec:"parents"`
	Payload   []byte   `codec:"payload"`
	Timestamp int64    `codec:"ts"`
	Creator   []byte   `codec:"creator"`
	Signature []byte   `codec:"sig"`
	Hash      []byte   `codec:"hash"`
}

func (*VertexMessage) Kind() Kind { return KindVertex }

// Sender returns the claimed creator.
func (m *VertexMessage) Sender() consensus.ValidatorID {
	var id consensus.ValidatorID
	copy(id[:], m.Creator)
	return id
}

// NewVertexMessage builds the wire form of v.
func NewVertexMessage(v *consensus.Vertex, h consensus.Hasher) *VertexMessage {
	parents := make([][]byte, len(v.Parents))
	for i, p := range v.Parents {
		parents[i] = append([]byte(nil), p[:]...)
	}
	digest := h.Hash(v.Payload)
	return &VertexMessage{
		VertexID:  append([]byte(nil), v.ID[:]...),
		Parents:   parents,
		Payload:   append([]byte(nil), v.Payload...),
		Timestamp: v.Timestamp.UnixNano(),
		Creator:   append([]byte(nil), v.Creator[:]...),
		Signature: append([]byte(nil), v.Signature...),
		Hash:      digest[:],
	}
}

// Vertex converts the message to a vertex. It only checks field sizes;
// hashes and signatures are checked by the Byzantine detector.
func (m *VertexMessage) Vertex() (*consensus.Vertex, error) {
	id, err := toVertexID(m.VertexID, "vertex id")
	if err != nil {
		return nil, err
	}
	creator, err := toValidatorID(m.Creator, "creator")
	if err != nil {
		return nil, err
	}
	parents := make([]consensus.VertexID, len(m.Parents))
	for i, p := range m.Parents {
		if parents[i], err = toVertexID(p, "parent"); err != nil {
			return nil, err
		}
	}
	return &consensus.Vertex{
		ID:        id,
		Parents:   parents,
		Payload:   append([]byte(nil), m.Payload...),
		Creator:   creator,
		Timestamp: time.Unix(0, m.Timestamp),
		Signature: append([]byte(nil), m.Signature...),
	}, nil
}

// QueryMessage is the wire form of consensus.ConsensusQuery.
type QueryMessage struct {
	QueryID   []byte `codec:"qid"`
	VertexID  []byte `codec:"vid"`
	Requester []byte `codec:"req"`
	Timestamp int64  `codec:"ts"`
	Signature []byte `codec:"sig"`
}

func (*QueryMessage) Kind() Kind { return KindQuery }

// Sender returns the claimed requester.
func (m *QueryMessage) Sender() consensus.ValidatorID {
	var id consensus.ValidatorID
	copy(id[:], m.Requester)
	return id
}

func (m *QueryMessage) signature() []byte       { return m.Signature }
func (m *QueryMessage) setSignature(sig []byte) { m.Signature = sig }
func (m *QueryMessage) unsigned() Message {
	c := *m
	c.Signature = nil
	return &c
}

// NewQueryMessage builds the wire form of q.
func NewQueryMessage(q *consensus.ConsensusQuery) *QueryMessage {
	return &QueryMessage{
		QueryID:   append([]byte(nil), q.QueryID[:]...),
		VertexID:  append([]byte(nil), q.VertexID[:]...),
		Requester: append([]byte(nil), q.Requester[:]...),
		Timestamp: q.Timestamp.UnixNano(),
		Signature: append([]byte(nil), q.Signature...),
	}
}

// Query converts the message.
func (m *QueryMessage) Query() (*consensus.ConsensusQuery, error) {
	qid, err := toQueryID(m.QueryID)
	if err != nil {
		return nil, err
	}
	vid, err := toVertexID(m.VertexID, "vertex id")
	if err != nil {
		return nil, err
	}
	req, err := toValidatorID(m.Requester, "requester")
	if err != nil {
		return nil, err
	}
	return &consensus.ConsensusQuery{
		QueryID:   qid,
		VertexID:  vid,
		Requester: req,
		Timestamp: time.Unix(0, m.Timestamp),
		Signature: append([]byte(nil), m.Signature...),
	}, nil
}

// ResponseMessage is the wire form of consensus.ConsensusResponse.
type ResponseMessage struct {
	QueryID    []byte  `codec:"qid"`
	VertexID   []byte  `codec:"vid"`
	Responder  []byte  `codec:"resp"`
	Accept     bool    `codec:"accept"`
	Confidence float64 `codec:"conf"`
	Timestamp  int64   `codec:"ts"`
	Signature  []byte  `codec:"sig"`
}

func (*ResponseMessage) Kind() Kind { return KindResponse }

// Sender returns the claimed responder.
func (m *ResponseMessage) Sender() consensus.ValidatorID {
	var id consensus.ValidatorID
	copy(id[:], m.Responder)
	return id
}

func (m *ResponseMessage) signature() []byte       { return m.Signature }
func (m *ResponseMessage) setSignature(sig []byte) { m.Signature = sig }
func (m *ResponseMessage) unsigned() Message {
	c := *m
	c.Signature = nil
	return &c
}

// NewResponseMessage builds the wire form of r.
func NewResponseMessage(r *consensus.ConsensusResponse) *ResponseMessage {
	return &ResponseMessage{
		QueryID:    append([]byte(nil), r.QueryID[:]...),
		VertexID:   append([]byte(nil), r.VertexID[:]...),
		Responder:  append([]byte(nil), r.Responder[:]...),
		Accept:     r.Accept,
		Confidence: r.Confidence,
		Timestamp:  r.Timestamp.UnixNano(),
		Signature:  append([]byte(nil), r.Signature...),
	}
}

// Response converts the message.
func (m *ResponseMessage) Response() (*consensus.ConsensusResponse, error) {
	qid, err := toQueryID(m.QueryID)
	if err != nil {
		return nil, err
	}
	vid, err := toVertexID(m.VertexID, "vertex id")
	if err != nil {
		return nil, err
	}
	resp, err := toValidatorID(m.Responder, "responder")
	if err != nil {
		return nil, err
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f out of range", ErrMalformed, m.Confidence)
	}
	return &consensus.ConsensusResponse{
		QueryID:    qid,
		VertexID:   vid,
		Responder:  resp,
		Accept:     m.Accept,
		Confidence: m.Confidence,
		Timestamp:  time.Unix(0, m.Timestamp),
		Signature:  append([]byte(nil), m.Signature...),
	}, nil
}

// FinalityVoteMessage is the wire form of consensus.FinalityVote.
type FinalityVoteMessage struct {
	VertexID  []byte `codec:"vid"`
	Voter     []byte `codec:"voter"`
	Phase     uint8  `codec:"phase"`
	View      uint64 `codec:"view"`
	Height    uint64 `codec:"height"`
	Timestamp int64  `codec:"ts"`
	Signature []byte `codec:"sig"`
}

func (*FinalityVoteMessage) Kind() Kind { return KindFinalityVote }

// Sender returns the claimed voter.
func (m *FinalityVoteMessage) Sender() consensus.ValidatorID {
	var id consensus.ValidatorID
	copy(id[:], m.Voter)
	return id
}

func (m *FinalityVoteMessage) signature() []byte       { return m.Signature }
func (m *FinalityVoteMessage) setSignature(sig []byte) { m.Signature = sig }
func (m *FinalityVoteMessage) unsigned() Message {
	c := *m
	c.Signature = nil
	return &c
}

// NewFinalityVoteMessage builds the wire form of fv.
func NewFinalityVoteMessage(fv *consensus.FinalityVote) *FinalityVoteMessage {
	return &FinalityVoteMessage{
		VertexID:  append([]byte(nil), fv.VertexID[:]...),
		Voter:     append([]byte(nil), fv.Voter[:]...),
		Phase:     uint8(fv.Phase),
		View:      fv.View,
		Height:    fv.Height,
		Timestamp: fv.Timestamp.UnixNano(),
		Signature: append([]byte(nil), fv.Signature...),
	}
}

// FinalityVote converts the message.
func (m *FinalityVoteMessage) FinalityVote() (*consensus.FinalityVote, error) {
	vid, err := toVertexID(m.VertexID, "vertex id")
	if err != nil {
		return nil, err
	}
	voter, err := toValidatorID(m.Voter, "voter")
	if err != nil {
		return nil, err
	}
	phase := consensus.VotePhase(m.Phase)
	if phase != consensus.VotePreCommit && phase != consensus.VoteCommit {
		return nil, fmt.Errorf("%w: vote phase %d", ErrMalformed, m.Phase)
	}
	return &consensus.FinalityVote{
		VertexID:  vid,
		Voter:     voter,
		Phase:     phase,
		View:      m.View,
		Height:    m.Height,
		Timestamp: time.Unix(0, m.Timestamp),
		Signature: append([]byte(nil), m.Signature...),
	}, nil
}

// IsolationNotice announces that the reporter isolated (or re-admitted) a
// validator.
type IsolationNotice struct {
	Subject    []byte  `codec:"subject"`
	Reporter   []byte  `codec:"reporter"`
	Isolated   bool    `codec:"isolated"`
	Reputation float64 `codec:"rep"`
	Timestamp  int64   `codec:"ts"`
	Signature  []byte  `codec:"sig"`
}

func (*IsolationNotice) Kind() Kind { return KindIsolationNotice }

// Sender returns the claimed reporter.
func (m *IsolationNotice) Sender() consensus.ValidatorID {
	var id consensus.ValidatorID
	copy(id[:], m.Reporter)
	return id
}

// SubjectID returns the validator the notice is about.
func (m *IsolationNotice) SubjectID() (consensus.ValidatorID, error) {
	return toValidatorID(m.Subject, "subject")
}

func (m *IsolationNotice) signature() []byte       { return m.Signature }
func (m *IsolationNotice) setSignature(sig []byte) { m.Signature = sig }
func (m *IsolationNotice) unsigned() Message {
	c := *m
	c.Signature = nil
	return &c
}

func toVertexID(b []byte, field string) (consensus.VertexID, error) {
	var id consensus.VertexID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: %s has %d bytes", ErrMalformed, field, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func toValidatorID(b []byte, field string) (consensus.ValidatorID, error) {
	var id consensus.ValidatorID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: %s has %d bytes", ErrMalformed, field, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func toQueryID(b []byte) (consensus.QueryID, error) {
	var id consensus.QueryID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: query id has %d bytes", ErrMalformed, len(b))
	}
	copy(id[:], b)
	return id, nil
}
