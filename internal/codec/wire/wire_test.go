package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

func testSigner(t *testing.T, fill byte) (consensus.Signer, crypto.Scheme) {
	t.Helper()
	scheme, err := crypto.LookupScheme(crypto.SchemeEd25519)
	require.NoError(t, err)
	seed := make([]byte, crypto.SeedSize)
	for i := range seed {
		seed[i] = fill
	}
	signer, err := scheme.NewSigner(seed)
	require.NoError(t, err)
	return signer, scheme
}

func testVertex() *consensus.Vertex {
	h := crypto.SHA3Hasher{}
	creator := consensus.ValidatorID{1, 2, 3}
	parent := consensus.VertexID{9}
	ts := time.Unix(1700000000, 42)
	payload := []byte("acct1:debit")
	return &consensus.Vertex{
		ID:        consensus.ComputeVertexID(h, creator, []consensus.VertexID{parent}, payload, ts),
		Parents:   []consensus.VertexID{parent},
		Payload:   payload,
		Creator:   creator,
		Timestamp: ts,
		Signature: []byte{0xAA, 0xBB},
	}
}

func TestVertexMessageRoundTrip(t *testing.T) {
	v := testVertex()
	msg := NewVertexMessage(v, crypto.SHA3Hasher{})

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	vm, ok := decoded.(*VertexMessage)
	require.True(t, ok)

	digest := crypto.SHA3Hasher{}.Hash(v.Payload)
	assert.Equal(t, digest[:], vm.Hash)
	assert.Equal(t, v.Creator, vm.Sender())

	got, err := vm.Vertex()
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, v.Parents, got.Parents)
	assert.Equal(t, v.Payload, got.Payload)
	assert.Equal(t, v.Signature, got.Signature)
	assert.Equal(t, v.Timestamp.UnixNano(), got.Timestamp.UnixNano())

	// The receiver recomputes the same id from the decoded fields.
	recomputed := consensus.ComputeVertexID(crypto.SHA3Hasher{}, got.Creator, got.Parents, got.Payload, got.Timestamp)
	assert.Equal(t, v.ID, recomputed)
}

func TestSignedMessagesRoundTrip(t *testing.T) {
	signer, scheme := testSigner(t, 7)
	self := crypto.CalcValidatorID(signer.PublicKey())
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		msg  Signed
	}{
		{
			name: "query",
			msg: NewQueryMessage(&consensus.ConsensusQuery{
				QueryID:   consensus.QueryID{1},
				VertexID:  consensus.VertexID{2},
				Requester: self,
				Timestamp: now,
			}),
		},
		{
			name: "response",
			msg: NewResponseMessage(&consensus.ConsensusResponse{
				QueryID:    consensus.QueryID{1},
				VertexID:   consensus.VertexID{2},
				Responder:  self,
				Accept:     true,
				Confidence: 0.5,
				Timestamp:  now,
			}),
		},
		{
			name: "finality vote",
			msg: NewFinalityVoteMessage(&consensus.FinalityVote{
				VertexID:  consensus.VertexID{3},
				Voter:     self,
				Phase:     consensus.VoteCommit,
				View:      11,
				Height:    4,
				Timestamp: now,
			}),
		},
		{
			name: "isolation notice",
			msg: &IsolationNotice{
				Subject:    make([]byte, 20),
				Reporter:   self[:],
				Isolated:   true,
				Reputation: 0.05,
				Timestamp:  now.UnixNano(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, Verify(tt.msg, scheme, signer.PublicKey()), "unsigned message must not verify")
			require.NoError(t, Sign(tt.msg, signer))
			require.True(t, Verify(tt.msg, scheme, signer.PublicKey()))

			data, err := Encode(tt.msg)
			require.NoError(t, err)
			decoded, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, tt.msg.Kind(), decoded.Kind())

			signed, ok := decoded.(Signed)
			require.True(t, ok)
			assert.Equal(t, self, signed.Sender())
			assert.True(t, Verify(signed, scheme, signer.PublicKey()))

			other, _ := testSigner(t, 8)
			assert.False(t, Verify(signed, scheme, other.PublicKey()))
		})
	}
}

func TestTamperedResponseFailsVerification(t *testing.T) {
	signer, scheme := testSigner(t, 3)
	msg := NewResponseMessage(&consensus.ConsensusResponse{
		QueryID:   consensus.QueryID{5},
		VertexID:  consensus.VertexID{6},
		Responder: crypto.CalcValidatorID(signer.PublicKey()),
		Accept:    true,
		Timestamp: time.Now(),
	})
	require.NoError(t, Sign(msg, signer))

	msg.Accept = false
	assert.False(t, Verify(msg, scheme, signer.PublicKey()))
}

func TestSigningBytesDifferByKind(t *testing.T) {
	q := &QueryMessage{QueryID: []byte{1}, Timestamp: 1}
	r := &ResponseMessage{QueryID: []byte{1}, Timestamp: 1}

	qb, err := SigningBytes(q)
	require.NoError(t, err)
	rb, err := SigningBytes(r)
	require.NoError(t, err)

	assert.Equal(t, byte(KindQuery), qb[0])
	assert.Equal(t, byte(KindResponse), rb[0])
	assert.NotEqual(t, qb, rb)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := marshal(&Envelope{Kind: 99, Body: []byte{0x01}})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestConversionRejectsBadLengths(t *testing.T) {
	_, err := (&QueryMessage{QueryID: make([]byte, 3), VertexID: make([]byte, 32), Requester: make([]byte, 20)}).Query()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&ResponseMessage{QueryID: make([]byte, 16), VertexID: make([]byte, 31), Responder: make([]byte, 20)}).Response()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&ResponseMessage{QueryID: make([]byte, 16), VertexID: make([]byte, 32), Responder: make([]byte, 20), Confidence: 1.5}).Response()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&FinalityVoteMessage{VertexID: make([]byte, 32), Voter: make([]byte, 20), Phase: 9}).FinalityVote()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&VertexMessage{VertexID: make([]byte, 32), Creator: make([]byte, 20), Parents: [][]byte{{1}}}).Vertex()
	assert.ErrorIs(t, err, ErrMalformed)
}
