package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, SeedSize)
}

func TestSchemes_SignatureRoundTrip(t *testing.T) {
	for _, name := range SchemeNames() {
		t.Run(name, func(t *testing.T) {
			scheme, err := LookupScheme(name)
			require.NoError(t, err)

			signer, err := scheme.NewSigner(testSeed(7))
			require.NoError(t, err)
			assert.Equal(t, name, signer.Scheme())

			msg := []byte("vertex 42 accepted at height 10")
			sig, err := signer.Sign(msg)
			require.NoError(t, err)
			require.True(t, scheme.Verify(msg, sig, signer.PublicKey()))

			// Single-bit mutation of the message.
			for _, i := range []int{0, len(msg) / 2, len(msg) - 1} {
				mutated := append([]byte(nil), msg...)
				mutated[i] ^= 0x01
				assert.False(t, scheme.Verify(mutated, sig, signer.PublicKey()), "message bit %d", i)
			}

			// Single-bit mutation of the signature.
			for _, i := range []int{0, len(sig) / 2, len(sig) - 1} {
				mutated := append([]byte(nil), sig...)
				mutated[i] ^= 0x01
				assert.False(t, scheme.Verify(msg, mutated, signer.PublicKey()), "signature bit %d", i)
			}

			// Another key must not verify.
			other, err := scheme.NewSigner(testSeed(8))
			require.NoError(t, err)
			assert.False(t, scheme.Verify(msg, sig, other.PublicKey()))
		})
	}
}

func TestSchemes_DeterministicFromSeed(t *testing.T) {
	for _, name := range SchemeNames() {
		scheme, err := LookupScheme(name)
		require.NoError(t, err)

		a, err := scheme.NewSigner(testSeed(3))
		require.NoError(t, err)
		b, err := scheme.NewSigner(testSeed(3))
		require.NoError(t, err)
		assert.Equal(t, a.PublicKey(), b.PublicKey(), name)
		assert.Equal(t, CalcValidatorID(a.PublicKey()), CalcValidatorID(b.PublicKey()), name)
	}
}

func TestSchemes_RejectBadSeed(t *testing.T) {
	for _, name := range SchemeNames() {
		scheme, err := LookupScheme(name)
		require.NoError(t, err)
		_, err = scheme.NewSigner([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidSeed, name)
	}
}

func TestLookupScheme_Unknown(t *testing.T) {
	_, err := LookupScheme("rsa")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestSHA3Hasher(t *testing.T) {
	h := SHA3Hasher{}
	a := h.Hash([]byte("abc"))
	assert.Equal(t, a, h.Hash([]byte("abc")))
	assert.NotEqual(t, a, h.Hash([]byte("abd")))
	assert.Equal(t, Digest([]byte("a"), []byte("bc")), Digest([]byte("abc")))
}

type countingVerifier struct {
	calls int
	ok    bool
}

func (c *countingVerifier) Verify(msg, sig, pub []byte) bool {
	c.calls++
	return c.ok
}

func TestCachedVerifier(t *testing.T) {
	inner := &countingVerifier{ok: true}
	cv, err := NewCachedVerifier(inner, 8)
	require.NoError(t, err)

	assert.True(t, cv.Verify([]byte("m"), []byte("s"), []byte("k")))
	assert.True(t, cv.Verify([]byte("m"), []byte("s"), []byte("k")))
	assert.Equal(t, 1, inner.calls)

	hits, misses := cv.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	inner.ok = false
	assert.False(t, cv.Verify([]byte("m2"), []byte("s"), []byte("k")))
	assert.False(t, cv.Verify([]byte("m2"), []byte("s"), []byte("k")))
	assert.Equal(t, 3, inner.calls, "failures are not cached")
}
