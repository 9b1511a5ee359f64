package crypto

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// DefaultVerifyCacheSize is the number of positive verifications remembered.
const DefaultVerifyCacheSize = 16384

// CachedVerifier remembers successful verifications so that a message seen
// twice (gossip, parked queries, re-submission) is verified once. Failures
// are never cached.
type CachedVerifier struct {
	inner consensus.Verifier
	seen  *lru.Cache[[32]byte, struct{}]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedVerifier wraps inner with an LRU of the given size.
func NewCachedVerifier(inner consensus.Verifier, size int) (*CachedVerifier, error) {
	if size <= 0 {
		size = DefaultVerifyCacheSize
	}
	seen, err := lru.New[[32]byte, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &CachedVerifier{inner: inner, seen: seen}, nil
}

// Verify implements consensus.Verifier.
func (c *CachedVerifier) Verify(msg, sig, publicKey []byte) bool {
	key := Digest(publicKey, sig, msg)
	if _, ok := c.seen.Get(key); ok {
		c.hits.Add(1)
		return true
	}
	c.misses.Add(1)
	if !c.inner.Verify(msg, sig, publicKey) {
		return false
	}
	c.seen.Add(key, struct{}{})
	return true
}

// Stats returns cache hits and misses.
func (c *CachedVerifier) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
