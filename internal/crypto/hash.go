package crypto

import (
	"golang.org/x/crypto/sha3"
)

// SHA3Hasher hashes with SHA3-256. It implements consensus.Hasher.
type SHA3Hasher struct{}

// Hash returns SHA3-256(data).
func (SHA3Hasher) Hash(data []byte) [32]byte {
	return sha3.Sum256(data)
}

// Digest hashes the concatenation of parts.
func Digest(parts ...[]byte) [32]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
