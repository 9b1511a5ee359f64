package crypto

import (
	"crypto/sha256"

	"github.com/decred/dcrd/crypto/ripemd160"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// ValidatorIDSize is the size of a validator id in bytes.
const ValidatorIDSize = 20

// CalcValidatorID derives the validator id from an encoded public key as
// RIPEMD160(SHA256(publicKey)). The same computation is used for every
// signature scheme; the whole encoded key is hashed.
func CalcValidatorID(publicKey []byte) consensus.ValidatorID {
	sha := sha256.Sum256(publicKey)

	h := ripemd160.New()
	h.Write(sha[:])

	var id consensus.ValidatorID
	copy(id[:], h.Sum(nil))
	return id
}

// ValidatorIDFromBytes converts a 20-byte slice. It returns the zero id for
// any other length.
func ValidatorIDFromBytes(b []byte) consensus.ValidatorID {
	var id consensus.ValidatorID
	if len(b) == ValidatorIDSize {
		copy(id[:], b)
	}
	return id
}
