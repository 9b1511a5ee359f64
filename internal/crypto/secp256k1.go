package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// secp256k1Scheme signs SHA-256 digests with ECDSA and DER signatures.
type secp256k1Scheme struct{}

func (secp256k1Scheme) Name() string { return SchemeSecp256k1 }

func (secp256k1Scheme) NewSigner(seed []byte) (consensus.Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: secp256k1 needs %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}
	priv, _ := btcec.PrivKeyFromBytes(seed)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: seed reduces to the zero scalar", ErrInvalidSeed)
	}
	return &secp256k1Signer{priv: priv}, nil
}

func (secp256k1Scheme) Verify(msg, sig, publicKey []byte) bool {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

type secp256k1Signer struct {
	priv *btcec.PrivateKey
}

func (s *secp256k1Signer) Scheme() string { return SchemeSecp256k1 }

func (s *secp256k1Signer) PublicKey() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

func (s *secp256k1Signer) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(s.priv, digest[:]).Serialize(), nil
}
