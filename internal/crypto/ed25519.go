package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// ed25519Scheme is the classical fallback for networks that do not need
// post-quantum signatures.
type ed25519Scheme struct{}

func (ed25519Scheme) Name() string { return SchemeEd25519 }

func (ed25519Scheme) NewSigner(seed []byte) (consensus.Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 needs %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &ed25519Signer{priv: priv}, nil
}

func (ed25519Scheme) Verify(msg, sig, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

func (s *ed25519Signer) Scheme() string { return SchemeEd25519 }

func (s *ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}
