package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// SeedSize is the length of the secret seed every scheme derives keys from.
const SeedSize = 32

// Scheme names.
const (
	SchemeMLDSA65   = "mldsa65"
	SchemeEd25519   = "ed25519"
	SchemeSecp256k1 = "secp256k1"
)

var (
	// ErrInvalidSeed is returned when a seed has the wrong length.
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrUnknownScheme is returned by LookupScheme.
	ErrUnknownScheme = errors.New("unknown signature scheme")
)

// Scheme is a signature algorithm usable for validator keys.
type Scheme interface {
	consensus.Verifier

	// Name returns the scheme name used in configuration.
	Name() string

	// NewSigner derives a deterministic signer from a SeedSize-byte seed.
	NewSigner(seed []byte) (consensus.Signer, error)
}

var schemes = map[string]Scheme{
	SchemeMLDSA65:   newMLDSAScheme(),
	SchemeEd25519:   ed25519Scheme{},
	SchemeSecp256k1: secp256k1Scheme{},
}

// LookupScheme returns the scheme registered under name.
func LookupScheme(name string) (Scheme, error) {
	s, ok := schemes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return s, nil
}

// SchemeNames lists the registered schemes.
func SchemeNames() []string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate random seed: %w", err)
	}
	return seed, nil
}
