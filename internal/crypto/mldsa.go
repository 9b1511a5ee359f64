package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// mldsaContext domain-separates consensus signatures from other ML-DSA uses.
var mldsaContext = []byte("dagbft")

// parsedKeyCacheSize bounds the number of unpacked public keys kept around.
const parsedKeyCacheSize = 1024

// mldsaScheme implements ML-DSA-65 (FIPS 204), the default quantum-resistant
// validator scheme.
type mldsaScheme struct {
	keys *lru.Cache[string, *mldsa65.PublicKey]
}

func newMLDSAScheme() *mldsaScheme {
	keys, _ := lru.New[string, *mldsa65.PublicKey](parsedKeyCacheSize)
	return &mldsaScheme{keys: keys}
}

func (s *mldsaScheme) Name() string { return SchemeMLDSA65 }

func (s *mldsaScheme) NewSigner(seed []byte) (consensus.Signer, error) {
	if len(seed) != mldsa65.SeedSize {
		return nil, fmt.Errorf("%w: mldsa65 needs %d bytes, got %d", ErrInvalidSeed, mldsa65.SeedSize, len(seed))
	}
	var buf [mldsa65.SeedSize]byte
	copy(buf[:], seed)
	pk, sk := mldsa65.NewKeyFromSeed(&buf)
	return &mldsaSigner{sk: sk, pub: pk.Bytes()}, nil
}

func (s *mldsaScheme) Verify(msg, sig, publicKey []byte) bool {
	if len(sig) != mldsa65.SignatureSize || len(publicKey) != mldsa65.PublicKeySize {
		return false
	}
	pk, ok := s.keys.Get(string(publicKey))
	if !ok {
		pk = new(mldsa65.PublicKey)
		if err := pk.UnmarshalBinary(publicKey); err != nil {
			return false
		}
		s.keys.Add(string(publicKey), pk)
	}
	return mldsa65.Verify(pk, msg, mldsaContext, sig)
}

type mldsaSigner struct {
	sk  *mldsa65.PrivateKey
	pub []byte
}

func (s *mldsaSigner) Scheme() string    { return SchemeMLDSA65 }
func (s *mldsaSigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *mldsaSigner) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(s.sk, msg, mldsaContext, false, sig); err != nil {
		return nil, fmt.Errorf("mldsa65 sign: %w", err)
	}
	return sig, nil
}
