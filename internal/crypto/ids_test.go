package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcValidatorID(t *testing.T) {
	tests := []struct {
		name      string
		publicKey string
		id        string
	}{
		{
			name:      "Ed25519 public key",
			publicKey: "ED9434799226374926EDA3B54B1B461B4ABF7237962EAE18528FEA67595397FA32",
			id:        "7f58b19358f8e497c8a9ded3e6db3bc23a13c1a5",
		},
		{
			name:      "Secp256k1 public key",
			publicKey: "0330E7FC9D56BB25D6893BA3F317AE5BCF33B3291BD63DB32654A313222F7FD020",
			id:        "b5f762798a53d543a014caf8b297cff8f2f937e8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubKey, err := hex.DecodeString(tt.publicKey)
			require.NoError(t, err)

			assert.Equal(t, tt.id, CalcValidatorID(pubKey).String())
		})
	}
}

func TestValidatorIDFromBytes(t *testing.T) {
	raw := make([]byte, ValidatorIDSize)
	raw[0] = 0xAB
	id := ValidatorIDFromBytes(raw)
	assert.Equal(t, byte(0xAB), id[0])

	assert.True(t, ValidatorIDFromBytes([]byte{1, 2, 3}).IsZero())
}
