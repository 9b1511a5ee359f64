package config

import (
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

// ValidatorEntry is one [[validators]] table
type ValidatorEntry struct {
	// PublicKey is the hex encoded public key
	PublicKey string `toml:"public_key" mapstructure:"public_key"`
	Stake     uint64 `toml:"stake" mapstructure:"stake"`
}

// ID derives the validator id from the public key
func (e *ValidatorEntry) ID() (consensus.ValidatorID, error) {
	pub, err := e.publicKey()
	if err != nil {
		return consensus.ValidatorID{}, err
	}
	return crypto.CalcValidatorID(pub), nil
}

func (e *ValidatorEntry) publicKey() ([]byte, error) {
	if e.PublicKey == "" {
		return nil, fmt.Errorf("public_key is empty")
	}
	pub, err := hex.DecodeString(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public_key is not hex: %w", err)
	}
	return pub, nil
}

// validateValidators checks every entry and rejects duplicates
func validateValidators(entries []ValidatorEntry) error {
	seen := make(map[consensus.ValidatorID]int, len(entries))
	for i := range entries {
		e := &entries[i]
		id, err := e.ID()
		if err != nil {
			return fmt.Errorf("invalid validator at index %d: %w", i, err)
		}
		if e.Stake == 0 {
			return fmt.Errorf("invalid validator at index %d: stake must be positive", i)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("validator at index %d duplicates index %d (%s)", i, prev, id)
		}
		seen[id] = i
	}
	return nil
}

// BuildRegistry registers the configured validator set
func (c *Config) BuildRegistry(logger *zap.Logger) (*validators.Registry, error) {
	reg := validators.NewRegistry(c.Reputation.ToValidators(), logger)
	for i := range c.Validators {
		e := &c.Validators[i]
		pub, err := e.publicKey()
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		if err := reg.Register(crypto.CalcValidatorID(pub), pub, e.Stake); err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
	}
	return reg, nil
}
