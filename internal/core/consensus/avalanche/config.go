package avalanche

import (
	"errors"
	"time"
)

// Config holds the sampling parameters.
type Config struct {
	// SampleSize is k, the number of validators queried per round.
	SampleSize int

	// Alpha is the fraction of sampled responses that must accept.
	Alpha float64

	// Beta is the number of consecutive successful rounds that decides a
	// preferred vertex.
	Beta int

	// ConfidenceThreshold decides a preferred vertex once its accumulated
	// chits reach it, whichever comes first with Beta. Zero means 2·Beta.
	ConfidenceThreshold int

	// RoundTimeout is the per-query deadline.
	RoundTimeout time.Duration

	// RetryInterval delays a round deferred for lack of quorum.
	RetryInterval time.Duration

	// Shards is the number of state-owning workers.
	Shards int

	// QueueSize bounds each shard's inbox.
	QueueSize int
}

// DefaultConfig returns k=20, α=0.8, β=150 and a 500ms round deadline.
func DefaultConfig() Config {
	return Config{
		SampleSize:    20,
		Alpha:         0.8,
		Beta:          150,
		RoundTimeout:  500 * time.Millisecond,
		RetryInterval: 250 * time.Millisecond,
		Shards:        8,
		QueueSize:     1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SampleSize <= 0 {
		return errors.New("sample size must be positive")
	}
	if c.Alpha <= 0.5 || c.Alpha > 1 {
		return errors.New("alpha must be in (0.5, 1]")
	}
	if c.Beta <= 0 {
		return errors.New("beta must be positive")
	}
	if c.ConfidenceThreshold < 0 {
		return errors.New("confidence threshold must not be negative")
	}
	if c.RoundTimeout <= 0 {
		return errors.New("round timeout must be positive")
	}
	if c.Shards <= 0 {
		return errors.New("shards must be positive")
	}
	return nil
}

func (c Config) threshold() int {
	if c.ConfidenceThreshold > 0 {
		return c.ConfidenceThreshold
	}
	return 2 * c.Beta
}
