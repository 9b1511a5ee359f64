// Package vertexstore provides consensus.VertexStore implementations: an
// in-memory arena and a Pebble-backed store with payload compression and an
// LRU read cache.
package vertexstore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	pebbledb "github.com/LeJamon/goDAGBFT/internal/storage/database/pebble"
)

// Store is a VertexStore that also exposes the derived children index.
type Store interface {
	consensus.VertexStore

	// Children returns the direct children of id.
	Children(ctx context.Context, id consensus.VertexID) ([]consensus.VertexID, error)

	// Close releases the backend.
	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// Config selects and tunes a backend.
type Config struct {
	Backend    string
	Path       string
	CacheSize  int
	Compressor string
	Sync       bool

	// FS overrides the filesystem for the pebble backend.
	FS vfs.FS
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendMemory,
		CacheSize:  4096,
		Compressor: "lz4",
		Sync:       true,
	}
}

// Open builds the configured store. The hasher is used to verify vertex ids
// on read from persistent backends.
func Open(cfg Config, hasher consensus.Hasher) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendPebble:
		opts := []pebbledb.Option{pebbledb.WithSync(cfg.Sync)}
		if cfg.FS != nil {
			opts = append(opts, pebbledb.WithFS(cfg.FS))
		}
		manager := pebbledb.NewManager(cfg.Path, opts...)
		db, err := manager.OpenDB("vertices")
		if err != nil {
			return nil, err
		}
		store, err := NewPebbleStore(db, hasher, cfg.Compressor, cfg.CacheSize)
		if err != nil {
			manager.Close()
			return nil, err
		}
		store.closer = manager
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vertex store backend: %s", cfg.Backend)
	}
}

// checkParents enforces that every parent is already stored.
func checkParents(ctx context.Context, s consensus.VertexStore, v *consensus.Vertex) error {
	for _, p := range v.Parents {
		ok, err := s.HasVertex(ctx, p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", consensus.ErrMissingParent, p.Short())
		}
	}
	return nil
}
