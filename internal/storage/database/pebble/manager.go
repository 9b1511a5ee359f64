package pebble

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/LeJamon/goDAGBFT/internal/storage/database"
)

// Manager opens named pebble databases under one directory and closes them
// together.
type Manager struct {
	dbs  map[string]*pebble.DB
	path string
	mu   sync.Mutex

	fs        vfs.FS
	cacheSize int64
	sync      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithFS sets the filesystem, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithCacheSize sets the block cache size in bytes.
func WithCacheSize(bytes int64) Option {
	return func(m *Manager) { m.cacheSize = bytes }
}

// WithSync makes every write durable before returning.
func WithSync(sync bool) Option {
	return func(m *Manager) { m.sync = sync }
}

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		dbs:       make(map[string]*pebble.DB),
		path:      path,
		cacheSize: 8 << 20,
		sync:      true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) OpenDB(name string) (database.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, exists := m.dbs[name]; exists {
		return NewDB(db, m.sync), nil // Already opened
	}

	dbPath := filepath.Join(m.path, name+".db")
	cache := pebble.NewCache(m.cacheSize)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache: cache,
		FS:    m.fs,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}

	m.dbs[name] = db

	return NewDB(db, m.sync), nil
}

func (m *Manager) CloseDB(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, exists := m.dbs[name]
	if !exists {
		return fmt.Errorf("database %s not found", name)
	}

	err := db.Close()
	if err != nil {
		return err
	}

	delete(m.dbs, name)
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close database %s: %w", name, err)
		}
		delete(m.dbs, name)
	}
	return lastErr
}
