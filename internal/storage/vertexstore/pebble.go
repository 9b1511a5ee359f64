package vertexstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ugorji/go/codec"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/storage/database"
)

// Key prefixes.
const (
	prefixVertex   byte = 'v'
	prefixHeight   byte = 'h'
	prefixTip      byte = 't'
	prefixChildren byte = 'c'
)

// record is the stored form of a vertex. The id is the key.
type record struct {
	Parents   [][]byte `codec:"p"`
	Payload   []byte   `codec:"d"`
	Codec     string   `codec:"z"`
	Creator   []byte   `codec:"c"`
	Timestamp int64    `codec:"t"`
	Signature []byte   `codec:"s"`
	Height    uint64   `codec:"h"`
}

var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

// PebbleStore persists vertices in a database.DB. Reads recompute the vertex
// id from the stored content and report a mismatch as storage corruption.
type PebbleStore struct {
	db         database.DB
	hasher     consensus.Hasher
	compressor Compressor
	cache      *lru.Cache[consensus.VertexID, *consensus.Vertex]
	closer     io.Closer

	writeMu sync.Mutex

	stats struct {
		reads     atomic.Int64
		cacheHits atomic.Int64
		writes    atomic.Int64
	}
}

// NewPebbleStore wraps db. compressor names a registered Compressor.
func NewPebbleStore(db database.DB, hasher consensus.Hasher, compressor string, cacheSize int) (*PebbleStore, error) {
	if compressor == "" {
		compressor = "none"
	}
	comp, err := GetCompressor(compressor)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[consensus.VertexID, *consensus.Vertex](cacheSize)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, hasher: hasher, compressor: comp, cache: cache}, nil
}

func vertexKey(id consensus.VertexID) []byte {
	return append([]byte{prefixVertex}, id[:]...)
}

func tipKey(id consensus.VertexID) []byte {
	return append([]byte{prefixTip}, id[:]...)
}

func heightPrefix(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixHeight}, height)
}

func heightKey(height uint64, id consensus.VertexID) []byte {
	return append(heightPrefix(height), id[:]...)
}

func childKey(parent, child consensus.VertexID) []byte {
	key := append([]byte{prefixChildren}, parent[:]...)
	return append(key, child[:]...)
}

func (s *PebbleStore) GetVertex(ctx context.Context, id consensus.VertexID) (*consensus.Vertex, error) {
	if v, ok := s.cache.Get(id); ok {
		s.stats.cacheHits.Add(1)
		return v.Clone(), nil
	}
	s.stats.reads.Add(1)

	data, err := s.db.Read(ctx, vertexKey(id))
	if err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, consensus.ErrVertexNotFound
		}
		return nil, fmt.Errorf("failed to read vertex %s: %w", id.Short(), err)
	}
	v, err := s.decode(id, data)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, v)
	return v.Clone(), nil
}

func (s *PebbleStore) HasVertex(ctx context.Context, id consensus.VertexID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	return s.db.Has(ctx, vertexKey(id))
}

func (s *PebbleStore) PutVertex(ctx context.Context, v *consensus.Vertex) error {
	if err := checkParents(ctx, s, v); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.HasVertex(ctx, v.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data, err := s.encode(v)
	if err != nil {
		return err
	}
	ops := []database.BatchOperation{
		database.Put(vertexKey(v.ID), data),
		database.Put(heightKey(v.Height, v.ID), nil),
		database.Put(tipKey(v.ID), nil),
	}
	for _, p := range v.Parents {
		ops = append(ops,
			database.Put(childKey(p, v.ID), nil),
			database.BatchOperation{Type: database.BatchDelete, Key: tipKey(p)},
		)
	}
	if err := s.db.Batch(ctx, ops); err != nil {
		return fmt.Errorf("failed to store vertex %s: %w", v.ID.Short(), err)
	}
	s.stats.writes.Add(1)
	s.cache.Add(v.ID, v.Clone())
	return nil
}

func (s *PebbleStore) GetTips(ctx context.Context) ([]consensus.VertexID, error) {
	return s.scanIDs(ctx, []byte{prefixTip})
}

func (s *PebbleStore) QueryByHeight(ctx context.Context, height uint64) ([]consensus.VertexID, error) {
	return s.scanIDs(ctx, heightPrefix(height))
}

func (s *PebbleStore) Children(ctx context.Context, id consensus.VertexID) ([]consensus.VertexID, error) {
	return s.scanIDs(ctx, append([]byte{prefixChildren}, id[:]...))
}

// scanIDs collects the trailing 32-byte ids of all keys under prefix.
func (s *PebbleStore) scanIDs(ctx context.Context, prefix []byte) ([]consensus.VertexID, error) {
	it, err := s.db.Iterator(ctx, prefix, database.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []consensus.VertexID
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+32 {
			return nil, consensus.NewCorruptionError(consensus.VertexID{}, fmt.Sprintf("index key of %d bytes", len(key)))
		}
		var id consensus.VertexID
		copy(id[:], key[len(prefix):])
		out = append(out, id)
	}
	return out, it.Error()
}

// Stats returns backend reads, cache hits and writes.
func (s *PebbleStore) Stats() (reads, cacheHits, writes int64) {
	return s.stats.reads.Load(), s.stats.cacheHits.Load(), s.stats.writes.Load()
}

func (s *PebbleStore) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *PebbleStore) encode(v *consensus.Vertex) ([]byte, error) {
	payload, err := s.compressor.Compress(v.Payload)
	if err != nil {
		return nil, err
	}
	parents := make([][]byte, len(v.Parents))
	for i, p := range v.Parents {
		parents[i] = append([]byte(nil), p[:]...)
	}
	rec := record{
		Parents:   parents,
		Payload:   payload,
		Codec:     s.compressor.Name(),
		Creator:   append([]byte(nil), v.Creator[:]...),
		Timestamp: v.Timestamp.UnixNano(),
		Signature: v.Signature,
		Height:    v.Height,
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(&rec); err != nil {
		return nil, fmt.Errorf("failed to encode vertex %s: %w", v.ID.Short(), err)
	}
	return out, nil
}

func (s *PebbleStore) decode(id consensus.VertexID, data []byte) (*consensus.Vertex, error) {
	var rec record
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(&rec); err != nil {
		return nil, consensus.NewCorruptionError(id, "undecodable record: "+err.Error())
	}

	comp := s.compressor
	if rec.Codec != comp.Name() {
		var err error
		if comp, err = GetCompressor(rec.Codec); err != nil {
			return nil, consensus.NewCorruptionError(id, err.Error())
		}
	}
	payload, err := comp.Decompress(rec.Payload)
	if err != nil {
		return nil, consensus.NewCorruptionError(id, err.Error())
	}
	if len(rec.Creator) != len(consensus.ValidatorID{}) {
		return nil, consensus.NewCorruptionError(id, "bad creator length")
	}

	v := &consensus.Vertex{
		ID:        id,
		Parents:   make([]consensus.VertexID, len(rec.Parents)),
		Payload:   payload,
		Timestamp: time.Unix(0, rec.Timestamp),
		Signature: rec.Signature,
		Height:    rec.Height,
	}
	copy(v.Creator[:], rec.Creator)
	for i, p := range rec.Parents {
		if len(p) != len(consensus.VertexID{}) {
			return nil, consensus.NewCorruptionError(id, "bad parent length")
		}
		copy(v.Parents[i][:], p)
	}

	if got := consensus.ComputeVertexID(s.hasher, v.Creator, v.Parents, v.Payload, v.Timestamp); got != id {
		return nil, consensus.NewCorruptionError(id, "content hash "+got.Short()+" does not match key")
	}
	return v, nil
}
