package vertexstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pierrec/lz4"
)

// Compressor compresses stored payloads.
type Compressor interface {
	// Name returns the name of the compression algorithm.
	Name() string

	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)

	// Decompress reverses Compress.
	Decompress(data []byte) ([]byte, error)
}

// Factory is a function that creates a new compressor instance.
type Factory func() Compressor

var (
	mu          sync.RWMutex
	compressors = make(map[string]Factory)
)

// RegisterCompressor registers a compressor factory with the given name.
func RegisterCompressor(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	compressors[name] = factory
}

// GetCompressor returns a new compressor instance for the given name.
func GetCompressor(name string) (Compressor, error) {
	mu.RLock()
	factory, ok := compressors[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown compressor: %s", name)
	}

	return factory(), nil
}

// AvailableCompressors returns the registered compressor names.
func AvailableCompressors() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(compressors))
	for name := range compressors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterCompressor("none", func() Compressor { return NoCompressor{} })
	RegisterCompressor("lz4", func() Compressor { return &LZ4Compressor{} })
}

// NoCompressor stores payloads as they are.
type NoCompressor struct{}

func (NoCompressor) Name() string { return "none" }

func (NoCompressor) Compress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (NoCompressor) Decompress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// Frame flags written before an LZ4 block.
const (
	frameRaw byte = iota
	frameLZ4
)

// minCompressionSize is the payload size below which LZ4 is not attempted.
const minCompressionSize = 128

var errShortFrame = errors.New("lz4 frame too short")

// LZ4Compressor compresses with LZ4 blocks. A frame is a flag byte, then for
// compressed frames the uncompressed length as a uvarint, then the block.
// Incompressible payloads are stored raw.
type LZ4Compressor struct {
	pool sync.Pool
}

func (c *LZ4Compressor) Name() string { return "lz4" }

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) < minCompressionSize {
		return append([]byte{frameRaw}, data...), nil
	}

	table, _ := c.pool.Get().(*[]int)
	if table == nil {
		t := make([]int, 1<<16)
		table = &t
	} else {
		clear(*table)
	}
	defer c.pool.Put(table)

	header := make([]byte, 1+binary.MaxVarintLen64)
	header[0] = frameLZ4
	hn := 1 + binary.PutUvarint(header[1:], uint64(len(data)))

	out := make([]byte, hn+lz4.CompressBlockBound(len(data)))
	copy(out, header[:hn])
	n, err := lz4.CompressBlock(data, out[hn:], *table)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}
	if n == 0 || hn+n >= 1+len(data) {
		return append([]byte{frameRaw}, data...), nil
	}
	return out[:hn+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errShortFrame
	}
	switch data[0] {
	case frameRaw:
		return append([]byte(nil), data[1:]...), nil
	case frameLZ4:
		size, hn := binary.Uvarint(data[1:])
		if hn <= 0 {
			return nil, errShortFrame
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data[1+hn:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if uint64(n) != size {
			return nil, fmt.Errorf("lz4 decompression produced %d bytes, want %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown lz4 frame flag %d", data[0])
	}
}
