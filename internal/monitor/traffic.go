package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
)

// TrafficCategory groups wire messages for counting.
type TrafficCategory int

const (
	CategoryVertex TrafficCategory = iota
	CategoryQuery
	CategoryResponse
	CategoryFinalityVote
	CategoryIsolationNotice
	CategoryTotal
	CategoryUnknown
)

// String returns the string representation of a category.
func (c TrafficCategory) String() string {
	names := map[TrafficCategory]string{
		CategoryVertex:          "vertices",
		CategoryQuery:           "queries",
		CategoryResponse:        "responses",
		CategoryFinalityVote:    "finality_votes",
		CategoryIsolationNotice: "isolation_notices",
		CategoryTotal:           "total",
		CategoryUnknown:         "unknown",
	}
	if name, ok := names[c]; ok {
		return name
	}
	return "unknown"
}

// CategorizeMessage maps a wire kind to its category.
func CategorizeMessage(kind wire.Kind) TrafficCategory {
	switch kind {
	case wire.KindVertex:
		return CategoryVertex
	case wire.KindQuery:
		return CategoryQuery
	case wire.KindResponse:
		return CategoryResponse
	case wire.KindFinalityVote:
		return CategoryFinalityVote
	case wire.KindIsolationNotice:
		return CategoryIsolationNotice
	default:
		return CategoryUnknown
	}
}

// TrafficStats holds traffic statistics.
type TrafficStats struct {
	Name        string
	BytesIn     uint64
	BytesOut    uint64
	MessagesIn  uint64
	MessagesOut uint64
}

type atomicStats struct {
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
}

func (s *atomicStats) add(inbound bool, bytes int) {
	if inbound {
		s.bytesIn.Add(uint64(bytes))
		s.messagesIn.Add(1)
	} else {
		s.bytesOut.Add(uint64(bytes))
		s.messagesOut.Add(1)
	}
}

// TrafficCounter tracks ingress and egress traffic by category.
type TrafficCounter struct {
	mu     sync.RWMutex
	counts map[TrafficCategory]*atomicStats
}

// NewTrafficCounter creates a new TrafficCounter.
func NewTrafficCounter() *TrafficCounter {
	tc := &TrafficCounter{
		counts: make(map[TrafficCategory]*atomicStats),
	}
	for cat := CategoryVertex; cat <= CategoryUnknown; cat++ {
		tc.counts[cat] = &atomicStats{}
	}
	return tc
}

// AddCount records traffic for a category and the total.
func (tc *TrafficCounter) AddCount(cat TrafficCategory, inbound bool, bytes int) {
	tc.mu.RLock()
	stats, exists := tc.counts[cat]
	total := tc.counts[CategoryTotal]
	tc.mu.RUnlock()

	if !exists {
		return
	}
	stats.add(inbound, bytes)
	total.add(inbound, bytes)
}

// GetStats returns statistics for a category.
func (tc *TrafficCounter) GetStats(cat TrafficCategory) *TrafficStats {
	tc.mu.RLock()
	stats, exists := tc.counts[cat]
	tc.mu.RUnlock()

	if !exists {
		return nil
	}
	return &TrafficStats{
		Name:        cat.String(),
		BytesIn:     stats.bytesIn.Load(),
		BytesOut:    stats.bytesOut.Load(),
		MessagesIn:  stats.messagesIn.Load(),
		MessagesOut: stats.messagesOut.Load(),
	}
}

// GetTotalStats returns the total traffic statistics.
func (tc *TrafficCounter) GetTotalStats() *TrafficStats {
	return tc.GetStats(CategoryTotal)
}

// Reset resets all counters.
func (tc *TrafficCounter) Reset() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, stats := range tc.counts {
		stats.bytesIn.Store(0)
		stats.bytesOut.Store(0)
		stats.messagesIn.Store(0)
		stats.messagesOut.Store(0)
	}
}
