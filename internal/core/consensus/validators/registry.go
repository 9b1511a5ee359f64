// Package validators implements the validator registry and reputation
// tracker. The registry is sharded; each record is guarded by its own lock
// so that reputation updates for different validators never contend.
package validators

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

const (
	// InitialReputation is the score of a newly registered validator.
	InitialReputation = 0.5

	// DefaultBanThreshold isolates a validator whose score drops below it.
	DefaultBanThreshold = 0.1

	// DefaultRehabilitationThreshold re-admits an isolated validator.
	DefaultRehabilitationThreshold = 0.5

	// DefaultRewardStep is added per verified contribution.
	DefaultRewardStep = 0.01

	// DefaultUptimeAlpha is the EWMA weight of the latest uptime sample.
	DefaultUptimeAlpha = 0.05

	shardCount = 32

	// epsilon absorbs float drift from repeated penalty and reward steps.
	epsilon = 1e-9
)

// ErrDuplicateValidator is returned when registering a known id.
var ErrDuplicateValidator = errors.New("validator already registered")

// Config holds reputation policy.
type Config struct {
	InitialReputation       float64
	BanThreshold            float64
	RehabilitationThreshold float64
	RewardStep              float64
	UptimeAlpha             float64
}

// DefaultConfig returns the default reputation policy.
func DefaultConfig() Config {
	return Config{
		InitialReputation:       InitialReputation,
		BanThreshold:            DefaultBanThreshold,
		RehabilitationThreshold: DefaultRehabilitationThreshold,
		RewardStep:              DefaultRewardStep,
		UptimeAlpha:             DefaultUptimeAlpha,
	}
}

// Record is a snapshot of one validator.
type Record struct {
	ID            consensus.ValidatorID
	PublicKey     []byte
	Stake         uint64
	Reputation    float64
	Uptime        float64
	Isolated      bool
	Faults        int
	Contributions int
	RegisteredAt  time.Time
	IsolatedAt    time.Time
}

// IsolationChange describes a flip of the isolated flag.
type IsolationChange struct {
	Validator  consensus.ValidatorID
	Isolated   bool
	Reputation float64
	At         time.Time
}

type entry struct {
	mu  sync.RWMutex
	rec Record
}

type shard struct {
	mu      sync.RWMutex
	entries map[consensus.ValidatorID]*entry
}

// Registry owns every ValidatorRecord.
type Registry struct {
	cfg    Config
	shards [shardCount]*shard
	logger *zap.Logger

	listenersMu sync.RWMutex
	listeners   []func(IsolationChange)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{cfg: cfg, logger: logger.Named("validators")}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[consensus.ValidatorID]*entry)}
	}
	return r
}

// Config returns the reputation policy.
func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) shardFor(id consensus.ValidatorID) *shard {
	return r.shards[int(id[0])%shardCount]
}

func (r *Registry) lookup(id consensus.ValidatorID) (*entry, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// Register adds a validator with the initial reputation and full uptime.
func (r *Registry) Register(id consensus.ValidatorID, publicKey []byte, stake uint64) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, id)
	}
	s.entries[id] = &entry{rec: Record{
		ID:           id,
		PublicKey:    append([]byte(nil), publicKey...),
		Stake:        stake,
		Reputation:   r.cfg.InitialReputation,
		Uptime:       1.0,
		RegisteredAt: time.Now(),
	}}
	return nil
}

// Get returns a snapshot of the validator's record.
func (r *Registry) Get(id consensus.ValidatorID) (Record, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Record{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec, true
}

// PublicKey returns the registered key.
func (r *Registry) PublicKey(id consensus.ValidatorID) ([]byte, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.PublicKey, true
}

// IsIsolated reports whether the validator is isolated. Unknown validators
// are reported as isolated.
func (r *Registry) IsIsolated(id consensus.ValidatorID) bool {
	e, ok := r.lookup(id)
	if !ok {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Isolated
}

// Reputation returns the validator's score, or 0 when unknown.
func (r *Registry) Reputation(id consensus.ValidatorID) float64 {
	e, ok := r.lookup(id)
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Reputation
}

// Penalize lowers the score by severity, clamped to [0,1], and isolates the
// validator when it falls below the ban threshold.
func (r *Registry) Penalize(id consensus.ValidatorID, severity float64) (float64, error) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", consensus.ErrUnknownValidator, id)
	}

	e.mu.Lock()
	e.rec.Reputation = clamp(e.rec.Reputation-severity, 0, 1)
	e.rec.Faults++
	score := e.rec.Reputation
	var change *IsolationChange
	if !e.rec.Isolated && score < r.cfg.BanThreshold-epsilon {
		now := time.Now()
		e.rec.Isolated = true
		e.rec.IsolatedAt = now
		change = &IsolationChange{Validator: id, Isolated: true, Reputation: score, At: now}
	}
	e.mu.Unlock()

	if change != nil {
		r.logger.Info("Validator isolated",
			zap.Stringer("validator", id),
			zap.Float64("reputation", score),
		)
		r.notify(*change)
	}
	return score, nil
}

// Reward raises the score by the reward step, capped at 1, then attempts
// rehabilitation.
func (r *Registry) Reward(id consensus.ValidatorID) (float64, error) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", consensus.ErrUnknownValidator, id)
	}
	e.mu.Lock()
	e.rec.Reputation = clamp(e.rec.Reputation+r.cfg.RewardStep, 0, 1)
	e.rec.Contributions++
	score := e.rec.Reputation
	e.mu.Unlock()

	r.TryRehabilitate(id)
	return score, nil
}

// TryRehabilitate re-admits an isolated validator whose score reached the
// rehabilitation threshold. It reports whether the validator was re-admitted.
func (r *Registry) TryRehabilitate(id consensus.ValidatorID) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	if !e.rec.Isolated || e.rec.Reputation < r.cfg.RehabilitationThreshold-epsilon {
		e.mu.Unlock()
		return false
	}
	e.rec.Isolated = false
	e.rec.IsolatedAt = time.Time{}
	change := IsolationChange{Validator: id, Isolated: false, Reputation: e.rec.Reputation, At: time.Now()}
	e.mu.Unlock()

	r.logger.Info("Validator rehabilitated",
		zap.Stringer("validator", id),
		zap.Float64("reputation", change.Reputation),
	)
	r.notify(change)
	return true
}

// RecordUptime folds one availability sample into the uptime EWMA.
func (r *Registry) RecordUptime(id consensus.ValidatorID, responded bool) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	sample := 0.0
	if responded {
		sample = 1.0
	}
	e.mu.Lock()
	e.rec.Uptime = clamp((1-r.cfg.UptimeAlpha)*e.rec.Uptime+r.cfg.UptimeAlpha*sample, 0, 1)
	e.mu.Unlock()
}

// OnIsolationChange registers a listener. Listeners run synchronously on the
// goroutine that caused the change.
func (r *Registry) OnIsolationChange(fn func(IsolationChange)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(change IsolationChange) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// All returns every record sorted by id.
func (r *Registry) All() []Record {
	return r.collect(func(Record) bool { return true })
}

// Active returns the non-isolated records sorted by id.
func (r *Registry) Active() []Record {
	return r.collect(func(rec Record) bool { return !rec.Isolated })
}

// Len returns the number of registered validators.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) collect(keep func(Record) bool) []Record {
	var out []Record
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			e.mu.RLock()
			rec := e.rec
			e.mu.RUnlock()
			if keep(rec) {
				out = append(out, rec)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
