// Package finality runs the two-phase commit that turns an accepted vertex
// into an irreversible one: Proposed, then PreCommitted, then Committed.
package finality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Result is the outcome of a phase attempt. Retryable outcomes are results,
// not errors.
type Result int

const (
	// Success means Proposed advanced to PreCommitted.
	Success Result = iota

	// Finalized means PreCommitted advanced to Committed.
	Finalized

	// InsufficientVotes means the quorum was not met; retry with more votes.
	InsufficientVotes

	// NotPreCommitted rejects a commit attempt on a Proposed vertex.
	NotPreCommitted

	// AlreadyAdvanced means another caller moved the phase first.
	AlreadyAdvanced

	// UnknownVertex means the vertex was never proposed.
	UnknownVertex

	// Aborted means the vertex was withdrawn before it committed.
	Aborted
)

// String returns the string representation.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Finalized:
		return "finalized"
	case InsufficientVotes:
		return "insufficient_votes"
	case NotPreCommitted:
		return "not_precommitted"
	case AlreadyAdvanced:
		return "already_advanced"
	case UnknownVertex:
		return "unknown_vertex"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// PowerCalculator converts votes into weighted voting power.
type PowerCalculator interface {
	CalculateVotingPower(votes []consensus.Vote) float64
	TotalActivePower() float64
}

// Quorum decides whether a power fraction suffices.
type Quorum interface {
	CalculateQuorum() float64
	MeetsQuorum(votingPower, totalPower float64) bool
}

// Config configures the finality engine.
type Config struct {
	// RecordBuffer sizes the FinalityRecord stream.
	RecordBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{RecordBuffer: 256}
}

// Deps are the engine's collaborators.
type Deps struct {
	Store  consensus.VertexStore
	Hasher consensus.Hasher
	Power  PowerCalculator
	Quorum Quorum
	Bus    *consensus.EventBus
	Logger *zap.Logger
}

// phaseAborted is the terminal state of a withdrawn entry.
const phaseAborted consensus.FinalityPhase = -1

type entry struct {
	vertex     *consensus.Vertex
	phase      atomic.Int32
	proposedAt time.Time
}

func (e *entry) load() consensus.FinalityPhase {
	return consensus.FinalityPhase(e.phase.Load())
}

func (e *entry) advance(from, to consensus.FinalityPhase) bool {
	return e.phase.CompareAndSwap(int32(from), int32(to))
}

// Engine tracks the finality phase of every proposed vertex. The map is
// guarded by a lock; phase transitions are compare-and-swap on the entry.
type Engine struct {
	store  consensus.VertexStore
	hasher consensus.Hasher
	power  PowerCalculator
	quorum Quorum
	bus    *consensus.EventBus
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[consensus.VertexID]*entry

	halted    atomic.Bool
	haltErr   atomic.Value
	records   chan consensus.FinalityRecord
	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine creates a finality engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Hasher == nil || deps.Power == nil || deps.Quorum == nil {
		return nil, errors.New("finality: store, hasher, power and quorum are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RecordBuffer <= 0 {
		cfg.RecordBuffer = DefaultConfig().RecordBuffer
	}
	return &Engine{
		store:   deps.Store,
		hasher:  deps.Hasher,
		power:   deps.Power,
		quorum:  deps.Quorum,
		bus:     deps.Bus,
		logger:  deps.Logger.Named("finality"),
		entries: make(map[consensus.VertexID]*entry),
		records: make(chan consensus.FinalityRecord, cfg.RecordBuffer),
		done:    make(chan struct{}),
	}, nil
}

// Propose enters an accepted vertex at PhaseProposed. It reports false if
// the vertex was already proposed.
func (e *Engine) Propose(v *consensus.Vertex) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[v.ID]; ok {
		return false
	}
	e.entries[v.ID] = &entry{vertex: v, proposedAt: time.Now()}
	e.logger.Debug("Vertex proposed for finality", zap.Stringer("vertex", v.ID))
	return true
}

// Phase returns the vertex's phase. Aborted vertices report false.
func (e *Engine) Phase(id consensus.VertexID) (consensus.FinalityPhase, bool) {
	ent, ok := e.lookup(id)
	if !ok {
		return 0, false
	}
	phase := ent.load()
	if phase == phaseAborted {
		return 0, false
	}
	return phase, true
}

// Abort withdraws a vertex that has not committed, e.g. a fork loser. It
// races phase advances by compare-and-swap, so exactly one of Abort and
// ProcessCommit wins. Abort reports false only when the vertex is already
// committed. An aborted vertex cannot be proposed again.
func (e *Engine) Abort(id consensus.VertexID) bool {
	ent, ok := e.lookup(id)
	if !ok {
		return true
	}
	for {
		phase := ent.load()
		switch phase {
		case consensus.PhaseCommitted:
			return false
		case phaseAborted:
			return true
		}
		if ent.phase.CompareAndSwap(int32(phase), int32(phaseAborted)) {
			e.logger.Debug("Vertex withdrawn from finality",
				zap.Stringer("vertex", id),
				zap.Stringer("phase", phase),
			)
			return true
		}
	}
}

// Pending returns proposed vertices that are not committed, in no order.
func (e *Engine) Pending() []consensus.VertexID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []consensus.VertexID
	for id, ent := range e.entries {
		if phase := ent.load(); phase != consensus.PhaseCommitted && phase != phaseAborted {
			out = append(out, id)
		}
	}
	return out
}

// Records is the stream of forward phase transitions.
func (e *Engine) Records() <-chan consensus.FinalityRecord {
	return e.records
}

// Halted reports whether corruption stopped finalization.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// Close releases writers blocked on the record stream.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Engine) lookup(id consensus.VertexID) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[id]
	return ent, ok
}

func (e *Engine) haltError() error {
	if err, ok := e.haltErr.Load().(error); ok {
		return fmt.Errorf("%w: %w", consensus.ErrHalted, err)
	}
	return consensus.ErrHalted
}

// measure sums the power of votes that back id.
func (e *Engine) measure(id consensus.VertexID, votes []consensus.Vote) (power, total float64, ok bool) {
	backing := make([]consensus.Vote, 0, len(votes))
	for _, v := range votes {
		if v.VertexID == id && v.Accept {
			backing = append(backing, v)
		}
	}
	power = e.power.CalculateVotingPower(backing)
	total = e.power.TotalActivePower()
	return power, total, total > 0 && e.quorum.MeetsQuorum(power, total)
}

// ProcessPrecommit advances Proposed to PreCommitted when votes meet the
// adaptive quorum of total active power.
func (e *Engine) ProcessPrecommit(id consensus.VertexID, votes []consensus.Vote) (Result, error) {
	if e.halted.Load() {
		return 0, e.haltError()
	}
	ent, ok := e.lookup(id)
	if !ok {
		return UnknownVertex, nil
	}
	switch ent.load() {
	case phaseAborted:
		return Aborted, nil
	case consensus.PhaseProposed:
	default:
		return AlreadyAdvanced, nil
	}
	power, total, met := e.measure(id, votes)
	if !met {
		return InsufficientVotes, nil
	}
	if !ent.advance(consensus.PhaseProposed, consensus.PhasePreCommitted) {
		return e.lost(ent), nil
	}
	e.emit(ent, consensus.PhasePreCommitted, power, total)
	return Success, nil
}

// ProcessCommit advances PreCommitted to Committed. Ancestry is verified
// against the store first; unverifiable ancestry halts the engine.
func (e *Engine) ProcessCommit(ctx context.Context, id consensus.VertexID, votes []consensus.Vote) (Result, error) {
	if e.halted.Load() {
		return 0, e.haltError()
	}
	ent, ok := e.lookup(id)
	if !ok {
		return UnknownVertex, nil
	}
	switch ent.load() {
	case consensus.PhaseProposed:
		return NotPreCommitted, nil
	case consensus.PhaseCommitted:
		return AlreadyAdvanced, nil
	case phaseAborted:
		return Aborted, nil
	}
	power, total, met := e.measure(id, votes)
	if !met {
		return InsufficientVotes, nil
	}
	if err := e.verifyAncestry(ctx, ent.vertex); err != nil {
		if !consensus.IsFatal(err) {
			return 0, err
		}
		e.halt(id, err)
		return 0, err
	}
	if !ent.advance(consensus.PhasePreCommitted, consensus.PhaseCommitted) {
		return e.lost(ent), nil
	}
	e.emit(ent, consensus.PhaseCommitted, power, total)
	e.logger.Info("Vertex finalized",
		zap.Stringer("vertex", id),
		zap.Uint64("height", ent.vertex.Height),
		zap.Float64("power", power),
		zap.Float64("total", total),
	)
	return Finalized, nil
}

// lost names the outcome of a failed compare-and-swap.
func (e *Engine) lost(ent *entry) Result {
	if ent.load() == phaseAborted {
		return Aborted
	}
	return AlreadyAdvanced
}

// verifyAncestry checks that the vertex and its parents are stored intact.
func (e *Engine) verifyAncestry(ctx context.Context, v *consensus.Vertex) error {
	if err := e.verifyStored(ctx, v.ID); err != nil {
		return err
	}
	for _, p := range v.Parents {
		if err := e.verifyStored(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) verifyStored(ctx context.Context, id consensus.VertexID) error {
	stored, err := e.store.GetVertex(ctx, id)
	if err != nil {
		if errors.Is(err, consensus.ErrVertexNotFound) {
			return consensus.NewCorruptionError(id, "ancestor missing from store")
		}
		if errors.Is(err, consensus.ErrStorageCorruption) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to load ancestor %s: %w", id.Short(), err)
	}
	got := consensus.ComputeVertexID(e.hasher, stored.Creator, stored.Parents, stored.Payload, stored.Timestamp)
	if got != id {
		return consensus.NewCorruptionError(id, "stored content hashes to "+got.Short())
	}
	return nil
}

func (e *Engine) halt(id consensus.VertexID, err error) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.haltErr.Store(err)
	e.logger.Error("Finalization halted on storage corruption",
		zap.Stringer("vertex", id),
		zap.Error(err),
	)
	if e.bus != nil {
		e.bus.Publish(&consensus.OperatorAlertEvent{
			Reason:    err.Error(),
			Subject:   id.String(),
			Timestamp: time.Now(),
		})
	}
}

func (e *Engine) emit(ent *entry, phase consensus.FinalityPhase, power, total float64) {
	rec := consensus.FinalityRecord{
		VertexID:    ent.vertex.ID,
		Height:      ent.vertex.Height,
		Phase:       phase,
		VotingPower: power,
		TotalPower:  total,
		Quorum:      e.quorum.CalculateQuorum(),
		Timestamp:   time.Now(),
	}
	if e.bus != nil {
		e.bus.Publish(&consensus.FinalityEvent{Record: rec, Latency: rec.Timestamp.Sub(ent.proposedAt)})
	}
	select {
	case e.records <- rec:
	case <-e.done:
	}
}
