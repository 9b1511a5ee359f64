// Package forks finds competing vertices at one DAG position and settles
// them by weighted voting power.
package forks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// ErrForkInconclusive means no competing vertex has recorded voting power yet.
var ErrForkInconclusive = errors.New("fork resolution inconclusive")

// VoteSource returns the recorded votes backing a vertex.
type VoteSource interface {
	VotesFor(id consensus.VertexID) []consensus.Vote
}

// PowerCalculator sums weighted voting power.
type PowerCalculator interface {
	CalculateVotingPower(votes []consensus.Vote) float64
}

// Config configures the detector.
type Config struct {
	// ScanDepth is how many heights below the highest tip are scanned.
	ScanDepth int

	// MaxInconclusive is the number of inconclusive attempts on one fork
	// before an operator alert is raised.
	MaxInconclusive int

	// Interval is the node's scan period.
	Interval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ScanDepth:       16,
		MaxInconclusive: 5,
		Interval:        time.Second,
	}
}

// Deps are the detector's collaborators.
type Deps struct {
	Store       consensus.VertexStore
	Votes       VoteSource
	Power       PowerCalculator
	Hasher      consensus.Hasher
	ConflictKey consensus.ConflictKeyFunc

	// Status filters out rejected vertices when set.
	Status func(consensus.VertexID) consensus.Status

	Bus    *consensus.EventBus
	Logger *zap.Logger
}

// Detector tracks fork instances and their resolutions.
type Detector struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu           sync.Mutex
	known        map[[32]byte]consensus.Fork
	resolutions  map[[32]byte]consensus.ForkResolution
	inconclusive map[[32]byte]int
	alerted      map[[32]byte]bool
}

// NewDetector creates a fork detector.
func NewDetector(cfg Config, deps Deps) (*Detector, error) {
	if deps.Store == nil || deps.Votes == nil || deps.Power == nil || deps.Hasher == nil {
		return nil, errors.New("forks: store, votes, power and hasher are required")
	}
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = DefaultConfig().ScanDepth
	}
	if cfg.MaxInconclusive <= 0 {
		cfg.MaxInconclusive = DefaultConfig().MaxInconclusive
	}
	if deps.ConflictKey == nil {
		deps.ConflictKey = consensus.NoConflicts
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Detector{
		cfg:          cfg,
		deps:         deps,
		log:          deps.Logger.Named("forks"),
		known:        make(map[[32]byte]consensus.Fork),
		resolutions:  make(map[[32]byte]consensus.ForkResolution),
		inconclusive: make(map[[32]byte]int),
		alerted:      make(map[[32]byte]bool),
	}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) position(v *consensus.Vertex) string {
	if key := d.deps.ConflictKey(v); key != "" {
		return fmt.Sprintf("%d/key:%s", v.Height, key)
	}
	return fmt.Sprintf("%d/creator:%s", v.Height, v.Creator)
}

func (d *Detector) forkID(position string, competing []consensus.VertexID) [32]byte {
	buf := make([]byte, 0, len(position)+32*len(competing))
	buf = append(buf, position...)
	for _, id := range competing {
		buf = append(buf, id[:]...)
	}
	return d.deps.Hasher.Hash(buf)
}

// DetectForks scans recent heights for positions holding two or more
// vertices. Vertices at one height are never ancestors of each other, so
// every such group is a fork. Resolved instances are not returned.
func (d *Detector) DetectForks(ctx context.Context) ([]consensus.Fork, error) {
	store := d.deps.Store
	tips, err := store.GetTips(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tips: %w", err)
	}
	var top uint64
	for _, id := range tips {
		v, err := store.GetVertex(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load tip %s: %w", id.Short(), err)
		}
		top = max(top, v.Height)
	}

	var low uint64
	if top > uint64(d.cfg.ScanDepth) {
		low = top - uint64(d.cfg.ScanDepth)
	}

	var found []consensus.Fork
	for h := top; h >= low && h > 0; h-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := store.QueryByHeight(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("failed to query height %d: %w", h, err)
		}
		if len(ids) < 2 {
			continue
		}
		groups := make(map[string][]consensus.VertexID)
		for _, id := range ids {
			if d.deps.Status != nil && d.deps.Status(id) == consensus.StatusRejected {
				continue
			}
			v, err := store.GetVertex(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to load vertex %s: %w", id.Short(), err)
			}
			pos := d.position(v)
			groups[pos] = append(groups[pos], id)
		}
		for pos, members := range groups {
			if len(members) < 2 {
				continue
			}
			if f, ok := d.track(h, pos, members); ok {
				found = append(found, f)
			}
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Height != found[j].Height {
			return found[i].Height < found[j].Height
		}
		return found[i].Position < found[j].Position
	})
	return found, nil
}

// track registers a fork instance and reports it unless already resolved.
func (d *Detector) track(height uint64, pos string, members []consensus.VertexID) (consensus.Fork, bool) {
	sort.Slice(members, func(i, j int) bool { return members[i].Compare(members[j]) < 0 })
	id := d.forkID(pos, members)

	d.mu.Lock()
	if _, done := d.resolutions[id]; done {
		d.mu.Unlock()
		return consensus.Fork{}, false
	}
	f, seen := d.known[id]
	if !seen {
		f = consensus.Fork{
			ID:         id,
			Height:     height,
			Position:   pos,
			Competing:  members,
			DetectedAt: time.Now(),
		}
		d.known[id] = f
	}
	d.mu.Unlock()

	if !seen {
		d.log.Warn("Fork detected",
			zap.String("position", pos),
			zap.Int("competing", len(members)),
		)
		d.publish(&consensus.ForkDetectedEvent{Fork: f})
	}
	return f, true
}

// ResolveFork selects the competing vertex with strictly greater voting
// power, breaking ties by the smallest vertex id. A resolution is final:
// later calls for the same instance return it unchanged.
func (d *Detector) ResolveFork(_ context.Context, f consensus.Fork) (consensus.ForkResolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if res, ok := d.resolutions[f.ID]; ok {
		return res, nil
	}
	if len(f.Competing) < 2 {
		return consensus.ForkResolution{}, fmt.Errorf("%w: fork has %d members", consensus.ErrMalformed, len(f.Competing))
	}

	power := make(map[consensus.VertexID]float64, len(f.Competing))
	var (
		winner consensus.VertexID
		best   = -1.0
		tied   bool
		backed bool
	)
	for _, id := range f.Competing {
		p := d.deps.Power.CalculateVotingPower(d.deps.Votes.VotesFor(id))
		power[id] = p
		if p > 0 {
			backed = true
		}
		switch {
		case p > best:
			winner, best, tied = id, p, false
		case p == best:
			tied = true
			if id.Compare(winner) < 0 {
				winner = id
			}
		}
	}

	if !backed {
		d.inconclusive[f.ID]++
		attempts := d.inconclusive[f.ID]
		if attempts >= d.cfg.MaxInconclusive && !d.alerted[f.ID] {
			d.alerted[f.ID] = true
			d.log.Error("Fork resolution repeatedly inconclusive",
				zap.String("position", f.Position),
				zap.Int("attempts", attempts),
			)
			d.publish(&consensus.OperatorAlertEvent{
				Reason:    fmt.Sprintf("fork at %s inconclusive after %d attempts", f.Position, attempts),
				Subject:   f.Position,
				Timestamp: time.Now(),
			})
		}
		return consensus.ForkResolution{}, fmt.Errorf("%w: %s", ErrForkInconclusive, f.Position)
	}

	reason := "greater voting power"
	if tied {
		reason = "tie broken by smallest vertex id"
	}
	res := consensus.ForkResolution{
		ForkID:     f.ID,
		Winner:     winner,
		Reason:     reason,
		Power:      power,
		ResolvedAt: time.Now(),
	}
	d.resolutions[f.ID] = res
	delete(d.inconclusive, f.ID)

	d.log.Info("Fork resolved",
		zap.String("position", f.Position),
		zap.Stringer("winner", winner),
		zap.Float64("power", best),
		zap.String("reason", reason),
	)
	d.publish(&consensus.ForkResolvedEvent{Fork: f, Resolution: res})
	return res, nil
}

// Resolution returns the recorded resolution of a fork instance.
func (d *Detector) Resolution(id [32]byte) (consensus.ForkResolution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.resolutions[id]
	return res, ok
}

func (d *Detector) publish(ev consensus.Event) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(ev)
	}
}
