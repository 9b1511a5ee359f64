// Package avalanche implements the repeated-sampling consensus engine.
//
// Vertex state is owned by shard workers. A vertex with a conflict key is
// routed by that key so that every member of a conflict set lives on one
// shard and preference switches have a single writer; other vertices are
// routed by id. Workers communicate through bounded inboxes, and query
// deadlines are explicit timers that post back into the owning inbox.
package avalanche

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// SubmitStatus is the admission outcome.
type SubmitStatus int

const (
	// Queued means the vertex is admitted (now or earlier) and sampling runs.
	Queued SubmitStatus = iota

	// Rejected means admission failed; the error carries the reason.
	Rejected
)

func (s SubmitStatus) String() string {
	if s == Queued {
		return "queued"
	}
	return "rejected"
}

var (
	// ErrAlreadyFinalized is returned by Reject for a finalized vertex.
	ErrAlreadyFinalized = errors.New("vertex already finalized")

	// ErrNotAccepted is returned by MarkFinalized before acceptance.
	ErrNotAccepted = errors.New("vertex not accepted")

	// ErrVertexRejected is returned when re-submitting a rejected vertex.
	ErrVertexRejected = errors.New("vertex rejected")
)

// Deps are the engine's collaborators.
type Deps struct {
	Self        consensus.ValidatorID
	Store       consensus.VertexStore
	Sampler     Sampler
	Adaptor     Adaptor
	Hasher      consensus.Hasher
	ConflictKey consensus.ConflictKeyFunc
	Bus         *consensus.EventBus
	Logger      *zap.Logger
}

// index is the engine-wide routing entry for an admitted vertex.
type index struct {
	shard   int
	height  uint64
	parents []consensus.VertexID
}

// Engine is the consensus engine.
type Engine struct {
	cfg         Config
	self        consensus.ValidatorID
	store       consensus.VertexStore
	sampler     Sampler
	adaptor     Adaptor
	hasher      consensus.Hasher
	conflictKey consensus.ConflictKeyFunc
	bus         *consensus.EventBus
	logger      *zap.Logger

	shards []*shard

	indexMu  sync.RWMutex
	vertices map[consensus.VertexID]*index
	children map[consensus.VertexID][]consensus.VertexID

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stopped atomic.Bool
	running atomic.Bool
}

// NewEngine creates an engine. Bootstrap and SubmitVertex may be called
// before Run; their work is queued until the shards start.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid avalanche config: %w", err)
	}
	if deps.Store == nil || deps.Sampler == nil || deps.Hasher == nil {
		return nil, errors.New("avalanche: store, sampler and hasher are required")
	}
	if deps.Adaptor == nil {
		deps.Adaptor = NopAdaptor{}
	}
	if deps.ConflictKey == nil {
		deps.ConflictKey = consensus.NoConflicts
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = cfg.RoundTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		self:        deps.Self,
		store:       deps.Store,
		sampler:     deps.Sampler,
		adaptor:     deps.Adaptor,
		hasher:      deps.Hasher,
		conflictKey: deps.ConflictKey,
		bus:         deps.Bus,
		logger:      deps.Logger.Named("avalanche"),
		vertices:    make(map[consensus.VertexID]*index),
		children:    make(map[consensus.VertexID][]consensus.VertexID),
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
	}
	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(i, e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run starts the shard workers and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("avalanche: engine already running")
	}
	e.logger.Info("Starting consensus engine",
		zap.Int("shards", len(e.shards)),
		zap.Int("k", e.cfg.SampleSize),
		zap.Float64("alpha", e.cfg.Alpha),
		zap.Int("beta", e.cfg.Beta),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.shards {
		s := s
		g.Go(func() error { return s.run(gctx) })
	}
	err := g.Wait()

	e.stopped.Store(true)
	close(e.stopCh)
	e.cancel()
	for _, s := range e.shards {
		s.stopTimers()
	}
	e.logger.Info("Consensus engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) shardIndex(v *consensus.Vertex) int {
	h := fnv.New32a()
	if key := e.conflictKey(v); key != "" {
		h.Write([]byte(key))
	} else {
		h.Write(v.ID[:])
	}
	return int(h.Sum32() % uint32(len(e.shards)))
}

// dispatch posts op to a shard without blocking the caller. When the inbox
// is full the send continues on its own goroutine until the engine stops.
func (e *Engine) dispatch(idx int, o op) {
	s := e.shards[idx]
	select {
	case s.ops <- o:
		return
	default:
	}
	if e.stopped.Load() {
		return
	}
	go func() {
		select {
		case s.ops <- o:
		case <-e.stopCh:
		}
	}()
}

// send posts op to a shard, blocking until accepted or ctx is done.
func (e *Engine) send(ctx context.Context, idx int, o op) error {
	select {
	case e.shards[idx].ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return errors.New("avalanche: engine stopped")
	}
}

func (e *Engine) lookup(id consensus.VertexID) (*index, bool) {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	ix, ok := e.vertices[id]
	return ix, ok
}

// Bootstrap installs a genesis vertex as finalized.
func (e *Engine) Bootstrap(ctx context.Context, genesis *consensus.Vertex) error {
	if !genesis.IsGenesis() {
		return fmt.Errorf("%w: bootstrap vertex has parents", consensus.ErrMalformed)
	}
	g := genesis.Clone()
	g.Height = 0
	if err := e.store.PutVertex(ctx, g); err != nil {
		return fmt.Errorf("failed to store genesis: %w", err)
	}
	idx, fresh := e.register(g)
	if !fresh {
		return nil
	}
	e.shards[idx].setView(g.ID, viewEntry{
		status: consensus.StatusFinalized,
		meta:   consensus.VertexMetadata{Confidence: 1, Finalized: true},
	})
	e.dispatch(idx, &admitOp{vertex: g, genesis: true})
	e.logger.Info("Bootstrapped genesis", zap.Stringer("vertex", g.ID))
	return nil
}

// register records the routing entry and children links. It reports false
// when the vertex was already registered.
func (e *Engine) register(v *consensus.Vertex) (int, bool) {
	idx := e.shardIndex(v)
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	if existing, ok := e.vertices[v.ID]; ok {
		return existing.shard, false
	}
	e.vertices[v.ID] = &index{
		shard:   idx,
		height:  v.Height,
		parents: append([]consensus.VertexID(nil), v.Parents...),
	}
	for _, p := range v.Parents {
		e.children[p] = append(e.children[p], v.ID)
	}
	return idx, true
}

// SubmitVertex admits a vertex: its id must match its content, its parents
// must be stored and its signature must verify. Admitting a known vertex is
// a no-op.
func (e *Engine) SubmitVertex(ctx context.Context, v *consensus.Vertex) (SubmitStatus, error) {
	if ix, ok := e.lookup(v.ID); ok {
		if e.shards[ix.shard].status(v.ID) == consensus.StatusRejected {
			return Rejected, ErrVertexRejected
		}
		return Queued, nil
	}
	if v.IsGenesis() {
		return Rejected, fmt.Errorf("%w: genesis vertices are bootstrapped", consensus.ErrMalformed)
	}
	if id := consensus.ComputeVertexID(e.hasher, v.Creator, v.Parents, v.Payload, v.Timestamp); id != v.ID {
		return Rejected, fmt.Errorf("%w: id %s does not match content %s", consensus.ErrMalformed, v.ID.Short(), id.Short())
	}

	var height uint64
	for _, p := range v.Parents {
		parent, err := e.store.GetVertex(ctx, p)
		if err != nil {
			if errors.Is(err, consensus.ErrVertexNotFound) {
				return Rejected, fmt.Errorf("%w: %s", consensus.ErrMissingParent, p.Short())
			}
			return Rejected, fmt.Errorf("failed to load parent %s: %w", p.Short(), err)
		}
		if parent.Height+1 > height {
			height = parent.Height + 1
		}
	}

	if err := e.adaptor.VerifyVertex(v); err != nil {
		return Rejected, fmt.Errorf("%w: %v", consensus.ErrSignatureInvalid, err)
	}

	admitted := v.Clone()
	admitted.Height = height
	if err := e.store.PutVertex(ctx, admitted); err != nil {
		return Rejected, fmt.Errorf("failed to store vertex %s: %w", v.ID.Short(), err)
	}

	idx, fresh := e.register(admitted)
	if !fresh {
		return Queued, nil
	}
	e.shards[idx].setView(admitted.ID, viewEntry{status: consensus.StatusPending, height: height})
	e.dispatch(idx, &admitOp{vertex: admitted, at: time.Now()})

	e.logger.Debug("Vertex admitted",
		zap.Stringer("vertex", admitted.ID),
		zap.Uint64("height", height),
		zap.Stringer("creator", admitted.Creator),
	)
	return Queued, nil
}

// RecordVote folds a response into its query.
func (e *Engine) RecordVote(ctx context.Context, resp *consensus.ConsensusResponse) error {
	ix, ok := e.lookup(resp.VertexID)
	if !ok {
		return consensus.ErrUnknownVertex
	}
	return e.send(ctx, ix.shard, &responseOp{resp: resp, at: time.Now()})
}

// HandleQuery answers a query for a known vertex through the adaptor.
func (e *Engine) HandleQuery(ctx context.Context, q *consensus.ConsensusQuery) error {
	ix, ok := e.lookup(q.VertexID)
	if !ok {
		return consensus.ErrUnknownVertex
	}
	return e.send(ctx, ix.shard, &queryOp{query: q})
}

// MarkFinalized moves an accepted vertex to Finalized.
func (e *Engine) MarkFinalized(id consensus.VertexID) error {
	ix, ok := e.lookup(id)
	if !ok {
		return consensus.ErrUnknownVertex
	}
	switch e.shards[ix.shard].status(id) {
	case consensus.StatusFinalized:
		return nil
	case consensus.StatusAccepted:
	default:
		return ErrNotAccepted
	}
	e.dispatch(ix.shard, &finalizeOp{id: id})
	return nil
}

// Reject rejects a vertex that is not final, e.g. a fork loser.
func (e *Engine) Reject(id consensus.VertexID, reason string) error {
	ix, ok := e.lookup(id)
	if !ok {
		return consensus.ErrUnknownVertex
	}
	if e.shards[ix.shard].status(id) == consensus.StatusFinalized {
		return ErrAlreadyFinalized
	}
	e.dispatch(ix.shard, &rejectOp{id: id, reason: reason})
	return nil
}

// Status returns the vertex status.
func (e *Engine) Status(id consensus.VertexID) consensus.Status {
	ix, ok := e.lookup(id)
	if !ok {
		return consensus.StatusUnknown
	}
	return e.shards[ix.shard].status(id)
}

// Metadata returns the vertex's consensus metadata.
func (e *Engine) Metadata(id consensus.VertexID) (consensus.VertexMetadata, bool) {
	ix, ok := e.lookup(id)
	if !ok {
		return consensus.VertexMetadata{}, false
	}
	entry, ok := e.shards[ix.shard].viewOf(id)
	return entry.meta, ok
}

// Height returns the admitted height of a vertex.
func (e *Engine) Height(id consensus.VertexID) (uint64, bool) {
	ix, ok := e.lookup(id)
	if !ok {
		return 0, false
	}
	return ix.height, true
}

// Known reports whether the vertex was admitted or bootstrapped.
func (e *Engine) Known(id consensus.VertexID) bool {
	_, ok := e.lookup(id)
	return ok
}

// Pending returns the number of undecided vertices.
func (e *Engine) Pending() int {
	n := 0
	for _, s := range e.shards {
		n += s.pendingCount()
	}
	return n
}

func (e *Engine) childrenOf(id consensus.VertexID) []consensus.VertexID {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	return append([]consensus.VertexID(nil), e.children[id]...)
}

// parentsSettled reports whether every parent is accepted or finalized, and
// whether any parent is rejected.
func (e *Engine) parentsSettled(parents []consensus.VertexID) (accepted, rejected bool) {
	accepted = true
	for _, p := range parents {
		switch e.Status(p) {
		case consensus.StatusAccepted, consensus.StatusFinalized:
		case consensus.StatusRejected:
			return false, true
		default:
			accepted = false
		}
	}
	return accepted, false
}

// propagateChit credits a successful round on id to its undecided ancestors.
func (e *Engine) propagateChit(id consensus.VertexID) {
	ix, ok := e.lookup(id)
	if !ok {
		return
	}
	visited := make(map[consensus.VertexID]struct{})
	queue := append([]consensus.VertexID(nil), ix.parents...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}

		cix, ok := e.lookup(cur)
		if !ok || e.shards[cix.shard].status(cur) != consensus.StatusPending {
			continue
		}
		e.dispatch(cix.shard, &ancestorChitOp{id: cur})
		queue = append(queue, cix.parents...)
	}
}

func (e *Engine) publish(ev consensus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
