// Package node wires the consensus components behind one validator. A Node
// owns the inbound decode loop, the signature verification pool, the
// outbound signer, the finality driver and the fork scanner, and runs the
// consensus engine's shard workers under the same errgroup.
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/avalanche"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/byzantine"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/finality"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/forks"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/voting"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/monitor"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("node: already running")

// Config tunes the node pipelines and carries the component configs.
type Config struct {
	Consensus avalanche.Config
	Finality  finality.Config
	Forks     forks.Config
	Byzantine byzantine.Config
	Quorum    voting.QuorumConfig

	// VerifyWorkers bounds concurrent signature verification.
	VerifyWorkers int

	InboundQueue  int
	OutboundQueue int

	// ParkedQueries bounds the vertices with queries waiting for admission.
	ParkedQueries int

	// Orphans bounds received vertices waiting for a parent.
	Orphans int

	// FinalityRetry re-evaluates vertices stuck below quorum, e.g. after
	// isolation shrank the active power.
	FinalityRetry time.Duration

	// SampleSeed seeds the weighted sampler. Zero derives it from the
	// validator id.
	SampleSeed uint64
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		Consensus:     avalanche.DefaultConfig(),
		Finality:      finality.DefaultConfig(),
		Forks:         forks.DefaultConfig(),
		Byzantine:     byzantine.DefaultConfig(),
		Quorum:        voting.DefaultQuorumConfig(),
		VerifyWorkers: runtime.NumCPU(),
		InboundQueue:  1024,
		OutboundQueue: 1024,
		ParkedQueries: 4096,
		Orphans:       1024,
		FinalityRetry: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if c.VerifyWorkers <= 0 {
		return errors.New("verify workers must be positive")
	}
	if c.InboundQueue <= 0 || c.OutboundQueue <= 0 {
		return errors.New("queue sizes must be positive")
	}
	if c.ParkedQueries <= 0 || c.Orphans <= 0 {
		return errors.New("parked query and orphan bounds must be positive")
	}
	return nil
}

// Deps are the node's collaborators. Bus, Monitor, Hasher and ConflictKey
// are optional.
type Deps struct {
	Signer    consensus.Signer
	Verifier  consensus.Verifier
	Registry  *validators.Registry
	Store     consensus.VertexStore
	Transport consensus.Transport

	Hasher      consensus.Hasher
	ConflictKey consensus.ConflictKeyFunc

	// Bus is started and stopped by the caller when supplied; otherwise
	// the node owns a bus for the duration of Run.
	Bus     *consensus.EventBus
	Monitor *monitor.Monitor
	Logger  *zap.Logger
}

type parkedQuery struct {
	query *consensus.ConsensusQuery
	at    time.Time
}

// Node is one validator.
type Node struct {
	cfg         Config
	self        consensus.ValidatorID
	signer      consensus.Signer
	registry    *validators.Registry
	store       consensus.VertexStore
	transport   consensus.Transport
	hasher      consensus.Hasher
	conflictKey consensus.ConflictKeyFunc
	bus         *consensus.EventBus
	ownBus      bool
	monitor     *monitor.Monitor
	logger      *zap.Logger

	verifier  *crypto.CachedVerifier
	detector  *byzantine.Detector
	voting    *voting.WeightedVoting
	quorum    *voting.AdaptiveQuorum
	engine    *avalanche.Engine
	finality  *finality.Engine
	collector *finality.Collector
	forks     *forks.Detector

	inbound  chan inbound
	outbound chan outbound
	finalize chan consensus.VertexID

	parkedMu sync.Mutex
	parked   *lru.Cache[consensus.VertexID, []parkedQuery]
	orphanMu sync.Mutex
	orphans  *lru.Cache[consensus.VertexID, *consensus.Vertex]

	subsMu     sync.Mutex
	subs       []chan consensus.FinalityRecord
	subsClosed bool

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New assembles a node from its collaborators.
func New(cfg Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	if deps.Signer == nil || deps.Verifier == nil || deps.Registry == nil || deps.Store == nil || deps.Transport == nil {
		return nil, errors.New("node: signer, verifier, registry, store and transport are required")
	}
	if deps.Hasher == nil {
		deps.Hasher = crypto.SHA3Hasher{}
	}
	if deps.ConflictKey == nil {
		deps.ConflictKey = consensus.NoConflicts
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	self := crypto.CalcValidatorID(deps.Signer.PublicKey())
	if _, ok := deps.Registry.Get(self); !ok {
		return nil, fmt.Errorf("%w: local validator %s", consensus.ErrUnknownValidator, self)
	}

	n := &Node{
		cfg:         cfg,
		self:        self,
		signer:      deps.Signer,
		registry:    deps.Registry,
		store:       deps.Store,
		transport:   deps.Transport,
		hasher:      deps.Hasher,
		conflictKey: deps.ConflictKey,
		bus:         deps.Bus,
		monitor:     deps.Monitor,
		logger:      deps.Logger.Named("node").With(zap.Stringer("self", self)),
		inbound:     make(chan inbound, cfg.InboundQueue),
		outbound:    make(chan outbound, cfg.OutboundQueue),
		finalize:    make(chan consensus.VertexID, cfg.OutboundQueue),
		stop:        make(chan struct{}),
	}
	if n.bus == nil {
		n.bus = consensus.NewEventBus(1024)
		n.ownBus = true
	}
	if n.monitor != nil {
		n.bus.Subscribe(n.monitor)
	}

	var err error
	if n.verifier, err = crypto.NewCachedVerifier(deps.Verifier, 0); err != nil {
		return nil, err
	}
	if n.parked, err = lru.New[consensus.VertexID, []parkedQuery](cfg.ParkedQueries); err != nil {
		return nil, err
	}
	if n.orphans, err = lru.New[consensus.VertexID, *consensus.Vertex](cfg.Orphans); err != nil {
		return nil, err
	}

	n.detector, err = byzantine.NewDetector(cfg.Byzantine, n.registry, n.hasher, n.verifier, deps.Logger)
	if err != nil {
		return nil, err
	}
	seed := cfg.SampleSeed
	if seed == 0 {
		seed = binary.BigEndian.Uint64(self[:8])
	}
	n.voting = voting.NewWeightedVoting(n.registry, seed)
	n.quorum = voting.NewAdaptiveQuorum(cfg.Quorum, func() int { return len(n.registry.Active()) })
	n.collector = finality.NewCollector()

	n.engine, err = avalanche.NewEngine(cfg.Consensus, avalanche.Deps{
		Self:        self,
		Store:       n.store,
		Sampler:     n.voting,
		Adaptor:     &adaptor{n: n},
		Hasher:      n.hasher,
		ConflictKey: n.conflictKey,
		Bus:         n.bus,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	n.finality, err = finality.NewEngine(cfg.Finality, finality.Deps{
		Store:  n.store,
		Hasher: n.hasher,
		Power:  n.voting,
		Quorum: n.quorum,
		Bus:    n.bus,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	n.forks, err = forks.NewDetector(cfg.Forks, forks.Deps{
		Store:       n.store,
		Votes:       n.collector,
		Power:       n.voting,
		Hasher:      n.hasher,
		ConflictKey: n.conflictKey,
		Status:      n.engine.Status,
		Bus:         n.bus,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	n.detector.OnEvidence(n.onEvidence)
	n.registry.OnIsolationChange(n.onIsolationChange)
	return n, nil
}

// ID returns the local validator id.
func (n *Node) ID() consensus.ValidatorID {
	return n.self
}

// Engine returns the consensus engine.
func (n *Node) Engine() *avalanche.Engine {
	return n.engine
}

// Finality returns the finality engine.
func (n *Node) Finality() *finality.Engine {
	return n.finality
}

// Detector returns the Byzantine detector.
func (n *Node) Detector() *byzantine.Detector {
	return n.detector
}

// Registry returns the validator registry.
func (n *Node) Registry() *validators.Registry {
	return n.registry
}

// Quorum returns the adaptive quorum.
func (n *Node) Quorum() *voting.AdaptiveQuorum {
	return n.quorum
}

// Bus returns the event bus the node publishes to.
func (n *Node) Bus() *consensus.EventBus {
	return n.bus
}

// Genesis builds the parentless root every validator bootstraps from. All
// validators of a network must use the same payload and timestamp.
func Genesis(h consensus.Hasher, payload []byte, ts time.Time) *consensus.Vertex {
	ts = time.Unix(0, ts.UnixNano())
	return &consensus.Vertex{
		ID:        consensus.ComputeVertexID(h, consensus.ValidatorID{}, nil, payload, ts),
		Payload:   append([]byte(nil), payload...),
		Timestamp: ts,
	}
}

// Bootstrap installs the genesis vertex as finalized.
func (n *Node) Bootstrap(ctx context.Context, genesis *consensus.Vertex) error {
	return n.engine.Bootstrap(ctx, genesis)
}

// Run starts every worker and blocks until ctx is done or a fatal error
// occurs. Fatal errors are returned; cancellation returns nil.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if n.ownBus {
		n.bus.Start()
	}
	n.logger.Info("Starting validator node",
		zap.Int("validators", n.registry.Len()),
		zap.Int("verifyWorkers", n.cfg.VerifyWorkers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.inboundLoop(gctx) })
	g.Go(func() error { return n.verifyLoop(gctx) })
	g.Go(func() error { return n.outboundLoop(gctx) })
	g.Go(func() error { return n.finalityLoop(gctx) })
	g.Go(func() error { return n.recordLoop(gctx) })
	g.Go(func() error { return n.forkLoop(gctx) })
	err := g.Wait()

	n.stopOnce.Do(func() { close(n.stop) })
	n.finality.Close()
	n.closeSubscribers()
	if n.ownBus {
		n.bus.Stop()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		n.logger.Error("Validator node stopped", zap.Error(err))
		return err
	}
	n.logger.Info("Validator node stopped")
	return nil
}

// SubmitVertex admits a signed vertex and gossips it to peers.
func (n *Node) SubmitVertex(ctx context.Context, v *consensus.Vertex) (avalanche.SubmitStatus, error) {
	status, err := n.engine.SubmitVertex(ctx, v)
	if err != nil {
		return status, err
	}
	n.post(outbound{broadcast: true, msg: wire.NewVertexMessage(v, n.hasher)})
	n.afterAdmit(ctx, v.ID)
	return status, nil
}

// Propose builds, signs and submits a vertex created by the local
// validator. With no parents the current non-rejected tips are used.
func (n *Node) Propose(ctx context.Context, parents []consensus.VertexID, payload []byte) (*consensus.Vertex, error) {
	if len(parents) == 0 {
		tips, err := n.store.GetTips(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load tips: %w", err)
		}
		for _, t := range tips {
			if n.engine.Status(t) != consensus.StatusRejected {
				parents = append(parents, t)
			}
		}
		sort.Slice(parents, func(i, j int) bool { return parents[i].Compare(parents[j]) < 0 })
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("%w: no parents available", consensus.ErrMissingParent)
	}

	ts := time.Unix(0, time.Now().UnixNano())
	id := consensus.ComputeVertexID(n.hasher, n.self, parents, payload, ts)
	sig, err := n.signer.Sign(consensus.VertexSigningBytes(id))
	if err != nil {
		return nil, fmt.Errorf("failed to sign vertex: %w", err)
	}
	v := &consensus.Vertex{
		ID:        id,
		Parents:   append([]consensus.VertexID(nil), parents...),
		Payload:   append([]byte(nil), payload...),
		Creator:   n.self,
		Timestamp: ts,
		Signature: sig,
	}
	if _, err := n.SubmitVertex(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// QueryVertexStatus returns the decision state of a vertex.
func (n *Node) QueryVertexStatus(id consensus.VertexID) consensus.Status {
	return n.engine.Status(id)
}

// SubscribeFinality returns a stream of every finality transition from now
// on. The channel is closed when Run returns. A subscriber that stops
// reading stalls finalization, so callers must drain it.
func (n *Node) SubscribeFinality(buffer int) <-chan consensus.FinalityRecord {
	ch := make(chan consensus.FinalityRecord, max(buffer, 0))
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if n.subsClosed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	return ch
}

func (n *Node) closeSubscribers() {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if n.subsClosed {
		return
	}
	n.subsClosed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

// recordLoop fans finality records out to subscribers.
func (n *Node) recordLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-n.finality.Records():
			n.subsMu.Lock()
			subs := append([]chan consensus.FinalityRecord(nil), n.subs...)
			n.subsMu.Unlock()
			for _, ch := range subs {
				select {
				case ch <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// post queues an outbound message without blocking the caller.
func (n *Node) post(o outbound) {
	enqueue(n, n.outbound, o)
}

// trigger asks the finality driver to re-evaluate a vertex.
func (n *Node) trigger(id consensus.VertexID) {
	enqueue(n, n.finalize, id)
}

// enqueue sends v on ch. When ch is full the send continues on its own
// goroutine until the node stops.
func enqueue[T any](n *Node, ch chan T, v T) {
	select {
	case ch <- v:
		return
	case <-n.stop:
		return
	default:
	}
	go func() {
		select {
		case ch <- v:
		case <-n.stop:
		}
	}()
}

func (n *Node) recordEvidence(e byzantine.Evidence) {
	// Record logs and reports failures itself.
	_, _ = n.detector.Record(e)
}

func (n *Node) onEvidence(e byzantine.Evidence, reputation float64) {
	n.quorum.RecordEvidence(e.Timestamp)
	n.bus.Publish(e.Event(reputation))
}

func (n *Node) onIsolationChange(c validators.IsolationChange) {
	n.bus.Publish(&consensus.IsolationEvent{
		Validator:  c.Validator,
		Isolated:   c.Isolated,
		Reputation: c.Reputation,
		Timestamp:  c.At,
	})
	n.post(outbound{broadcast: true, msg: &wire.IsolationNotice{
		Subject:    append([]byte(nil), c.Validator[:]...),
		Reporter:   append([]byte(nil), n.self[:]...),
		Isolated:   c.Isolated,
		Reputation: c.Reputation,
		Timestamp:  c.At.UnixNano(),
	}})
}

func (n *Node) observe(kind wire.Kind, inbound bool, size int) {
	if n.monitor != nil {
		n.monitor.ObserveMessage(kind, inbound, size)
	}
}
