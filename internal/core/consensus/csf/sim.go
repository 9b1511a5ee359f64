// Package csf is the consensus simulation framework. A Sim runs a set of
// real nodes over an in-process network next to scripted Byzantine actors,
// and records what every honest node decided through its collectors.
package csf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/node"
	"github.com/LeJamon/goDAGBFT/internal/storage/vertexstore"
	"github.com/LeJamon/goDAGBFT/internal/transport/memnet"
)

// ErrNotFinalized is returned by WaitFinalized when ctx ends first.
var ErrNotFinalized = errors.New("csf: vertices not finalized")

// Config describes a simulated network.
type Config struct {
	Honest    int
	Byzantine int
	Behavior  Behavior

	// Scheme names the signature scheme every validator uses.
	Scheme string
	Stake  uint64

	// Delay is the one-way latency of every link.
	Delay time.Duration

	// Buffer is the inbox size of every endpoint.
	Buffer int

	// Seed derives validator keys.
	Seed uint64

	Node     node.Config
	Registry validators.Config

	// ConflictKey groups vertices into conflict sets on every honest node.
	ConflictKey consensus.ConflictKeyFunc

	// Customize adjusts the collaborators of honest node i before it is
	// built, e.g. to give it a persistent store or a monitor.
	Customize func(i int, deps *node.Deps) error
}

// DefaultConfig returns a four node network with one equivocating actor.
func DefaultConfig() Config {
	return Config{
		Honest:    4,
		Byzantine: 1,
		Behavior:  Equivocate,
		Scheme:    crypto.SchemeEd25519,
		Stake:     100,
		Buffer:    4096,
		Node:      node.DefaultConfig(),
		Registry:  validators.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Honest <= 0 {
		return errors.New("at least one honest node is required")
	}
	if c.Byzantine < 0 {
		return errors.New("byzantine count must not be negative")
	}
	if c.Byzantine > 0 {
		if _, ok := behaviorNames[c.Behavior]; !ok {
			return fmt.Errorf("unknown byzantine behavior %d", int(c.Behavior))
		}
	}
	if c.Stake == 0 {
		return errors.New("stake must be positive")
	}
	if c.Buffer <= 0 {
		return errors.New("buffer must be positive")
	}
	return c.Node.Validate()
}

type member struct {
	id     consensus.ValidatorID
	signer consensus.Signer
}

// Sim orchestrates a consensus simulation.
type Sim struct {
	cfg    Config
	scheme crypto.Scheme
	logger *zap.Logger

	Net        *memnet.Network
	Genesis    *consensus.Vertex
	Collectors *Collectors
	Decisions  *DecisionCollector
	Faults     *FaultCollector

	members []member
	nodes   []*node.Node
	actors  []*Actor

	proposed atomic.Int64
	running  atomic.Bool
}

// New builds every node and actor, connects them in a full mesh and
// bootstraps the nodes from a shared genesis vertex.
func New(cfg Config, logger *zap.Logger) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	if cfg.Scheme == "" {
		cfg.Scheme = crypto.SchemeEd25519
	}
	scheme, err := crypto.LookupScheme(cfg.Scheme)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sim{
		cfg:        cfg,
		scheme:     scheme,
		logger:     logger.Named("csf"),
		Net:        memnet.NewNetwork(),
		Genesis:    node.Genesis(crypto.SHA3Hasher{}, []byte("csf genesis"), time.Unix(1700000000, 0)),
		Collectors: NewCollectors(),
		Decisions:  NewDecisionCollector(),
		Faults:     NewFaultCollector(),
	}
	s.Collectors.Add(s.Decisions)
	s.Collectors.Add(s.Faults)

	total := cfg.Honest + cfg.Byzantine
	for i := 0; i < total; i++ {
		signer, err := s.signer(uint64(i))
		if err != nil {
			return nil, err
		}
		m := member{id: crypto.CalcValidatorID(signer.PublicKey()), signer: signer}
		s.members = append(s.members, m)
		s.Net.Join(m.id, cfg.Buffer)
	}
	s.Net.FullMesh(cfg.Delay)

	for i, m := range s.members[:cfg.Honest] {
		n, err := s.newNode(i, m)
		if err != nil {
			s.Net.Close()
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		s.nodes = append(s.nodes, n)
	}
	for i, m := range s.members[cfg.Honest:] {
		forger, err := s.signer(uint64(total + i))
		if err != nil {
			s.Net.Close()
			return nil, err
		}
		s.actors = append(s.actors, &Actor{
			id:       m.id,
			signer:   m.signer,
			forger:   forger,
			behavior: cfg.Behavior,
			ep:       s.Net.Join(m.id, 0),
			logger:   s.logger.With(zap.Stringer("actor", m.id), zap.Stringer("behavior", cfg.Behavior)),
		})
	}
	return s, nil
}

func (s *Sim) signer(index uint64) (consensus.Signer, error) {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], s.cfg.Seed)
	binary.BigEndian.PutUint64(buf[8:], index)
	seed := crypto.Digest([]byte("csf validator"), buf[:])
	return s.scheme.NewSigner(seed[:])
}

func (s *Sim) newNode(i int, m member) (*node.Node, error) {
	reg := validators.NewRegistry(s.cfg.Registry, s.logger)
	for _, other := range s.members {
		if err := reg.Register(other.id, other.signer.PublicKey(), s.cfg.Stake); err != nil {
			return nil, err
		}
	}
	cfg := s.cfg.Node
	if cfg.SampleSeed == 0 {
		cfg.SampleSeed = s.cfg.Seed*1000 + uint64(i) + 1
	}
	deps := node.Deps{
		Signer:      m.signer,
		Verifier:    s.scheme,
		Registry:    reg,
		Store:       vertexstore.NewMemoryStore(),
		Transport:   s.Net.Join(m.id, 0),
		Logger:      s.logger,
		ConflictKey: s.cfg.ConflictKey,
	}
	if s.cfg.Customize != nil {
		if err := s.cfg.Customize(i, &deps); err != nil {
			return nil, err
		}
	}
	n, err := node.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	n.Bus().Subscribe(s.Collectors.subscriber(m.id))
	if err := n.Bootstrap(context.Background(), s.Genesis); err != nil {
		return nil, err
	}
	return n, nil
}

// Nodes returns the honest nodes.
func (s *Sim) Nodes() []*node.Node {
	return s.nodes
}

// Actors returns the Byzantine actors.
func (s *Sim) Actors() []*Actor {
	return s.actors
}

// Size returns the number of validators in the simulation.
func (s *Sim) Size() int {
	return len(s.members)
}

// Run runs every node and actor until ctx is done or a node fails.
func (s *Sim) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return node.ErrAlreadyRunning
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.nodes {
		n := n
		g.Go(func() error { return n.Run(gctx) })
	}
	for _, a := range s.actors {
		a := a
		g.Go(func() error { return a.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close tears the network down. Call it after Run returns.
func (s *Sim) Close() {
	s.Net.Close()
}

// Propose creates a vertex on the honest node at index over its current tips.
func (s *Sim) Propose(ctx context.Context, index int, payload []byte) (*consensus.Vertex, error) {
	if index < 0 || index >= len(s.nodes) {
		return nil, fmt.Errorf("no honest node %d", index)
	}
	v, err := s.nodes[index].Propose(ctx, nil, payload)
	if err != nil {
		return nil, err
	}
	s.proposed.Add(1)
	return v, nil
}

// ProposeBatch proposes count vertices, rotating the proposer across the
// honest nodes.
func (s *Sim) ProposeBatch(ctx context.Context, count int) ([]*consensus.Vertex, error) {
	out := make([]*consensus.Vertex, 0, count)
	for i := 0; i < count; i++ {
		v, err := s.Propose(ctx, i%len(s.nodes), []byte(fmt.Sprintf("payload-%d", i)))
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Finalized reports whether every honest node finalized id.
func (s *Sim) Finalized(id consensus.VertexID) bool {
	for _, n := range s.nodes {
		if n.QueryVertexStatus(id) != consensus.StatusFinalized {
			return false
		}
	}
	return true
}

// WaitFinalized polls until every honest node finalized every id.
func (s *Sim) WaitFinalized(ctx context.Context, ids ...consensus.VertexID) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, id := range ids {
			if !s.Finalized(id) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d of %d pending", ErrNotFinalized, pending, len(ids))
		case <-ticker.C:
		}
	}
}

// NodeReport summarizes one honest node.
type NodeReport struct {
	ID        consensus.ValidatorID
	Finalized int
	Evidence  int
	Isolated  []consensus.ValidatorID
}

// Report summarizes a simulation run.
type Report struct {
	Validators int
	Byzantine  int
	Behavior   Behavior
	Proposed   int
	Nodes      []NodeReport
	Health     []node.ValidatorHealth
}

// Report collects the per-node outcome and the first node's view of every
// validator.
func (s *Sim) Report() Report {
	r := Report{
		Validators: len(s.members),
		Byzantine:  len(s.actors),
		Behavior:   s.cfg.Behavior,
		Proposed:   int(s.proposed.Load()),
	}
	for _, n := range s.nodes {
		nr := NodeReport{
			ID:        n.ID(),
			Finalized: s.Decisions.FinalizedCount(n.ID()),
			Evidence:  len(s.Faults.Evidence(n.ID(), "")),
		}
		for _, rec := range n.Registry().All() {
			if rec.Isolated {
				nr.Isolated = append(nr.Isolated, rec.ID)
			}
		}
		sort.Slice(nr.Isolated, func(i, j int) bool { return bytes.Compare(nr.Isolated[i][:], nr.Isolated[j][:]) < 0 })
		r.Nodes = append(r.Nodes, nr)
	}
	if len(s.nodes) > 0 {
		r.Health = s.nodes[0].GetValidatorHealth()
	}
	return r
}
