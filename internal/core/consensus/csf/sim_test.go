package csf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/byzantine"
	"github.com/LeJamon/goDAGBFT/internal/node"
	"github.com/LeJamon/goDAGBFT/internal/storage/vertexstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastConfig returns a small network with short deadlines.
func fastConfig(honest, byzantineCount int, behavior Behavior) Config {
	cfg := DefaultConfig()
	cfg.Honest = honest
	cfg.Byzantine = byzantineCount
	cfg.Behavior = behavior
	cfg.Node.Consensus.SampleSize = 3
	cfg.Node.Consensus.Alpha = 0.6
	cfg.Node.Consensus.Beta = 10
	cfg.Node.Consensus.RoundTimeout = 100 * time.Millisecond
	cfg.Node.Consensus.RetryInterval = 20 * time.Millisecond
	cfg.Node.Consensus.Shards = 2
	cfg.Node.Consensus.QueueSize = 1024
	cfg.Node.VerifyWorkers = 4
	cfg.Node.Forks.Interval = 100 * time.Millisecond
	cfg.Node.FinalityRetry = 50 * time.Millisecond
	cfg.Node.Byzantine.MaxMessages = 0
	return cfg
}

func start(t *testing.T, s *Sim) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		s.Close()
	})
}

func waitFinalized(t *testing.T, s *Sim, timeout time.Duration, ids ...consensus.VertexID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, s.WaitFinalized(ctx, ids...))
}

// Seven validators, two of which answer every query both ways. The honest
// five isolate both liars and decide the vertex after exactly beta
// consecutive successful rounds.
func TestEquivocatorsIsolatedAndVertexFinalized(t *testing.T) {
	cfg := fastConfig(5, 2, Equivocate)
	cfg.Node.Consensus.SampleSize = 5
	cfg.Node.Consensus.Alpha = 0.8
	cfg.Node.Consensus.Beta = 150
	cfg.Node.Consensus.ConfidenceThreshold = 10000
	cfg.Node.Consensus.RoundTimeout = 500 * time.Millisecond

	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 7, s.Size())
	start(t, s)

	v, err := s.Propose(context.Background(), 0, []byte("transfer:7"))
	require.NoError(t, err)
	assert.Equal(t, []consensus.VertexID{s.Genesis.ID}, v.Parents)

	waitFinalized(t, s, 60*time.Second, v.ID)

	for _, n := range s.Nodes() {
		n := n
		require.Eventually(t, func() bool {
			_, ok := s.Decisions.Accepted(n.ID(), v.ID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)
		accepted, _ := s.Decisions.Accepted(n.ID(), v.ID)
		assert.Equal(t, 150, accepted.Consecutive, "node %s", n.ID())
		assert.Equal(t, uint64(1), accepted.Height)

		require.Eventually(t, func() bool {
			_, ok := s.Decisions.Finalized(n.ID(), v.ID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)

		for _, a := range s.Actors() {
			assert.True(t, n.Registry().IsIsolated(a.ID()), "node %s kept %s", n.ID(), a.ID())
			for _, e := range n.Detector().EvidenceAgainst(a.ID()) {
				assert.Equal(t, byzantine.Equivocation, e.Kind)
			}
		}
		for _, other := range s.Nodes() {
			assert.False(t, n.Registry().IsIsolated(other.ID()))
		}
	}

	first := s.Nodes()[0].ID()
	assert.NotEmpty(t, s.Faults.Evidence(first, byzantine.Equivocation.String()))
	assert.Empty(t, s.Faults.Evidence(first, byzantine.InvalidSignature.String()))
	isolated := map[consensus.ValidatorID]bool{}
	for _, e := range s.Faults.Isolations(first) {
		isolated[e.Validator] = e.Isolated
	}
	for _, a := range s.Actors() {
		assert.True(t, isolated[a.ID()])
	}
}

// Two honest validators spend the same account at once while an
// equivocator answers both ways. Every honest node finalizes the same spend
// and rejects the other.
func TestConflictingSpendsDecidedConsistently(t *testing.T) {
	cfg := fastConfig(4, 1, Equivocate)
	cfg.ConflictKey = consensus.PrefixConflictKey(':')
	s, err := New(cfg, nil)
	require.NoError(t, err)
	start(t, s)

	ctx := context.Background()
	genesis := []consensus.VertexID{s.Genesis.ID}
	a, err := s.Nodes()[0].Propose(ctx, genesis, []byte("acct:A"))
	require.NoError(t, err)
	b, err := s.Nodes()[1].Propose(ctx, genesis, []byte("acct:B"))
	require.NoError(t, err)

	decided := func(n *node.Node) (winner, loser consensus.VertexID, ok bool) {
		_, fa := s.Decisions.Finalized(n.ID(), a.ID)
		_, fb := s.Decisions.Finalized(n.ID(), b.ID)
		switch {
		case fa && !fb && n.QueryVertexStatus(b.ID) == consensus.StatusRejected:
			return a.ID, b.ID, true
		case fb && !fa && n.QueryVertexStatus(a.ID) == consensus.StatusRejected:
			return b.ID, a.ID, true
		}
		return winner, loser, false
	}

	var winner consensus.VertexID
	for i, n := range s.Nodes() {
		n := n
		require.Eventually(t, func() bool {
			_, _, ok := decided(n)
			return ok
		}, 60*time.Second, 20*time.Millisecond, "node %s", n.ID())

		w, l, _ := decided(n)
		if i == 0 {
			winner = w
		}
		assert.Equal(t, winner, w, "node %s finalized a different spend", n.ID())
		require.Eventually(t, func() bool {
			return n.QueryVertexStatus(w) == consensus.StatusFinalized
		}, 5*time.Second, 10*time.Millisecond)
		_, tracked := n.Finality().Phase(l)
		assert.False(t, tracked)
	}

	// nothing commits the loser later
	time.Sleep(300 * time.Millisecond)
	for _, n := range s.Nodes() {
		_, fa := s.Decisions.Finalized(n.ID(), a.ID)
		_, fb := s.Decisions.Finalized(n.ID(), b.ID)
		assert.False(t, fa && fb, "node %s finalized both spends", n.ID())
	}
}

func TestSilentValidatorLosesUptime(t *testing.T) {
	s, err := New(fastConfig(4, 1, Silent), nil)
	require.NoError(t, err)
	start(t, s)

	vs, err := s.ProposeBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	ids := make([]consensus.VertexID, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	waitFinalized(t, s, 30*time.Second, ids...)

	silent := s.Actors()[0].ID()
	var sawSilent bool
	for _, vh := range s.Nodes()[0].GetValidatorHealth() {
		if vh.ID == silent {
			sawSilent = true
			assert.Less(t, vh.Uptime, 1.0)
			continue
		}
		assert.False(t, vh.Isolated)
	}
	assert.True(t, sawSilent)
	for _, n := range s.Nodes() {
		assert.Empty(t, s.Faults.Evidence(n.ID(), byzantine.Equivocation.String()))
	}
}

func TestForgedResponsesIsolateSender(t *testing.T) {
	s, err := New(fastConfig(4, 1, Forge), nil)
	require.NoError(t, err)
	start(t, s)

	// InvalidSignature costs 0.2, so isolation takes three forged responses.
	vs, err := s.ProposeBatch(context.Background(), 3)
	require.NoError(t, err)
	ids := make([]consensus.VertexID, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.ID)
	}
	waitFinalized(t, s, 30*time.Second, ids...)

	forger := s.Actors()[0].ID()
	n := s.Nodes()[1]
	require.Eventually(t, func() bool {
		return n.Registry().IsIsolated(forger)
	}, 10*time.Second, 10*time.Millisecond)
	for _, e := range n.Detector().EvidenceAgainst(forger) {
		assert.Equal(t, byzantine.InvalidSignature, e.Kind)
	}
}

func TestHonestNetworkReport(t *testing.T) {
	s, err := New(fastConfig(4, 0, 0), nil)
	require.NoError(t, err)
	start(t, s)

	vs, err := s.ProposeBatch(context.Background(), 4)
	require.NoError(t, err)
	ids := make([]consensus.VertexID, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	waitFinalized(t, s, 30*time.Second, ids...)

	require.Eventually(t, func() bool {
		for _, nr := range s.Report().Nodes {
			if nr.Finalized < len(ids) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	r := s.Report()
	assert.Equal(t, 4, r.Validators)
	assert.Zero(t, r.Byzantine)
	assert.Equal(t, 4, r.Proposed)
	require.Len(t, r.Nodes, 4)
	for _, nr := range r.Nodes {
		assert.Empty(t, nr.Isolated)
		assert.Zero(t, nr.Evidence)
	}
	require.Len(t, r.Health, 4)
	for _, vh := range r.Health {
		assert.Greater(t, vh.Weight, 0.0)
	}
}

func TestRunTwice(t *testing.T) {
	s, err := New(fastConfig(1, 0, 0), nil)
	require.NoError(t, err)
	start(t, s)
	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, s.Run(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no honest nodes", func(c *Config) { c.Honest = 0 }},
		{"negative byzantine", func(c *Config) { c.Byzantine = -1 }},
		{"unknown behavior", func(c *Config) { c.Behavior = Behavior(42) }},
		{"zero stake", func(c *Config) { c.Stake = 0 }},
		{"zero buffer", func(c *Config) { c.Buffer = 0 }},
		{"bad node config", func(c *Config) { c.Node.VerifyWorkers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestParseBehavior(t *testing.T) {
	for _, b := range []Behavior{Equivocate, Silent, Forge} {
		got, err := ParseBehavior(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	got, err := ParseBehavior("SILENT")
	require.NoError(t, err)
	assert.Equal(t, Silent, got)

	_, err = ParseBehavior("lazy")
	assert.Error(t, err)
	assert.Equal(t, "Behavior(9)", Behavior(9).String())
}

func TestCollectorsFanOut(t *testing.T) {
	c := NewCollectors()
	d := NewDecisionCollector()
	f := NewFaultCollector()
	var seen int
	c.Add(d)
	c.Add(f)
	c.Add(CollectorFunc(func(consensus.ValidatorID, consensus.Event) { seen++ }))

	node := consensus.ValidatorID{1}
	vertex := consensus.VertexID{2}
	sub := c.subscriber(node)
	sub.OnEvent(&consensus.VertexAcceptedEvent{Vertex: vertex, Consecutive: 3})
	sub.OnEvent(&consensus.FinalityEvent{Record: consensus.FinalityRecord{VertexID: vertex, Phase: consensus.PhasePreCommitted}})
	sub.OnEvent(&consensus.EvidenceEvent{Kind: "Equivocation", Offender: consensus.ValidatorID{3}})
	sub.OnEvent(&consensus.IsolationEvent{Validator: consensus.ValidatorID{3}, Isolated: true})

	assert.Equal(t, 4, seen)
	e, ok := d.Accepted(node, vertex)
	require.True(t, ok)
	assert.Equal(t, 3, e.Consecutive)
	_, ok = d.Finalized(node, vertex)
	assert.False(t, ok, "precommit is not finality")

	sub.OnEvent(&consensus.FinalityEvent{Record: consensus.FinalityRecord{VertexID: vertex, Phase: consensus.PhaseCommitted}})
	_, ok = d.Finalized(node, vertex)
	assert.True(t, ok)
	assert.Equal(t, 1, d.FinalizedCount(node))

	assert.Len(t, f.Evidence(node, ""), 1)
	assert.Len(t, f.Evidence(node, "Equivocation"), 1)
	assert.Empty(t, f.Evidence(node, "MessageFlood"))
	assert.Len(t, f.Isolations(node), 1)
	assert.Empty(t, f.ForkResolutions(node))
}

func TestCustomizeHook(t *testing.T) {
	stores := map[int]*vertexstore.MemoryStore{}
	cfg := fastConfig(3, 0, 0)
	cfg.Customize = func(i int, deps *node.Deps) error {
		store := vertexstore.NewMemoryStore()
		stores[i] = store
		deps.Store = store
		return nil
	}
	s, err := New(cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, stores, 3)
	for i, store := range stores {
		ok, err := store.HasVertex(context.Background(), s.Genesis.ID)
		require.NoError(t, err)
		assert.True(t, ok, "node %d bootstraps into the customized store", i)
	}

	cfg.Customize = func(i int, deps *node.Deps) error {
		if i == 1 {
			return errors.New("no store for node 1")
		}
		return nil
	}
	_, err = New(cfg, nil)
	assert.ErrorContains(t, err, "node 1")
}
