package forks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/storage/vertexstore"
)

// weightedVotes maps each vertex to the validators backing it, and each
// validator to a fixed weight.
type weightedVotes struct {
	backers map[consensus.VertexID][]consensus.ValidatorID
	weights map[consensus.ValidatorID]float64
}

func (w *weightedVotes) VotesFor(id consensus.VertexID) []consensus.Vote {
	var out []consensus.Vote
	for _, v := range w.backers[id] {
		out = append(out, consensus.Vote{Validator: v, VertexID: id, Accept: true})
	}
	return out
}

func (w *weightedVotes) CalculateVotingPower(votes []consensus.Vote) float64 {
	var p float64
	for _, v := range votes {
		p += w.weights[v.Validator]
	}
	return p
}

type eventLog struct {
	mu     sync.Mutex
	events []consensus.Event
}

func (l *eventLog) OnEvent(ev consensus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t consensus.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *vertexstore.MemoryStore
	votes    *weightedVotes
	bus      *consensus.EventBus
	events   *eventLog
	detector *Detector
	genesis  *consensus.Vertex
	clock    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: vertexstore.NewMemoryStore(),
		votes: &weightedVotes{
			backers: map[consensus.VertexID][]consensus.ValidatorID{},
			weights: map[consensus.ValidatorID]float64{},
		},
		bus:    consensus.NewEventBus(16),
		events: &eventLog{},
		clock:  time.Unix(1700000000, 0),
	}
	f.bus.Subscribe(f.events)
	f.bus.Start()
	t.Cleanup(f.bus.Stop)

	f.genesis = f.add(t, "genesis", consensus.ValidatorID{})
	d, err := NewDetector(cfg, Deps{
		Store:       f.store,
		Votes:       f.votes,
		Power:       f.votes,
		Hasher:      crypto.SHA3Hasher{},
		ConflictKey: consensus.PrefixConflictKey(':'),
		Bus:         f.bus,
	})
	require.NoError(t, err)
	f.detector = d
	return f
}

func (f *fixture) add(t *testing.T, payload string, creator consensus.ValidatorID, parents ...consensus.VertexID) *consensus.Vertex {
	t.Helper()
	f.clock = f.clock.Add(time.Second)
	v := &consensus.Vertex{Parents: parents, Payload: []byte(payload), Creator: creator, Timestamp: f.clock}
	if len(parents) > 0 {
		v.Height = 1
	}
	v.ID = consensus.ComputeVertexID(crypto.SHA3Hasher{}, creator, parents, v.Payload, v.Timestamp)
	require.NoError(t, f.store.PutVertex(context.Background(), v))
	return v
}

func TestDetectForks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	g := f.genesis.ID

	a := f.add(t, "acct1:debit", consensus.ValidatorID{1}, g)
	b := f.add(t, "acct1:credit", consensus.ValidatorID{2}, g)
	f.add(t, "acct2:debit", consensus.ValidatorID{3}, g)
	f.add(t, "plain", consensus.ValidatorID{4}, g)

	forks, err := f.detector.DetectForks(ctx)
	require.NoError(t, err)
	require.Len(t, forks, 1)
	fork := forks[0]
	assert.Equal(t, uint64(1), fork.Height)
	assert.Equal(t, "1/key:acct1", fork.Position)
	assert.ElementsMatch(t, []consensus.VertexID{a.ID, b.ID}, fork.Competing)

	again, err := f.detector.DetectForks(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, fork.ID, again[0].ID)

	require.Eventually(t, func() bool {
		return f.events.count(consensus.EventForkDetected) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSameCreatorAtOneHeightIsAFork(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	g := f.genesis.ID
	f.add(t, "one", consensus.ValidatorID{7}, g)
	f.add(t, "two", consensus.ValidatorID{7}, g)

	forks, err := f.detector.DetectForks(context.Background())
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Contains(t, forks[0].Position, "creator:")
}

func TestResolveForkByVotingPower(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	g := f.genesis.ID
	a := f.add(t, "acct1:debit", consensus.ValidatorID{1}, g)
	b := f.add(t, "acct1:credit", consensus.ValidatorID{2}, g)

	// 0.40 behind one vertex, 0.35 behind the other, 0.25 abstaining.
	f.votes.weights = map[consensus.ValidatorID]float64{{1}: 0.25, {2}: 0.15, {3}: 0.35, {4}: 0.25}
	f.votes.backers[a.ID] = []consensus.ValidatorID{{1}, {2}}
	f.votes.backers[b.ID] = []consensus.ValidatorID{{3}}

	forks, err := f.detector.DetectForks(ctx)
	require.NoError(t, err)
	require.Len(t, forks, 1)

	res, err := f.detector.ResolveFork(ctx, forks[0])
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.Winner)
	assert.InDelta(t, 0.40, res.Power[a.ID], 1e-9)
	assert.InDelta(t, 0.35, res.Power[b.ID], 1e-9)
	assert.Equal(t, "greater voting power", res.Reason)

	// The resolution never changes for this instance.
	f.votes.backers[b.ID] = []consensus.ValidatorID{{3}, {4}}
	again, err := f.detector.ResolveFork(ctx, forks[0])
	require.NoError(t, err)
	assert.Equal(t, res, again)

	stored, ok := f.detector.Resolution(forks[0].ID)
	require.True(t, ok)
	assert.Equal(t, a.ID, stored.Winner)

	remaining, err := f.detector.DetectForks(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.Eventually(t, func() bool {
		return f.events.count(consensus.EventForkResolved) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestResolveForkTieBreak(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	g := f.genesis.ID
	a := f.add(t, "k:x", consensus.ValidatorID{1}, g)
	b := f.add(t, "k:y", consensus.ValidatorID{2}, g)

	f.votes.weights = map[consensus.ValidatorID]float64{{1}: 0.3, {2}: 0.3}
	f.votes.backers[a.ID] = []consensus.ValidatorID{{1}}
	f.votes.backers[b.ID] = []consensus.ValidatorID{{2}}

	forks, err := f.detector.DetectForks(context.Background())
	require.NoError(t, err)
	require.Len(t, forks, 1)

	res, err := f.detector.ResolveFork(context.Background(), forks[0])
	require.NoError(t, err)
	want := a.ID
	if b.ID.Compare(a.ID) < 0 {
		want = b.ID
	}
	assert.Equal(t, want, res.Winner)
	assert.Equal(t, "tie broken by smallest vertex id", res.Reason)
}

func TestInconclusiveForkRaisesAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInconclusive = 3
	f := newFixture(t, cfg)
	g := f.genesis.ID
	f.add(t, "k:x", consensus.ValidatorID{1}, g)
	f.add(t, "k:y", consensus.ValidatorID{2}, g)

	forks, err := f.detector.DetectForks(context.Background())
	require.NoError(t, err)
	require.Len(t, forks, 1)

	for range 5 {
		_, err := f.detector.ResolveFork(context.Background(), forks[0])
		assert.ErrorIs(t, err, ErrForkInconclusive)
	}
	require.Eventually(t, func() bool {
		return f.events.count(consensus.EventOperatorAlert) == 1
	}, time.Second, 5*time.Millisecond)
	_, ok := f.detector.Resolution(forks[0].ID)
	assert.False(t, ok)
}

func TestRejectedVerticesIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	g := f.genesis.ID
	a := f.add(t, "k:x", consensus.ValidatorID{1}, g)
	f.add(t, "k:y", consensus.ValidatorID{2}, g)
	f.detector.deps.Status = func(id consensus.VertexID) consensus.Status {
		if id == a.ID {
			return consensus.StatusRejected
		}
		return consensus.StatusPending
	}

	forks, err := f.detector.DetectForks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, forks)
}
