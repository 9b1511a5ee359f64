package voting

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
)

func newSet(t *testing.T, stakes ...uint64) (*validators.Registry, []consensus.ValidatorID) {
	t.Helper()
	r := validators.NewRegistry(validators.DefaultConfig(), nil)
	ids := make([]consensus.ValidatorID, len(stakes))
	for i, s := range stakes {
		ids[i] = consensus.ValidatorID{byte(i + 1)}
		require.NoError(t, r.Register(ids[i], nil, s))
	}
	return r, ids
}

func TestCalculateWeight(t *testing.T) {
	r, ids := newSet(t, 100, 300)
	wv := NewWeightedVoting(r, 1)

	// 0.6*0.25 + 0.3*0.5 + 0.1*1.0
	assert.InDelta(t, 0.40, wv.CalculateWeight(ids[0]), 1e-9)
	// 0.6*0.75 + 0.3*0.5 + 0.1*1.0
	assert.InDelta(t, 0.70, wv.CalculateWeight(ids[1]), 1e-9)
	assert.Equal(t, 0.0, wv.CalculateWeight(consensus.ValidatorID{0xFF}))

	// Isolating a validator renormalizes stake over the rest.
	_, err := r.Penalize(ids[0], 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, wv.CalculateWeight(ids[0]))
	assert.InDelta(t, 0.85, wv.CalculateWeight(ids[1]), 1e-9)
}

func TestCalculateVotingPower(t *testing.T) {
	r, ids := newSet(t, 100, 100, 100, 100)
	wv := NewWeightedVoting(r, 1)
	each := wv.CalculateWeight(ids[0])

	votes := []consensus.Vote{
		{Validator: ids[0]},
		{Validator: ids[0]}, // duplicate voter counts once
		{Validator: ids[1]},
		{Validator: consensus.ValidatorID{0xEE}}, // unknown
	}
	assert.InDelta(t, 2*each, wv.CalculateVotingPower(votes), 1e-9)
	assert.InDelta(t, 4*each, wv.TotalActivePower(), 1e-9)
}

func TestSample(t *testing.T) {
	r, ids := newSet(t, 10, 10, 10, 10, 10, 10, 10)
	wv := NewWeightedVoting(r, 42)

	sample, err := wv.Sample(5, ids[0])
	require.NoError(t, err)
	require.Len(t, sample, 5)
	seen := make(map[consensus.ValidatorID]bool)
	for _, id := range sample {
		assert.NotEqual(t, ids[0], id)
		assert.False(t, seen[id], "sample must be without replacement")
		seen[id] = true
	}

	all, err := wv.Sample(20, ids[0])
	require.NoError(t, err)
	assert.Len(t, all, 6)

	// Isolate two: 5 active of 7 still meets 2f+1 = 5.
	for _, id := range ids[5:] {
		_, err := r.Penalize(id, 0.5)
		require.NoError(t, err)
	}
	sample, err = wv.Sample(10)
	require.NoError(t, err)
	assert.Len(t, sample, 5)
	for _, id := range sample {
		assert.False(t, r.IsIsolated(id))
	}

	// A third isolation drops below quorum and defers sampling.
	_, err = r.Penalize(ids[4], 0.5)
	require.NoError(t, err)
	_, err = wv.Sample(5)
	assert.ErrorIs(t, err, ErrQuorumUnavailable)
}

func TestSampleFavorsWeight(t *testing.T) {
	r, ids := newSet(t, 1, 1000)
	wv := NewWeightedVoting(r, 7)

	counts := make(map[consensus.ValidatorID]int)
	for i := 0; i < 2000; i++ {
		s, err := wv.Sample(1)
		require.NoError(t, err)
		require.Len(t, s, 1)
		counts[s[0]]++
	}
	assert.Greater(t, counts[ids[1]], counts[ids[0]])
}

func TestMeetsQuorumScenarioC(t *testing.T) {
	q := NewAdaptiveQuorum(DefaultQuorumConfig(), func() int { return 7 })
	assert.InDelta(t, 0.6667, q.CalculateQuorum(), 1e-9)
	assert.True(t, q.MeetsQuorum(0.70, 1.0))
	assert.False(t, q.MeetsQuorum(0.60, 1.0))
	assert.False(t, q.MeetsQuorum(1, 0))
}

func TestQuorumRisesWithThreat(t *testing.T) {
	q := NewAdaptiveQuorum(DefaultQuorumConfig(), func() int { return 4 })
	base := q.CalculateQuorum()

	now := time.Now()
	q.RecordEvidence(now)
	q.RecordEvidence(now)
	// rate 2/4 = 0.5, threat 0.3
	assert.InDelta(t, 0.3, q.ThreatLevel(), 1e-9)
	assert.InDelta(t, base+0.3*0.15, q.CalculateQuorum(), 1e-9)

	q.SetPartitionRisk(1)
	assert.InDelta(t, 0.7, q.ThreatLevel(), 1e-9)

	// Evidence ages out of the window.
	q.now = func() time.Time { return now.Add(time.Hour) }
	assert.InDelta(t, 0.4, q.ThreatLevel(), 1e-9)
}

func TestOutOfOrderEvidencePruned(t *testing.T) {
	cfg := DefaultQuorumConfig()
	q := NewAdaptiveQuorum(cfg, func() int { return 4 })
	now := time.Now()
	q.now = func() time.Time { return now }

	q.RecordEvidence(now)
	q.RecordEvidence(now.Add(-2 * cfg.Window))
	// rate 1/4, threat 0.15
	assert.InDelta(t, 0.15, q.ThreatLevel(), 1e-9)

	q.RecordEvidence(now.Add(-cfg.Window / 2))
	assert.InDelta(t, 0.3, q.ThreatLevel(), 1e-9)

	q.now = func() time.Time { return now.Add(cfg.Window * 3 / 4) }
	assert.InDelta(t, 0.15, q.ThreatLevel(), 1e-9, "the older report ages out first")
}

func TestObserveResponsiveness(t *testing.T) {
	q := NewAdaptiveQuorum(DefaultQuorumConfig(), func() int { return 4 })
	q.ObserveResponsiveness(0, 5)
	assert.InDelta(t, 0.1, q.PartitionRisk(), 1e-9)
	q.ObserveResponsiveness(5, 5)
	assert.InDelta(t, 0.09, q.PartitionRisk(), 1e-9)
	q.ObserveResponsiveness(0, 0)
	assert.InDelta(t, 0.09, q.PartitionRisk(), 1e-9)
}

func TestQuorumBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		active := rng.Intn(20)
		q := NewAdaptiveQuorum(DefaultQuorumConfig(), func() int { return active })
		for j := rng.Intn(50); j > 0; j-- {
			q.RecordEvidence(time.Now())
		}
		q.SetPartitionRisk(rng.Float64()*3 - 1)
		quorum := q.CalculateQuorum()
		assert.GreaterOrEqual(t, quorum, 0.6667)
		assert.LessOrEqual(t, quorum, 0.90)
	}
}
