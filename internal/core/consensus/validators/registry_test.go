package validators

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

func newTestRegistry(t *testing.T, n int) (*Registry, []consensus.ValidatorID) {
	t.Helper()
	r := NewRegistry(DefaultConfig(), nil)
	ids := make([]consensus.ValidatorID, n)
	for i := range ids {
		ids[i] = consensus.ValidatorID{byte(i + 1)}
		require.NoError(t, r.Register(ids[i], []byte{byte(i)}, 100))
	}
	return r, ids
}

func TestRegisterAndGet(t *testing.T) {
	r, ids := newTestRegistry(t, 3)

	rec, ok := r.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, InitialReputation, rec.Reputation)
	assert.Equal(t, 1.0, rec.Uptime)
	assert.False(t, rec.Isolated)
	assert.Equal(t, uint64(100), rec.Stake)

	assert.ErrorIs(t, r.Register(ids[0], nil, 1), ErrDuplicateValidator)
	assert.Equal(t, 3, r.Len())

	_, ok = r.Get(consensus.ValidatorID{0xFF})
	assert.False(t, ok)
	assert.True(t, r.IsIsolated(consensus.ValidatorID{0xFF}))
}

func TestTwoEquivocationsIsolate(t *testing.T) {
	r, ids := newTestRegistry(t, 1)

	var changes []IsolationChange
	r.OnIsolationChange(func(c IsolationChange) { changes = append(changes, c) })

	score, err := r.Penalize(ids[0], 0.3)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, score, 1e-9)
	assert.False(t, r.IsIsolated(ids[0]))

	score, err = r.Penalize(ids[0], 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.True(t, r.IsIsolated(ids[0]))

	require.Len(t, changes, 1)
	assert.True(t, changes[0].Isolated)
	assert.Empty(t, r.Active())
}

func TestPenaltyDriftDoesNotIsolate(t *testing.T) {
	r, ids := newTestRegistry(t, 1)

	// 0.5 - 0.2 - 0.2 is 0.09999999999999998 in float64
	score, err := r.Penalize(ids[0], 0.2)
	require.NoError(t, err)
	score, err = r.Penalize(ids[0], 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, score, 1e-9)
	assert.False(t, r.IsIsolated(ids[0]))
	assert.Len(t, r.Active(), 1)

	score, err = r.Penalize(ids[0], 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.True(t, r.IsIsolated(ids[0]))
}

func TestRewardRehabilitates(t *testing.T) {
	r, ids := newTestRegistry(t, 1)

	var changes []IsolationChange
	r.OnIsolationChange(func(c IsolationChange) { changes = append(changes, c) })

	_, err := r.Penalize(ids[0], 0.45)
	require.NoError(t, err)
	require.True(t, r.IsIsolated(ids[0]))
	assert.False(t, r.TryRehabilitate(ids[0]))

	// 0.05 + 45 * 0.01 = 0.5
	for i := 0; i < 44; i++ {
		_, err = r.Reward(ids[0])
		require.NoError(t, err)
		require.True(t, r.IsIsolated(ids[0]))
	}
	score, err := r.Reward(ids[0])
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.False(t, r.IsIsolated(ids[0]))

	require.Len(t, changes, 2)
	assert.False(t, changes[1].Isolated)
}

func TestReputationBounds(t *testing.T) {
	r, ids := newTestRegistry(t, 1)
	for i := 0; i < 200; i++ {
		score, err := r.Reward(ids[0])
		require.NoError(t, err)
		assert.LessOrEqual(t, score, 1.0)
	}
	for i := 0; i < 20; i++ {
		score, err := r.Penalize(ids[0], 0.3)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, 0.0)
	}

	_, err := r.Penalize(consensus.ValidatorID{0xEE}, 0.1)
	assert.ErrorIs(t, err, consensus.ErrUnknownValidator)
}

func TestUptimeEWMA(t *testing.T) {
	r, ids := newTestRegistry(t, 1)
	r.RecordUptime(ids[0], false)
	rec, _ := r.Get(ids[0])
	assert.InDelta(t, 0.95, rec.Uptime, 1e-9)

	r.RecordUptime(ids[0], true)
	rec, _ = r.Get(ids[0])
	assert.InDelta(t, 0.9525, rec.Uptime, 1e-9)
}

func TestConcurrentUpdates(t *testing.T) {
	r, ids := newTestRegistry(t, 64)

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id consensus.ValidatorID) {
				defer wg.Done()
				for k := 0; k < 50; k++ {
					r.Reward(id)
					r.RecordUptime(id, k%2 == 0)
					_ = r.Active()
				}
			}(id)
		}
	}
	wg.Wait()

	for _, rec := range r.All() {
		assert.InDelta(t, 1.0, rec.Reputation, 1e-9)
		assert.Equal(t, 200, rec.Contributions)
	}
}
