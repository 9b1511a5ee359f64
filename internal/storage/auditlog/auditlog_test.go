package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	pebbledb "github.com/LeJamon/goDAGBFT/internal/storage/database/pebble"
)

func TestAuditLogAppendAndReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	now := time.Unix(1700000000, 0)

	manager := pebbledb.NewManager("/audit", pebbledb.WithFS(fs))
	db, err := manager.OpenDB("audit")
	require.NoError(t, err)

	log, err := Open(ctx, db, nil)
	require.NoError(t, err)

	log.OnEvent(&consensus.EvidenceEvent{
		Kind:       "Equivocation",
		Offender:   consensus.ValidatorID{7},
		Severity:   0.3,
		Reputation: 0.2,
		Detail:     "view 1 height 10",
		Timestamp:  now,
	})
	log.OnEvent(&consensus.FinalityEvent{Record: consensus.FinalityRecord{
		VertexID:    consensus.VertexID{1},
		Height:      3,
		Phase:       consensus.PhaseCommitted,
		VotingPower: 0.8,
		TotalPower:  1,
		Quorum:      0.6667,
		Timestamp:   now,
	}})
	log.OnEvent(&consensus.ForkResolvedEvent{
		Fork: consensus.Fork{ID: [32]byte{9}, Height: 4, Position: "4/acct", Competing: []consensus.VertexID{{1}, {2}}},
		Resolution: consensus.ForkResolution{
			ForkID:     [32]byte{9},
			Winner:     consensus.VertexID{1},
			Reason:     "voting power",
			Power:      map[consensus.VertexID]float64{{1}: 0.4, {2}: 0.35},
			ResolvedAt: now,
		},
	})
	// Ignored event types do not consume sequence numbers.
	log.OnEvent(&consensus.VertexRejectedEvent{})

	evidence, err := log.Evidence(ctx)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, uint64(1), evidence[0].Seq)
	assert.Equal(t, "Equivocation", evidence[0].Kind)
	assert.Equal(t, now, Time(evidence[0].Timestamp))

	finality, err := log.Finality(ctx)
	require.NoError(t, err)
	require.Len(t, finality, 1)
	assert.Equal(t, uint64(2), finality[0].Seq)
	assert.Equal(t, int32(consensus.PhaseCommitted), finality[0].Phase)

	forks, err := log.ForkResolutions(ctx)
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.InDelta(t, 0.4, forks[0].Power[consensus.VertexID{1}.String()], 1e-9)

	require.NoError(t, manager.Close())

	// Reopening continues the sequence.
	manager = pebbledb.NewManager("/audit", pebbledb.WithFS(fs))
	defer manager.Close()
	db, err = manager.OpenDB("audit")
	require.NoError(t, err)
	log, err = Open(ctx, db, nil)
	require.NoError(t, err)

	require.NoError(t, log.AppendEvidence(ctx, &consensus.EvidenceEvent{Kind: "ReplayAttempt", Timestamp: now}))
	evidence, err = log.Evidence(ctx)
	require.NoError(t, err)
	require.Len(t, evidence, 2)
	assert.Equal(t, uint64(4), evidence[1].Seq)
}
