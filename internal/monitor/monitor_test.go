package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

func TestMonitorCountsEvents(t *testing.T) {
	m := New(0)

	m.OnEvent(&consensus.VertexAdmittedEvent{})
	m.OnEvent(&consensus.VertexAdmittedEvent{})
	for i := 1; i <= 100; i++ {
		m.OnEvent(&consensus.RoundCompletedEvent{Outcome: consensus.OutcomeSuccess, Duration: time.Duration(i) * time.Millisecond})
	}
	m.OnEvent(&consensus.RoundCompletedEvent{Outcome: consensus.OutcomeInconclusive, Duration: time.Second})
	m.OnEvent(&consensus.VertexAcceptedEvent{Latency: 2 * time.Second})
	m.OnEvent(&consensus.VertexRejectedEvent{})
	m.OnEvent(&consensus.FinalityEvent{Record: consensus.FinalityRecord{Phase: consensus.PhasePreCommitted}})
	m.OnEvent(&consensus.FinalityEvent{Record: consensus.FinalityRecord{Phase: consensus.PhaseCommitted}, Latency: 30 * time.Millisecond})
	m.OnEvent(&consensus.EvidenceEvent{Kind: "Equivocation"})
	m.OnEvent(&consensus.EvidenceEvent{Kind: "Equivocation"})
	m.OnEvent(&consensus.IsolationEvent{Validator: consensus.ValidatorID{1}, Isolated: true})
	m.OnEvent(&consensus.IsolationEvent{Validator: consensus.ValidatorID{2}, Isolated: true})
	m.OnEvent(&consensus.IsolationEvent{Validator: consensus.ValidatorID{1}, Isolated: false})
	m.OnEvent(&consensus.ForkDetectedEvent{})
	m.OnEvent(&consensus.ForkResolvedEvent{})
	m.OnEvent(&consensus.OperatorAlertEvent{})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admitted))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.rounds.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues("inconclusive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finality.WithLabelValues("committed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evidence.WithLabelValues("Equivocation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.isolated))
	assert.Equal(t, 1, testutil.CollectAndCount(m.roundDuration))

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Admitted)
	assert.Equal(t, uint64(1), s.Finalized)
	assert.Equal(t, uint64(100), s.Rounds[consensus.OutcomeSuccess])
	assert.Equal(t, uint64(2), s.Evidence["Equivocation"])
	assert.Equal(t, 1, s.IsolatedCount)
	assert.Equal(t, uint64(1), s.ForksDetected)
	assert.Equal(t, uint64(1), s.ForksResolved)
	assert.Equal(t, uint64(1), s.OperatorAlerts)

	assert.Equal(t, 101, s.RoundLatency.Count)
	assert.InDelta(t, float64(51*time.Millisecond), float64(s.RoundLatency.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(s.RoundLatency.P99), float64(time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(s.AcceptanceLatency.P50), float64(time.Microsecond))
	assert.InDelta(t, float64(30*time.Millisecond), float64(s.FinalityLatency.P95), float64(time.Microsecond))
}

func TestWindowWrapsAround(t *testing.T) {
	w := newWindow(4)
	for i := 1; i <= 10; i++ {
		w.add(time.Duration(i) * time.Second)
	}
	q := w.quantiles()
	assert.Equal(t, 4, q.Count)
	assert.InDelta(t, float64(10*time.Second), float64(q.P99), float64(time.Microsecond))
	assert.Equal(t, Quantiles{}, newWindow(3).quantiles())
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(16)
	m.OnEvent(&consensus.VertexAcceptedEvent{Latency: time.Second})
	m.ObserveMessage(wire.KindQuery, true, 120)
	m.ObserveQuorum(0.5, 0.7417)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dagbft_vertices_accepted_total 1"))
	assert.True(t, strings.Contains(body, `dagbft_messages_total{category="queries",direction="in"} 1`))
	assert.True(t, strings.Contains(body, "dagbft_quorum_required 0.7417"))
}

func TestTrafficCounter(t *testing.T) {
	tc := NewTrafficCounter()

	tc.AddCount(CategoryResponse, true, 100)
	tc.AddCount(CategoryResponse, true, 200)
	tc.AddCount(CategoryResponse, false, 150)
	tc.AddCount(CategoryVertex, false, 50)

	stats := tc.GetStats(CategoryResponse)
	require.NotNil(t, stats)
	assert.Equal(t, "responses", stats.Name)
	assert.Equal(t, uint64(300), stats.BytesIn)
	assert.Equal(t, uint64(150), stats.BytesOut)
	assert.Equal(t, uint64(2), stats.MessagesIn)
	assert.Equal(t, uint64(1), stats.MessagesOut)

	total := tc.GetTotalStats()
	assert.Equal(t, uint64(200), total.BytesOut)
	assert.Equal(t, uint64(2), total.MessagesOut)

	assert.Nil(t, tc.GetStats(TrafficCategory(99)))

	tc.Reset()
	assert.Zero(t, tc.GetTotalStats().BytesIn)
}

func TestCategorizeMessage(t *testing.T) {
	tests := []struct {
		kind     wire.Kind
		expected TrafficCategory
	}{
		{wire.KindVertex, CategoryVertex},
		{wire.KindQuery, CategoryQuery},
		{wire.KindResponse, CategoryResponse},
		{wire.KindFinalityVote, CategoryFinalityVote},
		{wire.KindIsolationNotice, CategoryIsolationNotice},
		{wire.Kind(42), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, CategorizeMessage(tt.kind))
		})
	}
}
