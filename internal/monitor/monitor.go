// Package monitor turns consensus events into Prometheus metrics and
// latency percentiles.
package monitor

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

const namespace = "dagbft"

// DefaultWindow is the number of latency samples kept per series.
const DefaultWindow = 4096

// Quantiles summarizes a latency series.
type Quantiles struct {
	Count int
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Admitted          uint64
	Accepted          uint64
	Rejected          uint64
	Finalized         uint64
	Rounds            map[consensus.RoundOutcome]uint64
	Evidence          map[string]uint64
	IsolatedCount     int
	ForksDetected     uint64
	ForksResolved     uint64
	OperatorAlerts    uint64
	RoundLatency      Quantiles
	AcceptanceLatency Quantiles
	FinalityLatency   Quantiles
}

// window is a bounded ring of latency samples in seconds.
type window struct {
	samples []float64
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d.Seconds()
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) quantiles() Quantiles {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return Quantiles{}
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	q := func(p float64) time.Duration {
		return time.Duration(stat.Quantile(p, stat.Empirical, sorted, nil) * float64(time.Second))
	}
	return Quantiles{Count: n, P50: q(0.50), P95: q(0.95), P99: q(0.99)}
}

// Monitor is an EventBus subscriber exposing consensus metrics.
type Monitor struct {
	registry *prometheus.Registry
	traffic  *TrafficCounter

	admitted       prometheus.Counter
	rounds         *prometheus.CounterVec
	accepted       prometheus.Counter
	rejected       prometheus.Counter
	finality       *prometheus.CounterVec
	evidence       *prometheus.CounterVec
	isolated       prometheus.Gauge
	forksDetected  prometheus.Counter
	forksResolved  prometheus.Counter
	alerts         prometheus.Counter
	messages       *prometheus.CounterVec
	messageBytes   *prometheus.CounterVec
	roundDuration  prometheus.Histogram
	acceptLatency  prometheus.Histogram
	finalLatency   prometheus.Histogram
	threatLevel    prometheus.Gauge
	quorumRequired prometheus.Gauge

	mu          sync.Mutex
	snap        Snapshot
	isolatedSet map[consensus.ValidatorID]bool
	roundLat    *window
	acceptLat   *window
	finalLat    *window
}

// New creates a monitor with its own registry.
func New(windowSize int) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	m := &Monitor{
		registry:    prometheus.NewRegistry(),
		traffic:     NewTrafficCounter(),
		isolatedSet: make(map[consensus.ValidatorID]bool),
		roundLat:    newWindow(windowSize),
		acceptLat:   newWindow(windowSize),
		finalLat:    newWindow(windowSize),
		snap: Snapshot{
			Rounds:   make(map[consensus.RoundOutcome]uint64),
			Evidence: make(map[string]uint64),
		},

		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vertices_admitted_total",
			Help: "Vertices admitted to the consensus engine.",
		}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Sampling rounds concluded, by outcome.",
		}, []string{"outcome"}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vertices_accepted_total",
			Help: "Vertices accepted by the consensus engine.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vertices_rejected_total",
			Help: "Vertices rejected.",
		}),
		finality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "finality_transitions_total",
			Help: "Finality phase transitions, by phase reached.",
		}, []string{"phase"}),
		evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "byzantine_evidence_total",
			Help: "Byzantine evidence recorded, by fault kind.",
		}, []string{"kind"}),
		isolated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "validators_isolated",
			Help: "Validators currently isolated.",
		}),
		forksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forks_detected_total",
			Help: "Fork instances detected.",
		}),
		forksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forks_resolved_total",
			Help: "Fork instances resolved.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "operator_alerts_total",
			Help: "Conditions escalated to the operator.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Wire messages, by category and direction.",
		}, []string{"category", "direction"}),
		messageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_bytes_total",
			Help: "Wire bytes, by category and direction.",
		}, []string{"category", "direction"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help:    "Sampling round duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		acceptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "acceptance_latency_seconds",
			Help:    "Time from admission to acceptance.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		finalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "finality_latency_seconds",
			Help:    "Time from proposal to commit.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		threatLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threat_level",
			Help: "Adaptive quorum threat level.",
		}),
		quorumRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quorum_required",
			Help: "Current adaptive quorum fraction.",
		}),
	}
	m.registry.MustRegister(
		m.admitted, m.rounds, m.accepted, m.rejected, m.finality, m.evidence,
		m.isolated, m.forksDetected, m.forksResolved, m.alerts, m.messages,
		m.messageBytes, m.roundDuration, m.acceptLatency, m.finalLatency,
		m.threatLevel, m.quorumRequired,
	)
	return m
}

// Registry returns the monitor's Prometheus registry.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Traffic returns the wire traffic counter.
func (m *Monitor) Traffic() *TrafficCounter {
	return m.traffic
}

// ObserveMessage counts one wire message.
func (m *Monitor) ObserveMessage(kind wire.Kind, inbound bool, bytes int) {
	cat := CategorizeMessage(kind)
	m.traffic.AddCount(cat, inbound, bytes)
	dir := "out"
	if inbound {
		dir = "in"
	}
	m.messages.WithLabelValues(cat.String(), dir).Inc()
	m.messageBytes.WithLabelValues(cat.String(), dir).Add(float64(bytes))
}

// ObserveQuorum records the adaptive quorum state.
func (m *Monitor) ObserveQuorum(threat, required float64) {
	m.threatLevel.Set(threat)
	m.quorumRequired.Set(required)
}

// OnEvent implements consensus.EventSubscriber.
func (m *Monitor) OnEvent(event consensus.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := event.(type) {
	case *consensus.VertexAdmittedEvent:
		m.admitted.Inc()
		m.snap.Admitted++
	case *consensus.RoundCompletedEvent:
		m.rounds.WithLabelValues(ev.Outcome.String()).Inc()
		m.roundDuration.Observe(ev.Duration.Seconds())
		m.roundLat.add(ev.Duration)
		m.snap.Rounds[ev.Outcome]++
	case *consensus.VertexAcceptedEvent:
		m.accepted.Inc()
		m.acceptLatency.Observe(ev.Latency.Seconds())
		m.acceptLat.add(ev.Latency)
		m.snap.Accepted++
	case *consensus.VertexRejectedEvent:
		m.rejected.Inc()
		m.snap.Rejected++
	case *consensus.FinalityEvent:
		m.finality.WithLabelValues(ev.Record.Phase.String()).Inc()
		if ev.Record.Phase == consensus.PhaseCommitted {
			m.finalLatency.Observe(ev.Latency.Seconds())
			m.finalLat.add(ev.Latency)
			m.snap.Finalized++
		}
	case *consensus.EvidenceEvent:
		m.evidence.WithLabelValues(ev.Kind).Inc()
		m.snap.Evidence[ev.Kind]++
	case *consensus.IsolationEvent:
		if ev.Isolated {
			m.isolatedSet[ev.Validator] = true
		} else {
			delete(m.isolatedSet, ev.Validator)
		}
		m.isolated.Set(float64(len(m.isolatedSet)))
	case *consensus.ForkDetectedEvent:
		m.forksDetected.Inc()
		m.snap.ForksDetected++
	case *consensus.ForkResolvedEvent:
		m.forksResolved.Inc()
		m.snap.ForksResolved++
	case *consensus.OperatorAlertEvent:
		m.alerts.Inc()
		m.snap.OperatorAlerts++
	}
}

// Snapshot returns counters and p50/p95/p99 latencies.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snap
	s.Rounds = make(map[consensus.RoundOutcome]uint64, len(m.snap.Rounds))
	for k, v := range m.snap.Rounds {
		s.Rounds[k] = v
	}
	s.Evidence = make(map[string]uint64, len(m.snap.Evidence))
	for k, v := range m.snap.Evidence {
		s.Evidence[k] = v
	}
	s.IsolatedCount = len(m.isolatedSet)
	s.RoundLatency = m.roundLat.quantiles()
	s.AcceptanceLatency = m.acceptLat.quantiles()
	s.FinalityLatency = m.finalLat.quantiles()
	return s
}
