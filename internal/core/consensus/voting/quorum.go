package voting

import (
	"slices"
	"sync"
	"time"
)

// QuorumConfig bounds the adaptive quorum.
type QuorumConfig struct {
	Base float64
	Max  float64

	// Step is the quorum increase at threat level 1.
	Step float64

	// Window is how long evidence counts toward the threat level.
	Window time.Duration

	// ResponsivenessAlpha is the EWMA weight of the latest round's
	// non-response fraction in the partition risk estimate.
	ResponsivenessAlpha float64
}

// DefaultQuorumConfig returns base 2/3, max 0.90, step 0.15.
func DefaultQuorumConfig() QuorumConfig {
	return QuorumConfig{
		Base:                0.6667,
		Max:                 0.90,
		Step:                0.15,
		Window:              5 * time.Minute,
		ResponsivenessAlpha: 0.1,
	}
}

// Threat level mix.
const (
	evidenceShare  = 0.6
	partitionShare = 0.4
)

// AdaptiveQuorum raises the required fraction of voting power as the
// recent evidence rate and partition risk grow.
type AdaptiveQuorum struct {
	cfg         QuorumConfig
	activeCount func() int
	now         func() time.Time

	mu            sync.Mutex
	evidence      []time.Time
	partitionRisk float64
}

// NewAdaptiveQuorum creates a quorum calculator. activeCount reports the
// number of non-isolated validators.
func NewAdaptiveQuorum(cfg QuorumConfig, activeCount func() int) *AdaptiveQuorum {
	return &AdaptiveQuorum{cfg: cfg, activeCount: activeCount, now: time.Now}
}

// RecordEvidence registers one piece of Byzantine evidence detected at at.
// Detections may be reported out of order.
func (q *AdaptiveQuorum) RecordEvidence(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, _ := slices.BinarySearchFunc(q.evidence, at, func(e, t time.Time) int { return e.Compare(t) })
	q.evidence = slices.Insert(q.evidence, i, at)
	q.pruneLocked()
}

// ObserveResponsiveness folds one round's response rate into the partition
// risk estimate.
func (q *AdaptiveQuorum) ObserveResponsiveness(responded, sampled int) {
	if sampled <= 0 {
		return
	}
	missing := 1 - float64(responded)/float64(sampled)
	q.mu.Lock()
	defer q.mu.Unlock()
	a := q.cfg.ResponsivenessAlpha
	q.partitionRisk = clamp((1-a)*q.partitionRisk+a*missing, 0, 1)
}

// SetPartitionRisk overrides the partition risk estimate.
func (q *AdaptiveQuorum) SetPartitionRisk(r float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.partitionRisk = clamp(r, 0, 1)
}

// PartitionRisk returns the current estimate.
func (q *AdaptiveQuorum) PartitionRisk() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.partitionRisk
}

// ThreatLevel is 0.6·evidence rate + 0.4·partition risk, in [0,1]. The
// evidence rate is evidence within the window per active validator, capped at 1.
func (q *AdaptiveQuorum) ThreatLevel() float64 {
	q.mu.Lock()
	q.pruneLocked()
	recent := len(q.evidence)
	risk := q.partitionRisk
	q.mu.Unlock()

	active := 1
	if q.activeCount != nil {
		if n := q.activeCount(); n > 0 {
			active = n
		}
	}
	rate := clamp(float64(recent)/float64(active), 0, 1)
	return clamp(evidenceShare*rate+partitionShare*risk, 0, 1)
}

// CalculateQuorum returns clamp(base + threat·step, base, max).
func (q *AdaptiveQuorum) CalculateQuorum() float64 {
	return clamp(q.cfg.Base+q.ThreatLevel()*q.cfg.Step, q.cfg.Base, q.cfg.Max)
}

// MeetsQuorum reports whether votingPower/totalPower reaches the current quorum.
func (q *AdaptiveQuorum) MeetsQuorum(votingPower, totalPower float64) bool {
	if totalPower <= 0 {
		return false
	}
	return votingPower/totalPower >= q.CalculateQuorum()
}

// pruneLocked drops evidence older than the window; q.evidence is sorted.
func (q *AdaptiveQuorum) pruneLocked() {
	cutoff := q.now().Add(-q.cfg.Window)
	i := 0
	for i < len(q.evidence) && q.evidence[i].Before(cutoff) {
		i++
	}
	q.evidence = q.evidence[i:]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
