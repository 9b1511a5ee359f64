// Package byzantine detects protocol violations and turns them into
// evidence that drives validator reputation.
package byzantine

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// FaultKind tags a ByzantineEvidence.
type FaultKind int

const (
	Equivocation FaultKind = iota
	InvalidSignature
	ReplayAttempt
	UnauthorizedAction
	MalformedMessage
	TimingAttack
	MessageFlood
)

var faultNames = map[FaultKind]string{
	Equivocation:       "Equivocation",
	InvalidSignature:   "InvalidSignature",
	ReplayAttempt:      "ReplayAttempt",
	UnauthorizedAction: "UnauthorizedAction",
	MalformedMessage:   "MalformedMessage",
	TimingAttack:       "TimingAttack",
	MessageFlood:       "MessageFlood",
}

func (k FaultKind) String() string {
	if name, ok := faultNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// ParseFaultKind is the inverse of String, ignoring case.
func ParseFaultKind(name string) (FaultKind, bool) {
	for k, n := range faultNames {
		if strings.EqualFold(n, name) {
			return k, true
		}
	}
	return 0, false
}

// DefaultSeverities are the reputation penalties per fault.
func DefaultSeverities() map[FaultKind]float64 {
	return map[FaultKind]float64{
		Equivocation:       0.3,
		InvalidSignature:   0.2,
		ReplayAttempt:      0.15,
		UnauthorizedAction: 0.2,
		MalformedMessage:   0.1,
		TimingAttack:       0.1,
		MessageFlood:       0.15,
	}
}

// Evidence is an immutable record of a fault. Severity is data, fixed when
// the evidence is created.
type Evidence struct {
	Kind      FaultKind
	Offender  consensus.ValidatorID
	Severity  float64
	Detail    string
	Votes     []consensus.Vote
	Timestamp time.Time
}

func (e Evidence) String() string {
	return fmt.Sprintf("%s by %s (severity %.2f): %s", e.Kind, e.Offender, e.Severity, e.Detail)
}

// Event converts the evidence for the EventBus.
func (e Evidence) Event(reputation float64) *consensus.EvidenceEvent {
	return &consensus.EvidenceEvent{
		Kind:       e.Kind.String(),
		Offender:   e.Offender,
		Severity:   e.Severity,
		Reputation: reputation,
		Detail:     e.Detail,
		Timestamp:  e.Timestamp,
	}
}

// BehaviorKind classifies MonitorBehavior observations.
type BehaviorKind int

const (
	// BehaviorVoteDelay is a response that arrived Delay after its query.
	BehaviorVoteDelay BehaviorKind = iota

	// BehaviorMessage is any inbound message, used for flood detection.
	BehaviorMessage

	// BehaviorAbstention is a sampled validator that missed the deadline.
	BehaviorAbstention
)

// BehaviorEvent is one observation fed to MonitorBehavior.
type BehaviorEvent struct {
	Kind  BehaviorKind
	Delay time.Duration
	At    time.Time
}
