package consensus

import (
	"sync"
	"time"
)

// Event represents a consensus event that can be emitted.
type Event interface {
	// Type returns the event type identifier.
	Type() EventType
}

// EventType identifies the type of consensus event.
type EventType int

const (
	// EventVertexAdmitted fires when a vertex passes admission.
	EventVertexAdmitted EventType = iota

	// EventRoundCompleted fires when a sampling round concludes.
	EventRoundCompleted

	// EventVertexAccepted fires when the engine decides a vertex.
	EventVertexAccepted

	// EventVertexRejected fires when a vertex is rejected.
	EventVertexRejected

	// EventFinality fires on every finality phase transition.
	EventFinality

	// EventEvidence fires when Byzantine evidence is recorded.
	EventEvidence

	// EventIsolation fires when a validator is isolated or rehabilitated.
	EventIsolation

	// EventForkDetected fires when a new fork instance is found.
	EventForkDetected

	// EventForkResolved fires when a fork instance is settled.
	EventForkResolved

	// EventOperatorAlert fires when a condition needs a human.
	EventOperatorAlert
)

// String returns the string representation.
func (t EventType) String() string {
	names := map[EventType]string{
		EventVertexAdmitted: "VertexAdmitted",
		EventRoundCompleted: "RoundCompleted",
		EventVertexAccepted: "VertexAccepted",
		EventVertexRejected: "VertexRejected",
		EventFinality:       "Finality",
		EventEvidence:       "Evidence",
		EventIsolation:      "Isolation",
		EventForkDetected:   "ForkDetected",
		EventForkResolved:   "ForkResolved",
		EventOperatorAlert:  "OperatorAlert",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "Unknown"
}

// RoundOutcome is the result of one sampling round.
type RoundOutcome int

const (
	// OutcomeSuccess means accepts reached the alpha threshold (chit = 1).
	OutcomeSuccess RoundOutcome = iota

	// OutcomeFailure means rejects made the alpha threshold unreachable (chit = 0).
	OutcomeFailure

	// OutcomeInconclusive means only abstentions kept the round undecided.
	OutcomeInconclusive
)

// String returns the string representation.
func (o RoundOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeInconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// VertexAdmittedEvent is emitted when a vertex is admitted.
type VertexAdmittedEvent struct {
	Vertex    VertexID
	Height    uint64
	Creator   ValidatorID
	Timestamp time.Time
}

func (e *VertexAdmittedEvent) Type() EventType { return EventVertexAdmitted }

// RoundCompletedEvent is emitted when a sampling round concludes.
type RoundCompletedEvent struct {
	Vertex      VertexID
	Round       int
	Outcome     RoundOutcome
	Sampled     int
	Accepts     int
	Rejects     int
	Abstained   int
	Consecutive int
	Duration    time.Duration
	Timestamp   time.Time
}

func (e *RoundCompletedEvent) Type() EventType { return EventRoundCompleted }

// VertexAcceptedEvent is emitted when the engine decides a vertex.
type VertexAcceptedEvent struct {
	Vertex      VertexID
	Height      uint64
	Rounds      int
	Consecutive int
	Chits       int
	Latency     time.Duration
	Timestamp   time.Time
}

func (e *VertexAcceptedEvent) Type() EventType { return EventVertexAccepted }

// VertexRejectedEvent is emitted when a vertex is rejected.
type VertexRejectedEvent struct {
	Vertex    VertexID
	Reason    string
	Timestamp time.Time
}

func (e *VertexRejectedEvent) Type() EventType { return EventVertexRejected }

// FinalityEvent carries a FinalityRecord.
type FinalityEvent struct {
	Record  FinalityRecord
	Latency time.Duration
}

func (e *FinalityEvent) Type() EventType { return EventFinality }

// EvidenceEvent is emitted when evidence is recorded against a validator.
type EvidenceEvent struct {
	Kind       string
	Offender   ValidatorID
	Severity   float64
	Reputation float64
	Detail     string
	Timestamp  time.Time
}

func (e *EvidenceEvent) Type() EventType { return EventEvidence }

// IsolationEvent is emitted when a validator's isolation flag flips.
type IsolationEvent struct {
	Validator  ValidatorID
	Isolated   bool
	Reputation float64
	Timestamp  time.Time
}

func (e *IsolationEvent) Type() EventType { return EventIsolation }

// ForkDetectedEvent is emitted for each new fork instance.
type ForkDetectedEvent struct {
	Fork Fork
}

func (e *ForkDetectedEvent) Type() EventType { return EventForkDetected }

// ForkResolvedEvent is emitted when a fork instance is settled.
type ForkResolvedEvent struct {
	Fork       Fork
	Resolution ForkResolution
}

func (e *ForkResolvedEvent) Type() EventType { return EventForkResolved }

// OperatorAlertEvent is raised for conditions the node will not resolve alone.
type OperatorAlertEvent struct {
	Reason    string
	Subject   string
	Timestamp time.Time
}

func (e *OperatorAlertEvent) Type() EventType { return EventOperatorAlert }

// EventSubscriber receives consensus events.
type EventSubscriber interface {
	// OnEvent is called when an event occurs.
	OnEvent(event Event)
}

// EventSubscriberFunc adapts a function to EventSubscriber.
type EventSubscriberFunc func(Event)

// OnEvent calls f(event).
func (f EventSubscriberFunc) OnEvent(event Event) { f(event) }

// EventBus manages event subscriptions and delivery. Publish blocks while
// the buffer is full so that finality records are never dropped; after
// Stop it returns immediately.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []EventSubscriber
	eventCh     chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewEventBus creates a new event bus.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make([]EventSubscriber, 0),
		eventCh:     make(chan Event, bufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Subscribe adds a subscriber to receive events.
func (eb *EventBus) Subscribe(sub EventSubscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers = append(eb.subscribers, sub)
}

// Publish sends an event to all subscribers.
func (eb *EventBus) Publish(event Event) {
	select {
	case <-eb.stopCh:
		return
	default:
	}
	select {
	case eb.eventCh <- event:
	case <-eb.stopCh:
	}
}

// Start begins processing events.
func (eb *EventBus) Start() {
	eb.startOnce.Do(func() { go eb.run() })
}

// Stop stops the event bus and waits for the delivery loop to exit.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() { close(eb.stopCh) })
	// A bus that was never started has no loop to wait for.
	eb.startOnce.Do(func() { close(eb.doneCh) })
	<-eb.doneCh
}

func (eb *EventBus) run() {
	defer close(eb.doneCh)
	for {
		select {
		case <-eb.stopCh:
			eb.drain()
			return
		case event := <-eb.eventCh:
			eb.deliver(event)
		}
	}
}

// drain delivers whatever was buffered before Stop.
func (eb *EventBus) drain() {
	for {
		select {
		case event := <-eb.eventCh:
			eb.deliver(event)
		default:
			return
		}
	}
}

func (eb *EventBus) deliver(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers
	eb.mu.RUnlock()
	for _, sub := range subs {
		sub.OnEvent(event)
	}
}
