package csf

import (
	"sync"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Collector receives the events published by one simulated node.
type Collector interface {
	On(node consensus.ValidatorID, event consensus.Event)
}

// CollectorFunc is a function adapter for Collector.
type CollectorFunc func(node consensus.ValidatorID, event consensus.Event)

func (f CollectorFunc) On(node consensus.ValidatorID, event consensus.Event) {
	f(node, event)
}

// Collectors fans node events out to every registered collector.
type Collectors struct {
	mu         sync.RWMutex
	collectors []Collector
}

// NewCollectors creates an empty collector set.
func NewCollectors() *Collectors {
	return &Collectors{}
}

// Add registers a collector.
func (c *Collectors) Add(collector Collector) {
	c.mu.Lock()
	c.collectors = append(c.collectors, collector)
	c.mu.Unlock()
}

// On dispatches an event to all collectors.
func (c *Collectors) On(node consensus.ValidatorID, event consensus.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, collector := range c.collectors {
		collector.On(node, event)
	}
}

// subscriber binds the collectors to one node's event bus.
func (c *Collectors) subscriber(node consensus.ValidatorID) consensus.EventSubscriber {
	return consensus.EventSubscriberFunc(func(event consensus.Event) {
		c.On(node, event)
	})
}

// DecisionCollector records every acceptance, rejection and finality record
// per node.
type DecisionCollector struct {
	mu        sync.Mutex
	accepted  map[consensus.ValidatorID]map[consensus.VertexID]consensus.VertexAcceptedEvent
	rejected  map[consensus.ValidatorID]map[consensus.VertexID]string
	finalized map[consensus.ValidatorID]map[consensus.VertexID]consensus.FinalityRecord
}

// NewDecisionCollector creates an empty decision collector.
func NewDecisionCollector() *DecisionCollector {
	return &DecisionCollector{
		accepted:  make(map[consensus.ValidatorID]map[consensus.VertexID]consensus.VertexAcceptedEvent),
		rejected:  make(map[consensus.ValidatorID]map[consensus.VertexID]string),
		finalized: make(map[consensus.ValidatorID]map[consensus.VertexID]consensus.FinalityRecord),
	}
}

func (c *DecisionCollector) On(node consensus.ValidatorID, event consensus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := event.(type) {
	case *consensus.VertexAcceptedEvent:
		insert(c.accepted, node, e.Vertex, *e)
	case *consensus.VertexRejectedEvent:
		insert(c.rejected, node, e.Vertex, e.Reason)
	case *consensus.FinalityEvent:
		if e.Record.Phase == consensus.PhaseCommitted {
			insert(c.finalized, node, e.Record.VertexID, e.Record)
		}
	}
}

func insert[V any](m map[consensus.ValidatorID]map[consensus.VertexID]V, node consensus.ValidatorID, id consensus.VertexID, v V) {
	inner, ok := m[node]
	if !ok {
		inner = make(map[consensus.VertexID]V)
		m[node] = inner
	}
	inner[id] = v
}

// Accepted returns the acceptance event node emitted for id.
func (c *DecisionCollector) Accepted(node consensus.ValidatorID, id consensus.VertexID) (consensus.VertexAcceptedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.accepted[node][id]
	return e, ok
}

// Rejected returns the reason node rejected id.
func (c *DecisionCollector) Rejected(node consensus.ValidatorID, id consensus.VertexID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.rejected[node][id]
	return reason, ok
}

// Finalized returns the committed record node emitted for id.
func (c *DecisionCollector) Finalized(node consensus.ValidatorID, id consensus.VertexID) (consensus.FinalityRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.finalized[node][id]
	return rec, ok
}

// FinalizedCount returns how many vertices node finalized.
func (c *DecisionCollector) FinalizedCount(node consensus.ValidatorID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finalized[node])
}

// FaultCollector records evidence and isolation changes as seen by each node.
type FaultCollector struct {
	mu         sync.Mutex
	evidence   map[consensus.ValidatorID][]consensus.EvidenceEvent
	isolations map[consensus.ValidatorID][]consensus.IsolationEvent
	forks      map[consensus.ValidatorID][]consensus.ForkResolvedEvent
}

// NewFaultCollector creates an empty fault collector.
func NewFaultCollector() *FaultCollector {
	return &FaultCollector{
		evidence:   make(map[consensus.ValidatorID][]consensus.EvidenceEvent),
		isolations: make(map[consensus.ValidatorID][]consensus.IsolationEvent),
		forks:      make(map[consensus.ValidatorID][]consensus.ForkResolvedEvent),
	}
}

func (c *FaultCollector) On(node consensus.ValidatorID, event consensus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := event.(type) {
	case *consensus.EvidenceEvent:
		c.evidence[node] = append(c.evidence[node], *e)
	case *consensus.IsolationEvent:
		c.isolations[node] = append(c.isolations[node], *e)
	case *consensus.ForkResolvedEvent:
		c.forks[node] = append(c.forks[node], *e)
	}
}

// Evidence returns the evidence node recorded, optionally filtered by kind.
func (c *FaultCollector) Evidence(node consensus.ValidatorID, kind string) []consensus.EvidenceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []consensus.EvidenceEvent
	for _, e := range c.evidence[node] {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Isolations returns the isolation changes node observed.
func (c *FaultCollector) Isolations(node consensus.ValidatorID) []consensus.IsolationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]consensus.IsolationEvent(nil), c.isolations[node]...)
}

// ForkResolutions returns the forks node resolved.
func (c *FaultCollector) ForkResolutions(node consensus.ValidatorID) []consensus.ForkResolvedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]consensus.ForkResolvedEvent(nil), c.forks[node]...)
}
