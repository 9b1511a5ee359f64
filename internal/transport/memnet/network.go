// Package memnet is an in-process transport. Validators join a Network and
// exchange messages over links with a configurable delay.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// ErrClosed is returned after the network is closed.
var ErrClosed = errors.New("memnet: network closed")

// Link is one direction of a connection between two validators.
type Link struct {
	Inbound     bool
	Delay       time.Duration
	Established time.Time
}

// Network simulates a validator network. Messages sent on a link are
// delivered after the link delay if the link still exists then.
type Network struct {
	mu        sync.RWMutex
	links     map[consensus.ValidatorID]map[consensus.ValidatorID]*Link
	endpoints map[consensus.ValidatorID]*Endpoint

	inflight  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		links:     make(map[consensus.ValidatorID]map[consensus.ValidatorID]*Link),
		endpoints: make(map[consensus.ValidatorID]*Endpoint),
		done:      make(chan struct{}),
	}
}

// Join attaches a validator and returns its transport endpoint.
func (n *Network) Join(id consensus.ValidatorID, buffer int) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	if buffer <= 0 {
		buffer = 256
	}
	ep := &Endpoint{id: id, net: n, inbox: make(chan consensus.InboundMessage, buffer)}
	n.endpoints[id] = ep
	return ep
}

// Connect establishes a bidirectional connection between two validators.
func (n *Network) Connect(from, to consensus.ValidatorID, delay time.Duration) bool {
	if from == to {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.links[from] != nil && n.links[from][to] != nil {
		return false
	}
	now := time.Now()
	if n.links[from] == nil {
		n.links[from] = make(map[consensus.ValidatorID]*Link)
	}
	n.links[from][to] = &Link{Delay: delay, Established: now}
	if n.links[to] == nil {
		n.links[to] = make(map[consensus.ValidatorID]*Link)
	}
	n.links[to][from] = &Link{Inbound: true, Delay: delay, Established: now}
	return true
}

// FullMesh connects every pair of joined validators.
func (n *Network) FullMesh(delay time.Duration) {
	n.mu.RLock()
	ids := make([]consensus.ValidatorID, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			n.Connect(ids[i], ids[j], delay)
		}
	}
}

// Disconnect removes the connection between two validators.
func (n *Network) Disconnect(from, to consensus.ValidatorID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.links[from] == nil || n.links[from][to] == nil {
		return false
	}
	delete(n.links[from], to)
	if n.links[to] != nil {
		delete(n.links[to], from)
	}
	return true
}

// IsConnected checks if two validators are connected.
func (n *Network) IsConnected(from, to consensus.ValidatorID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.links[from] != nil && n.links[from][to] != nil
}

// Peers returns the validators connected to id.
func (n *Network) Peers(id consensus.ValidatorID) []consensus.ValidatorID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]consensus.ValidatorID, 0, len(n.links[id]))
	for peer := range n.links[id] {
		result = append(result, peer)
	}
	return result
}

// Close stops delivery and waits for in-flight messages to drain.
func (n *Network) Close() {
	n.closeOnce.Do(func() { close(n.done) })
	n.inflight.Wait()
}

func (n *Network) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *Network) link(from, to consensus.ValidatorID) (*Link, *Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l := n.links[from][to]
	ep := n.endpoints[to]
	return l, ep, l != nil && ep != nil
}

func (n *Network) send(ctx context.Context, from, to consensus.ValidatorID, data []byte) error {
	if n.closed() {
		return ErrClosed
	}
	link, dst, ok := n.link(from, to)
	if !ok {
		return fmt.Errorf("%w: %s not connected to %s", consensus.ErrTransportFailure, from, to)
	}
	msg := consensus.InboundMessage{From: from, Data: append([]byte(nil), data...)}

	if link.Delay <= 0 {
		select {
		case dst.inbox <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return ErrClosed
		}
	}

	n.inflight.Add(1)
	time.AfterFunc(link.Delay, func() {
		defer n.inflight.Done()
		if !n.IsConnected(from, to) {
			return
		}
		select {
		case dst.inbox <- msg:
		case <-n.done:
		}
	})
	return nil
}

// Endpoint is one validator's view of the network. It implements
// consensus.Transport.
type Endpoint struct {
	id    consensus.ValidatorID
	net   *Network
	inbox chan consensus.InboundMessage
}

// ID returns the endpoint's validator id.
func (e *Endpoint) ID() consensus.ValidatorID {
	return e.id
}

// Send delivers data to one peer.
func (e *Endpoint) Send(ctx context.Context, to consensus.ValidatorID, data []byte) error {
	return e.net.send(ctx, e.id, to, data)
}

// Broadcast sends data to every connected peer. Per-peer failures are
// joined into the returned error.
func (e *Endpoint) Broadcast(ctx context.Context, data []byte) error {
	var errs []error
	for _, peer := range e.net.Peers(e.id) {
		if err := e.net.send(ctx, e.id, peer, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Inbound returns the stream of received messages.
func (e *Endpoint) Inbound() <-chan consensus.InboundMessage {
	return e.inbox
}
