package byzantine

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/codec/wire"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Config holds detection bounds and penalties.
type Config struct {
	Severities map[FaultKind]float64

	// MaxVoteDelay is the response latency above which a vote is a timing anomaly.
	MaxVoteDelay time.Duration

	// AbstentionLimit consecutive abstentions are a timing anomaly.
	AbstentionLimit int

	// MaxMessages within FloodWindow is the message-rate bound.
	MaxMessages int
	FloodWindow time.Duration

	// ReplayWindow is how long a signed message digest is remembered.
	ReplayWindow time.Duration

	MaxPayloadSize int
	MaxParents     int
	MaxClockSkew   time.Duration

	// VoteMemory and ReplayMemory bound the LRU caches.
	VoteMemory   int
	ReplayMemory int
}

// DefaultConfig returns the default detection policy.
func DefaultConfig() Config {
	return Config{
		Severities:      DefaultSeverities(),
		MaxVoteDelay:    400 * time.Millisecond,
		AbstentionLimit: 10,
		MaxMessages:     5000,
		FloodWindow:     time.Second,
		ReplayWindow:    time.Minute,
		MaxPayloadSize:  1 << 20,
		MaxParents:      64,
		MaxClockSkew:    30 * time.Second,
		VoteMemory:      65536,
		ReplayMemory:    65536,
	}
}

// Reputation is the part of the validator registry the detector drives.
type Reputation interface {
	Penalize(id consensus.ValidatorID, severity float64) (float64, error)
	PublicKey(id consensus.ValidatorID) ([]byte, bool)
	IsIsolated(id consensus.ValidatorID) bool
}

// VertexContext carries the delivery facts a proposal is judged against.
type VertexContext struct {
	// From is the transport-authenticated sender.
	From       consensus.ValidatorID
	ReceivedAt time.Time
}

type voteKey struct {
	validator consensus.ValidatorID
	view      uint64
	height    uint64
}

type behavior struct {
	mu          sync.Mutex
	abstentions int
	window      []time.Time
}

// Detector inspects votes, proposals and traffic for faults. Detection
// methods only build Evidence; Record applies it.
type Detector struct {
	cfg      Config
	registry Reputation
	hasher   consensus.Hasher
	verifier consensus.Verifier
	logger   *zap.Logger

	votes   *lru.Cache[voteKey, consensus.Vote]
	replays *lru.Cache[[32]byte, time.Time]

	behaviorMu sync.Mutex
	behaviors  map[consensus.ValidatorID]*behavior

	evidenceMu sync.RWMutex
	evidence   []Evidence
	counts     map[FaultKind]int

	listenersMu sync.RWMutex
	listeners   []func(Evidence, float64)
}

// NewDetector creates a detector.
func NewDetector(cfg Config, registry Reputation, hasher consensus.Hasher, verifier consensus.Verifier, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Severities == nil {
		cfg.Severities = DefaultSeverities()
	}
	votes, err := lru.New[voteKey, consensus.Vote](max(cfg.VoteMemory, 1))
	if err != nil {
		return nil, err
	}
	replays, err := lru.New[[32]byte, time.Time](max(cfg.ReplayMemory, 1))
	if err != nil {
		return nil, err
	}
	return &Detector{
		cfg:       cfg,
		registry:  registry,
		hasher:    hasher,
		verifier:  verifier,
		logger:    logger.Named("byzantine"),
		votes:     votes,
		replays:   replays,
		behaviors: make(map[consensus.ValidatorID]*behavior),
		counts:    make(map[FaultKind]int),
	}, nil
}

func (d *Detector) newEvidence(kind FaultKind, offender consensus.ValidatorID, detail string) *Evidence {
	return &Evidence{
		Kind:      kind,
		Offender:  offender,
		Severity:  d.cfg.Severities[kind],
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Fault builds evidence of kind against offender at the configured severity.
func (d *Detector) Fault(kind FaultKind, offender consensus.ValidatorID, detail string) Evidence {
	return *d.newEvidence(kind, offender, detail)
}

// DetectEquivocation compares two votes by the same validator for the same
// (view, height).
func (d *Detector) DetectEquivocation(v1, v2 consensus.Vote) (*Evidence, bool) {
	if !v1.Conflicts(v2) {
		return nil, false
	}
	e := d.newEvidence(Equivocation, v1.Validator,
		fmt.Sprintf("conflicting votes at view %d height %d: %s/%t vs %s/%t",
			v1.View, v1.Height, v1.VertexID.Short(), v1.Accept, v2.VertexID.Short(), v2.Accept))
	e.Votes = []consensus.Vote{v1, v2}
	return e, true
}

// ObserveVote remembers the first vote per (validator, view, height) and
// reports equivocation when a later vote for the same key conflicts with it.
// The first vote stays authoritative.
func (d *Detector) ObserveVote(v consensus.Vote) (*Evidence, bool) {
	key := voteKey{validator: v.Validator, view: v.View, height: v.Height}
	prev, seen, _ := d.votes.PeekOrAdd(key, v)
	if !seen {
		return nil, false
	}
	return d.DetectEquivocation(prev, v)
}

// ValidateProposal checks a vertex message against structural rules,
// protocol rules and the creator's signature. On success it returns the
// decoded vertex and no evidence.
func (d *Detector) ValidateProposal(msg *wire.VertexMessage, vctx VertexContext) (*consensus.Vertex, []Evidence) {
	var found []Evidence
	fault := func(kind FaultKind, format string, args ...interface{}) {
		found = append(found, *d.newEvidence(kind, vctx.From, fmt.Sprintf(format, args...)))
	}

	v, err := msg.Vertex()
	if err != nil {
		fault(MalformedMessage, "undecodable vertex: %v", err)
		return nil, found
	}

	pub, registered := d.registry.PublicKey(v.Creator)
	if !registered {
		fault(UnauthorizedAction, "vertex %s from unregistered creator %s", v.ID.Short(), v.Creator)
		return nil, found
	}
	if d.registry.IsIsolated(v.Creator) {
		fault(UnauthorizedAction, "vertex %s from isolated creator %s", v.ID.Short(), v.Creator)
	}

	digest := d.hasher.Hash(v.Payload)
	if string(digest[:]) != string(msg.Hash) {
		fault(MalformedMessage, "payload hash mismatch for %s", v.ID.Short())
	}
	if id := consensus.ComputeVertexID(d.hasher, v.Creator, v.Parents, v.Payload, v.Timestamp); id != v.ID {
		fault(MalformedMessage, "vertex id %s does not match content hash %s", v.ID.Short(), id.Short())
	}

	if len(v.Parents) == 0 {
		fault(UnauthorizedAction, "vertex %s claims genesis", v.ID.Short())
	}
	if d.cfg.MaxParents > 0 && len(v.Parents) > d.cfg.MaxParents {
		fault(UnauthorizedAction, "vertex %s has %d parents", v.ID.Short(), len(v.Parents))
	}
	seen := make(map[consensus.VertexID]struct{}, len(v.Parents))
	for _, p := range v.Parents {
		if _, dup := seen[p]; dup {
			fault(UnauthorizedAction, "vertex %s repeats parent %s", v.ID.Short(), p.Short())
			break
		}
		seen[p] = struct{}{}
	}
	if d.cfg.MaxPayloadSize > 0 && len(v.Payload) > d.cfg.MaxPayloadSize {
		fault(UnauthorizedAction, "vertex %s payload of %d bytes", v.ID.Short(), len(v.Payload))
	}
	if d.cfg.MaxClockSkew > 0 && !vctx.ReceivedAt.IsZero() {
		skew := v.Timestamp.Sub(vctx.ReceivedAt)
		if skew > d.cfg.MaxClockSkew {
			fault(UnauthorizedAction, "vertex %s timestamp %s ahead", v.ID.Short(), skew)
		}
	}

	if !d.verifier.Verify(consensus.VertexSigningBytes(v.ID), v.Signature, pub) {
		fault(InvalidSignature, "vertex %s signature does not verify for creator %s", v.ID.Short(), v.Creator)
	}

	if len(found) > 0 {
		return nil, found
	}
	return v, nil
}

// ValidateMessage authenticates a signed message delivered by from: the
// claimed sender must be registered, must be the transport peer, and must
// have signed the message.
func (d *Detector) ValidateMessage(msg wire.Signed, from consensus.ValidatorID) (*Evidence, bool) {
	claimed := msg.Sender()
	if claimed != from {
		return d.newEvidence(UnauthorizedAction, from,
			fmt.Sprintf("%s claims sender %s", msg.Kind(), claimed)), true
	}
	pub, ok := d.registry.PublicKey(claimed)
	if !ok {
		return d.newEvidence(UnauthorizedAction, from,
			fmt.Sprintf("%s from unregistered validator", msg.Kind())), true
	}
	if !wire.Verify(msg, d.verifier, pub) {
		return d.newEvidence(InvalidSignature, from,
			fmt.Sprintf("%s signature does not verify", msg.Kind())), true
	}
	return nil, false
}

// CheckReplay reports a signed message seen again within the replay window.
func (d *Detector) CheckReplay(digest [32]byte, sender consensus.ValidatorID) (*Evidence, bool) {
	now := time.Now()
	prev, seen, _ := d.replays.PeekOrAdd(digest, now)
	if !seen {
		return nil, false
	}
	if now.Sub(prev) > d.cfg.ReplayWindow {
		d.replays.Add(digest, now)
		return nil, false
	}
	return d.newEvidence(ReplayAttempt, sender,
		fmt.Sprintf("message %x replayed after %s", digest[:4], now.Sub(prev))), true
}

// MonitorBehavior tracks timing and rate anomalies per validator.
func (d *Detector) MonitorBehavior(id consensus.ValidatorID, ev BehaviorEvent) (*Evidence, bool) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b := d.behaviorOf(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case BehaviorVoteDelay:
		b.abstentions = 0
		if d.cfg.MaxVoteDelay > 0 && ev.Delay > d.cfg.MaxVoteDelay {
			return d.newEvidence(TimingAttack, id,
				fmt.Sprintf("vote delay %s exceeds %s", ev.Delay, d.cfg.MaxVoteDelay)), true
		}
	case BehaviorAbstention:
		b.abstentions++
		if d.cfg.AbstentionLimit > 0 && b.abstentions >= d.cfg.AbstentionLimit {
			n := b.abstentions
			b.abstentions = 0
			return d.newEvidence(TimingAttack, id,
				fmt.Sprintf("%d consecutive abstentions", n)), true
		}
	case BehaviorMessage:
		cutoff := ev.At.Add(-d.cfg.FloodWindow)
		i := 0
		for i < len(b.window) && b.window[i].Before(cutoff) {
			i++
		}
		b.window = append(b.window[i:], ev.At)
		if d.cfg.MaxMessages > 0 && len(b.window) > d.cfg.MaxMessages {
			n := len(b.window)
			b.window = b.window[:0]
			return d.newEvidence(MessageFlood, id,
				fmt.Sprintf("%d messages within %s", n, d.cfg.FloodWindow)), true
		}
	}
	return nil, false
}

func (d *Detector) behaviorOf(id consensus.ValidatorID) *behavior {
	d.behaviorMu.Lock()
	defer d.behaviorMu.Unlock()
	b, ok := d.behaviors[id]
	if !ok {
		b = &behavior{}
		d.behaviors[id] = b
	}
	return b
}

// Record appends evidence, applies its penalty and notifies listeners. It
// returns the offender's new reputation.
func (d *Detector) Record(e Evidence) (float64, error) {
	d.evidenceMu.Lock()
	d.evidence = append(d.evidence, e)
	d.counts[e.Kind]++
	d.evidenceMu.Unlock()

	score, err := d.registry.Penalize(e.Offender, e.Severity)
	if err != nil {
		d.logger.Warn("Evidence against unknown validator",
			zap.Stringer("kind", e.Kind),
			zap.Stringer("offender", e.Offender),
			zap.String("detail", e.Detail),
		)
		return 0, err
	}

	d.logger.Warn("Byzantine evidence recorded",
		zap.Stringer("kind", e.Kind),
		zap.Stringer("offender", e.Offender),
		zap.Float64("severity", e.Severity),
		zap.Float64("reputation", score),
		zap.String("detail", e.Detail),
	)

	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e, score)
	}
	return score, nil
}

// OnEvidence registers a listener called after each recorded evidence.
func (d *Detector) OnEvidence(fn func(e Evidence, reputation float64)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Evidence returns a copy of the evidence log.
func (d *Detector) Evidence() []Evidence {
	d.evidenceMu.RLock()
	defer d.evidenceMu.RUnlock()
	return append([]Evidence(nil), d.evidence...)
}

// EvidenceAgainst returns evidence recorded against one validator.
func (d *Detector) EvidenceAgainst(id consensus.ValidatorID) []Evidence {
	d.evidenceMu.RLock()
	defer d.evidenceMu.RUnlock()
	var out []Evidence
	for _, e := range d.evidence {
		if e.Offender == id {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many evidence records of kind were recorded.
func (d *Detector) Count(kind FaultKind) int {
	d.evidenceMu.RLock()
	defer d.evidenceMu.RUnlock()
	return d.counts[kind]
}
