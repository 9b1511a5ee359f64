package avalanche

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

type op interface {
	target() consensus.VertexID
}

type admitOp struct {
	vertex  *consensus.Vertex
	at      time.Time
	genesis bool
}

type responseOp struct {
	resp *consensus.ConsensusResponse
	at   time.Time
}

type queryOp struct {
	query *consensus.ConsensusQuery
}

type deadlineOp struct {
	vertex consensus.VertexID
	query  consensus.QueryID
}

type retryOp struct{ id consensus.VertexID }

type ancestorChitOp struct{ id consensus.VertexID }

type parentAcceptedOp struct{ id consensus.VertexID }

type parentRejectedOp struct {
	id     consensus.VertexID
	parent consensus.VertexID
}

type finalizeOp struct{ id consensus.VertexID }

type rejectOp struct {
	id     consensus.VertexID
	reason string
}

func (o *admitOp) target() consensus.VertexID          { return o.vertex.ID }
func (o *responseOp) target() consensus.VertexID       { return o.resp.VertexID }
func (o *queryOp) target() consensus.VertexID          { return o.query.VertexID }
func (o *deadlineOp) target() consensus.VertexID       { return o.vertex }
func (o *retryOp) target() consensus.VertexID          { return o.id }
func (o *ancestorChitOp) target() consensus.VertexID   { return o.id }
func (o *parentAcceptedOp) target() consensus.VertexID { return o.id }
func (o *parentRejectedOp) target() consensus.VertexID { return o.id }
func (o *finalizeOp) target() consensus.VertexID       { return o.id }
func (o *rejectOp) target() consensus.VertexID         { return o.id }

// viewEntry is the part of a vertex's state readable outside the worker.
type viewEntry struct {
	status consensus.Status
	meta   consensus.VertexMetadata
	height uint64
}

// conflictSet groups vertices that cannot both be preferred.
type conflictSet struct {
	key         string
	members     []*vertexState
	preferred   *vertexState
	last        *vertexState
	consecutive int

	// decided is the member that met the decision rule and waits for its
	// parents. No other member may decide while it is set.
	decided *vertexState
}

// winner returns the accepted or finalized member, if any.
func (c *conflictSet) winner() *vertexState {
	for _, m := range c.members {
		if m.status == consensus.StatusAccepted || m.status == consensus.StatusFinalized {
			return m
		}
	}
	return nil
}

type vertexState struct {
	v          *consensus.Vertex
	set        *conflictSet
	status     consensus.Status
	chits      int
	rounds     int
	lastChit   bool
	decided    bool
	admittedAt time.Time

	inflight *query
	retry    *time.Timer
}

type query struct {
	id         consensus.QueryID
	vertex     consensus.VertexID
	sampled    map[consensus.ValidatorID]struct{}
	responded  map[consensus.ValidatorID]bool
	accepts    int
	rejects    int
	alphaCount int
	started    time.Time
	concluded  bool
	timer      *time.Timer
}

type shard struct {
	id  int
	e   *Engine
	ops chan op

	viewMu sync.RWMutex
	view   map[consensus.VertexID]viewEntry

	// Owned by the worker goroutine.
	vertices map[consensus.VertexID]*vertexState
	sets     map[string]*conflictSet
	queries  map[consensus.QueryID]*query
	early    map[consensus.VertexID][]op
}

func newShard(id int, e *Engine) *shard {
	return &shard{
		id:       id,
		e:        e,
		ops:      make(chan op, e.cfg.QueueSize),
		view:     make(map[consensus.VertexID]viewEntry),
		vertices: make(map[consensus.VertexID]*vertexState),
		sets:     make(map[string]*conflictSet),
		queries:  make(map[consensus.QueryID]*query),
		early:    make(map[consensus.VertexID][]op),
	}
}

func (s *shard) setView(id consensus.VertexID, entry viewEntry) {
	s.viewMu.Lock()
	s.view[id] = entry
	s.viewMu.Unlock()
}

func (s *shard) viewOf(id consensus.VertexID) (viewEntry, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	entry, ok := s.view[id]
	return entry, ok
}

func (s *shard) status(id consensus.VertexID) consensus.Status {
	entry, ok := s.viewOf(id)
	if !ok {
		return consensus.StatusUnknown
	}
	return entry.status
}

func (s *shard) pendingCount() int {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	n := 0
	for _, entry := range s.view {
		if entry.status == consensus.StatusPending {
			n++
		}
	}
	return n
}

func (s *shard) publishView(st *vertexState) {
	s.setView(st.v.ID, viewEntry{
		status: st.status,
		height: st.v.Height,
		meta: consensus.VertexMetadata{
			Confidence:    s.confidence(st),
			Confirmations: st.chits,
			Finalized:     st.status == consensus.StatusFinalized,
			Round:         st.rounds,
			Chit:          st.lastChit,
		},
	})
}

func (s *shard) confidence(st *vertexState) float64 {
	if st.status == consensus.StatusFinalized && st.set == nil {
		return 1
	}
	return math.Min(1, float64(st.chits)/float64(s.e.cfg.threshold()))
}

func (s *shard) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.ops:
			s.handle(o)
		}
	}
}

// stopTimers runs after the worker exited.
func (s *shard) stopTimers() {
	for _, q := range s.queries {
		q.timer.Stop()
	}
	for _, st := range s.vertices {
		if st.retry != nil {
			st.retry.Stop()
		}
	}
}

func (s *shard) handle(o op) {
	if a, ok := o.(*admitOp); ok {
		s.admit(a)
		return
	}
	st, ok := s.vertices[o.target()]
	if !ok {
		s.early[o.target()] = append(s.early[o.target()], o)
		return
	}
	switch o := o.(type) {
	case *responseOp:
		s.onResponse(st, o)
	case *queryOp:
		s.answer(st, o.query)
	case *deadlineOp:
		s.onDeadline(o.query)
	case *retryOp:
		st.retry = nil
		s.startRound(st)
	case *ancestorChitOp:
		s.onAncestorChit(st)
	case *parentAcceptedOp:
		if st.decided && st.status == consensus.StatusPending {
			s.tryAccept(st)
		}
	case *parentRejectedOp:
		s.reject(st, "parent "+o.parent.Short()+" rejected")
	case *finalizeOp:
		if st.status == consensus.StatusAccepted {
			st.status = consensus.StatusFinalized
			s.publishView(st)
		}
	case *rejectOp:
		s.reject(st, o.reason)
	}
}

func (s *shard) admit(a *admitOp) {
	if _, ok := s.vertices[a.vertex.ID]; ok {
		return
	}
	st := &vertexState{v: a.vertex, admittedAt: a.at, status: consensus.StatusPending}
	s.vertices[a.vertex.ID] = st

	if a.genesis {
		st.status = consensus.StatusFinalized
		s.publishView(st)
	} else {
		key := s.e.conflictKey(a.vertex)
		set := s.sets[key]
		if key == "" || set == nil {
			set = &conflictSet{key: key}
			if key != "" {
				s.sets[key] = set
			}
		}
		set.members = append(set.members, st)
		if set.preferred == nil {
			set.preferred = st
		}
		st.set = set
		s.publishView(st)

		s.e.publish(&consensus.VertexAdmittedEvent{
			Vertex:    a.vertex.ID,
			Height:    a.vertex.Height,
			Creator:   a.vertex.Creator,
			Timestamp: a.at,
		})

		if _, rejected := s.e.parentsSettled(a.vertex.Parents); rejected {
			s.reject(st, "parent rejected")
		} else if w := set.winner(); w != nil {
			s.reject(st, "conflict set decided for "+w.v.ID.Short())
		} else {
			s.startRound(st)
		}
	}

	pending := s.early[a.vertex.ID]
	delete(s.early, a.vertex.ID)
	for _, o := range pending {
		s.handle(o)
	}
}

func (s *shard) active(st *vertexState) bool {
	return st.status == consensus.StatusPending && !st.decided
}

func (s *shard) startRound(st *vertexState) {
	if !s.active(st) || st.inflight != nil || st.retry != nil {
		return
	}
	e := s.e
	id := st.v.ID

	peers, err := e.sampler.Sample(e.cfg.SampleSize, e.self)
	if err != nil || len(peers) == 0 {
		e.logger.Warn("Deferring sampling round",
			zap.Stringer("vertex", id),
			zap.Int("sampled", len(peers)),
			zap.Error(err),
		)
		st.retry = time.AfterFunc(e.cfg.RetryInterval, func() {
			e.dispatch(s.id, &retryOp{id: id})
		})
		return
	}

	q := &query{
		id:         consensus.QueryID(uuid.New()),
		vertex:     id,
		sampled:    make(map[consensus.ValidatorID]struct{}, len(peers)),
		responded:  make(map[consensus.ValidatorID]bool, len(peers)),
		alphaCount: int(math.Ceil(e.cfg.Alpha*float64(len(peers)) - 1e-9)),
		started:    time.Now(),
	}
	for _, p := range peers {
		q.sampled[p] = struct{}{}
	}
	qid := q.id
	q.timer = time.AfterFunc(e.cfg.RoundTimeout, func() {
		e.dispatch(s.id, &deadlineOp{vertex: id, query: qid})
	})
	s.queries[qid] = q
	st.inflight = q

	e.logger.Debug("Sampling round started",
		zap.Stringer("vertex", id),
		zap.Stringer("query", qid),
		zap.Int("round", st.rounds+1),
		zap.Int("sampled", len(peers)),
	)
	for _, p := range peers {
		e.adaptor.SendQuery(e.ctx, p, &consensus.ConsensusQuery{
			QueryID:   qid,
			VertexID:  id,
			Requester: e.self,
			Timestamp: q.started,
		})
	}
}

func (s *shard) onResponse(st *vertexState, o *responseOp) {
	r := o.resp
	q, ok := s.queries[r.QueryID]
	if !ok || q.vertex != st.v.ID {
		return
	}
	if _, sampled := q.sampled[r.Responder]; !sampled {
		return
	}
	if _, dup := q.responded[r.Responder]; dup {
		return
	}
	q.responded[r.Responder] = r.Accept
	if r.Accept {
		q.accepts++
	} else {
		q.rejects++
	}
	s.e.adaptor.OnResponse(r, o.at.Sub(q.started))

	if !q.concluded {
		switch {
		case q.accepts >= q.alphaCount:
			s.conclude(st, q, consensus.OutcomeSuccess)
		case q.rejects > len(q.sampled)-q.alphaCount:
			s.conclude(st, q, consensus.OutcomeFailure)
		}
	}
	if len(q.responded) == len(q.sampled) {
		q.timer.Stop()
		delete(s.queries, q.id)
	}
}

func (s *shard) onDeadline(qid consensus.QueryID) {
	q, ok := s.queries[qid]
	if !ok {
		return
	}
	delete(s.queries, qid)
	for v := range q.sampled {
		if _, ok := q.responded[v]; !ok {
			s.e.adaptor.OnAbstention(v, qid)
		}
	}
	if !q.concluded {
		s.conclude(s.vertices[q.vertex], q, consensus.OutcomeInconclusive)
	}
}

func (s *shard) conclude(st *vertexState, q *query, outcome consensus.RoundOutcome) {
	q.concluded = true
	if st.inflight == q {
		st.inflight = nil
	}
	st.rounds++
	st.lastChit = outcome == consensus.OutcomeSuccess

	live := s.active(st)
	if live {
		switch outcome {
		case consensus.OutcomeSuccess:
			s.credit(st)
			s.advance(st)
		case consensus.OutcomeFailure:
			if st.set.preferred == st {
				st.set.consecutive = 0
			}
		}
	}
	s.publishView(st)

	consecutive := 0
	if st.set != nil && st.set.last == st {
		consecutive = st.set.consecutive
	}
	ev := &consensus.RoundCompletedEvent{
		Vertex:      st.v.ID,
		Round:       st.rounds,
		Outcome:     outcome,
		Sampled:     len(q.sampled),
		Accepts:     q.accepts,
		Rejects:     q.rejects,
		Abstained:   len(q.sampled) - len(q.responded),
		Consecutive: consecutive,
		Duration:    time.Since(q.started),
		Timestamp:   time.Now(),
	}
	s.e.publish(ev)
	s.e.adaptor.OnRoundComplete(ev)

	if live && outcome == consensus.OutcomeSuccess {
		s.e.propagateChit(st.v.ID)
		s.maybeDecide(st)
	}
	s.startRound(st)
}

// credit adds one chit and moves the preference if st now leads its set.
func (s *shard) credit(st *vertexState) {
	st.chits++
	set := st.set
	if set.preferred == nil || (set.preferred != st && st.chits > set.preferred.chits) {
		s.e.logger.Debug("Preference switched",
			zap.String("conflict", set.key),
			zap.Stringer("vertex", st.v.ID),
			zap.Int("chits", st.chits),
		)
		set.preferred = st
	}
}

// advance counts a successful round toward the consecutive streak.
func (s *shard) advance(st *vertexState) {
	set := st.set
	if set.last != st || set.preferred != st {
		set.last = st
		set.consecutive = 1
		return
	}
	set.consecutive++
}

func (s *shard) onAncestorChit(st *vertexState) {
	if !s.active(st) {
		return
	}
	s.credit(st)
	s.publishView(st)
	s.maybeDecide(st)
}

func (s *shard) maybeDecide(st *vertexState) {
	set := st.set
	if !s.active(st) || set.decided != nil || set.preferred != st {
		return
	}
	stable := set.last == st && set.consecutive >= s.e.cfg.Beta
	if !stable && st.chits < s.e.cfg.threshold() {
		return
	}
	st.decided = true
	set.decided = st
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
	s.tryAccept(st)
}

func (s *shard) tryAccept(st *vertexState) {
	accepted, rejected := s.e.parentsSettled(st.v.Parents)
	switch {
	case rejected:
		s.reject(st, "parent rejected")
	case accepted:
		s.accept(st)
	}
}

func (s *shard) accept(st *vertexState) {
	e := s.e
	st.status = consensus.StatusAccepted
	s.publishView(st)

	for _, m := range st.set.members {
		if m != st && m.status == consensus.StatusPending {
			s.reject(m, "conflict set decided for "+st.v.ID.Short())
		}
	}

	consecutive := 0
	if st.set.last == st {
		consecutive = st.set.consecutive
	}
	now := time.Now()
	ev := &consensus.VertexAcceptedEvent{
		Vertex:      st.v.ID,
		Height:      st.v.Height,
		Rounds:      st.rounds,
		Consecutive: consecutive,
		Chits:       st.chits,
		Latency:     now.Sub(st.admittedAt),
		Timestamp:   now,
	}
	e.logger.Info("Vertex accepted",
		zap.Stringer("vertex", st.v.ID),
		zap.Uint64("height", st.v.Height),
		zap.Int("rounds", st.rounds),
		zap.Int("consecutive", consecutive),
		zap.Duration("latency", ev.Latency),
	)
	e.publish(ev)
	e.adaptor.OnAccepted(st.v, ev)

	for _, child := range e.childrenOf(st.v.ID) {
		if ix, ok := e.lookup(child); ok {
			e.dispatch(ix.shard, &parentAcceptedOp{id: child})
		}
	}
}

func (s *shard) reject(st *vertexState, reason string) {
	if st.status == consensus.StatusRejected || st.status == consensus.StatusFinalized {
		return
	}
	e := s.e
	st.status = consensus.StatusRejected
	st.decided = false
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
	st.inflight = nil
	if set := st.set; set != nil {
		if set.decided == st {
			set.decided = nil
		}
		if set.last == st {
			set.last = nil
			set.consecutive = 0
		}
		if set.preferred == st {
			set.preferred = nil
			for _, m := range set.members {
				if m.status == consensus.StatusRejected {
					continue
				}
				if set.preferred == nil || m.chits > set.preferred.chits {
					set.preferred = m
				}
			}
		}
	}
	s.publishView(st)

	e.logger.Info("Vertex rejected",
		zap.Stringer("vertex", st.v.ID),
		zap.String("reason", reason),
	)
	e.publish(&consensus.VertexRejectedEvent{
		Vertex:    st.v.ID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	e.adaptor.OnRejected(st.v.ID, reason)

	for _, child := range e.childrenOf(st.v.ID) {
		if ix, ok := e.lookup(child); ok {
			e.dispatch(ix.shard, &parentRejectedOp{id: child, parent: st.v.ID})
		}
	}
}

// prefers is the local answer to a query: the vertex is decided in its
// favor, or it is still live and preferred in its conflict set.
func (s *shard) prefers(st *vertexState) bool {
	switch st.status {
	case consensus.StatusAccepted, consensus.StatusFinalized:
		return true
	case consensus.StatusRejected:
		return false
	}
	if _, rejected := s.e.parentsSettled(st.v.Parents); rejected {
		return false
	}
	if st.set.decided != nil {
		return st.set.decided == st
	}
	return st.set.preferred == st
}

func (s *shard) answer(st *vertexState, q *consensus.ConsensusQuery) {
	e := s.e
	resp := &consensus.ConsensusResponse{
		QueryID:    q.QueryID,
		VertexID:   st.v.ID,
		Responder:  e.self,
		Accept:     s.prefers(st),
		Confidence: s.confidence(st),
		Timestamp:  time.Now(),
	}
	e.adaptor.SendResponse(e.ctx, q.Requester, resp)
}
