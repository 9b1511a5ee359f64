package finality

import (
	"sync"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Collector aggregates verified finality votes per vertex and phase.
type Collector struct {
	mu sync.RWMutex

	// votes maps vertex -> phase -> voter -> ballot
	votes map[consensus.VertexID]map[consensus.VotePhase]map[consensus.ValidatorID]*consensus.FinalityVote

	// byVoter holds each voter's latest ballot
	byVoter map[consensus.ValidatorID]*consensus.FinalityVote
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		votes:   make(map[consensus.VertexID]map[consensus.VotePhase]map[consensus.ValidatorID]*consensus.FinalityVote),
		byVoter: make(map[consensus.ValidatorID]*consensus.FinalityVote),
	}
}

// Add records a ballot. Returns false for a duplicate of the voter's ballot
// in the same phase.
func (c *Collector) Add(fv *consensus.FinalityVote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	phases, ok := c.votes[fv.VertexID]
	if !ok {
		phases = make(map[consensus.VotePhase]map[consensus.ValidatorID]*consensus.FinalityVote)
		c.votes[fv.VertexID] = phases
	}
	voters, ok := phases[fv.Phase]
	if !ok {
		voters = make(map[consensus.ValidatorID]*consensus.FinalityVote)
		phases[fv.Phase] = voters
	}
	if _, dup := voters[fv.Voter]; dup {
		return false
	}
	voters[fv.Voter] = fv

	if latest, ok := c.byVoter[fv.Voter]; !ok || fv.Timestamp.After(latest.Timestamp) {
		c.byVoter[fv.Voter] = fv
	}
	return true
}

// Votes returns the normalized votes for a vertex in one phase.
func (c *Collector) Votes(id consensus.VertexID, phase consensus.VotePhase) []consensus.Vote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	voters := c.votes[id][phase]
	out := make([]consensus.Vote, 0, len(voters))
	for _, fv := range voters {
		out = append(out, fv.Vote())
	}
	return out
}

// VotesFor returns the pre-commit votes backing a vertex.
func (c *Collector) VotesFor(id consensus.VertexID) []consensus.Vote {
	return c.Votes(id, consensus.VotePreCommit)
}

// Count returns the number of ballots for a vertex in one phase.
func (c *Collector) Count(id consensus.VertexID, phase consensus.VotePhase) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.votes[id][phase])
}

// Latest returns a voter's most recent ballot.
func (c *Collector) Latest(voter consensus.ValidatorID) (*consensus.FinalityVote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fv, ok := c.byVoter[voter]
	return fv, ok
}

// Forget drops the ballots of a vertex.
func (c *Collector) Forget(id consensus.VertexID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.votes, id)
}
