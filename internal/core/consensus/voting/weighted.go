// Package voting computes validator voting weight, samples validators for
// consensus queries and derives the adaptive quorum threshold.
package voting

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
)

// Weight coefficients.
const (
	StakeWeight      = 0.6
	ReputationWeight = 0.3
	UptimeWeight     = 0.1
)

// ErrQuorumUnavailable is returned by Sample when fewer than the minimum
// quorum of validators are non-isolated. Callers defer the round.
var ErrQuorumUnavailable = errors.New("quorum of active validators unavailable")

// ValidatorSet is the registry view used for weighting.
type ValidatorSet interface {
	Get(id consensus.ValidatorID) (validators.Record, bool)
	Active() []validators.Record
	Len() int
}

// WeightedVoting turns stake, reputation and uptime into voting weight.
type WeightedVoting struct {
	set ValidatorSet

	rngMu sync.Mutex
	rng   rand.Source
}

// NewWeightedVoting creates a voting system over set. The seed makes
// sampling reproducible.
func NewWeightedVoting(set ValidatorSet, seed uint64) *WeightedVoting {
	return &WeightedVoting{
		set: set,
		rng: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}
}

func activeStake(active []validators.Record) float64 {
	var total float64
	for _, rec := range active {
		total += float64(rec.Stake)
	}
	return total
}

func weightOf(rec validators.Record, totalStake float64) float64 {
	if rec.Isolated {
		return 0
	}
	var normalized float64
	if totalStake > 0 {
		normalized = float64(rec.Stake) / totalStake
	}
	return StakeWeight*normalized + ReputationWeight*rec.Reputation + UptimeWeight*rec.Uptime
}

// CalculateWeight returns 0.6·normalized stake + 0.3·reputation + 0.1·uptime,
// with stake normalized over non-isolated validators. Isolated and unknown
// validators weigh 0.
func (w *WeightedVoting) CalculateWeight(id consensus.ValidatorID) float64 {
	rec, ok := w.set.Get(id)
	if !ok || rec.Isolated {
		return 0
	}
	return weightOf(rec, activeStake(w.set.Active()))
}

// Weights returns the weight of every non-isolated validator.
func (w *WeightedVoting) Weights() map[consensus.ValidatorID]float64 {
	active := w.set.Active()
	total := activeStake(active)
	out := make(map[consensus.ValidatorID]float64, len(active))
	for _, rec := range active {
		out[rec.ID] = weightOf(rec, total)
	}
	return out
}

// CalculateVotingPower sums the weights of the distinct, non-isolated
// validators behind votes.
func (w *WeightedVoting) CalculateVotingPower(votes []consensus.Vote) float64 {
	weights := w.Weights()
	seen := make(map[consensus.ValidatorID]struct{}, len(votes))
	var power float64
	for _, v := range votes {
		if _, dup := seen[v.Validator]; dup {
			continue
		}
		seen[v.Validator] = struct{}{}
		power += weights[v.Validator]
	}
	return power
}

// TotalActivePower is the voting power of all non-isolated validators.
func (w *WeightedVoting) TotalActivePower() float64 {
	var total float64
	for _, weight := range w.Weights() {
		total += weight
	}
	return total
}

// MinQuorumSize is 2f+1 over all registered validators.
func (w *WeightedVoting) MinQuorumSize() int {
	return consensus.QuorumSize(w.set.Len())
}

// Sample draws up to k distinct non-isolated validators, excluding exclude,
// with probability proportional to weight and without replacement.
func (w *WeightedVoting) Sample(k int, exclude ...consensus.ValidatorID) ([]consensus.ValidatorID, error) {
	active := w.set.Active()
	if len(active) < w.MinQuorumSize() {
		return nil, fmt.Errorf("%w: %d active, need %d", ErrQuorumUnavailable, len(active), w.MinQuorumSize())
	}

	skip := make(map[consensus.ValidatorID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	total := activeStake(active)
	ids := make([]consensus.ValidatorID, 0, len(active))
	weights := make([]float64, 0, len(active))
	for _, rec := range active {
		if _, ok := skip[rec.ID]; ok {
			continue
		}
		ids = append(ids, rec.ID)
		weights = append(weights, weightOf(rec, total))
	}
	if len(ids) == 0 || k <= 0 {
		return nil, nil
	}

	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	sampler := sampleuv.NewWeighted(weights, w.rng)
	out := make([]consensus.ValidatorID, 0, min(k, len(ids)))
	for len(out) < k {
		idx, ok := sampler.Take()
		if !ok {
			break
		}
		out = append(out, ids[idx])
	}
	return out, nil
}
