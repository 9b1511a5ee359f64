package node

import (
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// ValidatorHealth is the node's view of one validator.
type ValidatorHealth struct {
	ID            consensus.ValidatorID
	Stake         uint64
	Reputation    float64
	Uptime        float64
	Weight        float64
	Isolated      bool
	Faults        int
	Contributions int
	Evidence      int
}

// GetValidatorHealth reports every registered validator, sorted by id.
func (n *Node) GetValidatorHealth() []ValidatorHealth {
	weights := n.voting.Weights()
	records := n.registry.All()
	out := make([]ValidatorHealth, 0, len(records))
	for _, rec := range records {
		out = append(out, ValidatorHealth{
			ID:            rec.ID,
			Stake:         rec.Stake,
			Reputation:    rec.Reputation,
			Uptime:        rec.Uptime,
			Weight:        weights[rec.ID],
			Isolated:      rec.Isolated,
			Faults:        rec.Faults,
			Contributions: rec.Contributions,
			Evidence:      len(n.detector.EvidenceAgainst(rec.ID)),
		})
	}
	return out
}
