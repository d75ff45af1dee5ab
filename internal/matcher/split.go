package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
)

// SplitCombination is a set of candidates whose amounts jointly cover a
// movement, with a residual of at most one cent.
type SplitCombination struct {
	Candidates []*Candidate
	Total      decimal.Decimal
	Residual   decimal.Decimal
	Breakdown  models.ScoreBreakdown
}

// Score returns the combination's aggregate score after residual penalty
func (c *SplitCombination) Score() float64 {
	return c.Breakdown.Composite
}

// splitResidualPenaltyWeight scales the residual ratio into a score penalty
const splitResidualPenaltyWeight = 0.5

// FindSplit searches for a combination of 2 to MaxSplitItems candidates whose
// remaining capacities sum to the movement's pending amount within epsilon.
// The search is exhaustive over the already-capped candidate list, so its
// cost is bounded by MaxCandidates choose MaxSplitItems.
//
// Returns nil when no combination qualifies. Ties resolve deterministically:
// higher score first, then fewer items, then lexicographic target IDs.
func (g *CandidateGenerator) FindSplit(movement *models.BankMovement, candidates []*Candidate) *SplitCombination {
	pending := movement.PendingAmount()
	if !pending.IsPositive() || len(candidates) < 2 {
		return nil
	}

	tolerance := g.config.AmountTolerance(pending)
	if tolerance.LessThan(models.Epsilon) {
		tolerance = models.Epsilon
	}

	// Stable input order keeps the search deterministic
	sorted := make([]*Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Target.ID < sorted[j].Target.ID
	})

	var best *SplitCombination
	maxItems := g.config.MaxSplitItems

	var search func(start int, picked []*Candidate, total decimal.Decimal)
	search = func(start int, picked []*Candidate, total decimal.Decimal) {
		if len(picked) >= 2 {
			residual := pending.Sub(total).Abs()
			if residual.LessThanOrEqual(tolerance) {
				combo := g.buildCombination(movement, picked, total, pending)
				if best == nil || betterSplit(combo, best) {
					best = combo
				}
			}
		}

		if len(picked) == maxItems {
			return
		}

		for i := start; i < len(sorted); i++ {
			next := total.Add(sorted[i].Target.RemainingCapacity())
			// Prune branches that already overshoot beyond tolerance
			if next.Sub(pending).GreaterThan(tolerance) {
				continue
			}
			search(i+1, append(picked, sorted[i]), next)
		}
	}

	search(0, make([]*Candidate, 0, maxItems), decimal.Zero)
	return best
}

func (g *CandidateGenerator) buildCombination(movement *models.BankMovement, picked []*Candidate, total, pending decimal.Decimal) *SplitCombination {
	members := make([]*Candidate, len(picked))
	copy(members, picked)

	// Aggregate breakdown is the capacity-weighted average of the member
	// breakdowns, minus a penalty proportional to the residual
	var agg models.ScoreBreakdown
	agg.Weights = g.config.Weights.Normalized()

	totalF, _ := total.Float64()
	if totalF > 0 {
		for _, c := range members {
			w, _ := c.Target.RemainingCapacity().Float64()
			frac := w / totalF
			agg.AmountScore += c.Breakdown.AmountScore * frac
			agg.DateScore += c.Breakdown.DateScore * frac
			agg.DescriptionScore += c.Breakdown.DescriptionScore * frac
			agg.ReferenceScore += c.Breakdown.ReferenceScore * frac
			agg.DescriptionDegraded = agg.DescriptionDegraded || c.Breakdown.DescriptionDegraded
		}
	}

	// A split that covers the full pending amount has a perfect amount
	// feature regardless of the individual component ratios
	agg.AmountScore = 1.0

	residual := pending.Sub(total).Abs()
	if pending.IsPositive() {
		ratio, _ := residual.Div(pending).Float64()
		agg.ResidualPenalty = ratio * splitResidualPenaltyWeight
	}

	agg.Compose()

	return &SplitCombination{
		Candidates: members,
		Total:      total,
		Residual:   residual,
		Breakdown:  agg,
	}
}

func betterSplit(a, b *SplitCombination) bool {
	if a.Score() != b.Score() {
		return a.Score() > b.Score()
	}
	if len(a.Candidates) != len(b.Candidates) {
		return len(a.Candidates) < len(b.Candidates)
	}
	for i := range a.Candidates {
		if a.Candidates[i].Target.ID != b.Candidates[i].Target.ID {
			return a.Candidates[i].Target.ID < b.Candidates[i].Target.ID
		}
	}
	return false
}
