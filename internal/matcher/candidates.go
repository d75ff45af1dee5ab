package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// TargetLookup is the storage-side query surface candidate generation needs:
// open targets in a tenant within an amount range and a date window.
type TargetLookup interface {
	FindOpenTargets(ctx context.Context, tenantID string, amountMin, amountMax decimal.Decimal, dateFrom, dateTo time.Time) ([]*models.TargetRecord, error)
}

// SemanticSearcher optionally contributes targets whose descriptions are
// semantically close to the movement, beyond what the amount/date range query
// finds. A nil searcher disables the semantic stage without changing behavior
// otherwise.
type SemanticSearcher interface {
	SearchSimilar(ctx context.Context, tenantID, description string, limit int) ([]*models.TargetRecord, error)
}

// Candidate pairs a target with its computed score breakdown
type Candidate struct {
	Target    *models.TargetRecord
	Breakdown models.ScoreBreakdown
}

// Score returns the candidate's composite score
func (c *Candidate) Score() float64 {
	return c.Breakdown.Composite
}

// CandidateGenerator finds and ranks match candidates for a movement.
// Generation is tenant scoped and deterministic: equal scores tie-break on
// target ID so repeated runs over identical data rank identically.
type CandidateGenerator struct {
	lookup   TargetLookup
	searcher SemanticSearcher
	scorer   *Scorer
	config   *MatchingConfig
	logger   logger.Logger
}

// NewCandidateGenerator creates a candidate generator. searcher may be nil.
func NewCandidateGenerator(lookup TargetLookup, searcher SemanticSearcher, scorer *Scorer, config *MatchingConfig, log logger.Logger) *CandidateGenerator {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &CandidateGenerator{
		lookup:   lookup,
		searcher: searcher,
		scorer:   scorer,
		config:   config,
		logger:   log.WithComponent("candidate_generator"),
	}
}

// Generate returns up to MaxCandidates scored candidates for the movement,
// ordered by descending score. An empty result is a valid outcome, not an
// error. Semantic search failures degrade to range lookup alone.
func (g *CandidateGenerator) Generate(ctx context.Context, movement *models.BankMovement) ([]*Candidate, error) {
	pending := movement.PendingAmount()

	// The amount range must admit split components, so the lower bound is a
	// cent rather than pending minus tolerance. The upper bound constrains
	// full-payment targets only; the lookup admits installment targets with
	// any capacity above the floor.
	amountMin := models.Epsilon
	amountMax := pending.Add(g.config.AmountTolerance(pending))

	window := time.Duration(g.config.DateWindowDays) * 24 * time.Hour
	dateFrom := movement.Date.Add(-window)
	dateTo := movement.Date.Add(window)

	targets, err := g.lookup.FindOpenTargets(ctx, movement.TenantID, amountMin, amountMax, dateFrom, dateTo)
	if err != nil {
		return nil, err
	}

	// Merge in semantically similar targets the range query may have missed
	if g.searcher != nil {
		targets = g.mergeSemantic(ctx, movement, targets)
	}

	candidates := make([]*Candidate, 0, len(targets))
	for _, target := range targets {
		if target.Settled || !target.RemainingCapacity().IsPositive() {
			continue
		}

		breakdown := g.scorer.Score(ctx, movement, target)
		candidates = append(candidates, &Candidate{
			Target:    target,
			Breakdown: breakdown,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score() != candidates[j].Score() {
			return candidates[i].Score() > candidates[j].Score()
		}
		return candidates[i].Target.ID < candidates[j].Target.ID
	})

	if len(candidates) > g.config.MaxCandidates {
		candidates = candidates[:g.config.MaxCandidates]
	}

	g.logger.WithFields(logger.Fields{
		"movement_id": movement.ID,
		"tenant_id":   movement.TenantID,
		"candidates":  len(candidates),
	}).Debug("Generated candidates")

	return candidates, nil
}

func (g *CandidateGenerator) mergeSemantic(ctx context.Context, movement *models.BankMovement, targets []*models.TargetRecord) []*models.TargetRecord {
	extra, err := g.searcher.SearchSimilar(ctx, movement.TenantID, movement.Description, g.config.MaxCandidates)
	if err != nil {
		g.logger.WithError(err).WithField("movement_id", movement.ID).
			Warn("Semantic search unavailable, using range lookup only")
		return targets
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.ID] = true
	}

	for _, t := range extra {
		if t == nil || seen[t.ID] || t.TenantID != movement.TenantID {
			continue
		}
		seen[t.ID] = true
		targets = append(targets, t)
	}

	return targets
}
