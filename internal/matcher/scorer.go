package matcher

import (
	"context"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// SimilarityProvider computes text similarity between a movement description
// and a target description, returning a value in [0,1]. Implementations live
// in the similarity package.
type SimilarityProvider interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Scorer computes confidence scores for movement-target pairs. Scoring is a
// pure function of its inputs: the same movement, target and config always
// produce the same breakdown, which keeps decisions reproducible.
type Scorer struct {
	config     *MatchingConfig
	similarity SimilarityProvider
	logger     logger.Logger
}

// NewScorer creates a scorer. The similarity provider may be nil, in which
// case the description feature always scores zero.
func NewScorer(config *MatchingConfig, similarity SimilarityProvider, log logger.Logger) *Scorer {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Scorer{
		config:     config,
		similarity: similarity,
		logger:     log.WithComponent("scorer"),
	}
}

// Score computes the weighted confidence breakdown for a single candidate.
// Similarity provider failures degrade the description feature to zero and
// mark the breakdown; they never fail the scoring run.
func (s *Scorer) Score(ctx context.Context, movement *models.BankMovement, target *models.TargetRecord) models.ScoreBreakdown {
	breakdown := models.ScoreBreakdown{
		Weights: s.config.Weights.Normalized(),
	}

	breakdown.AmountScore = s.amountScore(movement.PendingAmount(), target.RemainingCapacity())
	breakdown.DateScore = s.dateScore(movement, target)
	breakdown.ReferenceScore = s.referenceScore(movement, target)

	score, degraded := s.descriptionScore(ctx, movement, target)
	breakdown.DescriptionScore = score
	breakdown.DescriptionDegraded = degraded

	breakdown.Compose()
	return breakdown
}

// amountScore maps amount proximity into [0,1]. Amounts equal within a cent
// score a full 1.0; beyond that the score decays with the relative difference.
func (s *Scorer) amountScore(a, b decimal.Decimal) float64 {
	a = a.Abs()
	b = b.Abs()

	diff := a.Sub(b).Abs()
	if diff.LessThanOrEqual(models.Epsilon) {
		return 1.0
	}

	larger := a
	if b.GreaterThan(larger) {
		larger = b
	}
	if larger.IsZero() {
		return 0.0
	}

	ratio, _ := diff.Div(larger).Float64()
	return 1.0 - math.Min(ratio, 1.0)
}

// dateScore decays linearly over the configured date window. Dates outside
// the window score zero.
func (s *Scorer) dateScore(movement *models.BankMovement, target *models.TargetRecord) float64 {
	daysDiff := math.Abs(movement.Date.Sub(target.Date).Hours() / 24.0)
	score := 1.0 - daysDiff/float64(s.config.DateWindowDays)
	return math.Max(0.0, score)
}

// referenceScore is binary: an exact reference or invoice number contained in
// either direction scores 1.0, anything else 0.0. Comparison ignores case.
func (s *Scorer) referenceScore(movement *models.BankMovement, target *models.TargetRecord) float64 {
	invoice := strings.ToUpper(strings.TrimSpace(target.InvoiceNumber))

	// Invoice numbers often land in the statement description rather than
	// the reference field
	if invoice != "" && strings.Contains(strings.ToUpper(movement.Description), invoice) {
		return 1.0
	}

	ref := strings.ToUpper(strings.TrimSpace(movement.Reference))
	if ref == "" {
		return 0.0
	}

	for _, c := range []string{invoice, strings.ToUpper(strings.TrimSpace(target.TaxID))} {
		if c == "" {
			continue
		}
		if strings.Contains(ref, c) || strings.Contains(c, ref) {
			return 1.0
		}
	}

	return 0.0
}

func (s *Scorer) descriptionScore(ctx context.Context, movement *models.BankMovement, target *models.TargetRecord) (float64, bool) {
	if s.similarity == nil {
		return 0.0, false
	}

	if strings.TrimSpace(movement.Description) == "" || strings.TrimSpace(target.Description) == "" {
		return 0.0, false
	}

	score, err := s.similarity.Similarity(ctx, movement.Description, target.Description)
	if err != nil {
		s.logger.WithError(err).WithFields(logger.Fields{
			"movement_id": movement.ID,
			"target_id":   target.ID,
		}).Warn("Similarity provider unavailable, degrading description score")
		return 0.0, true
	}

	return math.Max(0.0, math.Min(1.0, score)), false
}
