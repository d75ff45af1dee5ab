// Package feedback closes the loop between reviewer decisions and the
// scoring weights. It reads the decision ledger, measures how well each
// feature separated accepted matches from rejected ones, and proposes a
// recalibrated weight set per tenant.
package feedback

import (
	"context"
	"time"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// MinSamples is the smallest ledger slice a recalibration will act on.
// Below it the proposal is the current weights unchanged.
const MinSamples = 20

// LearningRate blends the observed weight proposal into the current weights.
// A low rate keeps single batches from swinging the configuration.
const LearningRate = 0.2

// Analyzer derives weight proposals from the decision ledger
type Analyzer struct {
	store  storage.Store
	logger logger.Logger
}

// NewAnalyzer creates a feedback analyzer
func NewAnalyzer(store storage.Store, log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Analyzer{
		store:  store,
		logger: log.WithComponent("feedback"),
	}
}

// Report summarizes one recalibration analysis
type Report struct {
	TenantID        string                `json:"tenant_id"`
	From            time.Time             `json:"from"`
	To              time.Time             `json:"to"`
	Samples         int                   `json:"samples"`
	Accepted        int                   `json:"accepted"`
	Rejected        int                   `json:"rejected"`
	CurrentWeights  models.FeatureWeights `json:"current_weights"`
	ProposedWeights models.FeatureWeights `json:"proposed_weights"`

	// Adjusted is false when the sample was too small to act on
	Adjusted bool `json:"adjusted"`
}

// featureMeans accumulates per-feature sub-score averages
type featureMeans struct {
	amount      float64
	date        float64
	description float64
	reference   float64
	count       int
}

func (m *featureMeans) add(b models.ScoreBreakdown) {
	m.amount += b.AmountScore
	m.date += b.DateScore
	m.description += b.DescriptionScore
	m.reference += b.ReferenceScore
	m.count++
}

func (m *featureMeans) mean() (amount, date, description, reference float64) {
	if m.count == 0 {
		return 0, 0, 0, 0
	}
	n := float64(m.count)
	return m.amount / n, m.date / n, m.description / n, m.reference / n
}

// Analyze computes a weight proposal for a tenant from ledger entries in the
// given window. Features that scored high on accepted matches and low on
// rejected ones gain weight; features that failed to separate the two lose
// weight. The proposal is blended into the current weights rather than
// replacing them.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, from, to time.Time) (*Report, error) {
	config, err := a.store.GetMatchingConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	entries, err := a.store.ListAudit(ctx, storage.AuditFilter{
		TenantID: tenantID,
		From:     from,
		To:       to,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		TenantID:        tenantID,
		From:            from,
		To:              to,
		CurrentWeights:  config.Weights,
		ProposedWeights: config.Weights,
	}

	var accepted, rejected featureMeans
	for _, entry := range entries {
		switch entry.Outcome {
		case models.OutcomeAccepted, models.OutcomeAutoApplied:
			accepted.add(entry.Breakdown)
			report.Accepted++
		case models.OutcomeRejected:
			rejected.add(entry.Breakdown)
			report.Rejected++
		default:
			continue
		}
		report.Samples++
	}

	if report.Samples < MinSamples || report.Rejected == 0 {
		a.logger.WithTenant(tenantID).WithFields(logger.Fields{
			"samples":  report.Samples,
			"rejected": report.Rejected,
		}).Info("Not enough review outcomes to recalibrate")
		return report, nil
	}

	accAmount, accDate, accDesc, accRef := accepted.mean()
	rejAmount, rejDate, rejDesc, rejRef := rejected.mean()

	// Separation per feature, floored so a misleading feature cannot go
	// negative and flip the sign of its weight
	sepAmount := floor(accAmount - rejAmount)
	sepDate := floor(accDate - rejDate)
	sepDesc := floor(accDesc - rejDesc)
	sepRef := floor(accRef - rejRef)

	total := sepAmount + sepDate + sepDesc + sepRef
	if total == 0 {
		// No feature separates outcomes; keep the current weights
		return report, nil
	}

	observed := models.FeatureWeights{
		Amount:      sepAmount / total,
		Date:        sepDate / total,
		Description: sepDesc / total,
		Reference:   sepRef / total,
	}

	blended := models.FeatureWeights{
		Amount:      blend(config.Weights.Amount, observed.Amount),
		Date:        blend(config.Weights.Date, observed.Date),
		Description: blend(config.Weights.Description, observed.Description),
		Reference:   blend(config.Weights.Reference, observed.Reference),
	}
	proposed := blended.Normalized()

	if err := proposed.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError,
			"recalibrated weights are invalid")
	}

	report.ProposedWeights = proposed
	report.Adjusted = true
	return report, nil
}

// Recalibrate runs the analysis and persists the proposed weights when the
// sample supported an adjustment
func (a *Analyzer) Recalibrate(ctx context.Context, tenantID string, from, to time.Time) (*Report, error) {
	report, err := a.Analyze(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	if !report.Adjusted {
		return report, nil
	}

	config, err := a.store.GetMatchingConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	config.Weights = report.ProposedWeights
	config.UpdatedBy = "recalibration"

	if err := a.store.PutMatchingConfig(ctx, tenantID, config); err != nil {
		return nil, err
	}

	a.logger.WithTenant(tenantID).WithFields(logger.Fields{
		"samples":     report.Samples,
		"amount":      report.ProposedWeights.Amount,
		"date":        report.ProposedWeights.Date,
		"description": report.ProposedWeights.Description,
		"reference":   report.ProposedWeights.Reference,
	}).Info("Matching weights recalibrated")

	return report, nil
}

func floor(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func blend(current, observed float64) float64 {
	return current*(1-LearningRate) + observed*LearningRate
}
