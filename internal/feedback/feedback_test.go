package feedback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage/memory"
)

func appendOutcome(t *testing.T, store *memory.Store, n int, outcome models.DecisionOutcome, breakdown models.ScoreBreakdown) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.AppendAudit(context.Background(), &models.MatchDecisionAudit{
			ID:               fmt.Sprintf("%s-%d", outcome, i),
			TenantID:         "tenant-1",
			MovementID:       fmt.Sprintf("mv-%s-%d", outcome, i),
			AlgorithmVersion: "v3",
			Breakdown:        breakdown,
			Outcome:          outcome,
		})
		require.NoError(t, err)
	}
}

func analysisWindow() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-24 * time.Hour), now.Add(time.Hour)
}

func TestAnalyzeTooFewSamples(t *testing.T) {
	store := memory.NewStore()
	analyzer := NewAnalyzer(store, nil)

	appendOutcome(t, store, 5, models.OutcomeAccepted, models.ScoreBreakdown{AmountScore: 1.0})
	appendOutcome(t, store, 5, models.OutcomeRejected, models.ScoreBreakdown{AmountScore: 0.2})

	from, to := analysisWindow()
	report, err := analyzer.Analyze(context.Background(), "tenant-1", from, to)
	require.NoError(t, err)

	assert.False(t, report.Adjusted)
	assert.Equal(t, 10, report.Samples)
	assert.Equal(t, report.CurrentWeights, report.ProposedWeights)
}

func TestAnalyzeNoRejections(t *testing.T) {
	store := memory.NewStore()
	analyzer := NewAnalyzer(store, nil)

	appendOutcome(t, store, 30, models.OutcomeAccepted, models.ScoreBreakdown{AmountScore: 1.0})

	from, to := analysisWindow()
	report, err := analyzer.Analyze(context.Background(), "tenant-1", from, to)
	require.NoError(t, err)
	assert.False(t, report.Adjusted)
}

func TestAnalyzeShiftsWeightTowardDiscriminatingFeatures(t *testing.T) {
	store := memory.NewStore()
	analyzer := NewAnalyzer(store, nil)

	// Reference separates outcomes perfectly; date scores identically on
	// both sides and should lose weight
	appendOutcome(t, store, 15, models.OutcomeAccepted, models.ScoreBreakdown{
		AmountScore:    0.9,
		DateScore:      0.8,
		ReferenceScore: 1.0,
	})
	appendOutcome(t, store, 15, models.OutcomeRejected, models.ScoreBreakdown{
		AmountScore:    0.7,
		DateScore:      0.8,
		ReferenceScore: 0.0,
	})

	from, to := analysisWindow()
	report, err := analyzer.Analyze(context.Background(), "tenant-1", from, to)
	require.NoError(t, err)

	require.True(t, report.Adjusted)
	assert.Greater(t, report.ProposedWeights.Reference, report.CurrentWeights.Reference)
	assert.Less(t, report.ProposedWeights.Date, report.CurrentWeights.Date)

	sum := report.ProposedWeights.Sum()
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestRecalibratePersistsWeights(t *testing.T) {
	store := memory.NewStore()
	analyzer := NewAnalyzer(store, nil)
	ctx := context.Background()

	appendOutcome(t, store, 20, models.OutcomeAccepted, models.ScoreBreakdown{
		AmountScore:    1.0,
		ReferenceScore: 1.0,
	})
	appendOutcome(t, store, 20, models.OutcomeRejected, models.ScoreBreakdown{
		AmountScore:    0.3,
		ReferenceScore: 0.0,
	})

	from, to := analysisWindow()
	report, err := analyzer.Recalibrate(ctx, "tenant-1", from, to)
	require.NoError(t, err)
	require.True(t, report.Adjusted)

	config, err := store.GetMatchingConfig(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, report.ProposedWeights, config.Weights)

	// Persisting the recalibration bumps the config version and records
	// who changed it
	assert.Equal(t, int64(1), config.Version)
	assert.Equal(t, "recalibration", config.UpdatedBy)
	assert.False(t, config.UpdatedAt.IsZero())
}

func TestRecalibrateLeavesConfigWhenNotAdjusted(t *testing.T) {
	store := memory.NewStore()
	analyzer := NewAnalyzer(store, nil)
	ctx := context.Background()

	report, err := analyzer.Recalibrate(ctx, "tenant-1", time.Time{}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, report.Adjusted)
}
