package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/similarity"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/internal/storage/memory"
	"github.com/concilia-dev/concilia/pkg/errors"
)

const testTenant = "tenant-1"

var baseDate = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	engine := New(store, Config{
		Similarity:   similarity.NewLevenshteinProvider(),
		RetryBackoff: time.Millisecond,
	})

	return &fixture{store: store, engine: engine}
}

func (f *fixture) addMovement(t *testing.T, id string, amount float64, description, reference string) *models.BankMovement {
	t.Helper()

	m := &models.BankMovement{
		ID:          id,
		TenantID:    testTenant,
		AccountID:   "acct-1",
		Date:        baseDate,
		Amount:      decimal.NewFromFloat(-amount),
		Currency:    "USD",
		Description: description,
		Reference:   reference,
		Fingerprint: "fp-" + id,
		Status:      models.MovementPending,
	}
	require.NoError(t, f.store.CreateMovement(context.Background(), m))
	return m
}

func (f *fixture) addTarget(t *testing.T, id string, amount float64, description, invoiceNumber string) *models.TargetRecord {
	t.Helper()

	tr := &models.TargetRecord{
		ID:            id,
		TenantID:      testTenant,
		Kind:          models.TargetExpense,
		Amount:        decimal.NewFromFloat(amount),
		Date:          baseDate,
		Description:   description,
		InvoiceNumber: invoiceNumber,
	}
	require.NoError(t, f.store.CreateTarget(context.Background(), tr))
	return tr
}

func TestAutoApplyExactMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES INV-2024-001", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAutoApplied, result.Outcome)
	assert.Equal(t, models.MovementMatched, result.Movement.Status)
	require.Len(t, result.Links, 1)
	assert.Equal(t, "tr-1", result.Links[0].TargetID)
	assert.Equal(t, models.SourceAuto, result.Links[0].Source)

	target, err := f.store.GetTarget(ctx, testTenant, "tr-1")
	require.NoError(t, err)
	assert.True(t, target.Settled)
	assert.True(t, target.AllocatedAmount.Equal(decimal.NewFromFloat(850.50)))

	entries, err := f.store.ListAudit(ctx, storage.AuditFilter{TenantID: testTenant, MovementID: "mv-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeAutoApplied, entries[0].Outcome)
	assert.Equal(t, AlgorithmVersion, entries[0].AlgorithmVersion)
	assert.NotZero(t, entries[0].Breakdown.Composite)
}

func TestSplitGoesThroughSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 150.00, "ACME COMBINED PAYMENT", "")
	f.addTarget(t, "tr-1", 100.00, "Acme combined payment part one", "")
	f.addTarget(t, "tr-2", 50.00, "Acme combined payment part two", "")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuggested, result.Outcome)
	assert.Equal(t, models.MovementSuggested, result.Movement.Status)
	require.NotNil(t, result.Suggestion)
	require.Len(t, result.Suggestion.Lines, 2)
	assert.True(t, result.Suggestion.TotalAmount().Equal(decimal.NewFromFloat(150.00)))

	// Accepting the split settles both targets and matches the movement
	applied, err := f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MovementMatched, applied.Movement.Status)
	assert.Len(t, applied.Links, 2)

	for _, id := range []string{"tr-1", "tr-2"} {
		target, err := f.store.GetTarget(ctx, testTenant, id)
		require.NoError(t, err)
		assert.True(t, target.Settled, "target %s should be settled", id)
	}
}

func TestNoCandidatesIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 150.00, "UNKNOWN VENDOR", "")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoCandidates, result.Outcome)
	assert.Equal(t, models.MovementPending, result.Movement.Status)

	entries, err := f.store.ListAudit(ctx, storage.AuditFilter{TenantID: testTenant, MovementID: "mv-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeNoCandidates, entries[0].Outcome)
}

// erroringSimilarity always fails, exercising degradation
type erroringSimilarity struct{}

func (erroringSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	return 0, fmt.Errorf("similarity service down")
}

func TestSimilarityDegradationStillDecides(t *testing.T) {
	store := memory.NewStore()
	engine := New(store, Config{Similarity: erroringSimilarity{}})
	f := &fixture{store: store, engine: engine}
	ctx := context.Background()

	// Amount, date and reference still score 0.40 + 0.20 + 0.15 = 0.75,
	// which lands in the suggestion tier rather than failing outright
	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	result, err := engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuggested, result.Outcome)
	require.NotNil(t, result.Suggestion)
	assert.True(t, result.Suggestion.Breakdown.DescriptionDegraded)
	assert.Zero(t, result.Suggestion.Breakdown.DescriptionScore)
}

// conflictingStore injects version conflicts into the first N commits
type conflictingStore struct {
	storage.Store
	remaining int
}

func (s *conflictingStore) CommitDecision(ctx context.Context, commit *storage.DecisionCommit) error {
	if s.remaining > 0 {
		s.remaining--
		return errors.ConflictError(errors.CodeVersionMismatch, "movement", "mv-1")
	}
	return s.Store.CommitDecision(ctx, commit)
}

func TestAutoApplyRetriesOnConflict(t *testing.T) {
	mem := memory.NewStore()
	store := &conflictingStore{Store: mem, remaining: 2}
	engine := New(store, Config{
		Similarity:   similarity.NewLevenshteinProvider(),
		RetryBackoff: time.Millisecond,
	})
	f := &fixture{store: mem, engine: engine}
	ctx := context.Background()

	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES INV-2024-001", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	result, err := engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAutoApplied, result.Outcome)
	assert.Equal(t, models.MovementMatched, result.Movement.Status)
}

func TestAutoApplyFallsBackToSuggestionAfterConflicts(t *testing.T) {
	mem := memory.NewStore()
	store := &conflictingStore{Store: mem, remaining: 3}
	engine := New(store, Config{
		Similarity:    similarity.NewLevenshteinProvider(),
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	})
	f := &fixture{store: mem, engine: engine}
	ctx := context.Background()

	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES INV-2024-001", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	result, err := engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	// Exhausted retries defer to manual review instead of forcing the write
	assert.Equal(t, models.OutcomeSuggested, result.Outcome)
	require.NotNil(t, result.Suggestion)
}

func TestApplySuggestionStaleOnTargetChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 150.00, "PARTIAL VENDOR PAYMENT", "")
	f.addTarget(t, "tr-1", 100.00, "Partial vendor payment one", "")
	f.addTarget(t, "tr-2", 50.00, "Partial vendor payment two", "")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	require.NotNil(t, result.Suggestion)

	// Another process allocates against tr-1, bumping its version
	require.NoError(t, f.store.CommitDecision(ctx, &storage.DecisionCommit{
		TenantID: testTenant,
		Targets: []storage.TargetUpdate{{
			TargetID:        "tr-1",
			ExpectedVersion: 1,
			AllocatedAmount: decimal.NewFromFloat(100.00),
			Settled:         true,
		}},
	}))

	_, err = f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryStale), "expected stale error, got %v", err)

	// The suggestion was invalidated
	sg, err := f.store.GetSuggestion(ctx, testTenant, result.Suggestion.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStale, sg.Status)
}

func TestApplySuggestionIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 150.00, "VENDOR PAYMENT SPLIT", "")
	f.addTarget(t, "tr-1", 100.00, "Vendor payment split one", "")
	f.addTarget(t, "tr-2", 50.00, "Vendor payment split two", "")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	require.NotNil(t, result.Suggestion)

	_, err = f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
	require.NoError(t, err)

	_, err = f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
	require.Error(t, err)
	appErr, ok := errors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeAlreadyApplied, appErr.Code)
}

func TestConcurrentApplySingleWinner(t *testing.T) {
	store := memory.NewStore()
	engine := New(store, Config{Similarity: erroringSimilarity{}})
	f := &fixture{store: store, engine: engine}
	ctx := context.Background()

	// Degraded similarity keeps the score in the suggestion tier
	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	result, err := engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	require.NotNil(t, result.Suggestion)

	// Two reviewers race to accept the same suggestion
	errs := make(chan error, 2)
	for _, actor := range []string{"user-1", "user-2"} {
		go func(actor string) {
			_, err := engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, actor)
			errs <- err
		}(actor)
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}

	require.Len(t, failures, 1, "exactly one application must lose the race")
	loser := failures[0]
	assert.True(t,
		errors.IsCategory(loser, errors.CategoryConflict) || errors.IsCategory(loser, errors.CategoryStale),
		"loser must see a conflict or stale error, got %v", loser)

	movement, err := store.GetMovement(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	assert.Equal(t, models.MovementMatched, movement.Status)

	links, err := store.ListLinksByMovement(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	require.Len(t, links, 1, "exactly one link must persist")
	assert.False(t, links[0].IsSuperseded())

	sg, err := store.GetSuggestion(ctx, testTenant, result.Suggestion.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionApplied, sg.Status)
}

func TestRejectSuggestionReturnsMovementToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 150.00, "VENDOR SPLIT PAYMENT", "")
	f.addTarget(t, "tr-1", 100.00, "Vendor split payment one", "")
	f.addTarget(t, "tr-2", 50.00, "Vendor split payment two", "")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	require.NotNil(t, result.Suggestion)

	err = f.engine.RejectSuggestion(ctx, testTenant, result.Suggestion.ID, "user-1", "wrong vendor")
	require.NoError(t, err)

	movement, err := f.store.GetMovement(ctx, testTenant, "mv-1")
	require.NoError(t, err)
	assert.Equal(t, models.MovementPending, movement.Status)

	sg, err := f.store.GetSuggestion(ctx, testTenant, result.Suggestion.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionRejected, sg.Status)
	assert.Equal(t, "wrong vendor", sg.Reason)

	entries, err := f.store.ListAudit(ctx, storage.AuditFilter{TenantID: testTenant, MovementID: "mv-1"})
	require.NoError(t, err)
	var rejected bool
	for _, entry := range entries {
		if entry.Outcome == models.OutcomeRejected && entry.Actor == "user-1" {
			rejected = true
		}
	}
	assert.True(t, rejected, "expected a rejection audit entry")
}

func TestInstallmentSettlesOverMultiplePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	installment := &models.TargetRecord{
		ID:                 "tr-1",
		TenantID:           testTenant,
		Kind:               models.TargetInvoice,
		Amount:             decimal.NewFromFloat(300.00),
		Date:               baseDate,
		Description:        "Quarterly service invoice",
		InvoiceNumber:      "INV-Q1",
		Installment:        true,
		OutstandingBalance: decimal.NewFromFloat(300.00),
	}
	require.NoError(t, f.store.CreateTarget(ctx, installment))

	f.addMovement(t, "mv-1", 100.00, "QUARTERLY SERVICE INVOICE INV-Q1", "INV-Q1")

	result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	// Partial coverage means a suggestion, never an automatic partial match
	require.NotNil(t, result.Suggestion, "expected a suggestion, got outcome %s", result.Outcome)
	applied, err := f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MovementMatched, applied.Movement.Status)

	target, err := f.store.GetTarget(ctx, testTenant, "tr-1")
	require.NoError(t, err)
	assert.False(t, target.Settled)
	assert.True(t, target.OutstandingBalance.Equal(decimal.NewFromFloat(200.00)),
		"outstanding balance should be 200.00, got %s", target.OutstandingBalance)

	// Two more payments settle the invoice. The final one covers the
	// outstanding balance exactly, so it may auto-apply.
	for i, id := range []string{"mv-2", "mv-3"} {
		f.addMovement(t, id, 100.00, "QUARTERLY SERVICE INVOICE INV-Q1", "INV-Q1")
		result, err := f.engine.GenerateSuggestions(ctx, testTenant, id)
		require.NoError(t, err, "payment %d", i+2)
		if result.Suggestion != nil {
			_, err = f.engine.ApplySuggestion(ctx, testTenant, result.Suggestion.ID, "user-1")
			require.NoError(t, err)
		} else {
			require.Equal(t, models.OutcomeAutoApplied, result.Outcome)
		}
	}

	target, err = f.store.GetTarget(ctx, testTenant, "tr-1")
	require.NoError(t, err)
	assert.True(t, target.Settled)
	assert.True(t, target.OutstandingBalance.IsZero())
}

func TestGenerateOnMatchedMovementFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES INV-2024-001", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	_, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	_, err = f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestDeterministicDecisions(t *testing.T) {
	// Two fixtures with identical data must make identical decisions
	results := make([]*GenerateResult, 2)
	for i := range results {
		f := newFixture(t)
		ctx := context.Background()

		f.addMovement(t, "mv-1", 150.00, "SPLIT VENDOR PAYMENT", "")
		f.addTarget(t, "tr-b", 50.00, "Split vendor payment part", "")
		f.addTarget(t, "tr-a", 100.00, "Split vendor payment part", "")

		result, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
		require.NoError(t, err)
		results[i] = result
	}

	require.Equal(t, results[0].Outcome, results[1].Outcome)
	if results[0].Suggestion != nil {
		require.NotNil(t, results[1].Suggestion)
		require.Len(t, results[1].Suggestion.Lines, len(results[0].Suggestion.Lines))
		for i := range results[0].Suggestion.Lines {
			assert.Equal(t, results[0].Suggestion.Lines[i].TargetID, results[1].Suggestion.Lines[i].TargetID)
			assert.True(t, results[0].Suggestion.Lines[i].Amount.Equal(results[1].Suggestion.Lines[i].Amount))
		}
	}
}

func TestGetDecisionEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMovement(t, "mv-1", 850.50, "ACME OFFICE SUPPLIES INV-2024-001", "INV-2024-001")
	f.addTarget(t, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	_, err := f.engine.GenerateSuggestions(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	evidence, err := f.engine.GetDecisionEvidence(ctx, testTenant, "mv-1")
	require.NoError(t, err)

	assert.Equal(t, models.MovementMatched, evidence.Movement.Status)
	assert.Len(t, evidence.Links, 1)
	assert.NotEmpty(t, evidence.Audit)
	assert.Empty(t, evidence.Suggestions)

	// The same evidence is reachable through the link that the decision
	// produced
	byLink, err := f.engine.GetDecisionEvidenceByLink(ctx, testTenant, evidence.Links[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "mv-1", byLink.Movement.ID)
	assert.Len(t, byLink.Links, 1)

	_, err = f.engine.GetDecisionEvidenceByLink(ctx, testTenant, "ml-missing")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestRunProcessesPendingMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addTarget(t, "tr-1", 100.00, "Vendor alpha invoice", "INV-A")
	f.addTarget(t, "tr-2", 200.00, "Vendor beta invoice", "INV-B")
	f.addMovement(t, "mv-1", 100.00, "VENDOR ALPHA INVOICE INV-A", "INV-A")
	f.addMovement(t, "mv-2", 200.00, "VENDOR BETA INVOICE INV-B", "INV-B")
	f.addMovement(t, "mv-3", 999.00, "NOTHING MATCHES THIS", "")

	report, err := f.engine.Run(ctx, testTenant, RunOptions{Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Processed)
	assert.Equal(t, int64(2), report.AutoApplied)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, int64(0), report.Failed)
}
