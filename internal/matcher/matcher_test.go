package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
)

// stubLookup serves a fixed target slice, filtering by tenant and range the
// way a real store would
type stubLookup struct {
	targets []*models.TargetRecord
	err     error
}

func (s *stubLookup) FindOpenTargets(ctx context.Context, tenantID string, amountMin, amountMax decimal.Decimal, dateFrom, dateTo time.Time) ([]*models.TargetRecord, error) {
	if s.err != nil {
		return nil, s.err
	}

	var out []*models.TargetRecord
	for _, t := range s.targets {
		if t.TenantID != tenantID {
			continue
		}
		capacity := t.RemainingCapacity()
		if capacity.LessThan(amountMin) || capacity.GreaterThan(amountMax) {
			continue
		}
		if t.Date.Before(dateFrom) || t.Date.After(dateTo) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// stubSimilarity returns a fixed score, or an error to exercise degradation
type stubSimilarity struct {
	score float64
	err   error
}

func (s *stubSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.score, nil
}

func testMovement(amount float64) *models.BankMovement {
	return &models.BankMovement{
		ID:          "mv-1",
		TenantID:    "tenant-1",
		AccountID:   "acct-1",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.NewFromFloat(-amount),
		Description: "ACME OFFICE SUPPLIES PAYMENT",
		Reference:   "INV-2024-001",
		Fingerprint: "fp-1",
		Status:      models.MovementPending,
	}
}

func testTarget(id string, amount float64, daysOffset int) *models.TargetRecord {
	return &models.TargetRecord{
		ID:          id,
		TenantID:    "tenant-1",
		Kind:        models.TargetExpense,
		Amount:      decimal.NewFromFloat(amount),
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).AddDate(0, 0, daysOffset),
		Description: "Office supplies from Acme Corp",
	}
}

func TestScorerExactMatch(t *testing.T) {
	scorer := NewScorer(DefaultConfig(), &stubSimilarity{score: 0.9}, nil)

	movement := testMovement(150.00)
	target := testTarget("tr-1", 150.00, 0)
	target.InvoiceNumber = "INV-2024-001"

	breakdown := scorer.Score(context.Background(), movement, target)

	if breakdown.AmountScore != 1.0 {
		t.Errorf("Expected amount score 1.0, got %f", breakdown.AmountScore)
	}

	if breakdown.DateScore != 1.0 {
		t.Errorf("Expected date score 1.0, got %f", breakdown.DateScore)
	}

	if breakdown.ReferenceScore != 1.0 {
		t.Errorf("Expected reference score 1.0, got %f", breakdown.ReferenceScore)
	}

	if breakdown.Composite < 0.85 {
		t.Errorf("Exact match should clear the auto threshold, got %f", breakdown.Composite)
	}
}

func TestScorerAmountProximity(t *testing.T) {
	scorer := NewScorer(DefaultConfig(), nil, nil)

	tests := []struct {
		name     string
		pending  float64
		capacity float64
		wantMin  float64
		wantMax  float64
	}{
		{"exact", 100.00, 100.00, 1.0, 1.0},
		{"one cent off", 100.00, 100.01, 1.0, 1.0},
		{"ten percent off", 100.00, 110.00, 0.89, 0.92},
		{"double", 100.00, 200.00, 0.49, 0.51},
		{"wildly off", 100.00, 100000.00, 0.0, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.amountScore(decimal.NewFromFloat(tt.pending), decimal.NewFromFloat(tt.capacity))
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("amountScore(%f, %f) = %f, want in [%f, %f]", tt.pending, tt.capacity, got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestScorerDateDecay(t *testing.T) {
	scorer := NewScorer(DefaultConfig(), nil, nil)
	movement := testMovement(100.00)

	sameDay := scorer.dateScore(movement, testTarget("tr-1", 100.00, 0))
	if sameDay != 1.0 {
		t.Errorf("Expected same-day score 1.0, got %f", sameDay)
	}

	threeDays := scorer.dateScore(movement, testTarget("tr-2", 100.00, 3))
	if threeDays < 0.55 || threeDays > 0.60 {
		t.Errorf("Expected three-day score near 0.57, got %f", threeDays)
	}

	outside := scorer.dateScore(movement, testTarget("tr-3", 100.00, 10))
	if outside != 0.0 {
		t.Errorf("Expected zero score outside the window, got %f", outside)
	}
}

func TestScorerSimilarityDegradation(t *testing.T) {
	scorer := NewScorer(DefaultConfig(), &stubSimilarity{err: fmt.Errorf("service unavailable")}, nil)

	movement := testMovement(150.00)
	target := testTarget("tr-1", 150.00, 0)

	breakdown := scorer.Score(context.Background(), movement, target)

	if breakdown.DescriptionScore != 0.0 {
		t.Errorf("Expected degraded description score 0.0, got %f", breakdown.DescriptionScore)
	}

	if !breakdown.DescriptionDegraded {
		t.Error("Expected breakdown to be marked degraded")
	}

	// The remaining features still contribute
	if breakdown.Composite <= 0.0 {
		t.Error("Degradation must not zero the composite score")
	}
}

func TestGenerateRanksAndCaps(t *testing.T) {
	config := DefaultConfig()
	config.MaxCandidates = 3

	targets := []*models.TargetRecord{
		testTarget("tr-1", 150.00, 0), // exact amount, same day
		testTarget("tr-2", 150.00, 5), // exact amount, five days off
		testTarget("tr-3", 140.00, 1),
		testTarget("tr-4", 100.00, 2),
		testTarget("tr-5", 50.00, 6),
	}

	scorer := NewScorer(config, &stubSimilarity{score: 0.8}, nil)
	gen := NewCandidateGenerator(&stubLookup{targets: targets}, nil, scorer, config, nil)

	candidates, err := gen.Generate(context.Background(), testMovement(150.00))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(candidates) != 3 {
		t.Fatalf("Expected 3 candidates after cap, got %d", len(candidates))
	}

	if candidates[0].Target.ID != "tr-1" {
		t.Errorf("Expected tr-1 ranked first, got %s", candidates[0].Target.ID)
	}

	for i := 1; i < len(candidates); i++ {
		if candidates[i].Score() > candidates[i-1].Score() {
			t.Errorf("Candidates not sorted by descending score at index %d", i)
		}
	}
}

func TestGenerateEmptyIsValid(t *testing.T) {
	scorer := NewScorer(DefaultConfig(), nil, nil)
	gen := NewCandidateGenerator(&stubLookup{}, nil, scorer, DefaultConfig(), nil)

	candidates, err := gen.Generate(context.Background(), testMovement(150.00))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(candidates) != 0 {
		t.Errorf("Expected no candidates, got %d", len(candidates))
	}
}

func TestGenerateSkipsSettledTargets(t *testing.T) {
	settled := testTarget("tr-1", 150.00, 0)
	settled.Settled = true

	scorer := NewScorer(DefaultConfig(), nil, nil)
	gen := NewCandidateGenerator(&stubLookup{targets: []*models.TargetRecord{settled}}, nil, scorer, DefaultConfig(), nil)

	candidates, err := gen.Generate(context.Background(), testMovement(150.00))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(candidates) != 0 {
		t.Error("Settled targets must not appear as candidates")
	}
}

func TestGenerateDeterministicOrder(t *testing.T) {
	// Two identical targets differing only by ID tie-break lexicographically
	targets := []*models.TargetRecord{
		testTarget("tr-b", 150.00, 0),
		testTarget("tr-a", 150.00, 0),
	}

	scorer := NewScorer(DefaultConfig(), nil, nil)
	gen := NewCandidateGenerator(&stubLookup{targets: targets}, nil, scorer, DefaultConfig(), nil)

	for i := 0; i < 5; i++ {
		candidates, err := gen.Generate(context.Background(), testMovement(150.00))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(candidates) != 2 || candidates[0].Target.ID != "tr-a" {
			t.Fatalf("Run %d: expected deterministic order tr-a first", i)
		}
	}
}

func TestFindSplitTwoWay(t *testing.T) {
	config := DefaultConfig()
	scorer := NewScorer(config, nil, nil)
	gen := NewCandidateGenerator(&stubLookup{}, nil, scorer, config, nil)

	movement := testMovement(150.00)
	candidates := []*Candidate{
		{Target: testTarget("tr-1", 100.00, 0), Breakdown: models.ScoreBreakdown{AmountScore: 0.6, DateScore: 1.0, Weights: config.Weights}},
		{Target: testTarget("tr-2", 50.00, 1), Breakdown: models.ScoreBreakdown{AmountScore: 0.3, DateScore: 0.9, Weights: config.Weights}},
		{Target: testTarget("tr-3", 80.00, 2), Breakdown: models.ScoreBreakdown{AmountScore: 0.5, DateScore: 0.8, Weights: config.Weights}},
	}

	combo := gen.FindSplit(movement, candidates)
	if combo == nil {
		t.Fatal("Expected a split combination")
	}

	if len(combo.Candidates) != 2 {
		t.Fatalf("Expected 2-way split, got %d items", len(combo.Candidates))
	}

	if !combo.Total.Equal(decimal.NewFromFloat(150.00)) {
		t.Errorf("Expected split total 150.00, got %s", combo.Total)
	}

	if !combo.Residual.IsZero() {
		t.Errorf("Expected zero residual, got %s", combo.Residual)
	}

	if combo.Breakdown.AmountScore != 1.0 {
		t.Errorf("Full-coverage split should score 1.0 on amount, got %f", combo.Breakdown.AmountScore)
	}
}

func TestFindSplitRespectsMaxItems(t *testing.T) {
	config := DefaultConfig()
	config.MaxSplitItems = 2
	scorer := NewScorer(config, nil, nil)
	gen := NewCandidateGenerator(&stubLookup{}, nil, scorer, config, nil)

	// Only a 3-way combination sums to the movement
	movement := testMovement(150.00)
	candidates := []*Candidate{
		{Target: testTarget("tr-1", 50.00, 0)},
		{Target: testTarget("tr-2", 50.00, 0)},
		{Target: testTarget("tr-3", 50.00, 0)},
	}

	if combo := gen.FindSplit(movement, candidates); combo != nil {
		t.Errorf("Expected no split within item limit, got %d items", len(combo.Candidates))
	}
}

func TestFindSplitNoCombination(t *testing.T) {
	config := DefaultConfig()
	scorer := NewScorer(config, nil, nil)
	gen := NewCandidateGenerator(&stubLookup{}, nil, scorer, config, nil)

	movement := testMovement(150.00)
	candidates := []*Candidate{
		{Target: testTarget("tr-1", 90.00, 0)},
		{Target: testTarget("tr-2", 90.00, 0)},
	}

	if combo := gen.FindSplit(movement, candidates); combo != nil {
		t.Error("Expected no combination when sums cannot reach the pending amount")
	}
}

func TestFindSplitResidualPenalty(t *testing.T) {
	config := DefaultConfig()
	// Widen the tolerance so a residual survives into the combination
	config.AmountTolerancePercent = 0.05
	scorer := NewScorer(config, nil, nil)
	gen := NewCandidateGenerator(&stubLookup{}, nil, scorer, config, nil)

	movement := testMovement(100.00)
	exact := gen.FindSplit(movement, []*Candidate{
		{Target: testTarget("tr-1", 60.00, 0), Breakdown: models.ScoreBreakdown{DateScore: 1.0, Weights: config.Weights}},
		{Target: testTarget("tr-2", 40.00, 0), Breakdown: models.ScoreBreakdown{DateScore: 1.0, Weights: config.Weights}},
	})

	short := gen.FindSplit(movement, []*Candidate{
		{Target: testTarget("tr-3", 60.00, 0), Breakdown: models.ScoreBreakdown{DateScore: 1.0, Weights: config.Weights}},
		{Target: testTarget("tr-4", 37.00, 0), Breakdown: models.ScoreBreakdown{DateScore: 1.0, Weights: config.Weights}},
	})

	if exact == nil || short == nil {
		t.Fatal("Expected both combinations to qualify")
	}

	if short.Score() >= exact.Score() {
		t.Errorf("Residual should penalize the score: short %f, exact %f", short.Score(), exact.Score())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MatchingConfig)
		wantErr bool
	}{
		{"default is valid", func(c *MatchingConfig) {}, false},
		{"strict is valid", func(c *MatchingConfig) { *c = *StrictConfig() }, false},
		{"relaxed is valid", func(c *MatchingConfig) { *c = *RelaxedConfig() }, false},
		{"suggest above auto", func(c *MatchingConfig) { c.SuggestThreshold = 0.95 }, true},
		{"zero date window", func(c *MatchingConfig) { c.DateWindowDays = 0 }, true},
		{"negative tolerance", func(c *MatchingConfig) { c.AmountTolerancePercent = -0.1 }, true},
		{"bad weights", func(c *MatchingConfig) { c.Weights.Amount = 0.9 }, true},
		{"split of one", func(c *MatchingConfig) { c.MaxSplitItems = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAmountTolerance(t *testing.T) {
	config := DefaultConfig()

	// 1% of 1000 is 10
	tol := config.AmountTolerance(decimal.NewFromFloat(1000.00))
	if !tol.Equal(decimal.NewFromFloat(10.00)) {
		t.Errorf("Expected tolerance 10.00, got %s", tol)
	}

	// 1% of 0.50 falls below the absolute floor of one cent
	tol = config.AmountTolerance(decimal.NewFromFloat(0.50))
	if !tol.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("Expected tolerance floored at 0.01, got %s", tol)
	}

	if !config.AmountsMatch(decimal.NewFromFloat(100.00), decimal.NewFromFloat(100.99)) {
		t.Error("Amounts within 1% should match")
	}

	if config.AmountsMatch(decimal.NewFromFloat(100.00), decimal.NewFromFloat(102.00)) {
		t.Error("Amounts beyond 1% should not match")
	}
}
