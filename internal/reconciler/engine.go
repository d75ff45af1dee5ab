// Package reconciler implements the decision engine: candidate evaluation,
// the auto/suggest/skip tiering, atomic decision application and the
// confirmation flow for suggestions.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/concilia-dev/concilia/internal/events"
	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// AlgorithmVersion is recorded on every audit entry so historical decisions
// can be traced to the scoring logic that produced them. Bump it when the
// scoring features or tiering rules change.
const AlgorithmVersion = "v3"

// SystemActor is recorded on decisions the engine makes on its own
const SystemActor = "system"

// Config configures the decision engine
type Config struct {
	Similarity    matcher.SimilarityProvider
	Searcher      matcher.SemanticSearcher
	Publisher     events.Publisher
	Metrics       *metrics.Metrics
	Logger        logger.Logger
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Engine coordinates candidate generation, scoring and decision application
type Engine struct {
	store         storage.Store
	similarity    matcher.SimilarityProvider
	searcher      matcher.SemanticSearcher
	publisher     events.Publisher
	metrics       *metrics.Metrics
	logger        logger.Logger
	retryAttempts int
	retryBackoff  time.Duration
}

// New creates a decision engine on top of a store
func New(store storage.Store, config Config) *Engine {
	log := config.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	publisher := config.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	return &Engine{
		store:         store,
		similarity:    config.Similarity,
		searcher:      config.Searcher,
		publisher:     publisher,
		metrics:       config.Metrics,
		logger:        log.WithComponent("engine"),
		retryAttempts: attempts,
		retryBackoff:  backoff,
	}
}

// GenerateResult reports the outcome of a generation pass over one movement
type GenerateResult struct {
	Movement   *models.BankMovement   `json:"movement"`
	Outcome    models.DecisionOutcome `json:"outcome"`
	Suggestion *models.Suggestion     `json:"suggestion,omitempty"`
	Links      []*models.MatchLink    `json:"links,omitempty"`
	Candidates int                    `json:"candidates"`
}

// GenerateSuggestions evaluates a pending movement: it generates candidates,
// scores them and either auto-applies a confident full match, records a
// suggestion for review, or leaves the movement pending with an audited
// reason. Repeated calls over unchanged data produce the same decision.
func (e *Engine) GenerateSuggestions(ctx context.Context, tenantID, movementID string) (*GenerateResult, error) {
	movement, err := e.store.GetMovement(ctx, tenantID, movementID)
	if err != nil {
		return nil, err
	}

	switch movement.Status {
	case models.MovementPending, models.MovementPartiallyMatched:
		// eligible
	case models.MovementSuggested:
		return nil, errors.ConflictError(errors.CodeAlreadyApplied, "movement", movementID).
			WithSuggestion("resolve or reject the open suggestion first")
	default:
		return nil, errors.ConflictError(errors.CodeAlreadyApplied, "movement", movementID)
	}

	config, err := e.store.GetMatchingConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithTenant(tenantID).WithField("movement_id", movementID)
	scorer := matcher.NewScorer(config, e.similarity, log)
	generator := matcher.NewCandidateGenerator(e.store, e.searcher, scorer, config, log)

	candidates, err := generator.Generate(ctx, movement)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.CandidateCounts.Observe(float64(len(candidates)))
		for _, c := range candidates {
			e.metrics.ConfidenceScores.Observe(c.Score())
			if c.Breakdown.DescriptionDegraded {
				e.metrics.SimilarityDegraded.Inc()
			}
		}
	}

	if len(candidates) == 0 {
		if err := e.recordOutcome(ctx, movement, nil, models.ScoreBreakdown{}, models.OutcomeNoCandidates); err != nil {
			return nil, err
		}
		return &GenerateResult{Movement: movement, Outcome: models.OutcomeNoCandidates}, nil
	}

	proposal := e.selectProposal(movement, config, generator, candidates)

	// A single candidate that fully covers the movement at high confidence
	// is applied without review. Splits and partial coverage always go
	// through the suggestion flow.
	if proposal.autoEligible && proposal.score() >= config.AutoThreshold {
		return e.autoApply(ctx, movement, config, proposal, candidates)
	}

	if proposal.score() >= config.SuggestThreshold {
		return e.suggest(ctx, movement, proposal, candidates)
	}

	if err := e.recordOutcome(ctx, movement, candidateIDs(candidates), proposal.breakdown, models.OutcomeBelowThreshold); err != nil {
		return nil, err
	}
	return &GenerateResult{
		Movement:   movement,
		Outcome:    models.OutcomeBelowThreshold,
		Candidates: len(candidates),
	}, nil
}

// proposal is the allocation the engine intends to make for a movement
type proposal struct {
	lines        []AllocationLine
	breakdown    models.ScoreBreakdown
	autoEligible bool
	explanation  string
}

func (p *proposal) score() float64 {
	return p.breakdown.Composite
}

// selectProposal picks between the best single candidate and a split
// combination. A single candidate whose capacity matches the pending amount
// within tolerance wins outright; otherwise the split search runs and the
// higher-scoring proposal is kept.
func (e *Engine) selectProposal(movement *models.BankMovement, config *matcher.MatchingConfig, generator *matcher.CandidateGenerator, candidates []*matcher.Candidate) *proposal {
	pending := movement.PendingAmount()
	best := candidates[0]

	single := &proposal{
		lines: []AllocationLine{{
			Target: best.Target,
			Amount: models.RoundAmount(minDecimal(pending, best.Target.RemainingCapacity())),
		}},
		breakdown:    best.Breakdown,
		autoEligible: config.AmountsMatch(best.Target.RemainingCapacity(), pending),
		explanation:  fmt.Sprintf("single match against %s (score %.2f)", best.Target.ID, best.Score()),
	}

	if single.autoEligible {
		return single
	}

	combo := generator.FindSplit(movement, candidates)
	if combo == nil || combo.Score() <= single.score() {
		return single
	}

	split := &proposal{
		breakdown:   combo.Breakdown,
		explanation: fmt.Sprintf("split across %d targets (score %.2f)", len(combo.Candidates), combo.Score()),
	}
	for _, c := range combo.Candidates {
		split.lines = append(split.lines, AllocationLine{
			Target: c.Target,
			Amount: models.RoundAmount(c.Target.RemainingCapacity()),
		})
	}
	return split
}

// suggest records a suggestion and moves the movement to Suggested
func (e *Engine) suggest(ctx context.Context, movement *models.BankMovement, prop *proposal, candidates []*matcher.Candidate) (*GenerateResult, error) {
	// The snapshot records the movement version after the Suggested
	// transition below commits, since that is the version acceptance sees
	suggestion := &models.Suggestion{
		ID:              newID(),
		TenantID:        movement.TenantID,
		MovementID:      movement.ID,
		Score:           prop.score(),
		Breakdown:       prop.breakdown,
		MovementVersion: movement.Version + 1,
		TargetVersions:  make(map[string]int64, len(prop.lines)),
		Status:          models.SuggestionOpen,
	}
	for _, line := range prop.lines {
		suggestion.Lines = append(suggestion.Lines, models.SuggestionLine{
			TargetID:   line.Target.ID,
			TargetKind: line.Target.Kind,
			Amount:     line.Amount,
		})
		suggestion.TargetVersions[line.Target.ID] = line.Target.Version
	}

	if err := e.store.CreateSuggestion(ctx, suggestion); err != nil {
		return nil, err
	}

	commit := &storage.DecisionCommit{
		TenantID: movement.TenantID,
		Movement: &storage.MovementUpdate{
			MovementID:      movement.ID,
			ExpectedVersion: movement.Version,
			Status:          models.MovementSuggested,
			AllocatedAmount: movement.AllocatedAmount,
		},
		Audit: e.auditEntry(movement, candidateIDs(candidates), prop.breakdown, models.OutcomeSuggested, SystemActor),
	}

	if err := e.store.CommitDecision(ctx, commit); err != nil {
		// The movement changed underneath us; the fresh suggestion is
		// already stale
		e.store.MarkSuggestionsStale(ctx, movement.TenantID, movement.ID)
		return nil, err
	}

	e.countOutcome(movement.TenantID, models.OutcomeSuggested)

	movement, err := e.store.GetMovement(ctx, movement.TenantID, movement.ID)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Movement:   movement,
		Outcome:    models.OutcomeSuggested,
		Suggestion: suggestion,
		Candidates: len(candidates),
	}, nil
}

// Evidence is the full decision history for a movement
type Evidence struct {
	Movement    *models.BankMovement         `json:"movement"`
	Links       []*models.MatchLink          `json:"links"`
	Suggestions []*models.Suggestion         `json:"suggestions"`
	Audit       []*models.MatchDecisionAudit `json:"audit"`
}

// GetDecisionEvidence assembles everything recorded about a movement: its
// links (including superseded ones), its suggestions and the complete audit
// trail, oldest first.
func (e *Engine) GetDecisionEvidence(ctx context.Context, tenantID, movementID string) (*Evidence, error) {
	movement, err := e.store.GetMovement(ctx, tenantID, movementID)
	if err != nil {
		return nil, err
	}

	links, err := e.store.ListLinksByMovement(ctx, tenantID, movementID)
	if err != nil {
		return nil, err
	}

	audit, err := e.store.ListAudit(ctx, storage.AuditFilter{TenantID: tenantID, MovementID: movementID})
	if err != nil {
		return nil, err
	}

	open, err := e.store.ListOpenSuggestions(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}
	var suggestions []*models.Suggestion
	for _, sg := range open {
		if sg.MovementID == movementID {
			suggestions = append(suggestions, sg)
		}
	}

	return &Evidence{
		Movement:    movement,
		Links:       links,
		Suggestions: suggestions,
		Audit:       audit,
	}, nil
}

// GetDecisionEvidenceByLink resolves a match link to its movement and returns
// the movement's full evidence. Compliance reviews usually start from a link.
func (e *Engine) GetDecisionEvidenceByLink(ctx context.Context, tenantID, linkID string) (*Evidence, error) {
	link, err := e.store.GetLink(ctx, tenantID, linkID)
	if err != nil {
		return nil, err
	}
	return e.GetDecisionEvidence(ctx, tenantID, link.MovementID)
}

// recordOutcome writes an audit entry for decisions that change nothing else
func (e *Engine) recordOutcome(ctx context.Context, movement *models.BankMovement, candidateIDs []string, breakdown models.ScoreBreakdown, outcome models.DecisionOutcome) error {
	e.countOutcome(movement.TenantID, outcome)
	return e.store.AppendAudit(ctx, e.auditEntry(movement, candidateIDs, breakdown, outcome, SystemActor))
}

func (e *Engine) auditEntry(movement *models.BankMovement, candidateIDs []string, breakdown models.ScoreBreakdown, outcome models.DecisionOutcome, actor string) *models.MatchDecisionAudit {
	snapshot, _ := json.Marshal(map[string]any{
		"amount":    movement.Amount,
		"allocated": movement.AllocatedAmount,
		"status":    movement.Status,
		"version":   movement.Version,
	})

	return &models.MatchDecisionAudit{
		ID:               newID(),
		TenantID:         movement.TenantID,
		MovementID:       movement.ID,
		AlgorithmVersion: AlgorithmVersion,
		Breakdown:        breakdown,
		CandidateIDs:     candidateIDs,
		InputSnapshot:    snapshot,
		Outcome:          outcome,
		Actor:            actor,
	}
}

func (e *Engine) countOutcome(tenantID string, outcome models.DecisionOutcome) {
	if e.metrics != nil {
		e.metrics.DecisionOutcomes.WithLabelValues(tenantID, string(outcome)).Inc()
	}
}

func candidateIDs(candidates []*matcher.Candidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Target.ID
	}
	return ids
}

func newID() string {
	return uuid.NewString()
}
