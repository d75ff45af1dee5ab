package reconciler

import (
	"context"
	"time"

	"github.com/concilia-dev/concilia/internal/events"
	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// autoApply applies a confident single match without review. Version
// conflicts are retried a bounded number of times against re-read state;
// when retries run out the movement is routed to the suggestion flow for
// manual review instead of being force-applied.
func (e *Engine) autoApply(ctx context.Context, movement *models.BankMovement, config *matcher.MatchingConfig, prop *proposal, candidates []*matcher.Candidate) (*GenerateResult, error) {
	log := e.logger.WithTenant(movement.TenantID).WithField("movement_id", movement.ID)

	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		if err := validateAllocation(movement, prop.lines); err != nil {
			return nil, e.handleInvariant(ctx, movement, prop.breakdown, err)
		}

		commit := buildCommit(movement, prop.lines, models.SourceAuto, prop.score(), prop.explanation, SystemActor)
		commit.Audit = e.auditEntry(movement, candidateIDs(candidates), prop.breakdown, models.OutcomeAutoApplied, SystemActor)

		err := e.store.CommitDecision(ctx, commit)
		if err == nil {
			return e.finishApply(ctx, movement, commit, prop, candidates, models.OutcomeAutoApplied, SystemActor)
		}

		if !errors.IsRetryable(err) {
			return nil, err
		}

		if e.metrics != nil {
			e.metrics.CommitConflicts.WithLabelValues(movement.TenantID).Inc()
			e.metrics.CommitRetries.Inc()
		}

		log.WithError(err).WithField("attempt", attempt).Warn("Decision commit conflict, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(attempt)):
		}

		// Re-read everything the proposal depends on and check it still
		// qualifies for automatic application
		movement, prop, err = e.refreshProposal(ctx, movement, config, prop)
		if err != nil {
			return nil, err
		}
		if prop == nil || !prop.autoEligible || prop.score() < config.AutoThreshold {
			break
		}
	}

	log.Info("Automatic application abandoned after conflicts, deferring to review")

	// Regenerate from scratch so the suggestion reflects current state
	return e.GenerateSuggestionsDeferred(ctx, movement.TenantID, movement.ID)
}

// GenerateSuggestionsDeferred re-runs generation but never auto-applies.
// Used when automatic application was abandoned after repeated conflicts.
func (e *Engine) GenerateSuggestionsDeferred(ctx context.Context, tenantID, movementID string) (*GenerateResult, error) {
	movement, err := e.store.GetMovement(ctx, tenantID, movementID)
	if err != nil {
		return nil, err
	}

	if movement.Status != models.MovementPending && movement.Status != models.MovementPartiallyMatched {
		// Another writer resolved the movement while we were retrying
		return &GenerateResult{Movement: movement, Outcome: models.OutcomeNoCandidates}, nil
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
	if len(candidates) == 0 {
		if err := e.recordOutcome(ctx, movement, nil, models.ScoreBreakdown{}, models.OutcomeNoCandidates); err != nil {
			return nil, err
		}
		return &GenerateResult{Movement: movement, Outcome: models.OutcomeNoCandidates}, nil
	}

	prop := e.selectProposal(movement, config, generator, candidates)
	if prop.score() < config.SuggestThreshold {
		if err := e.recordOutcome(ctx, movement, candidateIDs(candidates), prop.breakdown, models.OutcomeBelowThreshold); err != nil {
			return nil, err
		}
		return &GenerateResult{Movement: movement, Outcome: models.OutcomeBelowThreshold, Candidates: len(candidates)}, nil
	}

	return e.suggest(ctx, movement, prop, candidates)
}

// refreshProposal re-reads the movement and proposal targets after a
// conflict and rebuilds the allocation against current versions
func (e *Engine) refreshProposal(ctx context.Context, movement *models.BankMovement, config *matcher.MatchingConfig, prop *proposal) (*models.BankMovement, *proposal, error) {
	fresh, err := e.store.GetMovement(ctx, movement.TenantID, movement.ID)
	if err != nil {
		return nil, nil, err
	}
	if fresh.Status != models.MovementPending && fresh.Status != models.MovementPartiallyMatched {
		return fresh, nil, nil
	}

	ids := make([]string, len(prop.lines))
	for i, line := range prop.lines {
		ids[i] = line.Target.ID
	}
	targets, err := e.store.GetTargets(ctx, movement.TenantID, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(targets) != len(ids) {
		return fresh, nil, nil
	}

	byID := make(map[string]*models.TargetRecord, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	pending := fresh.PendingAmount()
	refreshed := &proposal{
		breakdown:   prop.breakdown,
		explanation: prop.explanation,
	}
	for _, line := range prop.lines {
		target := byID[line.Target.ID]
		if target.Settled || !target.RemainingCapacity().IsPositive() {
			return fresh, nil, nil
		}
		refreshed.lines = append(refreshed.lines, AllocationLine{
			Target: target,
			Amount: models.RoundAmount(minDecimal(pending, target.RemainingCapacity())),
		})
	}

	if len(refreshed.lines) == 1 {
		refreshed.autoEligible = config.AmountsMatch(refreshed.lines[0].Target.RemainingCapacity(), pending)
	}

	return fresh, refreshed, nil
}

// ApplySuggestion confirms an open suggestion. The movement and every target
// must still be at the versions snapshotted when the suggestion was
// generated; any drift marks the suggestion stale and the caller must
// regenerate.
func (e *Engine) ApplySuggestion(ctx context.Context, tenantID, suggestionID, actor string) (*GenerateResult, error) {
	suggestion, err := e.store.GetSuggestion(ctx, tenantID, suggestionID)
	if err != nil {
		return nil, err
	}

	switch suggestion.Status {
	case models.SuggestionOpen:
		// proceed
	case models.SuggestionApplied:
		return nil, errors.ConflictError(errors.CodeAlreadyApplied, "suggestion", suggestionID)
	default:
		return nil, errors.SuggestionStaleError(errors.CodeSuggestionState, suggestionID,
			"suggestion is "+string(suggestion.Status))
	}

	movement, err := e.store.GetMovement(ctx, tenantID, suggestion.MovementID)
	if err != nil {
		return nil, err
	}
	if movement.Version != suggestion.MovementVersion {
		e.store.MarkSuggestionsStale(ctx, tenantID, suggestion.MovementID)
		return nil, errors.SuggestionStaleError(errors.CodeMovementChanged, suggestionID,
			"movement was modified after the suggestion was generated")
	}

	lines, staleErr := e.resolveLines(ctx, suggestion)
	if staleErr != nil {
		e.store.MarkSuggestionsStale(ctx, tenantID, suggestion.MovementID)
		return nil, staleErr
	}

	if err := validateAllocation(movement, lines); err != nil {
		return nil, e.handleInvariant(ctx, movement, suggestion.Breakdown, err)
	}

	commit := buildCommit(movement, lines, models.SourceSuggested, suggestion.Score,
		"accepted suggestion "+suggestion.ID, actor)
	commit.Suggestion = &storage.SuggestionResolution{
		SuggestionID: suggestion.ID,
		FromStatus:   models.SuggestionOpen,
		ToStatus:     models.SuggestionApplied,
		ResolvedBy:   actor,
	}
	commit.Audit = e.auditEntry(movement, nil, suggestion.Breakdown, models.OutcomeAccepted, actor)

	if err := e.store.CommitDecision(ctx, commit); err != nil {
		if errors.IsRetryable(err) {
			// The snapshot versions matched our read but not the store's
			// state: someone else won the race
			e.store.MarkSuggestionsStale(ctx, tenantID, suggestion.MovementID)
			return nil, errors.SuggestionStaleError(errors.CodeMovementChanged, suggestionID,
				"state changed during application")
		}
		return nil, err
	}

	prop := &proposal{lines: lines, breakdown: suggestion.Breakdown}
	return e.finishApply(ctx, movement, commit, prop, nil, models.OutcomeAccepted, actor)
}

// resolveLines loads the suggestion's targets and checks their versions
// against the snapshot
func (e *Engine) resolveLines(ctx context.Context, suggestion *models.Suggestion) ([]AllocationLine, error) {
	ids := make([]string, len(suggestion.Lines))
	for i, line := range suggestion.Lines {
		ids[i] = line.TargetID
	}

	targets, err := e.store.GetTargets(ctx, suggestion.TenantID, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.TargetRecord, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	lines := make([]AllocationLine, 0, len(suggestion.Lines))
	for _, line := range suggestion.Lines {
		target, ok := byID[line.TargetID]
		if !ok {
			return nil, errors.SuggestionStaleError(errors.CodeTargetChanged, suggestion.ID,
				"target "+line.TargetID+" no longer exists")
		}
		if target.Version != suggestion.TargetVersions[line.TargetID] {
			return nil, errors.SuggestionStaleError(errors.CodeTargetChanged, suggestion.ID,
				"target "+line.TargetID+" was modified after the suggestion was generated")
		}
		lines = append(lines, AllocationLine{Target: target, Amount: line.Amount})
	}
	return lines, nil
}

// RejectSuggestion declines an open suggestion. The rejection is audited so
// the feedback loop can learn from it, and the movement returns to Pending
// when no other open suggestions remain.
func (e *Engine) RejectSuggestion(ctx context.Context, tenantID, suggestionID, actor, reason string) error {
	suggestion, err := e.store.GetSuggestion(ctx, tenantID, suggestionID)
	if err != nil {
		return err
	}
	if suggestion.Status != models.SuggestionOpen {
		return errors.SuggestionStaleError(errors.CodeSuggestionState, suggestionID,
			"suggestion is "+string(suggestion.Status))
	}

	movement, err := e.store.GetMovement(ctx, tenantID, suggestion.MovementID)
	if err != nil {
		return err
	}

	commit := &storage.DecisionCommit{
		TenantID: tenantID,
		Suggestion: &storage.SuggestionResolution{
			SuggestionID: suggestionID,
			FromStatus:   models.SuggestionOpen,
			ToStatus:     models.SuggestionRejected,
			Reason:       reason,
			ResolvedBy:   actor,
		},
		Audit: e.auditEntry(movement, nil, suggestion.Breakdown, models.OutcomeRejected, actor),
	}

	// Return the movement to the pending pool if this was its only open
	// suggestion
	if movement.Status == models.MovementSuggested && !e.hasOtherOpenSuggestions(ctx, tenantID, movement.ID, suggestionID) {
		commit.Movement = &storage.MovementUpdate{
			MovementID:      movement.ID,
			ExpectedVersion: movement.Version,
			Status:          models.MovementPending,
			AllocatedAmount: movement.AllocatedAmount,
		}
	}

	if err := e.store.CommitDecision(ctx, commit); err != nil {
		return err
	}

	e.countOutcome(tenantID, models.OutcomeRejected)
	e.publish(ctx, events.DecisionEvent{
		Type:       events.TypeSuggestionRejected,
		TenantID:   tenantID,
		MovementID: suggestion.MovementID,
		Suggestion: suggestionID,
		Outcome:    models.OutcomeRejected,
		Score:      suggestion.Score,
		Actor:      actor,
		Detail:     reason,
	})

	return nil
}

func (e *Engine) hasOtherOpenSuggestions(ctx context.Context, tenantID, movementID, excludeID string) bool {
	open, err := e.store.ListOpenSuggestions(ctx, tenantID, 0)
	if err != nil {
		return false
	}
	for _, sg := range open {
		if sg.MovementID == movementID && sg.ID != excludeID {
			return true
		}
	}
	return false
}

// finishApply re-reads the committed movement, publishes the event and
// assembles the result
func (e *Engine) finishApply(ctx context.Context, movement *models.BankMovement, commit *storage.DecisionCommit, prop *proposal, candidates []*matcher.Candidate, outcome models.DecisionOutcome, actor string) (*GenerateResult, error) {
	e.countOutcome(movement.TenantID, outcome)

	// Applying a decision invalidates any other open suggestions for the
	// movement
	e.store.MarkSuggestionsStale(ctx, movement.TenantID, movement.ID)

	linkIDs := make([]string, len(commit.Links))
	for i, link := range commit.Links {
		linkIDs[i] = link.ID
	}

	e.publish(ctx, events.DecisionEvent{
		Type:       events.TypeMatchApplied,
		TenantID:   movement.TenantID,
		MovementID: movement.ID,
		LinkIDs:    linkIDs,
		Outcome:    outcome,
		Score:      prop.score(),
		Actor:      actor,
	})

	fresh, err := e.store.GetMovement(ctx, movement.TenantID, movement.ID)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Movement:   fresh,
		Outcome:    outcome,
		Links:      commit.Links,
		Candidates: len(candidates),
	}, nil
}

// handleInvariant records a critical audit entry and publishes an alert for
// an allocation that would corrupt state. The original error is returned
// unchanged.
func (e *Engine) handleInvariant(ctx context.Context, movement *models.BankMovement, breakdown models.ScoreBreakdown, violation error) error {
	if !errors.IsCategory(violation, errors.CategoryInvariant) {
		return violation
	}

	entry := e.auditEntry(movement, nil, breakdown, models.OutcomeInvariantViolation, SystemActor)
	entry.Critical = true

	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.WithError(err).WithField("movement_id", movement.ID).
			Error("Failed to record critical audit entry")
	}

	e.publish(ctx, events.DecisionEvent{
		Type:       events.TypeInvariantViolation,
		TenantID:   movement.TenantID,
		MovementID: movement.ID,
		Outcome:    models.OutcomeInvariantViolation,
		Actor:      SystemActor,
		Detail:     violation.Error(),
	})

	e.logger.WithError(violation).WithFields(logger.Fields{
		"tenant_id":   movement.TenantID,
		"movement_id": movement.ID,
	}).Error("Allocation invariant violated")

	return violation
}

// publish emits a decision event; failures are logged and swallowed because
// eventing is best-effort relative to the committed decision
func (e *Engine) publish(ctx context.Context, event events.DecisionEvent) {
	err := e.publisher.Publish(ctx, event)
	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.EventsPublished.WithLabelValues(event.Type, result).Inc()
	}
	if err != nil {
		e.logger.WithError(err).WithField("type", event.Type).Warn("Event publish failed")
	}
}
