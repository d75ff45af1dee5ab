// Package events publishes decision lifecycle events so downstream systems
// (notifications, analytics, the feedback pipeline) can react to matches
// without polling the store.
package events

import (
	"context"
	"time"

	"github.com/concilia-dev/concilia/internal/models"
)

// Event types emitted by the decision engine
const (
	TypeMatchApplied       = "match.applied"
	TypeSuggestionRejected = "suggestion.rejected"
	TypeInvariantViolation = "invariant.violation"
)

// DecisionEvent is the wire payload for all decision events
type DecisionEvent struct {
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id"`
	MovementID string                 `json:"movement_id"`
	LinkIDs    []string               `json:"link_ids,omitempty"`
	Suggestion string                 `json:"suggestion_id,omitempty"`
	Outcome    models.DecisionOutcome `json:"outcome"`
	Score      float64                `json:"score,omitempty"`
	Actor      string                 `json:"actor"`
	Detail     string                 `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Publisher emits decision events. Publishing is best-effort from the
// engine's perspective: a publish failure is logged, never allowed to fail
// the decision itself.
type Publisher interface {
	Publish(ctx context.Context, event DecisionEvent) error
	Close() error
}

// NopPublisher discards all events. Used by tests and CLI runs without a
// broker configured.
type NopPublisher struct{}

// Publish discards the event
func (NopPublisher) Publish(ctx context.Context, event DecisionEvent) error {
	return nil
}

// Close is a no-op
func (NopPublisher) Close() error {
	return nil
}
