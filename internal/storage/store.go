// Package storage defines the persistence contract of the matching engine.
// Two implementations exist: an in-memory store used by tests and single-run
// CLI invocations, and a Postgres store for the long-running service.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/models"
)

// TargetUpdate carries a target's new allocation state together with the
// version the caller based its decision on
type TargetUpdate struct {
	TargetID           string
	ExpectedVersion    int64
	AllocatedAmount    decimal.Decimal
	OutstandingBalance decimal.Decimal
	Settled            bool
}

// MovementUpdate carries a movement's new decision state together with the
// version the caller based its decision on
type MovementUpdate struct {
	MovementID      string
	ExpectedVersion int64
	Status          models.MovementStatus
	AllocatedAmount decimal.Decimal
	MatchedAt       *time.Time
}

// SuggestionResolution transitions a suggestion's status as part of a commit
type SuggestionResolution struct {
	SuggestionID string
	FromStatus   models.SuggestionStatus
	ToStatus     models.SuggestionStatus
	Reason       string
	ResolvedBy   string
}

// DecisionCommit is the unit of atomic decision application: all movement and
// target updates, new links, link supersessions, the suggestion resolution
// and the audit entry succeed or fail together. Stores reject the commit with
// a version-mismatch conflict when any expected version is out of date.
type DecisionCommit struct {
	TenantID          string
	Movement          *MovementUpdate
	Targets           []TargetUpdate
	Links             []*models.MatchLink
	SupersededLinkIDs map[string]string // superseded link ID -> superseding link ID
	Suggestion        *SuggestionResolution
	Audit             *models.MatchDecisionAudit
}

// AuditFilter bounds audit trail queries for export
type AuditFilter struct {
	TenantID   string
	MovementID string
	From       time.Time
	To         time.Time
	Limit      int
}

// Store is the complete persistence surface of the engine
type Store interface {
	MovementStore
	TargetStore
	SuggestionStore
	LinkStore
	AuditStore
	ConfigStore

	// CommitDecision applies a decision atomically under optimistic
	// concurrency control
	CommitDecision(ctx context.Context, commit *DecisionCommit) error

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases underlying resources
	Close() error
}

// MovementStore persists bank movements
type MovementStore interface {
	CreateMovement(ctx context.Context, movement *models.BankMovement) error
	GetMovement(ctx context.Context, tenantID, id string) (*models.BankMovement, error)
	ListMovementsByStatus(ctx context.Context, tenantID string, status models.MovementStatus, limit int) ([]*models.BankMovement, error)
}

// TargetStore persists expense and invoice targets
type TargetStore interface {
	matcher.TargetLookup

	CreateTarget(ctx context.Context, target *models.TargetRecord) error
	GetTarget(ctx context.Context, tenantID, id string) (*models.TargetRecord, error)
	GetTargets(ctx context.Context, tenantID string, ids []string) ([]*models.TargetRecord, error)
}

// SuggestionStore persists open and resolved suggestions
type SuggestionStore interface {
	CreateSuggestion(ctx context.Context, suggestion *models.Suggestion) error
	GetSuggestion(ctx context.Context, tenantID, id string) (*models.Suggestion, error)
	ListOpenSuggestions(ctx context.Context, tenantID string, limit int) ([]*models.Suggestion, error)

	// MarkSuggestionsStale invalidates open suggestions for a movement,
	// typically after the movement's state changed
	MarkSuggestionsStale(ctx context.Context, tenantID, movementID string) error
}

// LinkStore reads match links; writes happen only through CommitDecision
type LinkStore interface {
	GetLink(ctx context.Context, tenantID, id string) (*models.MatchLink, error)
	ListLinksByMovement(ctx context.Context, tenantID, movementID string) ([]*models.MatchLink, error)
}

// AuditStore appends and reads the decision ledger
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.MatchDecisionAudit) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*models.MatchDecisionAudit, error)
}

// ConfigStore persists per-tenant matching configuration
type ConfigStore interface {
	GetMatchingConfig(ctx context.Context, tenantID string) (*matcher.MatchingConfig, error)
	PutMatchingConfig(ctx context.Context, tenantID string, config *matcher.MatchingConfig) error
}
