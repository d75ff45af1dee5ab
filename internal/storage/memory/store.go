// Package memory provides an in-memory Store implementation. It backs tests
// and one-shot CLI runs, and doubles as the reference semantics for the
// Postgres store: both enforce the same version checks and uniqueness rules.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
)

type tenantKey struct {
	tenantID string
	id       string
}

// Store is a mutex-guarded in-memory implementation of storage.Store
type Store struct {
	mutex sync.RWMutex

	movements    map[tenantKey]*models.BankMovement
	fingerprints map[tenantKey]string // fingerprint -> movement ID
	targets      map[tenantKey]*models.TargetRecord
	suggestions  map[tenantKey]*models.Suggestion
	links        map[tenantKey]*models.MatchLink
	audit        []*models.MatchDecisionAudit
	configs      map[string]*matcher.MatchingConfig

	// targetsByTenant keeps per-tenant target IDs sorted by date then ID so
	// range scans return deterministic order
	targetsByTenant map[string][]string
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		movements:       make(map[tenantKey]*models.BankMovement),
		fingerprints:    make(map[tenantKey]string),
		targets:         make(map[tenantKey]*models.TargetRecord),
		suggestions:     make(map[tenantKey]*models.Suggestion),
		links:           make(map[tenantKey]*models.MatchLink),
		configs:         make(map[string]*matcher.MatchingConfig),
		targetsByTenant: make(map[string][]string),
	}
}

// CreateMovement stores a movement, rejecting duplicate fingerprints
func (s *Store) CreateMovement(ctx context.Context, movement *models.BankMovement) error {
	if err := movement.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid movement")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := tenantKey{movement.TenantID, movement.ID}
	if _, exists := s.movements[key]; exists {
		return errors.ConflictError(errors.CodeDuplicateID, "movement", movement.ID)
	}

	fpKey := tenantKey{movement.TenantID, movement.Fingerprint}
	if _, exists := s.fingerprints[fpKey]; exists {
		return errors.ConflictError(errors.CodeDuplicateFingerprint, "movement", movement.Fingerprint)
	}

	clone := cloneMovement(movement)
	if clone.Version == 0 {
		clone.Version = 1
	}
	now := time.Now().UTC()
	clone.CreatedAt = now
	clone.UpdatedAt = now

	s.movements[key] = clone
	s.fingerprints[fpKey] = movement.ID
	return nil
}

// GetMovement retrieves a movement by tenant and ID
func (s *Store) GetMovement(ctx context.Context, tenantID, id string) (*models.BankMovement, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	movement, exists := s.movements[tenantKey{tenantID, id}]
	if !exists {
		return nil, errors.NotFoundError(errors.CodeMovementNotFound, "movement", id)
	}
	return cloneMovement(movement), nil
}

// ListMovementsByStatus returns tenant movements in the given status, ordered
// by date then ID
func (s *Store) ListMovementsByStatus(ctx context.Context, tenantID string, status models.MovementStatus, limit int) ([]*models.BankMovement, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.BankMovement
	for key, m := range s.movements {
		if key.tenantID != tenantID || m.Status != status {
			continue
		}
		out = append(out, cloneMovement(m))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateTarget stores a target record
func (s *Store) CreateTarget(ctx context.Context, target *models.TargetRecord) error {
	if err := target.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid target")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := tenantKey{target.TenantID, target.ID}
	if _, exists := s.targets[key]; exists {
		return errors.ConflictError(errors.CodeDuplicateID, "target", target.ID)
	}

	clone := cloneTarget(target)
	if clone.Version == 0 {
		clone.Version = 1
	}
	now := time.Now().UTC()
	clone.CreatedAt = now
	clone.UpdatedAt = now

	s.targets[key] = clone
	s.insertTargetIndex(clone)
	return nil
}

func (s *Store) insertTargetIndex(target *models.TargetRecord) {
	ids := s.targetsByTenant[target.TenantID]
	pos := sort.Search(len(ids), func(i int) bool {
		other := s.targets[tenantKey{target.TenantID, ids[i]}]
		if !other.Date.Equal(target.Date) {
			return other.Date.After(target.Date)
		}
		return other.ID >= target.ID
	})
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = target.ID
	s.targetsByTenant[target.TenantID] = ids
}

// GetTarget retrieves a target by tenant and ID
func (s *Store) GetTarget(ctx context.Context, tenantID, id string) (*models.TargetRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	target, exists := s.targets[tenantKey{tenantID, id}]
	if !exists {
		return nil, errors.NotFoundError(errors.CodeTargetNotFound, "target", id)
	}
	return cloneTarget(target), nil
}

// GetTargets retrieves multiple targets; missing IDs are simply absent from
// the result
func (s *Store) GetTargets(ctx context.Context, tenantID string, ids []string) ([]*models.TargetRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*models.TargetRecord, 0, len(ids))
	for _, id := range ids {
		if target, exists := s.targets[tenantKey{tenantID, id}]; exists {
			out = append(out, cloneTarget(target))
		}
	}
	return out, nil
}

// FindOpenTargets returns unsettled targets whose remaining capacity falls in
// the amount range and whose date falls in the window, in date order.
// Installment targets ignore the upper bound: they accept partial payments,
// so a movement smaller than the outstanding balance is still a candidate.
func (s *Store) FindOpenTargets(ctx context.Context, tenantID string, amountMin, amountMax decimal.Decimal, dateFrom, dateTo time.Time) ([]*models.TargetRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.TargetRecord
	for _, id := range s.targetsByTenant[tenantID] {
		target := s.targets[tenantKey{tenantID, id}]
		if target.Date.Before(dateFrom) {
			continue
		}
		if target.Date.After(dateTo) {
			break
		}
		if target.Settled {
			continue
		}

		capacity := target.RemainingCapacity()
		if capacity.LessThan(amountMin) {
			continue
		}
		if !target.Installment && capacity.GreaterThan(amountMax) {
			continue
		}
		out = append(out, cloneTarget(target))
	}
	return out, nil
}

// CreateSuggestion stores a suggestion
func (s *Store) CreateSuggestion(ctx context.Context, suggestion *models.Suggestion) error {
	if err := suggestion.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid suggestion")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := tenantKey{suggestion.TenantID, suggestion.ID}
	if _, exists := s.suggestions[key]; exists {
		return errors.ConflictError(errors.CodeDuplicateID, "suggestion", suggestion.ID)
	}

	clone := cloneSuggestion(suggestion)
	clone.CreatedAt = time.Now().UTC()
	s.suggestions[key] = clone
	return nil
}

// GetSuggestion retrieves a suggestion by tenant and ID
func (s *Store) GetSuggestion(ctx context.Context, tenantID, id string) (*models.Suggestion, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	suggestion, exists := s.suggestions[tenantKey{tenantID, id}]
	if !exists {
		return nil, errors.NotFoundError(errors.CodeSuggestionNotFound, "suggestion", id)
	}
	return cloneSuggestion(suggestion), nil
}

// ListOpenSuggestions returns open suggestions for a tenant, newest first
func (s *Store) ListOpenSuggestions(ctx context.Context, tenantID string, limit int) ([]*models.Suggestion, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.Suggestion
	for key, sg := range s.suggestions {
		if key.tenantID != tenantID || sg.Status != models.SuggestionOpen {
			continue
		}
		out = append(out, cloneSuggestion(sg))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSuggestionsStale invalidates all open suggestions for a movement
func (s *Store) MarkSuggestionsStale(ctx context.Context, tenantID, movementID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now().UTC()
	for key, sg := range s.suggestions {
		if key.tenantID != tenantID || sg.MovementID != movementID || sg.Status != models.SuggestionOpen {
			continue
		}
		sg.Status = models.SuggestionStale
		sg.ResolvedAt = &now
	}
	return nil
}

// GetLink retrieves a match link by tenant and ID
func (s *Store) GetLink(ctx context.Context, tenantID, id string) (*models.MatchLink, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	link, exists := s.links[tenantKey{tenantID, id}]
	if !exists {
		return nil, errors.NotFoundError(errors.CodeLinkNotFound, "link", id)
	}
	return cloneLink(link), nil
}

// ListLinksByMovement returns all links for a movement, oldest first,
// including superseded ones
func (s *Store) ListLinksByMovement(ctx context.Context, tenantID, movementID string) ([]*models.MatchLink, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.MatchLink
	for key, link := range s.links {
		if key.tenantID != tenantID || link.MovementID != movementID {
			continue
		}
		out = append(out, cloneLink(link))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendAudit appends an entry to the decision ledger
func (s *Store) AppendAudit(ctx context.Context, entry *models.MatchDecisionAudit) error {
	if err := entry.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid audit entry")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := cloneAudit(entry)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, clone)
	return nil
}

// ListAudit returns ledger entries matching the filter, oldest first
func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]*models.MatchDecisionAudit, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.MatchDecisionAudit
	for _, entry := range s.audit {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.MovementID != "" && entry.MovementID != filter.MovementID {
			continue
		}
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, cloneAudit(entry))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetMatchingConfig returns the tenant's configuration or the default
func (s *Store) GetMatchingConfig(ctx context.Context, tenantID string) (*matcher.MatchingConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if config, exists := s.configs[tenantID]; exists {
		return config.Clone(), nil
	}
	return matcher.DefaultConfig(), nil
}

// PutMatchingConfig stores a tenant's configuration, bumping its version
func (s *Store) PutMatchingConfig(ctx context.Context, tenantID string, config *matcher.MatchingConfig) error {
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, "invalid matching config")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := config.Clone()
	clone.Version++
	clone.UpdatedAt = time.Now().UTC()
	s.configs[tenantID] = clone
	return nil
}

// CommitDecision applies a decision atomically. Every expected version must
// still match; on any mismatch nothing is written and a retryable conflict
// is returned.
func (s *Store) CommitDecision(ctx context.Context, commit *storage.DecisionCommit) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Validate every precondition before touching any state
	var movement *models.BankMovement
	if commit.Movement != nil {
		key := tenantKey{commit.TenantID, commit.Movement.MovementID}
		existing, exists := s.movements[key]
		if !exists {
			return errors.NotFoundError(errors.CodeMovementNotFound, "movement", commit.Movement.MovementID)
		}
		if existing.Version != commit.Movement.ExpectedVersion {
			return errors.ConflictError(errors.CodeVersionMismatch, "movement", commit.Movement.MovementID)
		}
		movement = existing
	}

	targets := make([]*models.TargetRecord, len(commit.Targets))
	for i, tu := range commit.Targets {
		key := tenantKey{commit.TenantID, tu.TargetID}
		existing, exists := s.targets[key]
		if !exists {
			return errors.NotFoundError(errors.CodeTargetNotFound, "target", tu.TargetID)
		}
		if existing.Version != tu.ExpectedVersion {
			return errors.ConflictError(errors.CodeVersionMismatch, "target", tu.TargetID)
		}
		targets[i] = existing
	}

	var suggestion *models.Suggestion
	if commit.Suggestion != nil {
		key := tenantKey{commit.TenantID, commit.Suggestion.SuggestionID}
		existing, exists := s.suggestions[key]
		if !exists {
			return errors.NotFoundError(errors.CodeSuggestionNotFound, "suggestion", commit.Suggestion.SuggestionID)
		}
		if existing.Status != commit.Suggestion.FromStatus {
			return errors.SuggestionStaleError(errors.CodeSuggestionState, commit.Suggestion.SuggestionID,
				"status is "+string(existing.Status))
		}
		suggestion = existing
	}

	for i, link := range commit.Links {
		if _, exists := s.links[tenantKey{commit.TenantID, link.ID}]; exists {
			return errors.ConflictError(errors.CodeDuplicateLink, "link", link.ID)
		}

		// At most one active link per (movement, target) pair. Links being
		// superseded in this same commit do not count against the new ones.
		for _, existing := range s.links {
			if existing.TenantID != commit.TenantID || existing.SupersededBy != nil {
				continue
			}
			if _, superseded := commit.SupersededLinkIDs[existing.ID]; superseded {
				continue
			}
			if existing.MovementID == link.MovementID && existing.TargetID == link.TargetID {
				return errors.ConflictError(errors.CodeDuplicateLink, "link", existing.ID)
			}
		}
		for _, other := range commit.Links[:i] {
			if other.MovementID == link.MovementID && other.TargetID == link.TargetID {
				return errors.ConflictError(errors.CodeDuplicateLink, "link", other.ID)
			}
		}
	}

	for supersededID := range commit.SupersededLinkIDs {
		if _, exists := s.links[tenantKey{commit.TenantID, supersededID}]; !exists {
			return errors.NotFoundError(errors.CodeLinkNotFound, "link", supersededID)
		}
	}

	// All preconditions hold; apply everything
	now := time.Now().UTC()

	if movement != nil {
		movement.Status = commit.Movement.Status
		movement.AllocatedAmount = commit.Movement.AllocatedAmount
		movement.MatchedAt = commit.Movement.MatchedAt
		movement.Version++
		movement.UpdatedAt = now
	}

	for i, tu := range commit.Targets {
		target := targets[i]
		target.AllocatedAmount = tu.AllocatedAmount
		target.OutstandingBalance = tu.OutstandingBalance
		target.Settled = tu.Settled
		target.Version++
		target.UpdatedAt = now
	}

	for _, link := range commit.Links {
		clone := cloneLink(link)
		clone.CreatedAt = now
		s.links[tenantKey{commit.TenantID, link.ID}] = clone
	}

	for supersededID, supersedingID := range commit.SupersededLinkIDs {
		id := supersedingID
		s.links[tenantKey{commit.TenantID, supersededID}].SupersededBy = &id
	}

	if suggestion != nil {
		suggestion.Status = commit.Suggestion.ToStatus
		suggestion.Reason = commit.Suggestion.Reason
		suggestion.ResolvedBy = commit.Suggestion.ResolvedBy
		suggestion.ResolvedAt = &now
	}

	if commit.Audit != nil {
		entry := cloneAudit(commit.Audit)
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.audit = append(s.audit, entry)
	}

	return nil
}

// Ping always succeeds for the in-memory store
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}

func cloneMovement(m *models.BankMovement) *models.BankMovement {
	clone := *m
	if m.MatchedAt != nil {
		t := *m.MatchedAt
		clone.MatchedAt = &t
	}
	return &clone
}

func cloneTarget(t *models.TargetRecord) *models.TargetRecord {
	clone := *t
	return &clone
}

func cloneSuggestion(sg *models.Suggestion) *models.Suggestion {
	clone := *sg
	clone.Lines = append([]models.SuggestionLine(nil), sg.Lines...)
	if sg.TargetVersions != nil {
		clone.TargetVersions = make(map[string]int64, len(sg.TargetVersions))
		for k, v := range sg.TargetVersions {
			clone.TargetVersions[k] = v
		}
	}
	if sg.ResolvedAt != nil {
		t := *sg.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}

func cloneLink(l *models.MatchLink) *models.MatchLink {
	clone := *l
	if l.SupersededBy != nil {
		id := *l.SupersededBy
		clone.SupersededBy = &id
	}
	return &clone
}

func cloneAudit(a *models.MatchDecisionAudit) *models.MatchDecisionAudit {
	clone := *a
	clone.CandidateIDs = append([]string(nil), a.CandidateIDs...)
	if a.InputSnapshot != nil {
		clone.InputSnapshot = append([]byte(nil), a.InputSnapshot...)
	}
	if a.SupersedesID != nil {
		id := *a.SupersedesID
		clone.SupersedesID = &id
	}
	return &clone
}
