package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// Store implements storage.Store on PostgreSQL
type Store struct {
	db     *DB
	logger logger.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Postgres-backed store
func NewStore(db *DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Store{
		db:     db,
		logger: log.WithComponent("postgres_store"),
	}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "ping", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

const movementColumns = `tenant_id, id, account_id, date, amount, currency, description, reference,
	fingerprint, status, allocated_amount, raw_payload, version, created_at, updated_at, matched_at`

// CreateMovement inserts a movement, rejecting duplicate fingerprints
func (s *Store) CreateMovement(ctx context.Context, movement *models.BankMovement) error {
	if err := movement.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid movement")
	}

	query := `
		INSERT INTO movements (` + movementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, now(), now(), NULL)`

	_, err := s.db.ExecContext(ctx, query,
		movement.TenantID, movement.ID, movement.AccountID, movement.Date,
		movement.Amount, movement.Currency, movement.Description, movement.Reference,
		movement.Fingerprint, movement.Status, movement.AllocatedAmount,
		nullString(movement.RawPayload))
	if err != nil {
		if isUniqueViolation(err, "movements_tenant_fingerprint_key") {
			return errors.ConflictError(errors.CodeDuplicateFingerprint, "movement", movement.Fingerprint)
		}
		if isUniqueViolation(err, "") {
			return errors.ConflictError(errors.CodeDuplicateID, "movement", movement.ID)
		}
		return errors.StorageError(errors.CodeQueryFailed, "create movement", err)
	}

	return nil
}

// GetMovement retrieves a movement by tenant and ID
func (s *Store) GetMovement(ctx context.Context, tenantID, id string) (*models.BankMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM movements WHERE tenant_id = $1 AND id = $2`

	movement, err := scanMovement(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(errors.CodeMovementNotFound, "movement", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get movement", err)
	}
	return movement, nil
}

// ListMovementsByStatus returns tenant movements in a status, ordered by date
// then ID so batch runs process deterministically
func (s *Store) ListMovementsByStatus(ctx context.Context, tenantID string, status models.MovementStatus, limit int) ([]*models.BankMovement, error) {
	query := `
		SELECT ` + movementColumns + `
		FROM movements
		WHERE tenant_id = $1 AND status = $2
		ORDER BY date, id`
	args := []any{tenantID, status}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list movements", err)
	}
	defer rows.Close()

	var out []*models.BankMovement
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan movement", err)
		}
		out = append(out, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list movements", err)
	}
	return out, nil
}

const targetColumns = `tenant_id, id, kind, amount, date, description, tax_id, invoice_number,
	outstanding_balance, installment, allocated_amount, settled, version, created_at, updated_at`

// CreateTarget inserts a target record
func (s *Store) CreateTarget(ctx context.Context, target *models.TargetRecord) error {
	if err := target.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid target")
	}

	query := `
		INSERT INTO targets (` + targetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, now(), now())`

	_, err := s.db.ExecContext(ctx, query,
		target.TenantID, target.ID, target.Kind, target.Amount, target.Date,
		target.Description, nullString(target.TaxID), nullString(target.InvoiceNumber),
		target.OutstandingBalance, target.Installment, target.AllocatedAmount, target.Settled)
	if err != nil {
		if isUniqueViolation(err, "") {
			return errors.ConflictError(errors.CodeDuplicateID, "target", target.ID)
		}
		return errors.StorageError(errors.CodeQueryFailed, "create target", err)
	}

	return nil
}

// GetTarget retrieves a target by tenant and ID
func (s *Store) GetTarget(ctx context.Context, tenantID, id string) (*models.TargetRecord, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE tenant_id = $1 AND id = $2`

	target, err := scanTarget(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(errors.CodeTargetNotFound, "target", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get target", err)
	}
	return target, nil
}

// GetTargets retrieves multiple targets; missing IDs are absent from the result
func (s *Store) GetTargets(ctx context.Context, tenantID string, ids []string) ([]*models.TargetRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + targetColumns + ` FROM targets WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, tenantID, pqStringArray(ids))
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get targets", err)
	}
	defer rows.Close()

	var out []*models.TargetRecord
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan target", err)
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get targets", err)
	}
	return out, nil
}

// FindOpenTargets returns unsettled targets within the amount range and date
// window, in date order. Remaining capacity is computed in SQL so the filter
// matches the memory store's semantics. Installment targets ignore the upper
// bound because they accept partial payments.
func (s *Store) FindOpenTargets(ctx context.Context, tenantID string, amountMin, amountMax decimal.Decimal, dateFrom, dateTo time.Time) ([]*models.TargetRecord, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM targets
		WHERE tenant_id = $1
		  AND NOT settled
		  AND date >= $2 AND date <= $3
		  AND (CASE WHEN installment
		       THEN outstanding_balance >= $4
		       ELSE (amount - allocated_amount) BETWEEN $4 AND $5 END)
		ORDER BY date, id`

	rows, err := s.db.QueryContext(ctx, query, tenantID, dateFrom, dateTo, amountMin, amountMax)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "find open targets", err)
	}
	defer rows.Close()

	var out []*models.TargetRecord
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan target", err)
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "find open targets", err)
	}
	return out, nil
}

const suggestionColumns = `tenant_id, id, movement_id, lines, score, breakdown,
	movement_version, target_versions, status, reason, created_at, resolved_at, resolved_by`

// CreateSuggestion inserts a suggestion with its lines and version snapshots
// stored as JSONB
func (s *Store) CreateSuggestion(ctx context.Context, suggestion *models.Suggestion) error {
	if err := suggestion.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid suggestion")
	}

	lines, err := json.Marshal(suggestion.Lines)
	if err != nil {
		return errors.InternalError("encode suggestion lines", err)
	}
	breakdown, err := json.Marshal(suggestion.Breakdown)
	if err != nil {
		return errors.InternalError("encode suggestion breakdown", err)
	}
	versions, err := json.Marshal(suggestion.TargetVersions)
	if err != nil {
		return errors.InternalError("encode target versions", err)
	}

	query := `
		INSERT INTO suggestions (` + suggestionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, now(), NULL, NULL)`

	_, err = s.db.ExecContext(ctx, query,
		suggestion.TenantID, suggestion.ID, suggestion.MovementID, lines,
		suggestion.Score, breakdown, suggestion.MovementVersion, versions, suggestion.Status)
	if err != nil {
		if isUniqueViolation(err, "") {
			return errors.ConflictError(errors.CodeDuplicateID, "suggestion", suggestion.ID)
		}
		return errors.StorageError(errors.CodeQueryFailed, "create suggestion", err)
	}

	return nil
}

// GetSuggestion retrieves a suggestion by tenant and ID
func (s *Store) GetSuggestion(ctx context.Context, tenantID, id string) (*models.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE tenant_id = $1 AND id = $2`

	suggestion, err := scanSuggestion(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(errors.CodeSuggestionNotFound, "suggestion", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get suggestion", err)
	}
	return suggestion, nil
}

// ListOpenSuggestions returns open suggestions for a tenant, newest first
func (s *Store) ListOpenSuggestions(ctx context.Context, tenantID string, limit int) ([]*models.Suggestion, error) {
	query := `
		SELECT ` + suggestionColumns + `
		FROM suggestions
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at DESC, id`
	args := []any{tenantID, models.SuggestionOpen}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list suggestions", err)
	}
	defer rows.Close()

	var out []*models.Suggestion
	for rows.Next() {
		suggestion, err := scanSuggestion(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan suggestion", err)
		}
		out = append(out, suggestion)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list suggestions", err)
	}
	return out, nil
}

// MarkSuggestionsStale invalidates all open suggestions for a movement
func (s *Store) MarkSuggestionsStale(ctx context.Context, tenantID, movementID string) error {
	query := `
		UPDATE suggestions
		SET status = $1, resolved_at = now()
		WHERE tenant_id = $2 AND movement_id = $3 AND status = $4`

	_, err := s.db.ExecContext(ctx, query,
		models.SuggestionStale, tenantID, movementID, models.SuggestionOpen)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "mark suggestions stale", err)
	}
	return nil
}

const linkColumns = `tenant_id, id, movement_id, target_id, target_kind, allocated_amount,
	confidence_score, source, explanation, superseded_by, created_at, created_by`

// GetLink retrieves a match link by tenant and ID
func (s *Store) GetLink(ctx context.Context, tenantID, id string) (*models.MatchLink, error) {
	query := `SELECT ` + linkColumns + ` FROM match_links WHERE tenant_id = $1 AND id = $2`

	link, err := scanLink(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(errors.CodeLinkNotFound, "link", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get link", err)
	}
	return link, nil
}

// ListLinksByMovement returns all links for a movement including superseded
// ones, oldest first
func (s *Store) ListLinksByMovement(ctx context.Context, tenantID, movementID string) ([]*models.MatchLink, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM match_links
		WHERE tenant_id = $1 AND movement_id = $2
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, tenantID, movementID)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list links", err)
	}
	defer rows.Close()

	var out []*models.MatchLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan link", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list links", err)
	}
	return out, nil
}

const auditColumns = `tenant_id, id, movement_id, algorithm_version, breakdown, candidate_ids,
	input_snapshot, outcome, actor, supersedes_id, critical, created_at`

// AppendAudit appends an entry to the decision ledger. There is no update or
// delete path for audit rows anywhere in this package.
func (s *Store) AppendAudit(ctx context.Context, entry *models.MatchDecisionAudit) error {
	if err := entry.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid audit entry")
	}

	return s.appendAudit(ctx, s.db, entry)
}

// execer lets appendAudit run both on the pool and inside a transaction
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendAudit(ctx context.Context, ex execer, entry *models.MatchDecisionAudit) error {
	breakdown, err := json.Marshal(entry.Breakdown)
	if err != nil {
		return errors.InternalError("encode audit breakdown", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO match_decision_audit (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = ex.ExecContext(ctx, query,
		entry.TenantID, entry.ID, entry.MovementID, entry.AlgorithmVersion,
		breakdown, pqStringArray(entry.CandidateIDs), []byte(entry.InputSnapshot),
		entry.Outcome, entry.Actor, entry.SupersedesID, entry.Critical, createdAt)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "append audit", err)
	}
	return nil
}

// ListAudit returns ledger entries matching the filter, oldest first
func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]*models.MatchDecisionAudit, error) {
	query := `SELECT ` + auditColumns + ` FROM match_decision_audit WHERE tenant_id = $1`
	args := []any{filter.TenantID}

	if filter.MovementID != "" {
		args = append(args, filter.MovementID)
		query += ` AND movement_id = $2`
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += ` AND created_at >= $` + itoa(len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += ` AND created_at <= $` + itoa(len(args))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	defer rows.Close()

	var out []*models.MatchDecisionAudit
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan audit", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	return out, nil
}

// GetMatchingConfig returns the tenant's configuration or the default
func (s *Store) GetMatchingConfig(ctx context.Context, tenantID string) (*matcher.MatchingConfig, error) {
	query := `SELECT config FROM tenant_configs WHERE tenant_id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return matcher.DefaultConfig(), nil
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get matching config", err)
	}

	config := matcher.DefaultConfig()
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, "corrupt tenant config")
	}
	return config, nil
}

// PutMatchingConfig upserts a tenant's configuration, bumping its version
func (s *Store) PutMatchingConfig(ctx context.Context, tenantID string, config *matcher.MatchingConfig) error {
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, "invalid matching config")
	}

	config = config.Clone()
	config.Version++
	config.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(config)
	if err != nil {
		return errors.InternalError("encode matching config", err)
	}

	query := `
		INSERT INTO tenant_configs (tenant_id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, query, tenantID, raw); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "put matching config", err)
	}
	return nil
}
