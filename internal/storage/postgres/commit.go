package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// CommitDecision applies a decision atomically in a single transaction. Every
// movement and target update is guarded by its expected version; a guard that
// matches zero rows aborts the transaction with a retryable conflict.
func (s *Store) CommitDecision(ctx context.Context, commit *storage.DecisionCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "begin decision commit", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.applyMovement(ctx, tx, commit); err != nil {
		return err
	}
	if err = s.applyTargets(ctx, tx, commit); err != nil {
		return err
	}
	if err = s.applyLinks(ctx, tx, commit); err != nil {
		return err
	}
	if err = s.applySuggestion(ctx, tx, commit); err != nil {
		return err
	}

	if commit.Audit != nil {
		if err = s.appendAudit(ctx, tx, commit.Audit); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeTxFailed, "commit decision", err)
	}

	s.logger.WithFields(logger.Fields{
		"tenant_id": commit.TenantID,
		"links":     len(commit.Links),
		"targets":   len(commit.Targets),
	}).Debug("Decision committed")

	return nil
}

func (s *Store) applyMovement(ctx context.Context, tx *sql.Tx, commit *storage.DecisionCommit) error {
	if commit.Movement == nil {
		return nil
	}

	query := `
		UPDATE movements
		SET status = $1, allocated_amount = $2, matched_at = $3,
		    version = version + 1, updated_at = now()
		WHERE tenant_id = $4 AND id = $5 AND version = $6`

	result, err := tx.ExecContext(ctx, query,
		commit.Movement.Status, commit.Movement.AllocatedAmount, commit.Movement.MatchedAt,
		commit.TenantID, commit.Movement.MovementID, commit.Movement.ExpectedVersion)
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "update movement", err)
	}

	return s.requireOneRow(ctx, tx, result,
		"movements", commit.TenantID, commit.Movement.MovementID,
		errors.CodeMovementNotFound)
}

func (s *Store) applyTargets(ctx context.Context, tx *sql.Tx, commit *storage.DecisionCommit) error {
	query := `
		UPDATE targets
		SET allocated_amount = $1, outstanding_balance = $2, settled = $3,
		    version = version + 1, updated_at = now()
		WHERE tenant_id = $4 AND id = $5 AND version = $6`

	for _, tu := range commit.Targets {
		result, err := tx.ExecContext(ctx, query,
			tu.AllocatedAmount, tu.OutstandingBalance, tu.Settled,
			commit.TenantID, tu.TargetID, tu.ExpectedVersion)
		if err != nil {
			return errors.StorageError(errors.CodeTxFailed, "update target", err)
		}

		if err := s.requireOneRow(ctx, tx, result,
			"targets", commit.TenantID, tu.TargetID, errors.CodeTargetNotFound); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyLinks(ctx context.Context, tx *sql.Tx, commit *storage.DecisionCommit) error {
	insert := `
		INSERT INTO match_links (` + linkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $11)`

	now := time.Now().UTC()
	for _, link := range commit.Links {
		createdAt := link.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		_, err := tx.ExecContext(ctx, insert,
			link.TenantID, link.ID, link.MovementID, link.TargetID, link.TargetKind,
			link.AllocatedAmount, link.ConfidenceScore, link.Source,
			nullString(link.Explanation), createdAt, link.CreatedBy)
		if err != nil {
			if isUniqueViolation(err, "") {
				return errors.ConflictError(errors.CodeDuplicateLink, "link", link.ID)
			}
			return errors.StorageError(errors.CodeTxFailed, "insert link", err)
		}
	}

	supersede := `
		UPDATE match_links
		SET superseded_by = $1
		WHERE tenant_id = $2 AND id = $3 AND superseded_by IS NULL`

	for supersededID, supersedingID := range commit.SupersededLinkIDs {
		result, err := tx.ExecContext(ctx, supersede, supersedingID, commit.TenantID, supersededID)
		if err != nil {
			return errors.StorageError(errors.CodeTxFailed, "supersede link", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return errors.StorageError(errors.CodeTxFailed, "supersede link", err)
		}
		if rows == 0 {
			return errors.ConflictError(errors.CodeVersionMismatch, "link", supersededID)
		}
	}

	return nil
}

func (s *Store) applySuggestion(ctx context.Context, tx *sql.Tx, commit *storage.DecisionCommit) error {
	if commit.Suggestion == nil {
		return nil
	}

	query := `
		UPDATE suggestions
		SET status = $1, reason = $2, resolved_by = $3, resolved_at = now()
		WHERE tenant_id = $4 AND id = $5 AND status = $6`

	result, err := tx.ExecContext(ctx, query,
		commit.Suggestion.ToStatus, nullString(commit.Suggestion.Reason),
		nullString(commit.Suggestion.ResolvedBy),
		commit.TenantID, commit.Suggestion.SuggestionID, commit.Suggestion.FromStatus)
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "resolve suggestion", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "resolve suggestion", err)
	}
	if rows == 0 {
		return errors.SuggestionStaleError(errors.CodeSuggestionState,
			commit.Suggestion.SuggestionID, "suggestion no longer in expected status")
	}
	return nil
}

// requireOneRow distinguishes a missing row from a version conflict after a
// guarded update matched nothing
func (s *Store) requireOneRow(ctx context.Context, tx *sql.Tx, result sql.Result, table, tenantID, id string, notFound errors.ErrorCode) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "rows affected", err)
	}
	if rows == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.NotFoundError(notFound, table, id)
	}
	if err != nil {
		return errors.StorageError(errors.CodeTxFailed, "existence check", err)
	}

	return errors.ConflictError(errors.CodeVersionMismatch, table, id)
}
