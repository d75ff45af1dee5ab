package postgres

import (
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/lib/pq"

	"github.com/concilia-dev/concilia/internal/models"
)

// scanner covers *sql.Rows, *sql.Row and tracedRow
type scanner interface {
	Scan(dest ...any) error
}

func scanMovement(row scanner) (*models.BankMovement, error) {
	var m models.BankMovement
	var rawPayload sql.NullString
	var matchedAt sql.NullTime

	err := row.Scan(
		&m.TenantID, &m.ID, &m.AccountID, &m.Date, &m.Amount, &m.Currency,
		&m.Description, &m.Reference, &m.Fingerprint, &m.Status,
		&m.AllocatedAmount, &rawPayload, &m.Version, &m.CreatedAt, &m.UpdatedAt, &matchedAt)
	if err != nil {
		return nil, err
	}

	if rawPayload.Valid {
		m.RawPayload = rawPayload.String
	}
	if matchedAt.Valid {
		t := matchedAt.Time
		m.MatchedAt = &t
	}
	return &m, nil
}

func scanTarget(row scanner) (*models.TargetRecord, error) {
	var t models.TargetRecord
	var taxID, invoiceNumber sql.NullString

	err := row.Scan(
		&t.TenantID, &t.ID, &t.Kind, &t.Amount, &t.Date, &t.Description,
		&taxID, &invoiceNumber, &t.OutstandingBalance, &t.Installment,
		&t.AllocatedAmount, &t.Settled, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if taxID.Valid {
		t.TaxID = taxID.String
	}
	if invoiceNumber.Valid {
		t.InvoiceNumber = invoiceNumber.String
	}
	return &t, nil
}

func scanSuggestion(row scanner) (*models.Suggestion, error) {
	var s models.Suggestion
	var lines, breakdown, versions []byte
	var reason, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&s.TenantID, &s.ID, &s.MovementID, &lines, &s.Score, &breakdown,
		&s.MovementVersion, &versions, &s.Status, &reason, &s.CreatedAt,
		&resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(lines, &s.Lines); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &s.Breakdown); err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &s.TargetVersions); err != nil {
			return nil, err
		}
	}

	if reason.Valid {
		s.Reason = reason.String
	}
	if resolvedBy.Valid {
		s.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		s.ResolvedAt = &t
	}
	return &s, nil
}

func scanLink(row scanner) (*models.MatchLink, error) {
	var l models.MatchLink
	var explanation, supersededBy sql.NullString

	err := row.Scan(
		&l.TenantID, &l.ID, &l.MovementID, &l.TargetID, &l.TargetKind,
		&l.AllocatedAmount, &l.ConfidenceScore, &l.Source, &explanation,
		&supersededBy, &l.CreatedAt, &l.CreatedBy)
	if err != nil {
		return nil, err
	}

	if explanation.Valid {
		l.Explanation = explanation.String
	}
	if supersededBy.Valid {
		id := supersededBy.String
		l.SupersededBy = &id
	}
	return &l, nil
}

func scanAudit(row scanner) (*models.MatchDecisionAudit, error) {
	var a models.MatchDecisionAudit
	var breakdown, snapshot []byte
	var candidateIDs pq.StringArray
	var supersedesID sql.NullString

	err := row.Scan(
		&a.TenantID, &a.ID, &a.MovementID, &a.AlgorithmVersion, &breakdown,
		&candidateIDs, &snapshot, &a.Outcome, &a.Actor, &supersedesID,
		&a.Critical, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(breakdown, &a.Breakdown); err != nil {
		return nil, err
	}
	a.CandidateIDs = []string(candidateIDs)
	if len(snapshot) > 0 {
		a.InputSnapshot = json.RawMessage(snapshot)
	}
	if supersedesID.Valid {
		id := supersedesID.String
		a.SupersedesID = &id
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func pqStringArray(ids []string) pq.StringArray {
	return pq.StringArray(ids)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
