// Package models defines the persistent domain types of the reconciliation
// engine: bank movements, target records, match links, suggestions and the
// append-only decision audit.
//
// Monetary amounts use shopspring/decimal throughout; float arithmetic is
// never used for money. All records are tenant scoped.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the amount tolerance for allocation invariants: residuals of at
// most one cent are absorbed silently.
var Epsilon = decimal.NewFromFloat(0.01)

// MovementStatus represents the lifecycle state of a bank movement
type MovementStatus string

const (
	MovementPending          MovementStatus = "PENDING"
	MovementSuggested        MovementStatus = "SUGGESTED"
	MovementPartiallyMatched MovementStatus = "PARTIALLY_MATCHED"
	MovementMatched          MovementStatus = "MATCHED"
	MovementRejected         MovementStatus = "REJECTED"
)

// String returns the string representation of MovementStatus
func (s MovementStatus) String() string {
	return string(s)
}

// IsValid checks if the movement status is valid
func (s MovementStatus) IsValid() bool {
	switch s {
	case MovementPending, MovementSuggested, MovementPartiallyMatched, MovementMatched, MovementRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the decision engine may move a movement
// from s to next. Matched is terminal except for corrections that reduce
// allocation back to PartiallyMatched.
func (s MovementStatus) CanTransitionTo(next MovementStatus) bool {
	switch s {
	case MovementPending:
		return next == MovementSuggested || next == MovementMatched || next == MovementPartiallyMatched
	case MovementSuggested:
		return next == MovementMatched || next == MovementPartiallyMatched || next == MovementPending
	case MovementPartiallyMatched:
		return next == MovementMatched || next == MovementPartiallyMatched || next == MovementPending
	case MovementMatched:
		return next == MovementPartiallyMatched
	case MovementRejected:
		return false
	default:
		return false
	}
}

// TargetKind distinguishes the two record types a movement can match against
type TargetKind string

const (
	TargetExpense TargetKind = "EXPENSE"
	TargetInvoice TargetKind = "INVOICE"
)

// IsValid checks if the target kind is valid
func (k TargetKind) IsValid() bool {
	return k == TargetExpense || k == TargetInvoice
}

// MatchSource records how a match link came to exist
type MatchSource string

const (
	SourceAuto      MatchSource = "AUTO"
	SourceSuggested MatchSource = "SUGGESTED"
	SourceManual    MatchSource = "MANUAL"
)

// IsValid checks if the match source is valid
func (s MatchSource) IsValid() bool {
	return s == SourceAuto || s == SourceSuggested || s == SourceManual
}

// SuggestionStatus represents the lifecycle state of a suggestion
type SuggestionStatus string

const (
	SuggestionOpen     SuggestionStatus = "OPEN"
	SuggestionApplied  SuggestionStatus = "APPLIED"
	SuggestionRejected SuggestionStatus = "REJECTED"
	SuggestionStale    SuggestionStatus = "STALE"
)

// DecisionOutcome classifies an audit entry
type DecisionOutcome string

const (
	OutcomeAutoApplied        DecisionOutcome = "AUTO_APPLIED"
	OutcomeSuggested          DecisionOutcome = "SUGGESTED"
	OutcomeAccepted           DecisionOutcome = "ACCEPTED"
	OutcomeRejected           DecisionOutcome = "REJECTED"
	OutcomeNoCandidates       DecisionOutcome = "NO_CANDIDATES"
	OutcomeBelowThreshold     DecisionOutcome = "BELOW_THRESHOLD"
	OutcomeInvariantViolation DecisionOutcome = "INVARIANT_VIOLATION"
)

// BankMovement represents a single bank statement line to be reconciled
type BankMovement struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	AccountID   string          `json:"account_id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"` // signed: negative for debits
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`

	// Fingerprint is unique per tenant+account; duplicate statement imports
	// are rejected, never re-matched.
	Fingerprint string `json:"fingerprint"`

	Status          MovementStatus  `json:"status"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`

	// RawPayload keeps the original import line for audit provenance only;
	// the engine never reads it.
	RawPayload string `json:"raw_payload,omitempty"`

	// Version supports optimistic concurrency on decision application
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MatchedAt *time.Time `json:"matched_at,omitempty"`
}

// AbsAmount returns the absolute value of the movement amount
func (m *BankMovement) AbsAmount() decimal.Decimal {
	return m.Amount.Abs()
}

// PendingAmount returns the unallocated remainder of the movement
func (m *BankMovement) PendingAmount() decimal.Decimal {
	return m.Amount.Abs().Sub(m.AllocatedAmount)
}

// IsDebit returns true if the movement represents money leaving the account
func (m *BankMovement) IsDebit() bool {
	return m.Amount.IsNegative()
}

// Validate performs basic validation on the BankMovement
func (m *BankMovement) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("movement ID cannot be empty")
	}

	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("movement tenant ID cannot be empty")
	}

	if m.Amount.IsZero() {
		return fmt.Errorf("movement amount cannot be zero")
	}

	if m.Date.IsZero() {
		return fmt.Errorf("movement date cannot be zero")
	}

	if strings.TrimSpace(m.Fingerprint) == "" {
		return fmt.Errorf("movement fingerprint cannot be empty")
	}

	if !m.Status.IsValid() {
		return fmt.Errorf("invalid movement status: %s", m.Status)
	}

	if m.AllocatedAmount.IsNegative() {
		return fmt.Errorf("allocated amount cannot be negative")
	}

	return nil
}

// String returns a string representation of the BankMovement
func (m *BankMovement) String() string {
	return fmt.Sprintf("BankMovement{ID: %s, Amount: %s, Status: %s, Date: %s}",
		m.ID, m.Amount.String(), m.Status, m.Date.Format("2006-01-02"))
}

// ComputeFingerprint derives the unique import fingerprint for a statement
// line. Two identical lines in the same tenant account always collide, which
// is what makes duplicate imports detectable.
func ComputeFingerprint(tenantID, accountID string, date time.Time, amount decimal.Decimal, reference string, line int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		tenantID, accountID, date.Format("2006-01-02"), amount.StringFixed(2),
		strings.ToUpper(strings.TrimSpace(reference)), line)
	return hex.EncodeToString(h.Sum(nil))
}

// TargetRecord represents an expense or invoice a movement may be matched
// against. Targets are owned by the surrounding platform; the engine reads
// them and updates only their allocation counters.
type TargetRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Kind        TargetKind      `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	TaxID       string          `json:"tax_id,omitempty"`

	// InvoiceNumber is set for invoice targets only
	InvoiceNumber string `json:"invoice_number,omitempty"`

	// OutstandingBalance tracks the unpaid remainder for installment-style
	// targets. Zero-valued means the target is not an installment target and
	// capacity is Amount minus AllocatedAmount.
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	Installment        bool            `json:"installment"`

	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	Settled         bool            `json:"settled"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingCapacity returns the amount still allocatable against the target:
// the outstanding balance for installment targets, otherwise the unallocated
// part of the target amount.
func (t *TargetRecord) RemainingCapacity() decimal.Decimal {
	if t.Installment {
		return t.OutstandingBalance
	}
	return t.Amount.Sub(t.AllocatedAmount)
}

// Validate performs basic validation on the TargetRecord
func (t *TargetRecord) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("target ID cannot be empty")
	}

	if strings.TrimSpace(t.TenantID) == "" {
		return fmt.Errorf("target tenant ID cannot be empty")
	}

	if !t.Kind.IsValid() {
		return fmt.Errorf("invalid target kind: %s", t.Kind)
	}

	if !t.Amount.IsPositive() {
		return fmt.Errorf("target amount must be positive")
	}

	if t.OutstandingBalance.IsNegative() {
		return fmt.Errorf("outstanding balance cannot be negative")
	}

	return nil
}

// String returns a string representation of the TargetRecord
func (t *TargetRecord) String() string {
	return fmt.Sprintf("TargetRecord{ID: %s, Kind: %s, Amount: %s, Remaining: %s}",
		t.ID, t.Kind, t.Amount.String(), t.RemainingCapacity().String())
}

// MatchLink binds a movement to a target with an allocated amount. Links are
// immutable once persisted: corrections create a new link that references the
// superseded one, never an in-place edit.
type MatchLink struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	MovementID      string          `json:"movement_id"`
	TargetID        string          `json:"target_id"`
	TargetKind      TargetKind      `json:"target_kind"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	ConfidenceScore float64         `json:"confidence_score"`
	Source          MatchSource     `json:"source"`
	Explanation     string          `json:"explanation,omitempty"`
	SupersededBy    *string         `json:"superseded_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by"`
}

// IsSuperseded reports whether a correction replaced this link
func (l *MatchLink) IsSuperseded() bool {
	return l.SupersededBy != nil
}

// Validate performs basic validation on the MatchLink
func (l *MatchLink) Validate() error {
	if strings.TrimSpace(l.MovementID) == "" {
		return fmt.Errorf("link movement ID cannot be empty")
	}

	if strings.TrimSpace(l.TargetID) == "" {
		return fmt.Errorf("link target ID cannot be empty")
	}

	if !l.TargetKind.IsValid() {
		return fmt.Errorf("invalid link target kind: %s", l.TargetKind)
	}

	if !l.AllocatedAmount.IsPositive() {
		return fmt.Errorf("link allocated amount must be positive")
	}

	if l.ConfidenceScore < 0.0 || l.ConfidenceScore > 1.0 {
		return fmt.Errorf("confidence score must be between 0.0 and 1.0: %f", l.ConfidenceScore)
	}

	if !l.Source.IsValid() {
		return fmt.Errorf("invalid link source: %s", l.Source)
	}

	return nil
}

// FeatureWeights defines the relative importance of the scoring features.
// Weights are normalized so they sum to 1.0.
type FeatureWeights struct {
	Amount      float64 `json:"amount"`
	Date        float64 `json:"date"`
	Description float64 `json:"description"`
	Reference   float64 `json:"reference"`
}

// Validate checks if the feature weights are valid
func (w *FeatureWeights) Validate() error {
	for name, v := range map[string]float64{
		"amount":      w.Amount,
		"date":        w.Date,
		"description": w.Description,
		"reference":   w.Reference,
	} {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%s weight must be between 0.0 and 1.0: %f", name, v)
		}
	}

	// Allow a small tolerance before normalization
	total := w.Sum()
	if total < 0.99 || total > 1.01 {
		return fmt.Errorf("weights should sum to 1.0, got %f", total)
	}

	return nil
}

// Sum returns the total of all weights
func (w *FeatureWeights) Sum() float64 {
	return w.Amount + w.Date + w.Description + w.Reference
}

// Normalized returns a copy scaled so the weights sum to exactly 1.0
func (w *FeatureWeights) Normalized() FeatureWeights {
	total := w.Sum()
	if total == 0 {
		return FeatureWeights{Amount: 1.0}
	}
	return FeatureWeights{
		Amount:      w.Amount / total,
		Date:        w.Date / total,
		Description: w.Description / total,
		Reference:   w.Reference / total,
	}
}

// ScoreBreakdown is the structured record of how a confidence score was
// computed. It is persisted verbatim in the decision audit so every decision
// can be explained later.
type ScoreBreakdown struct {
	AmountScore      float64        `json:"amount_score"`
	DateScore        float64        `json:"date_score"`
	DescriptionScore float64        `json:"description_score"`
	ReferenceScore   float64        `json:"reference_score"`
	Weights          FeatureWeights `json:"weights"`

	// ResidualPenalty is non-zero for split combinations only
	ResidualPenalty float64 `json:"residual_penalty,omitempty"`

	Composite float64 `json:"composite"`

	// DescriptionDegraded marks that the similarity service was unavailable
	// and the description score defaulted to 0
	DescriptionDegraded bool `json:"description_degraded,omitempty"`
}

// Compose computes the weighted composite score from the sub-scores
func (b *ScoreBreakdown) Compose() float64 {
	b.Composite = b.AmountScore*b.Weights.Amount +
		b.DateScore*b.Weights.Date +
		b.DescriptionScore*b.Weights.Description +
		b.ReferenceScore*b.Weights.Reference -
		b.ResidualPenalty
	if b.Composite < 0 {
		b.Composite = 0
	}
	return b.Composite
}

// SuggestionLine is one proposed allocation inside a suggestion
type SuggestionLine struct {
	TargetID   string          `json:"target_id"`
	TargetKind TargetKind      `json:"target_kind"`
	Amount     decimal.Decimal `json:"amount"`
}

// Suggestion is a proposed match awaiting confirmation. It snapshots the
// versions of the movement and targets it was generated from so acceptance
// can detect staleness.
type Suggestion struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	MovementID string           `json:"movement_id"`
	Lines      []SuggestionLine `json:"lines"`
	Score      float64          `json:"score"`
	Breakdown  ScoreBreakdown   `json:"breakdown"`

	// Version snapshots taken at generation time
	MovementVersion int64            `json:"movement_version"`
	TargetVersions  map[string]int64 `json:"target_versions"`

	Status     SuggestionStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"` // set on rejection
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
}

// TotalAmount returns the summed allocation across all suggestion lines
func (s *Suggestion) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.Lines {
		total = total.Add(line.Amount)
	}
	return total
}

// Validate performs basic validation on the Suggestion
func (s *Suggestion) Validate() error {
	if strings.TrimSpace(s.MovementID) == "" {
		return fmt.Errorf("suggestion movement ID cannot be empty")
	}

	if len(s.Lines) == 0 {
		return fmt.Errorf("suggestion must propose at least one allocation")
	}

	for i, line := range s.Lines {
		if strings.TrimSpace(line.TargetID) == "" {
			return fmt.Errorf("suggestion line %d: target ID cannot be empty", i)
		}
		if !line.Amount.IsPositive() {
			return fmt.Errorf("suggestion line %d: amount must be positive", i)
		}
	}

	if s.Score < 0.0 || s.Score > 1.0 {
		return fmt.Errorf("suggestion score must be between 0.0 and 1.0: %f", s.Score)
	}

	return nil
}

// MatchDecisionAudit is one immutable entry in the decision ledger. Entries
// are only ever appended; corrections reference the entry they supersede.
type MatchDecisionAudit struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	MovementID       string          `json:"movement_id"`
	AlgorithmVersion string          `json:"algorithm_version"`
	Breakdown        ScoreBreakdown  `json:"breakdown"`
	CandidateIDs     []string        `json:"candidate_ids,omitempty"`
	InputSnapshot    json.RawMessage `json:"input_snapshot,omitempty"`
	Outcome          DecisionOutcome `json:"outcome"`
	Actor            string          `json:"actor"`
	SupersedesID     *string         `json:"supersedes_id,omitempty"`

	// Critical marks entries written for invariant violations, which require
	// investigation
	Critical bool `json:"critical,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate performs basic validation on the MatchDecisionAudit
func (a *MatchDecisionAudit) Validate() error {
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("audit tenant ID cannot be empty")
	}

	if strings.TrimSpace(a.MovementID) == "" {
		return fmt.Errorf("audit movement ID cannot be empty")
	}

	if strings.TrimSpace(a.AlgorithmVersion) == "" {
		return fmt.Errorf("audit algorithm version cannot be empty")
	}

	if a.Outcome == "" {
		return fmt.Errorf("audit outcome cannot be empty")
	}

	return nil
}

// Utility functions for amounts

// RoundAmount rounds a monetary amount to 2 decimal places
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinEpsilon reports whether two amounts differ by at most one cent
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// ParseAmount parses a decimal amount from a string, tolerating currency
// symbols and thousand separators commonly found in statement exports
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	return d, nil
}

// ParseDate attempts to parse a date from a string using the formats commonly
// seen in bank statement exports
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006",
		"02-01-2006",
		"2006/01/02",
	}

	var lastErr error
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}
