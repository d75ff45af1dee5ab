// Package reporter exports the decision ledger for compliance review.
//
// Exports cover arbitrary date ranges and include the full score breakdown
// recorded with each decision, so an auditor can reconstruct why any match
// was made without access to the live system.
//
// Supported output formats:
//   - JSON: one document with export metadata and all entries
//   - CSV: one row per ledger entry for spreadsheet review
package reporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// OutputFormat selects the export encoding
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatCSV  OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ExportOptions bounds what an export covers
type ExportOptions struct {
	TenantID   string       `json:"tenant_id"`
	MovementID string       `json:"movement_id,omitempty"`
	From       time.Time    `json:"from,omitempty"`
	To         time.Time    `json:"to,omitempty"`
	Format     OutputFormat `json:"format"`

	// CriticalOnly restricts the export to invariant violation entries
	CriticalOnly bool `json:"critical_only,omitempty"`
}

// Validate checks the export options
func (o *ExportOptions) Validate() error {
	if strings.TrimSpace(o.TenantID) == "" {
		return errors.ValidationError(errors.CodeMissingField, "tenant_id", nil)
	}
	if !o.Format.IsValid() {
		return errors.ValidationError(errors.CodeOutOfRange, "format", string(o.Format))
	}
	if !o.From.IsZero() && !o.To.IsZero() && o.To.Before(o.From) {
		return errors.ValidationError(errors.CodeInvalidDate, "to", "range end precedes range start")
	}
	return nil
}

// Export is the JSON document shape
type Export struct {
	TenantID    string                       `json:"tenant_id"`
	GeneratedAt time.Time                    `json:"generated_at"`
	From        *time.Time                   `json:"from,omitempty"`
	To          *time.Time                   `json:"to,omitempty"`
	Entries     []*models.MatchDecisionAudit `json:"entries"`
}

// Exporter reads the ledger and writes compliance exports
type Exporter struct {
	store  storage.AuditStore
	logger logger.Logger
}

// NewExporter creates a ledger exporter
func NewExporter(store storage.AuditStore, log logger.Logger) *Exporter {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Exporter{
		store:  store,
		logger: log.WithComponent("reporter"),
	}
}

// Export writes ledger entries matching the options to w in the selected
// format. It returns the number of entries written.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts *ExportOptions) (int, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}

	entries, err := e.store.ListAudit(ctx, storage.AuditFilter{
		TenantID:   opts.TenantID,
		MovementID: opts.MovementID,
		From:       opts.From,
		To:         opts.To,
	})
	if err != nil {
		return 0, err
	}

	if opts.CriticalOnly {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Critical {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	switch opts.Format {
	case FormatCSV:
		err = writeCSV(w, entries)
	default:
		err = writeJSON(w, opts, entries)
	}
	if err != nil {
		return 0, err
	}

	e.logger.WithTenant(opts.TenantID).WithFields(logger.Fields{
		"entries": len(entries),
		"format":  string(opts.Format),
	}).Info("Compliance export written")

	return len(entries), nil
}

func writeJSON(w io.Writer, opts *ExportOptions, entries []*models.MatchDecisionAudit) error {
	export := &Export{
		TenantID:    opts.TenantID,
		GeneratedAt: time.Now().UTC(),
		Entries:     entries,
	}
	if !opts.From.IsZero() {
		export.From = &opts.From
	}
	if !opts.To.IsZero() {
		export.To = &opts.To
	}
	if export.Entries == nil {
		export.Entries = []*models.MatchDecisionAudit{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

var csvHeader = []string{
	"id", "movement_id", "outcome", "actor", "algorithm_version",
	"composite_score", "amount_score", "date_score", "description_score",
	"reference_score", "residual_penalty", "description_degraded",
	"candidates", "critical", "created_at",
}

func writeCSV(w io.Writer, entries []*models.MatchDecisionAudit) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, entry := range entries {
		b := entry.Breakdown
		record := []string{
			entry.ID,
			entry.MovementID,
			string(entry.Outcome),
			entry.Actor,
			entry.AlgorithmVersion,
			formatScore(b.Composite),
			formatScore(b.AmountScore),
			formatScore(b.DateScore),
			formatScore(b.DescriptionScore),
			formatScore(b.ReferenceScore),
			formatScore(b.ResidualPenalty),
			strconv.FormatBool(b.DescriptionDegraded),
			strings.Join(entry.CandidateIDs, ";"),
			strconv.FormatBool(entry.Critical),
			entry.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
