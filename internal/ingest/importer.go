// Package ingest imports bank statement exports into the movement store.
// Each statement line gets a deterministic fingerprint, so re-importing the
// same file is safe: duplicates are counted and skipped, never duplicated.
package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// RowError records why a single statement line was rejected
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d, field %s: %s", e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ImportStats summarizes an import run
type ImportStats struct {
	RowsRead   int         `json:"rows_read"`
	Imported   int         `json:"imported"`
	Duplicates int         `json:"duplicates"`
	Errors     []*RowError `json:"errors,omitempty"`
}

// Failed returns the number of rejected rows
func (s *ImportStats) Failed() int {
	return len(s.Errors)
}

// Importer reads CSV statement exports and creates pending movements
type Importer struct {
	store   storage.MovementStore
	metrics *metrics.Metrics
	logger  logger.Logger
}

// NewImporter creates an importer. metrics may be nil.
func NewImporter(store storage.MovementStore, m *metrics.Metrics, log logger.Logger) *Importer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Importer{
		store:   store,
		metrics: m,
		logger:  log.WithComponent("ingest"),
	}
}

// ImportCSV imports statement lines from r for one tenant and account. Bad
// rows are collected rather than aborting the run, up to the config's error
// cap; rows whose fingerprint already exists count as duplicates and are
// skipped. A nil config auto-detects the layout from the header row.
func (i *Importer) ImportCSV(ctx context.Context, tenantID, accountID string, r io.Reader, config *SourceConfig) (*ImportStats, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	if config != nil {
		reader.Comma = config.delimiter()
	}

	headers, err := reader.Read()
	if err != nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "header", "cannot read header row")
	}

	if config == nil {
		config, err = DetectConfig(headers)
		if err != nil {
			return nil, err
		}
	} else if err := config.Validate(); err != nil {
		return nil, err
	}

	columns, err := mapColumns(headers, config)
	if err != nil {
		return nil, err
	}

	log := i.logger.WithTenant(tenantID).WithField("account_id", accountID)
	stats := &ImportStats{}
	line := 1

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			stats.Errors = append(stats.Errors, &RowError{Line: line, Message: err.Error()})
			if len(stats.Errors) >= config.maxErrors() {
				return stats, errors.ValidationError(errors.CodeOutOfRange, "file",
					fmt.Sprintf("aborted after %d bad rows", len(stats.Errors)))
			}
			continue
		}
		stats.RowsRead++

		movement, rowErr := i.parseRow(record, columns, config, tenantID, accountID, line)
		if rowErr == nil {
			rowErr = i.create(ctx, movement, stats, line)
		}
		if rowErr != nil {
			i.count(tenantID, "error")
			stats.Errors = append(stats.Errors, rowErr)
			if len(stats.Errors) >= config.maxErrors() {
				return stats, errors.ValidationError(errors.CodeOutOfRange, "file",
					fmt.Sprintf("aborted after %d bad rows", len(stats.Errors)))
			}
		}
	}

	log.WithFields(logger.Fields{
		"rows_read":  stats.RowsRead,
		"imported":   stats.Imported,
		"duplicates": stats.Duplicates,
		"failed":     stats.Failed(),
	}).Info("Statement import finished")

	return stats, nil
}

// create persists one movement, translating fingerprint collisions into a
// duplicate count instead of a row error
func (i *Importer) create(ctx context.Context, movement *models.BankMovement, stats *ImportStats, line int) *RowError {
	err := i.store.CreateMovement(ctx, movement)
	if err == nil {
		stats.Imported++
		i.count(movement.TenantID, "imported")
		return nil
	}

	if appErr, ok := errors.AsError(err); ok && appErr.Code == errors.CodeDuplicateFingerprint {
		stats.Duplicates++
		i.count(movement.TenantID, "duplicate")
		return nil
	}

	return &RowError{Line: line, Message: err.Error()}
}

func (i *Importer) count(tenantID, result string) {
	if i.metrics != nil {
		i.metrics.IngestedMovements.WithLabelValues(tenantID, result).Inc()
	}
}

// columnMap resolves configured column names to record indexes
type columnMap struct {
	date      int
	amount    int
	currency  int
	desc      int
	reference int
	account   int
}

func mapColumns(headers []string, config *SourceConfig) (*columnMap, error) {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	find := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(strings.TrimSpace(name))]; ok {
			return i
		}
		return -1
	}

	columns := &columnMap{
		date:      find(config.DateColumn),
		amount:    find(config.AmountColumn),
		currency:  find(config.CurrencyColumn),
		desc:      find(config.DescColumn),
		reference: find(config.ReferenceColumn),
		account:   find(config.AccountColumn),
	}

	if columns.date < 0 {
		return nil, errors.ValidationError(errors.CodeMissingField, "header", config.DateColumn)
	}
	if columns.amount < 0 {
		return nil, errors.ValidationError(errors.CodeMissingField, "header", config.AmountColumn)
	}
	return columns, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func (i *Importer) parseRow(record []string, columns *columnMap, config *SourceConfig, tenantID, accountID string, line int) (*models.BankMovement, *RowError) {
	date, err := models.ParseDate(field(record, columns.date))
	if err != nil {
		return nil, &RowError{Line: line, Field: config.DateColumn, Message: err.Error()}
	}

	amount, err := models.ParseAmount(field(record, columns.amount))
	if err != nil {
		return nil, &RowError{Line: line, Field: config.AmountColumn, Message: err.Error()}
	}
	if amount.IsZero() {
		return nil, &RowError{Line: line, Field: config.AmountColumn, Message: "amount cannot be zero"}
	}

	currency := field(record, columns.currency)
	if currency == "" {
		currency = config.DefaultCurrency
	}

	account := field(record, columns.account)
	if account == "" {
		account = accountID
	}

	reference := field(record, columns.reference)

	movement := &models.BankMovement{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AccountID:   account,
		Date:        date,
		Amount:      models.RoundAmount(amount),
		Currency:    strings.ToUpper(currency),
		Description: field(record, columns.desc),
		Reference:   reference,
		Fingerprint: models.ComputeFingerprint(tenantID, account, date, amount, reference, line),
		Status:      models.MovementPending,
	}

	if err := movement.Validate(); err != nil {
		return nil, &RowError{Line: line, Message: err.Error()}
	}
	return movement, nil
}
