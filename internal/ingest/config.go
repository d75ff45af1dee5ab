package ingest

import (
	"strings"

	"github.com/concilia-dev/concilia/pkg/errors"
)

// SourceConfig describes the CSV layout of a bank export. Column values are
// header names; Aliases lets one config cover banks that label the same
// column differently.
type SourceConfig struct {
	Name            string
	Delimiter       rune
	DateColumn      string
	AmountColumn    string
	CurrencyColumn  string
	DescColumn      string
	ReferenceColumn string
	AccountColumn   string

	// DefaultCurrency fills rows whose currency column is absent or empty
	DefaultCurrency string

	// MaxErrors aborts the import once this many rows have failed; 0 keeps
	// the default
	MaxErrors int
}

// DefaultMaxErrors bounds how many bad rows an import tolerates before it
// gives up on the file as a whole
const DefaultMaxErrors = 100

// StandardConfig covers the common export layout used by most banks
var StandardConfig = &SourceConfig{
	Name:            "standard",
	Delimiter:       ',',
	DateColumn:      "date",
	AmountColumn:    "amount",
	CurrencyColumn:  "currency",
	DescColumn:      "description",
	ReferenceColumn: "reference",
	AccountColumn:   "account",
	DefaultCurrency: "USD",
}

// columnAliases maps logical columns to the header spellings seen across
// bank exports. Matching is case-insensitive on the trimmed header.
var columnAliases = map[string][]string{
	"date":        {"date", "transaction_date", "value_date", "booking_date", "posted"},
	"amount":      {"amount", "transaction_amount", "value", "debit_credit"},
	"currency":    {"currency", "ccy", "currency_code"},
	"description": {"description", "details", "narrative", "memo", "transaction_details"},
	"reference":   {"reference", "ref", "reference_number", "payment_reference"},
	"account":     {"account", "account_id", "account_number", "iban"},
}

// Validate checks that the config names the columns an import cannot run
// without
func (c *SourceConfig) Validate() error {
	if strings.TrimSpace(c.DateColumn) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "ingest.date_column", nil)
	}
	if strings.TrimSpace(c.AmountColumn) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "ingest.amount_column", nil)
	}
	if strings.TrimSpace(c.DescColumn) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "ingest.description_column", nil)
	}
	return nil
}

func (c *SourceConfig) delimiter() rune {
	if c.Delimiter == 0 {
		return ','
	}
	return c.Delimiter
}

func (c *SourceConfig) maxErrors() int {
	if c.MaxErrors <= 0 {
		return DefaultMaxErrors
	}
	return c.MaxErrors
}

// DetectConfig builds a SourceConfig from a header row using the known
// column aliases. It returns an error when the date or amount column cannot
// be identified.
func DetectConfig(headers []string) (*SourceConfig, error) {
	normalized := make(map[string]string, len(headers))
	for _, h := range headers {
		normalized[strings.ToLower(strings.TrimSpace(h))] = strings.TrimSpace(h)
	}

	find := func(logical string) string {
		for _, alias := range columnAliases[logical] {
			if actual, ok := normalized[alias]; ok {
				return actual
			}
		}
		return ""
	}

	config := &SourceConfig{
		Name:            "detected",
		Delimiter:       ',',
		DateColumn:      find("date"),
		AmountColumn:    find("amount"),
		CurrencyColumn:  find("currency"),
		DescColumn:      find("description"),
		ReferenceColumn: find("reference"),
		AccountColumn:   find("account"),
		DefaultCurrency: "USD",
	}

	if config.DateColumn == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "header", "no recognizable date column")
	}
	if config.AmountColumn == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "header", "no recognizable amount column")
	}
	return config, nil
}
