package matcher

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
)

// MatchingConfig defines per-tenant tuning for candidate generation and
// confidence scoring. Tenants without an override use DefaultConfig.
type MatchingConfig struct {
	// AutoThreshold is the minimum composite score for automatic application
	AutoThreshold float64 `json:"auto_threshold"`

	// SuggestThreshold is the minimum composite score to produce a suggestion
	SuggestThreshold float64 `json:"suggest_threshold"`

	// DateWindowDays bounds candidate lookup around the movement date
	DateWindowDays int `json:"date_window_days"`

	// AmountTolerancePercent is the relative tolerance for amount equality,
	// expressed as a fraction (0.01 = 1%)
	AmountTolerancePercent float64 `json:"amount_tolerance_percent"`

	// AmountToleranceAbsolute is the floor applied when the percentage
	// tolerance on small amounts would drop below a cent
	AmountToleranceAbsolute decimal.Decimal `json:"amount_tolerance_absolute"`

	// Weights control the relative importance of each scoring feature
	Weights models.FeatureWeights `json:"weights"`

	// MaxCandidates caps how many candidates are scored per movement
	MaxCandidates int `json:"max_candidates"`

	// MaxSplitItems caps the combination size of the split search
	MaxSplitItems int `json:"max_split_items"`

	// Version increments on every persisted update, so recalibrations can
	// be ordered and traced against historical decisions
	Version int64 `json:"version"`

	// UpdatedAt and UpdatedBy record the last persisted change
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// DefaultConfig returns the standard matching configuration
func DefaultConfig() *MatchingConfig {
	return &MatchingConfig{
		AutoThreshold:           0.85,
		SuggestThreshold:        0.60,
		DateWindowDays:          7,
		AmountTolerancePercent:  0.01,
		AmountToleranceAbsolute: decimal.NewFromFloat(0.01),
		Weights: models.FeatureWeights{
			Amount:      0.40,
			Date:        0.20,
			Description: 0.25,
			Reference:   0.15,
		},
		MaxCandidates: 10,
		MaxSplitItems: 5,
	}
}

// StrictConfig returns a configuration for tenants that prefer manual review
// over occasional false matches
func StrictConfig() *MatchingConfig {
	config := DefaultConfig()
	config.AutoThreshold = 0.95
	config.SuggestThreshold = 0.75
	config.DateWindowDays = 3
	config.AmountTolerancePercent = 0.001
	return config
}

// RelaxedConfig returns a configuration for tenants with noisy statement data
func RelaxedConfig() *MatchingConfig {
	config := DefaultConfig()
	config.AutoThreshold = 0.80
	config.SuggestThreshold = 0.50
	config.DateWindowDays = 14
	config.AmountTolerancePercent = 0.02
	return config
}

// Validate checks if the configuration is valid
func (c *MatchingConfig) Validate() error {
	if c.AutoThreshold < 0.0 || c.AutoThreshold > 1.0 {
		return fmt.Errorf("auto threshold must be between 0.0 and 1.0, got %f", c.AutoThreshold)
	}

	if c.SuggestThreshold < 0.0 || c.SuggestThreshold > 1.0 {
		return fmt.Errorf("suggest threshold must be between 0.0 and 1.0, got %f", c.SuggestThreshold)
	}

	if c.SuggestThreshold > c.AutoThreshold {
		return fmt.Errorf("suggest threshold (%f) cannot exceed auto threshold (%f)", c.SuggestThreshold, c.AutoThreshold)
	}

	if c.DateWindowDays <= 0 {
		return fmt.Errorf("date window must be positive, got %d days", c.DateWindowDays)
	}

	if c.AmountTolerancePercent < 0.0 || c.AmountTolerancePercent > 0.5 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 0.5, got %f", c.AmountTolerancePercent)
	}

	if c.AmountToleranceAbsolute.IsNegative() {
		return fmt.Errorf("amount tolerance absolute cannot be negative")
	}

	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max candidates must be positive, got %d", c.MaxCandidates)
	}

	if c.MaxSplitItems < 2 {
		return fmt.Errorf("max split items must be at least 2, got %d", c.MaxSplitItems)
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *MatchingConfig) Clone() *MatchingConfig {
	clone := *c
	return &clone
}

// AmountTolerance returns the effective tolerance for a given base amount:
// the percentage tolerance with the absolute tolerance as a floor
func (c *MatchingConfig) AmountTolerance(base decimal.Decimal) decimal.Decimal {
	relative := base.Abs().Mul(decimal.NewFromFloat(c.AmountTolerancePercent))
	if relative.LessThan(c.AmountToleranceAbsolute) {
		return c.AmountToleranceAbsolute
	}
	return relative
}

// AmountsMatch reports whether two amounts are equal within tolerance
func (c *MatchingConfig) AmountsMatch(a, b decimal.Decimal) bool {
	return a.Abs().Sub(b.Abs()).Abs().LessThanOrEqual(c.AmountTolerance(a))
}
