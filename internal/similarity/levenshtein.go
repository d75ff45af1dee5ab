package similarity

import (
	"context"

	"github.com/agnivade/levenshtein"
)

// LevenshteinProvider scores similarity by normalized edit distance. It is
// the default provider: purely local, deterministic and never errors.
type LevenshteinProvider struct{}

// NewLevenshteinProvider creates a Levenshtein-based provider
func NewLevenshteinProvider() *LevenshteinProvider {
	return &LevenshteinProvider{}
}

// Similarity returns 1 minus the edit distance relative to the longer input.
// Both inputs are normalized first; two empty normalized inputs score zero
// rather than a vacuous 1.0.
func (p *LevenshteinProvider) Similarity(_ context.Context, a, b string) (float64, error) {
	na := normalize(a)
	nb := normalize(b)

	if na == "" && nb == "" {
		return 0.0, nil
	}

	if na == nb {
		return 1.0, nil
	}

	longer := len([]rune(na))
	if l := len([]rune(nb)); l > longer {
		longer = l
	}

	dist := levenshtein.ComputeDistance(na, nb)
	score := 1.0 - float64(dist)/float64(longer)
	if score < 0 {
		score = 0
	}

	return score, nil
}
