// Package similarity provides text similarity scoring for movement and
// target descriptions. A local Levenshtein provider is always available; an
// HTTP provider can delegate to an external embedding service, wrapped in a
// circuit breaker so outages degrade scoring instead of failing it.
package similarity

import (
	"context"
	"strings"
	"unicode"
)

// Provider computes similarity between two texts, returning a value in [0,1]
type Provider interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// normalize lowercases, strips punctuation and collapses whitespace so
// cosmetic statement formatting does not dominate the distance
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}

	return strings.TrimSpace(b.String())
}
