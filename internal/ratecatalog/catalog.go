// Package ratecatalog is C2: "what is the effective rate for this dialed
// number right now?" (spec §4.2), answered by Longest Prefix Match with a
// priority/recency tie-break.
package ratecatalog

import (
	"context"
	"strings"

	"github.com/apolotel/billingcore/internal/domain"
)

// Catalog resolves a dialed destination to its effective rate.
type Catalog interface {
	// Lookup returns billingerr.ErrRateNotFound if no rate matches. A
	// destination with no digits returns the same ErrRateNotFound; it is
	// not reported as a separate outcome.
	Lookup(ctx context.Context, destination string) (domain.Rate, error)

	// Invalidate drops any cached lookup state; editing a rate must call
	// this (spec §4.3's "coarse invalidation" contract lives one layer up
	// in ratecache, but the catalog itself is always read-through).
	Invalidate(ctx context.Context) error
}

// Normalize strips every non-digit character, per spec §4.2 step 0.
func Normalize(destination string) string {
	var b strings.Builder

	for _, r := range destination {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// Prefixes returns every non-empty prefix of normalized, longest first, as
// required by the LPM scan in spec §4.2 step 1.
func Prefixes(normalized string) []string {
	if normalized == "" {
		return nil
	}

	out := make([]string, 0, len(normalized))

	for l := len(normalized); l >= 1; l-- {
		out = append(out, normalized[:l])
	}

	return out
}
