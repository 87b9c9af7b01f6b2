// Package money centralizes the fixed-point decimal arithmetic the billing
// core uses everywhere balances or prices are touched. Nothing here ever
// crosses through float64 — every conversion goes through shopspring/decimal.
package money

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits money is stored and compared at.
const Scale = 4

// Round rounds d to Scale fractional digits using half-up rounding, the
// convention the ledger uses for every persisted amount.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Clamp restricts d to the inclusive range [min, max].
func Clamp(d, min, max decimal.Decimal) decimal.Decimal {
	if d.LessThan(min) {
		return min
	}

	if d.GreaterThan(max) {
		return max
	}

	return d
}

// RoundUpToIncrement rounds billableSeconds up to the next multiple of
// incrementSeconds. billableSeconds <= 0 returns 0; callers treat that as
// "connection fee only" per the cost model.
func RoundUpToIncrement(billableSeconds, incrementSeconds int64) int64 {
	if billableSeconds <= 0 {
		return 0
	}

	if incrementSeconds <= 0 {
		incrementSeconds = 1
	}

	units := (billableSeconds + incrementSeconds - 1) / incrementSeconds

	return units * incrementSeconds
}
