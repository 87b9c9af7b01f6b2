package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/apolotel/billingcore/pkg/money"
)

// Rate prices a destination prefix. Multiple rates may match a destination;
// ratecatalog.Lookup resolves the tie per spec §4.2.
type Rate struct {
	ID               string
	Prefix           string
	Name             string
	PerMinute        decimal.Decimal
	IncrementSeconds int64
	ConnectionFee    decimal.Decimal
	EffectiveFrom    time.Time
	EffectiveUntil   *time.Time
	Priority         int
	CreatedAt        time.Time
}

// Effective reports whether the rate applies at instant now.
func (r Rate) Effective(now time.Time) bool {
	if now.Before(r.EffectiveFrom) {
		return false
	}

	if r.EffectiveUntil != nil && !now.Before(*r.EffectiveUntil) {
		return false
	}

	return true
}

// RateSnapshot is the price frozen onto a call session at authorize time so
// a mid-call rate-table edit never changes an in-flight call's cost.
type RateSnapshot struct {
	RateID           string
	Prefix           string
	PerMinute        decimal.Decimal
	IncrementSeconds int64
	ConnectionFee    decimal.Decimal
}

func NewRateSnapshot(r Rate) RateSnapshot {
	return RateSnapshot{
		RateID:           r.ID,
		Prefix:           r.Prefix,
		PerMinute:        r.PerMinute,
		IncrementSeconds: r.IncrementSeconds,
		ConnectionFee:    r.ConnectionFee,
	}
}

// Cost computes the price of a call of billableSeconds duration per spec
// §4.2: billableSeconds <= 0 charges only the connection fee; otherwise
// duration rounds up to the next increment before pricing.
func (s RateSnapshot) Cost(billableSeconds int64) decimal.Decimal {
	if billableSeconds <= 0 {
		return s.ConnectionFee
	}

	rounded := money.RoundUpToIncrement(billableSeconds, s.IncrementSeconds)

	minutes := decimal.NewFromInt(rounded).Div(decimal.NewFromInt(60))

	return money.Round(s.PerMinute.Mul(minutes).Add(s.ConnectionFee))
}
