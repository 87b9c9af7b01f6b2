package domain

import "github.com/shopspring/decimal"

// Reason is the stable, machine-readable failure tag every provided
// operation returns on denial (spec §6.1).
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonAccountNotFound         Reason = "account_not_found"
	ReasonAccountSuspended        Reason = "account_suspended"
	ReasonAccountClosed           Reason = "account_closed"
	ReasonNoRateFound             Reason = "no_rate_found"
	ReasonInsufficientBalance     Reason = "insufficient_balance"
	ReasonConcurrentLimitExceeded Reason = "concurrent_limit_exceeded"
	ReasonReservationFailed       Reason = "reservation_failed"
	ReasonReservationNotFound     Reason = "reservation_not_found"
	ReasonInternal                Reason = "internal"
)

// AuthResult is the outcome of Authorize (spec §4.5, §6.1). Rate carries the
// full snapshot frozen at authorize time so a later mid-call rate-table edit
// never changes an in-flight call's cost (spec §3, SUPPLEMENTED FEATURES).
type AuthResult struct {
	Authorized        bool
	Reason            Reason
	AccountID         string
	ReservationID     string
	ReservedAmount    decimal.Decimal
	RatePerMinute     decimal.Decimal
	MaxDurationSecond int64
	Rate              RateSnapshot
}

// ConsumeResult is the outcome of Consume (spec §4.4.5, §6.1).
type ConsumeResult struct {
	Reserved decimal.Decimal
	Consumed decimal.Decimal
	Released decimal.Decimal
	Deficit  decimal.Decimal
}

// ReleaseResult is the outcome of Release (spec §4.4.6).
type ReleaseResult struct {
	Released decimal.Decimal
}

// ExtendResult is the outcome of Extend (spec §4.4.4).
type ExtendResult struct {
	AddedReserved  decimal.Decimal
	NewMaxDuration int64
}
