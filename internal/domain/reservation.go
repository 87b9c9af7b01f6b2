package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationKind string

const (
	ReservationKindInitial   ReservationKind = "initial"
	ReservationKindExtension ReservationKind = "extension"
)

// ReservationStatus transitions monotonically toward a terminal state; the
// terminal states are sticky (spec §3).
type ReservationStatus string

const (
	ReservationStatusActive             ReservationStatus = "active"
	ReservationStatusPartiallyConsumed  ReservationStatus = "partially_consumed"
	ReservationStatusFullyConsumed      ReservationStatus = "fully_consumed"
	ReservationStatusReleased           ReservationStatus = "released"
	ReservationStatusExpired            ReservationStatus = "expired"
	ReservationStatusCancelled          ReservationStatus = "cancelled"
)

// IsTerminal reports whether status is a sticky end state.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationStatusFullyConsumed, ReservationStatusReleased, ReservationStatusExpired, ReservationStatusCancelled:
		return true
	default:
		return false
	}
}

// IsHolding reports whether the reservation still has funds held for an
// in-progress call (spec §3: "status ∈ {active, partially_consumed} iff
// reservation still holds funds and now < expires_at").
func (s ReservationStatus) IsHolding() bool {
	return s == ReservationStatusActive || s == ReservationStatusPartiallyConsumed
}

// Reservation is a hold on an account's balance for a specific call.
type Reservation struct {
	ID              string
	AccountID       string
	CallID          string
	Kind            ReservationKind
	Reserved        decimal.Decimal
	Consumed        decimal.Decimal
	Released        decimal.Decimal
	Status          ReservationStatus
	PerMinute       decimal.Decimal
	Prefix          string
	ReservedMinutes decimal.Decimal
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConsumedAt      *time.Time
	ReleasedAt      *time.Time
}

// Remaining is the unconsumed, unreleased portion still held, per spec §3.
func (r Reservation) Remaining() decimal.Decimal {
	return r.Reserved.Sub(r.Consumed).Sub(r.Released)
}

// TransactionKind enumerates the ledger-entry kinds from spec §3.
type TransactionKind string

const (
	TxKindCredit           TransactionKind = "credit"
	TxKindDebit            TransactionKind = "debit"
	TxKindReserveCreate    TransactionKind = "reserve_create"
	TxKindReserveConsume   TransactionKind = "reserve_consume"
	TxKindReserveRelease   TransactionKind = "reserve_release"
	TxKindAdjustment       TransactionKind = "adjustment"
	TxKindRefund           TransactionKind = "refund"
	TxKindDeficitIncurred  TransactionKind = "deficit_incurred"
	TxKindAccountSuspended TransactionKind = "account_suspended"
)

// LedgerTransaction is an immutable, append-only ledger entry. new_balance
// always equals previous_balance + amount (spec §3).
type LedgerTransaction struct {
	ID              string
	AccountID       string
	Amount          decimal.Decimal
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	Kind            TransactionKind
	Reason          string
	CallID          string
	ReservationID   string
	CreatedAt       time.Time
}
