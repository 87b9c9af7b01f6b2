// Package ledgerstore is C1: atomic, serializable primitives over accounts
// and the append-only transaction log (spec §4.1).
package ledgerstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apolotel/billingcore/internal/domain"
)

// Store is the contract the rest of the core depends on. Implementations
// must serialize all balance-mutating operations per account_id behind
// LockAccount and must never enforce business policy (spec §4.1, §9).
type Store interface {
	// WithTransaction runs fn inside a single database transaction, so a
	// caller can LockAccount and ApplyDelta atomically with its own writes
	// (e.g. inserting a reservation row).
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// LockAccount takes a row-level exclusive lock on the account held for
	// the enclosing transaction and returns its current state. Must be
	// called inside WithTransaction.
	LockAccount(ctx context.Context, accountID string) (domain.Account, error)

	// ApplyDelta re-reads the balance, writes new = previous + delta, and
	// appends one transaction record, inside the enclosing transaction.
	ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, kind domain.TransactionKind, reason string, callID, reservationID string) (previous, next decimal.Decimal, err error)

	// SetStatus updates an account's status inside the enclosing
	// transaction (used by the deficit auto-suspend path, spec §4.4.5).
	SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error

	// ReadAvailable returns balance (+credit_limit if postpaid) without
	// locking (spec §4.1).
	ReadAvailable(ctx context.Context, accountID string) (decimal.Decimal, error)

	// GetAccount reads an account's current state without locking (used
	// for the read-only account_balance operation, spec §6.1).
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)

	// FindAccountByNumberOrPhone resolves caller identity for C5 (spec
	// §4.5 step 2); does not lock.
	FindAccountByNumberOrPhone(ctx context.Context, normalizedCaller string) (domain.Account, error)

	// CountActiveReservations returns the authoritative, database-backed
	// count of active-or-partially-consumed reservations for an account,
	// used for the concurrency check (spec §4.4.3 step 4, §9 "the spec
	// mandates the authoritative count come from the database under the
	// account lock").
	CountActiveReservations(ctx context.Context, accountID string) (int, error)

	// InsertReservation persists a new reservation row.
	InsertReservation(ctx context.Context, r domain.Reservation) error

	// UpdateReservation persists mutations to an existing reservation row.
	UpdateReservation(ctx context.Context, r domain.Reservation) error

	// FindReservationByCallID returns the reservation for call_id if the
	// caller needs the idempotent-create check (spec §7 Conflict); returns
	// billingerr.ErrReservationNotFound if absent.
	FindReservationByCallID(ctx context.Context, callID string) (domain.Reservation, error)

	// FindHoldingReservationsByCallID returns reservations for call_id
	// whose status is active or partially_consumed, FIFO by created_at,
	// locked for update.
	FindHoldingReservationsByCallID(ctx context.Context, callID string) ([]domain.Reservation, error)

	// FindExpiredHolding returns holding reservations whose expires_at is
	// before now, for the sweep (spec §4.4.7).
	FindExpiredHolding(ctx context.Context, now time.Time) ([]domain.Reservation, error)

	// DeficitHistory returns, oldest first, the deficit_incurred
	// transactions for an account (spec §4.4.8).
	DeficitHistory(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error)
}
