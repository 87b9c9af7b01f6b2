package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/pkg/dbtx"
	"github.com/apolotel/billingcore/pkg/mlog"
)

var tracer = otel.Tracer("billingcore/ledgerstore")

// PostgresStore is the C1 Postgres adapter. It never enforces business
// policy (spec §4.1, §9) — it only moves rows under transaction.
type PostgresStore struct {
	db      *sql.DB
	logger  mlog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewPostgresStore wires a circuit breaker around the transaction boundary
// so persistent database unavailability fails fast instead of queuing
// timeouts (spec §7 "Fatal infrastructure").
func NewPostgresStore(db *sql.DB, logger mlog.Logger) *PostgresStore {
	st := gobreaker.Settings{
		Name:        "ledgerstore",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &PostgresStore{db: db, logger: logger, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ledgerstore.transaction")
	defer span.End()

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, dbtx.RunInTransaction(ctx, s.db, fn)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		span.SetStatus(codes.Error, "circuit breaker open")
		return &billingerr.Fatal{Err: err}
	}

	if isTransientPgError(err) {
		span.SetStatus(codes.Error, "transient postgres error")
		return &billingerr.Transient{Err: err}
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (s *PostgresStore) LockAccount(ctx context.Context, accountID string) (domain.Account, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	row := exec.QueryRowContext(ctx, `
		SELECT id, account_number, COALESCE(phone, ''), kind, balance, credit_limit,
		       currency, status, max_concurrent_call, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE`, accountID)

	return scanAccount(row)
}

func (s *PostgresStore) FindAccountByNumberOrPhone(ctx context.Context, normalized string) (domain.Account, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	row := exec.QueryRowContext(ctx, `
		SELECT id, account_number, COALESCE(phone, ''), kind, balance, credit_limit,
		       currency, status, max_concurrent_call, updated_at
		FROM accounts WHERE account_number = $1 OR phone = $1 LIMIT 1`, normalized)

	return scanAccount(row)
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account

	err := row.Scan(&a.ID, &a.AccountNumber, &a.Phone, &a.Kind, &a.Balance, &a.CreditLimit,
		&a.Currency, &a.Status, &a.MaxConcurrentCall, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, billingerr.ErrAccountNotFound
	}

	if err != nil {
		return domain.Account{}, err
	}

	return a, nil
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, kind domain.TransactionKind, reason string, callID, reservationID string) (decimal.Decimal, decimal.Decimal, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	var previous decimal.Decimal

	err := exec.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, billingerr.ErrAccountNotFound
	}

	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	next := previous.Add(delta)

	if _, err := exec.ExecContext(ctx, `UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2`, next, accountID); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if err := s.insertTransaction(ctx, exec, domain.LedgerTransaction{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Amount:          delta,
		PreviousBalance: previous,
		NewBalance:      next,
		Kind:            kind,
		Reason:          reason,
		CallID:          callID,
		ReservationID:   reservationID,
	}); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	return previous, next, nil
}

func (s *PostgresStore) insertTransaction(ctx context.Context, exec dbtx.Executor, t domain.LedgerTransaction) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, amount, previous_balance, new_balance, kind, reason, call_id, reservation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))`,
		t.ID, t.AccountID, t.Amount, t.PreviousBalance, t.NewBalance, t.Kind, t.Reason, t.CallID, t.ReservationID)

	return err
}

func (s *PostgresStore) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error {
	exec := dbtx.GetExecutor(ctx, s.db)

	_, err := exec.ExecContext(ctx, `UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2`, status, accountID)

	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_number, COALESCE(phone, ''), kind, balance, credit_limit,
		       currency, status, max_concurrent_call, updated_at
		FROM accounts WHERE id = $1`, accountID)

	return scanAccount(row)
}

func (s *PostgresStore) ReadAvailable(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var (
		balance, creditLimit decimal.Decimal
		kind                 domain.AccountKind
	)

	err := s.db.QueryRowContext(ctx, `SELECT balance, credit_limit, kind FROM accounts WHERE id = $1`, accountID).
		Scan(&balance, &creditLimit, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, billingerr.ErrAccountNotFound
	}

	if err != nil {
		return decimal.Zero, err
	}

	if kind == domain.AccountKindPostpaid {
		return balance.Add(creditLimit), nil
	}

	return balance, nil
}

func (s *PostgresStore) CountActiveReservations(ctx context.Context, accountID string) (int, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	var count int

	err := exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE account_id = $1 AND status IN ('active', 'partially_consumed')`, accountID).Scan(&count)

	return count, err
}

func (s *PostgresStore) InsertReservation(ctx context.Context, r domain.Reservation) error {
	exec := dbtx.GetExecutor(ctx, s.db)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, call_id, kind, reserved, consumed, released, status,
			per_minute, prefix, reserved_minutes, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())`,
		r.ID, r.AccountID, r.CallID, r.Kind, r.Reserved, r.Consumed, r.Released, r.Status,
		r.PerMinute, r.Prefix, r.ReservedMinutes, r.ExpiresAt)

	return err
}

func (s *PostgresStore) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	exec := dbtx.GetExecutor(ctx, s.db)

	_, err := exec.ExecContext(ctx, `
		UPDATE reservations
		SET consumed = $1, released = $2, status = $3, updated_at = now(), consumed_at = $4, released_at = $5
		WHERE id = $6`,
		r.Consumed, r.Released, r.Status, r.ConsumedAt, r.ReleasedAt, r.ID)

	return err
}

func (s *PostgresStore) FindReservationByCallID(ctx context.Context, callID string) (domain.Reservation, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	row := exec.QueryRowContext(ctx, reservationSelect+` WHERE call_id = $1 ORDER BY created_at ASC LIMIT 1`, callID)

	return scanReservation(row)
}

func (s *PostgresStore) FindHoldingReservationsByCallID(ctx context.Context, callID string) ([]domain.Reservation, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	rows, err := exec.QueryContext(ctx, reservationSelect+`
		WHERE call_id = $1 AND status IN ('active', 'partially_consumed')
		ORDER BY created_at ASC FOR UPDATE`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReservations(rows)
}

func (s *PostgresStore) FindExpiredHolding(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	exec := dbtx.GetExecutor(ctx, s.db)

	rows, err := exec.QueryContext(ctx, reservationSelect+`
		WHERE status IN ('active', 'partially_consumed') AND expires_at < $1
		ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReservations(rows)
}

func (s *PostgresStore) DeficitHistory(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, previous_balance, new_balance, kind, reason,
		       COALESCE(call_id, ''), COALESCE(reservation_id, ''), created_at
		FROM transactions
		WHERE account_id = $1 AND kind = $2
		ORDER BY created_at ASC LIMIT $3`, accountID, domain.TxKindDeficitIncurred, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerTransaction

	for rows.Next() {
		var t domain.LedgerTransaction

		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.PreviousBalance, &t.NewBalance,
			&t.Kind, &t.Reason, &t.CallID, &t.ReservationID, &t.CreatedAt); err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

const reservationSelect = `
	SELECT id, account_id, call_id, kind, reserved, consumed, released, status,
	       per_minute, prefix, reserved_minutes, expires_at, created_at, updated_at, consumed_at, released_at
	FROM reservations`

func scanReservation(row *sql.Row) (domain.Reservation, error) {
	var r domain.Reservation

	err := row.Scan(&r.ID, &r.AccountID, &r.CallID, &r.Kind, &r.Reserved, &r.Consumed, &r.Released, &r.Status,
		&r.PerMinute, &r.Prefix, &r.ReservedMinutes, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt, &r.ConsumedAt, &r.ReleasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, billingerr.ErrReservationNotFound
	}

	return r, err
}

func scanReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	var out []domain.Reservation

	for rows.Next() {
		var r domain.Reservation

		if err := rows.Scan(&r.ID, &r.AccountID, &r.CallID, &r.Kind, &r.Reserved, &r.Consumed, &r.Released, &r.Status,
			&r.PerMinute, &r.Prefix, &r.ReservedMinutes, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt, &r.ConsumedAt, &r.ReleasedAt); err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// isTransientPgError recognizes the Postgres SQLSTATE classes worth a
// single retry with fresh lock acquisition (spec §7): deadlock_detected
// (40P01) and serialization_failure (40001).
func isTransientPgError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "40P01") || strings.Contains(msg, "40001") ||
		strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize access")
}
