// Package reservation is C4, the reservation manager: it sizes, creates,
// extends, consumes, releases, and sweeps the per-call holds that back every
// account's available balance (spec §4.4).
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/internal/ledgerstore"
	"github.com/apolotel/billingcore/pkg/mlog"
	"github.com/apolotel/billingcore/pkg/money"
)

// Config holds the knobs from spec §4.4.1. All amounts share the account
// currency's 4-decimal fixed-point scale (pkg/money.Scale).
type Config struct {
	InitialReservationMinutes decimal.Decimal
	ReservationBufferPercent  decimal.Decimal
	MinReservationAmount      decimal.Decimal
	MaxReservationAmount      decimal.Decimal
	ReservationTTL            time.Duration
	MaxConcurrentCalls        int
	MaxDeficitAmount          decimal.Decimal
	DeficitWarningThreshold   decimal.Decimal
	AutoSuspendOnDeficit      bool
	TollFreeMaxDuration       time.Duration
}

// EventSink publishes the fire-and-forget collaborator notifications that
// fall out of a consume (spec §4.4.5 steps 5-6). A nil sink is valid; the
// manager then just skips the notification.
type EventSink interface {
	DeficitWarning(ctx context.Context, accountID string, deficit decimal.Decimal)
	AccountSuspended(ctx context.Context, accountID string)
}

// Manager is C4. It is the only component allowed to read spec §4.4's sizing
// and policy rules; ledgerstore.Store stays a dumb row-mover (spec §9).
type Manager struct {
	store  ledgerstore.Store
	cfg    Config
	sink   EventSink
	logger mlog.Logger
}

func New(store ledgerstore.Store, cfg Config, sink EventSink, logger mlog.Logger) *Manager {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Manager{store: store, cfg: cfg, sink: sink, logger: logger}
}

// sizeReservation implements spec §4.4.2.
func sizeReservation(perMinute, minutes decimal.Decimal, cfg Config) decimal.Decimal {
	if perMinute.IsZero() {
		return cfg.MinReservationAmount
	}

	base := perMinute.Mul(minutes)
	buffered := base.Mul(decimal.NewFromInt(1).Add(cfg.ReservationBufferPercent.Div(decimal.NewFromInt(100))))

	return money.Round(money.Clamp(buffered, cfg.MinReservationAmount, cfg.MaxReservationAmount))
}

// MaxDurationSeconds implements the caller-visible duration cap from spec
// §4.4.3: "(amount / per_minute) × 60, truncated to integer", with a fixed
// cap for toll-free rates.
func (m *Manager) MaxDurationSeconds(perMinute, amount decimal.Decimal) int64 {
	if perMinute.IsZero() {
		return int64(m.cfg.TollFreeMaxDuration.Seconds())
	}

	minutes := amount.Div(perMinute)

	return minutes.Mul(decimal.NewFromInt(60)).IntPart()
}

// CreateInitialReservation implements spec §4.4.3. It is idempotent on
// call_id: a retried create for a call_id that already has a reservation
// returns the existing one rather than double-reserving (spec §7 Conflict).
func (m *Manager) CreateInitialReservation(ctx context.Context, accountID, callID string, rate domain.RateSnapshot) (domain.Reservation, error) {
	if existing, err := m.store.FindReservationByCallID(ctx, callID); err == nil {
		return existing, nil
	} else if !errors.Is(err, billingerr.ErrReservationNotFound) {
		return domain.Reservation{}, err
	}

	minutes := m.cfg.InitialReservationMinutes
	amount := sizeReservation(rate.PerMinute, minutes, m.cfg)

	var result domain.Reservation

	err := m.retryOnce(ctx, func(ctx context.Context) error {
		return m.store.WithTransaction(ctx, func(ctx context.Context) error {
			account, err := m.store.LockAccount(ctx, accountID)
			if err != nil {
				return translateAccountErr(err)
			}

			if err := checkAccountActive(account); err != nil {
				return err
			}

			maxConcurrent := m.cfg.MaxConcurrentCalls
			if account.MaxConcurrentCall > 0 {
				maxConcurrent = account.MaxConcurrentCall
			}

			count, err := m.store.CountActiveReservations(ctx, accountID)
			if err != nil {
				return err
			}

			if count >= maxConcurrent {
				return billingerr.New(domain.ReasonConcurrentLimitExceeded, "")
			}

			if account.Available().LessThan(amount) {
				return billingerr.New(domain.ReasonInsufficientBalance, "")
			}

			if _, _, err := m.store.ApplyDelta(ctx, accountID, amount.Neg(), domain.TxKindReserveCreate, "initial reservation", callID, ""); err != nil {
				return err
			}

			now := time.Now().UTC()

			result = domain.Reservation{
				ID:              uuid.NewString(),
				AccountID:       accountID,
				CallID:          callID,
				Kind:            domain.ReservationKindInitial,
				Reserved:        amount,
				Status:          domain.ReservationStatusActive,
				PerMinute:       rate.PerMinute,
				Prefix:          rate.Prefix,
				ReservedMinutes: minutes,
				ExpiresAt:       now.Add(m.cfg.ReservationTTL),
			}

			return m.store.InsertReservation(ctx, result)
		})
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	return result, nil
}

// Extend implements spec §4.4.4: same sizing/clamp/concurrency rules as
// create, a new reservation row of kind=extension linked to the same
// call_id, and a new combined max_duration across every holding reservation.
func (m *Manager) Extend(ctx context.Context, callID string, additionalMinutes decimal.Decimal) (domain.ExtendResult, error) {
	var result domain.ExtendResult

	err := m.retryOnce(ctx, func(ctx context.Context) error {
		return m.store.WithTransaction(ctx, func(ctx context.Context) error {
			holding, err := m.store.FindHoldingReservationsByCallID(ctx, callID)
			if err != nil {
				return err
			}

			if len(holding) == 0 {
				return billingerr.New(domain.ReasonReservationNotFound, "no active reservation for call")
			}

			first := holding[0]
			accountID := first.AccountID

			account, err := m.store.LockAccount(ctx, accountID)
			if err != nil {
				return translateAccountErr(err)
			}

			if err := checkAccountActive(account); err != nil {
				return err
			}

			maxConcurrent := m.cfg.MaxConcurrentCalls
			if account.MaxConcurrentCall > 0 {
				maxConcurrent = account.MaxConcurrentCall
			}

			// count already includes this call's own reservation, so the
			// cap only fires if other concurrent calls pushed past it.
			count, err := m.store.CountActiveReservations(ctx, accountID)
			if err != nil {
				return err
			}

			if count > maxConcurrent {
				return billingerr.New(domain.ReasonConcurrentLimitExceeded, "")
			}

			amount := sizeReservation(first.PerMinute, additionalMinutes, m.cfg)

			if account.Available().LessThan(amount) {
				return billingerr.New(domain.ReasonInsufficientBalance, "")
			}

			if _, _, err := m.store.ApplyDelta(ctx, accountID, amount.Neg(), domain.TxKindReserveCreate, "extension", callID, ""); err != nil {
				return err
			}

			now := time.Now().UTC()
			extension := domain.Reservation{
				ID:              uuid.NewString(),
				AccountID:       accountID,
				CallID:          callID,
				Kind:            domain.ReservationKindExtension,
				Reserved:        amount,
				Status:          domain.ReservationStatusActive,
				PerMinute:       first.PerMinute,
				Prefix:          first.Prefix,
				ReservedMinutes: additionalMinutes,
				ExpiresAt:       now.Add(m.cfg.ReservationTTL),
			}

			if err := m.store.InsertReservation(ctx, extension); err != nil {
				return err
			}

			totalRemaining := amount
			for _, r := range holding {
				totalRemaining = totalRemaining.Add(r.Remaining())
			}

			result = domain.ExtendResult{
				AddedReserved:  amount,
				NewMaxDuration: m.MaxDurationSeconds(first.PerMinute, totalRemaining),
			}

			return nil
		})
	})

	return result, err
}

// Consume implements spec §4.4.5. Both the normal and deficit branches
// reduce to the same ledger shape once the hold is unwound first: refund the
// full remaining hold, then re-debit exactly what the call actually cost.
// That reconciles the worked examples in spec §8 (e.g. scenario 1: a
// $0.135 hold refunded in full then re-debited $0.0125 nets to the same
// $0.1225 "released" the narrative describes, scenario 2 likewise for the
// deficit case) without double-charging the portion already held.
func (m *Manager) Consume(ctx context.Context, callID string, actualCost decimal.Decimal, billableSeconds int64) (domain.ConsumeResult, error) {
	var result domain.ConsumeResult

	err := m.retryOnce(ctx, func(ctx context.Context) error {
		return m.store.WithTransaction(ctx, func(ctx context.Context) error {
			holding, err := m.store.FindHoldingReservationsByCallID(ctx, callID)
			if err != nil {
				return err
			}

			if len(holding) == 0 {
				result = domain.ConsumeResult{}
				return nil
			}

			accountID := holding[0].AccountID

			if _, err := m.store.LockAccount(ctx, accountID); err != nil {
				return translateAccountErr(err)
			}

			totalReserved := decimal.Zero
			totalRemaining := decimal.Zero

			for _, r := range holding {
				totalReserved = totalReserved.Add(r.Reserved)
				totalRemaining = totalRemaining.Add(r.Remaining())
			}

			consumeAmount := decimal.Min(actualCost, totalRemaining)
			deficit := actualCost.Sub(totalRemaining)

			if deficit.IsNegative() {
				deficit = decimal.Zero
			}

			released := totalRemaining.Sub(consumeAmount)
			now := time.Now().UTC()

			if err := distributeConsumeAndRelease(ctx, m.store, holding, consumeAmount, released, now); err != nil {
				return err
			}

			if totalRemaining.IsPositive() {
				if _, _, err := m.store.ApplyDelta(ctx, accountID, totalRemaining, domain.TxKindReserveRelease, "hold unwind", callID, ""); err != nil {
					return err
				}
			}

			if consumeAmount.IsPositive() {
				if _, _, err := m.store.ApplyDelta(ctx, accountID, consumeAmount.Neg(), domain.TxKindReserveConsume, "call charge", callID, ""); err != nil {
					return err
				}
			}

			newBalance := decimal.Zero

			if deficit.IsPositive() {
				_, next, err := m.store.ApplyDelta(ctx, accountID, deficit.Neg(), domain.TxKindDeficitIncurred, "deficit", callID, "")
				if err != nil {
					return err
				}

				newBalance = next

				if err := m.handleDeficit(ctx, accountID, newBalance); err != nil {
					return err
				}
			}

			result = domain.ConsumeResult{
				Reserved: totalReserved,
				Consumed: consumeAmount,
				Released: released,
				Deficit:  deficit,
			}

			return nil
		})
	})

	return result, err
}

func distributeConsumeAndRelease(ctx context.Context, store ledgerstore.Store, holding []domain.Reservation, consumeAmount, released decimal.Decimal, now time.Time) error {
	remainingToConsume := consumeAmount
	remainingToRelease := released

	for i := range holding {
		r := holding[i]
		take := decimal.Min(remainingToConsume, r.Remaining())
		r.Consumed = r.Consumed.Add(take)
		remainingToConsume = remainingToConsume.Sub(take)

		give := decimal.Min(remainingToRelease, r.Reserved.Sub(r.Consumed).Sub(r.Released))
		r.Released = r.Released.Add(give)
		remainingToRelease = remainingToRelease.Sub(give)

		r.UpdatedAt = now

		switch {
		case r.Remaining().IsPositive():
			r.Status = domain.ReservationStatusPartiallyConsumed
		case r.Consumed.IsPositive():
			r.Status = domain.ReservationStatusFullyConsumed
			r.ConsumedAt = &now
		default:
			r.Status = domain.ReservationStatusReleased
			r.ReleasedAt = &now
		}

		if err := store.UpdateReservation(ctx, r); err != nil {
			return err
		}
	}

	return nil
}

// handleDeficit applies spec §4.4.5 step 5: warning and auto-suspend
// thresholds are both evaluated against the absolute deficit.
func (m *Manager) handleDeficit(ctx context.Context, accountID string, newBalance decimal.Decimal) error {
	if !newBalance.IsNegative() {
		return nil
	}

	abs := newBalance.Abs()

	if abs.GreaterThanOrEqual(m.cfg.DeficitWarningThreshold) {
		m.logger.Warnf("account %s deficit %s exceeds warning threshold", accountID, abs)

		if m.sink != nil {
			m.sink.DeficitWarning(ctx, accountID, abs)
		}
	}

	if abs.GreaterThanOrEqual(m.cfg.MaxDeficitAmount) && m.cfg.AutoSuspendOnDeficit {
		if err := m.store.SetStatus(ctx, accountID, domain.AccountStatusSuspended); err != nil {
			return err
		}

		if _, _, err := m.store.ApplyDelta(ctx, accountID, decimal.Zero, domain.TxKindAccountSuspended, "auto-suspend on deficit", "", ""); err != nil {
			return err
		}

		if m.sink != nil {
			m.sink.AccountSuspended(ctx, accountID)
		}
	}

	return nil
}

// Release implements spec §4.4.6. Idempotent: a call_id with no holding
// reservations returns {released: 0} rather than an error.
func (m *Manager) Release(ctx context.Context, callID string) (domain.ReleaseResult, error) {
	var result domain.ReleaseResult

	err := m.retryOnce(ctx, func(ctx context.Context) error {
		return m.store.WithTransaction(ctx, func(ctx context.Context) error {
			holding, err := m.store.FindHoldingReservationsByCallID(ctx, callID)
			if err != nil {
				return err
			}

			if len(holding) == 0 {
				result = domain.ReleaseResult{}
				return nil
			}

			accountID := holding[0].AccountID

			if _, err := m.store.LockAccount(ctx, accountID); err != nil {
				return translateAccountErr(err)
			}

			now := time.Now().UTC()
			total := decimal.Zero

			for i := range holding {
				r := holding[i]
				delta := r.Remaining()
				r.Released = r.Released.Add(delta)
				r.Status = domain.ReservationStatusReleased
				r.ReleasedAt = &now
				r.UpdatedAt = now
				total = total.Add(delta)

				if err := m.store.UpdateReservation(ctx, r); err != nil {
					return err
				}
			}

			if total.IsPositive() {
				if _, _, err := m.store.ApplyDelta(ctx, accountID, total, domain.TxKindReserveRelease, "release without consumption", callID, ""); err != nil {
					return err
				}
			}

			result = domain.ReleaseResult{Released: total}

			return nil
		})
	})

	return result, err
}

// Sweep implements spec §4.4.7. It is idempotent and skips any reservation
// whose call has completed since it was listed, re-checked by re-reading the
// call's holding reservations (locked for update) inside the sweep
// transaction. Returns the number of reservations it expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	expired, err := m.store.FindExpiredHolding(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, exp := range expired {
		err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
			holding, err := m.store.FindHoldingReservationsByCallID(ctx, exp.CallID)
			if err != nil {
				return err
			}

			var target *domain.Reservation

			for i := range holding {
				if holding[i].ID == exp.ID {
					target = &holding[i]
					break
				}
			}

			if target == nil || !target.ExpiresAt.Before(now) {
				return nil
			}

			if _, err := m.store.LockAccount(ctx, target.AccountID); err != nil {
				return err
			}

			delta := target.Remaining()
			target.Released = target.Released.Add(delta)
			target.Status = domain.ReservationStatusExpired
			target.ReleasedAt = &now
			target.UpdatedAt = now

			if err := m.store.UpdateReservation(ctx, *target); err != nil {
				return err
			}

			if delta.IsPositive() {
				if _, _, err := m.store.ApplyDelta(ctx, target.AccountID, delta, domain.TxKindReserveRelease, "expired reservation", target.CallID, target.ID); err != nil {
					return err
				}
			}

			count++

			return nil
		})
		if err != nil {
			m.logger.Errorf("sweep: reservation %s: %v", exp.ID, err)
		}
	}

	return count, nil
}

// AccountBalance implements the read half of spec §4.4.8.
func (m *Manager) AccountBalance(ctx context.Context, accountID string) (domain.Account, bool, decimal.Decimal, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, false, decimal.Zero, translateAccountErr(err)
	}

	hasDeficit := account.Balance.IsNegative()
	deficitAmount := decimal.Zero

	if hasDeficit {
		deficitAmount = account.Balance.Abs()
	}

	return account, hasDeficit, deficitAmount, nil
}

// DeficitHistory implements the remainder of spec §4.4.8.
func (m *Manager) DeficitHistory(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	return m.store.DeficitHistory(ctx, accountID, limit)
}

func checkAccountActive(account domain.Account) error {
	switch account.Status {
	case domain.AccountStatusSuspended:
		return billingerr.New(domain.ReasonAccountSuspended, "")
	case domain.AccountStatusClosed:
		return billingerr.New(domain.ReasonAccountClosed, "")
	default:
		return nil
	}
}

func translateAccountErr(err error) error {
	if errors.Is(err, billingerr.ErrAccountNotFound) {
		return billingerr.New(domain.ReasonAccountNotFound, "")
	}

	return err
}

// retryOnce wraps a transaction in spec §7's bounded retry-once policy: a
// Transient error gets one fresh attempt before surfacing as
// reservation_failed; any BusinessError passes through untouched.
func (m *Manager) retryOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 1)

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !billingerr.IsTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}, policy)

	if billingerr.IsTransient(err) {
		return billingerr.New(domain.ReasonReservationFailed, err.Error())
	}

	return err
}
