// Package authorization is C5: it resolves caller identity to an account,
// runs pre-flight checks, and delegates hold creation to the reservation
// manager (spec §4.5).
package authorization

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/internal/ratecatalog"
	"github.com/apolotel/billingcore/pkg/mlog"
)

// Catalog is the narrow slice of C3 this service needs.
type Catalog interface {
	Lookup(ctx context.Context, destination string) (domain.Rate, error)
}

// AccountResolver is the narrow slice of C1 this service needs to resolve
// caller identity, kept separate from reservation.Manager so C5 never
// touches the ledger directly (spec §4.5, §9).
type AccountResolver interface {
	FindAccountByNumberOrPhone(ctx context.Context, normalized string) (domain.Account, error)
}

// Reservations is the narrow slice of C4 this service delegates to.
type Reservations interface {
	CreateInitialReservation(ctx context.Context, accountID, callID string, rate domain.RateSnapshot) (domain.Reservation, error)
	MaxDurationSeconds(perMinute, amount decimal.Decimal) int64
}

type Service struct {
	accounts     AccountResolver
	catalog      Catalog
	reservations Reservations
	logger       mlog.Logger
}

func New(accounts AccountResolver, catalog Catalog, reservations Reservations, logger mlog.Logger) *Service {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Service{accounts: accounts, catalog: catalog, reservations: reservations, logger: logger}
}

// Authorize implements spec §4.5.
func (s *Service) Authorize(ctx context.Context, caller, callee, callID string) domain.AuthResult {
	normalizedCaller := ratecatalog.Normalize(caller)

	account, err := s.accounts.FindAccountByNumberOrPhone(ctx, normalizedCaller)
	if err != nil {
		return domain.AuthResult{Authorized: false, Reason: domain.ReasonAccountNotFound}
	}

	if reason, ok := accountStatusReason(account.Status); !ok {
		return domain.AuthResult{Authorized: false, Reason: reason, AccountID: account.ID}
	}

	rate, err := s.catalog.Lookup(ctx, callee)
	if err != nil {
		if errors.Is(err, billingerr.ErrRateNotFound) {
			return domain.AuthResult{Authorized: false, Reason: domain.ReasonNoRateFound, AccountID: account.ID}
		}

		s.logger.Errorf("authorize: rate lookup: %v", err)

		return domain.AuthResult{Authorized: false, Reason: domain.ReasonInternal, AccountID: account.ID}
	}

	snapshot := domain.NewRateSnapshot(rate)

	reservation, err := s.reservations.CreateInitialReservation(ctx, account.ID, callID, snapshot)
	if err != nil {
		return domain.AuthResult{Authorized: false, Reason: translateReservationErr(err), AccountID: account.ID}
	}

	return domain.AuthResult{
		Authorized:        true,
		AccountID:         account.ID,
		ReservationID:     reservation.ID,
		ReservedAmount:    reservation.Reserved,
		RatePerMinute:     rate.PerMinute,
		MaxDurationSecond: s.reservations.MaxDurationSeconds(rate.PerMinute, reservation.Reserved),
		Rate:              snapshot,
	}
}

func accountStatusReason(status domain.AccountStatus) (domain.Reason, bool) {
	switch status {
	case domain.AccountStatusActive:
		return domain.ReasonNone, true
	case domain.AccountStatusSuspended:
		return domain.ReasonAccountSuspended, false
	case domain.AccountStatusClosed:
		return domain.ReasonAccountClosed, false
	default:
		return domain.ReasonInternal, false
	}
}

// translateReservationErr implements spec §4.5 step 5's translation table.
func translateReservationErr(err error) domain.Reason {
	reason := billingerr.ReasonOf(err)

	switch reason {
	case domain.ReasonInsufficientBalance, domain.ReasonConcurrentLimitExceeded:
		return reason
	default:
		return domain.ReasonReservationFailed
	}
}
