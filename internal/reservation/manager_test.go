package reservation

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
)

// fakeStore is an in-memory ledgerstore.Store good enough to drive the C4
// state machine without a live Postgres, mirroring ratecache's fakeBackend.
type fakeStore struct {
	accounts     map[string]domain.Account
	reservations map[string]domain.Reservation
	transactions []domain.LedgerTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:     map[string]domain.Account{},
		reservations: map[string]domain.Reservation{},
	}
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) LockAccount(_ context.Context, accountID string) (domain.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.Account{}, billingerr.ErrAccountNotFound
	}

	return a, nil
}

func (s *fakeStore) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return s.LockAccount(ctx, accountID)
}

func (s *fakeStore) ApplyDelta(_ context.Context, accountID string, delta decimal.Decimal, kind domain.TransactionKind, reason string, callID, reservationID string) (decimal.Decimal, decimal.Decimal, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, decimal.Zero, billingerr.ErrAccountNotFound
	}

	previous := a.Balance
	next := previous.Add(delta)
	a.Balance = next
	s.accounts[accountID] = a

	s.transactions = append(s.transactions, domain.LedgerTransaction{
		ID: uuid.NewString(), AccountID: accountID, Amount: delta, PreviousBalance: previous,
		NewBalance: next, Kind: kind, Reason: reason, CallID: callID, ReservationID: reservationID,
	})

	return previous, next, nil
}

func (s *fakeStore) SetStatus(_ context.Context, accountID string, status domain.AccountStatus) error {
	a := s.accounts[accountID]
	a.Status = status
	s.accounts[accountID] = a

	return nil
}

func (s *fakeStore) ReadAvailable(_ context.Context, accountID string) (decimal.Decimal, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, billingerr.ErrAccountNotFound
	}

	return a.Available(), nil
}

func (s *fakeStore) FindAccountByNumberOrPhone(_ context.Context, normalized string) (domain.Account, error) {
	for _, a := range s.accounts {
		if a.AccountNumber == normalized || a.Phone == normalized {
			return a, nil
		}
	}

	return domain.Account{}, billingerr.ErrAccountNotFound
}

func (s *fakeStore) CountActiveReservations(_ context.Context, accountID string) (int, error) {
	n := 0

	for _, r := range s.reservations {
		if r.AccountID == accountID && r.Status.IsHolding() {
			n++
		}
	}

	return n, nil
}

func (s *fakeStore) InsertReservation(_ context.Context, r domain.Reservation) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.reservations[r.ID] = r

	return nil
}

func (s *fakeStore) UpdateReservation(_ context.Context, r domain.Reservation) error {
	s.reservations[r.ID] = r
	return nil
}

func (s *fakeStore) FindReservationByCallID(_ context.Context, callID string) (domain.Reservation, error) {
	var out domain.Reservation

	found := false

	for _, r := range s.reservations {
		if r.CallID == callID && (!found || r.CreatedAt.Before(out.CreatedAt)) {
			out = r
			found = true
		}
	}

	if !found {
		return domain.Reservation{}, billingerr.ErrReservationNotFound
	}

	return out, nil
}

func (s *fakeStore) FindHoldingReservationsByCallID(_ context.Context, callID string) ([]domain.Reservation, error) {
	var out []domain.Reservation

	for _, r := range s.reservations {
		if r.CallID == callID && r.Status.IsHolding() {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (s *fakeStore) FindExpiredHolding(_ context.Context, now time.Time) ([]domain.Reservation, error) {
	var out []domain.Reservation

	for _, r := range s.reservations {
		if r.Status.IsHolding() && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}

	return out, nil
}

func (s *fakeStore) DeficitHistory(_ context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	var out []domain.LedgerTransaction

	for _, t := range s.transactions {
		if t.AccountID == accountID && t.Kind == domain.TxKindDeficitIncurred {
			out = append(out, t)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func testConfig() Config {
	return Config{
		InitialReservationMinutes: decimal.NewFromInt(5),
		ReservationBufferPercent:  decimal.NewFromInt(8),
		MinReservationAmount:      decimal.RequireFromString("0.30"),
		MaxReservationAmount:      decimal.RequireFromString("30.00"),
		ReservationTTL:            45 * time.Minute,
		MaxConcurrentCalls:        5,
		MaxDeficitAmount:          decimal.RequireFromString("10.00"),
		DeficitWarningThreshold:   decimal.RequireFromString("5.00"),
		AutoSuspendOnDeficit:      true,
		TollFreeMaxDuration:       time.Hour,
	}
}

func TestCreateInitialReservation_NormalScenario(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	res, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)
	assert.True(t, res.Reserved.Equal(decimal.RequireFromString("0.1350")))
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("99.8650")))

	maxDur := mgr.MaxDurationSeconds(rate.PerMinute, res.Reserved)
	assert.Equal(t, int64(324), maxDur)
}

func TestCreateInitialReservation_IdempotentOnCallID(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	first, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	second, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("99.8650")), "second create must not double-reserve")
}

func TestCreateInitialReservation_InsufficientBalance(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("0.10")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	assert.Equal(t, domain.ReasonInsufficientBalance, billingerr.ReasonOf(err))
}

func TestCreateInitialReservation_ConcurrencyLimit(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.MaxConcurrentCalls = 1
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, cfg, nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	_, err = mgr.CreateInitialReservation(context.Background(), "acc-1", "call-2", rate)
	assert.Equal(t, domain.ReasonConcurrentLimitExceeded, billingerr.ReasonOf(err))
}

func TestCreateInitialReservation_SuspendedAccount(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Status: domain.AccountStatusSuspended, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")})
	assert.Equal(t, domain.ReasonAccountSuspended, billingerr.ReasonOf(err))
}

func TestConsume_NormalBranchMatchesWorkedExample(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)
	require.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("99.8650")))

	result, err := mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("0.0125"), 30)
	require.NoError(t, err)

	assert.True(t, result.Released.Equal(decimal.RequireFromString("0.1225")))
	assert.True(t, result.Consumed.Equal(decimal.RequireFromString("0.0125")))
	assert.True(t, result.Deficit.IsZero())
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("99.9875")))
}

func TestConsume_DeficitBranchBelowSuspendThresholdStaysActive(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("0.50")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)
	require.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("0.20")))

	result, err := mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("5.00"), 12000)
	require.NoError(t, err)

	assert.True(t, result.Consumed.Equal(decimal.RequireFromString("0.30")))
	assert.True(t, result.Deficit.Equal(decimal.RequireFromString("4.70")))
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("-4.50")))
	assert.Equal(t, domain.AccountStatusActive, store.accounts["acc-1"].Status)
}

func TestConsume_DeficitBranchAutoSuspends(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("0.50")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	_, err = mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("20.00"), 48000)
	require.NoError(t, err)

	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("-19.50")))
	assert.Equal(t, domain.AccountStatusSuspended, store.accounts["acc-1"].Status)
}

func TestConsume_DuplicateHangupIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	_, err = mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("0.0125"), 30)
	require.NoError(t, err)

	balanceAfterFirst := store.accounts["acc-1"].Balance

	second, err := mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("0.0125"), 30)
	require.NoError(t, err)

	assert.True(t, second.Released.IsZero())
	assert.True(t, store.accounts["acc-1"].Balance.Equal(balanceAfterFirst))
}

func TestTollFree_ReservesMinimumAndReleasesInFull(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("50.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.Zero, IncrementSeconds: 60}

	res, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)
	assert.True(t, res.Reserved.Equal(decimal.RequireFromString("0.30")))
	assert.Equal(t, int64(3600), mgr.MaxDurationSeconds(rate.PerMinute, res.Reserved))

	result, err := mgr.Consume(context.Background(), "call-1", decimal.Zero, 120)
	require.NoError(t, err)
	assert.True(t, result.Released.Equal(decimal.RequireFromString("0.30")))
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("50.00")))
}

func TestRelease_ReturnsFullHold(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	res, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	result, err := mgr.Release(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, result.Released.Equal(res.Reserved))
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("100.00")))
}

func TestRelease_IdempotentWhenNothingHolding(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, testConfig(), nil, nil)

	result, err := mgr.Release(context.Background(), "no-such-call")
	require.NoError(t, err)
	assert.True(t, result.Released.IsZero())
}

func TestSweep_ExpiresStaleReservationAndSkipsCompletedCall(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}
	store.accounts["acc-2"] = domain.Account{ID: "acc-2", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	stale, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "stale-call", rate)
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	store.reservations[stale.ID] = stale

	completed, err := mgr.CreateInitialReservation(context.Background(), "acc-2", "completed-call", rate)
	require.NoError(t, err)
	completed.ExpiresAt = time.Now().Add(-time.Minute)
	completed.Status = domain.ReservationStatusFullyConsumed
	store.reservations[completed.ID] = completed

	n, err := mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.ReservationStatusExpired, store.reservations[stale.ID].Status)
	assert.True(t, store.accounts["acc-1"].Balance.Equal(decimal.RequireFromString("100.00")))
}

func TestExtend_CombinesRemainingAcrossReservations(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("100.00")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	result, err := mgr.Extend(context.Background(), "call-1", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, result.AddedReserved.IsPositive())
	assert.Greater(t, result.NewMaxDuration, int64(0))

	holding, err := store.FindHoldingReservationsByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Len(t, holding, 2)
}

func TestDeficitHistory_ReturnsOnlyDeficitTransactions(t *testing.T) {
	store := newFakeStore()
	store.accounts["acc-1"] = domain.Account{ID: "acc-1", Kind: domain.AccountKindPrepaid, Status: domain.AccountStatusActive, Balance: decimal.RequireFromString("0.50")}

	mgr := New(store, testConfig(), nil, nil)
	rate := domain.RateSnapshot{PerMinute: decimal.RequireFromString("0.025")}

	_, err := mgr.CreateInitialReservation(context.Background(), "acc-1", "call-1", rate)
	require.NoError(t, err)

	_, err = mgr.Consume(context.Background(), "call-1", decimal.RequireFromString("5.00"), 12000)
	require.NoError(t, err)

	history, err := mgr.DeficitHistory(context.Background(), "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Amount.Equal(decimal.RequireFromString("-4.70")))
}
