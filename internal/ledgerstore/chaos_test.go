//go:build chaos

package ledgerstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/internal/ledgerstore"
	"github.com/apolotel/billingcore/pkg/mlog"
)

// TestWithTransaction_DeadlineRollsBackCleanly exercises spec §5's rollback
// guarantee against a real Postgres instance: a transaction run under an
// already-expired deadline must never leave a balance mutation behind, and
// the account balance read back afterward must equal its pre-transaction
// value. Grounded on the teacher's container-backed integration tests
// (components/transaction/internal/services/command/update-balance_integration_test.go),
// adapted from testify/sqlmock unit coverage to a real-infra chaos scenario.
func TestWithTransaction_DeadlineRollsBackCleanly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "billingcore",
			"POSTGRES_PASSWORD": "billingcore",
			"POSTGRES_DB":       "billingcore",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	defer func() { _ = pg.Terminate(ctx) }()

	host, err := pg.Host(ctx)
	require.NoError(t, err)

	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://billingcore:billingcore@" + host + ":" + port.Port() + "/billingcore?sslmode=disable"

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE accounts (
			id text PRIMARY KEY, account_number text, phone text, kind text,
			balance numeric, credit_limit numeric, currency text, status text,
			max_concurrent_call int, updated_at timestamptz DEFAULT now()
		)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE transactions (
			id text PRIMARY KEY, account_id text, amount numeric, previous_balance numeric,
			new_balance numeric, kind text, reason text, call_id text, reservation_id text,
			created_at timestamptz DEFAULT now()
		)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO accounts (id, account_number, kind, balance, credit_limit, currency, status, max_concurrent_call)
		VALUES ('acct-chaos', '1000', 'prepaid', 100.00, 0, 'USD', 'active', 5)`)
	require.NoError(t, err)

	store := ledgerstore.NewPostgresStore(db, &mlog.NilLogger{})

	deadlineCtx, deadlineCancel := context.WithTimeout(ctx, 1*time.Nanosecond)
	defer deadlineCancel()

	time.Sleep(time.Millisecond)

	txErr := store.WithTransaction(deadlineCtx, func(ctx context.Context) error {
		_, _, err := store.ApplyDelta(ctx, "acct-chaos", decimal.RequireFromString("-1.00"), domain.TxKindReserveConsume, "chaos", "call-chaos", "")
		return err
	})
	require.Error(t, txErr)

	account, err := store.GetAccount(ctx, "acct-chaos")
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(decimal.RequireFromString("100.00")),
		"balance must be unchanged after a mid-transaction deadline, got %s", account.Balance)
}
