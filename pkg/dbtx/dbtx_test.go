package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxFromContext_Empty(t *testing.T) {
	assert.Nil(t, TxFromContext(context.Background()))
	assert.Nil(t, TxFromContext(ContextWithTx(context.Background(), nil)))
}

func TestGetExecutor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, (*sql.DB)(nil), GetExecutor(context.Background(), db))

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	assert.IsType(t, (*sql.Tx)(nil), GetExecutor(ContextWithTx(context.Background(), tx), db))

	mock.ExpectRollback()
	_ = tx.Rollback()
}

func TestRunInTransaction_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	var sawTx bool
	err = RunInTransaction(context.Background(), db, func(ctx context.Context) error {
		sawTx = TxFromContext(ctx) != nil
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err = RunInTransaction(context.Background(), db, func(ctx context.Context) error {
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransaction_ReturnsBeginError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wantErr := errors.New("begin boom")
	mock.ExpectBegin().WillReturnError(wantErr)

	err = RunInTransaction(context.Background(), db, func(ctx context.Context) error {
		t.Fatal("fn must not run when Begin fails")
		return nil
	})

	assert.Equal(t, wantErr, err)
}

func TestRunInTransaction_RollsBackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = RunInTransaction(context.Background(), db, func(ctx context.Context) error {
			panic("fn panic")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
