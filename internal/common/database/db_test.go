package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
		mock.ExpectExec("UPDATE wallets").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := db.WithTx(context.Background(), func(tx pgx.Tx) error {
			_, err := tx.Exec(context.Background(), "UPDATE wallets SET status = 'frozen'")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := db.WithTx(context.Background(), func(tx pgx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	serial := &pgconn.PgError{Code: "40001"}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(serial))
	assert.True(t, IsSerializationFailure(serial))
	assert.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsForeignKeyViolation(unique))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(ErrConflict))
}

func TestRetryOn(t *testing.T) {
	ctx := context.Background()
	retryable := func(err error) bool { return errors.Is(err, ErrConflict) }

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		err := RetryOn(ctx, 3, time.Millisecond, retryable, func() error {
			calls++
			if calls < 3 {
				return ErrConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non retryable error", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := RetryOn(ctx, 5, time.Millisecond, retryable, func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := RetryOn(ctx, 4, time.Millisecond, retryable, func() error {
			calls++
			return ErrConflict
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 4, calls)
	})
}
