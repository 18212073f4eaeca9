package store

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))
	return st
}

func TestOpenPicksDialect(t *testing.T) {
	st := openTestStore(t)
	assert.Equal(t, DialectSQLite, st.Dialect())
}

func TestWithTxCommitsOnNil(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (room_id, workspace_id, created_at) VALUES ($1, $2, $3)`,
			"room-1", "ws", time.Now().UTC())
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE room_id = $1`, "room-1").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (room_id, workspace_id, created_at) VALUES ($1, $2, $3)`,
			"room-2", "ws", time.Now().UTC())
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE room_id = $1`, "room-2").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestAdvisoryLockExclusiveWithinTx(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.TryAdvisoryLock(ctx, 7, "run-1")
		require.NoError(t, err)
		assert.True(t, got)

		// Second attempt on the same key fails while the first holder lives.
		again, err := tx.TryAdvisoryLock(ctx, 7, "run-1")
		require.NoError(t, err)
		assert.False(t, again)

		// Different key and different namespace are independent.
		other, err := tx.TryAdvisoryLock(ctx, 7, "run-2")
		require.NoError(t, err)
		assert.True(t, other)
		otherNS, err := tx.TryAdvisoryLock(ctx, 8, "run-1")
		require.NoError(t, err)
		assert.True(t, otherNS)
		return nil
	})
	require.NoError(t, err)
}

func TestAdvisoryLockReleasedWhenTxEnds(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, outcome := range []error{nil, errors.New("rollback")} {
		err := st.WithTx(ctx, func(tx *Tx) error {
			got, lockErr := tx.TryAdvisoryLock(ctx, 7, "run-1")
			require.NoError(t, lockErr)
			require.True(t, got)
			return outcome
		})
		if outcome == nil {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}

	// Both passes acquired the lock, so release happens on commit and
	// rollback alike.
	err := st.WithTx(ctx, func(tx *Tx) error {
		got, lockErr := tx.TryAdvisoryLock(ctx, 7, "run-1")
		require.NoError(t, lockErr)
		assert.True(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestSetStatementTimeoutNoopOnSQLite(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.SetStatementTimeout(ctx, 50*time.Millisecond)
	})
	require.NoError(t, err)
}
