package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), Options{
		Schema: `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v INTEGER);`,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunTxCommitsAndRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('b', 2)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestIsConstraint(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kv (k, v) VALUES ('a', 2)`)
	require.True(t, IsConstraint(err))
	require.False(t, IsBusy(err))
	require.False(t, IsBusy(nil))
}

func TestRealTimeRoundTrip(t *testing.T) {
	now := time.Now()
	got := FromReal(ToReal(now))
	require.WithinDuration(t, now, got, time.Millisecond)
}
