// Package storetest opens migrated SQLite identity stores for tests.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/db"
	"github.com/edvin/aggregator/internal/store"
)

// New returns a store on a fresh, fully migrated SQLite database in the
// test's temp dir, along with the raw handle for assertions.
func New(t testing.TB) (*store.SQLite, *sql.DB) {
	t.Helper()

	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "aggregator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.Migrate(ctx, conn, db.DriverSQLite, zerolog.Nop()))
	return store.NewSQLite(conn), conn
}

// Count returns the number of rows in table matching an optional WHERE
// clause.
func Count(t testing.TB, conn *sql.DB, table, where string, args ...any) int {
	t.Helper()
	q := `SELECT COUNT(*) FROM "` + table + `"`
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	require.NoError(t, conn.QueryRow(q, args...).Scan(&n))
	return n
}
