// Package dbtest opens throwaway ledgers for repository tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/migrations"
	"github.com/stretchr/testify/require"
)

// NewSQLite returns a migrated SQLite ledger in a temp dir, closed on cleanup.
func NewSQLite(t testing.TB) database.Connection {
	t.Helper()

	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{
		SQLitePath: filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, migrations.Run(ctx, conn))
	return conn
}
