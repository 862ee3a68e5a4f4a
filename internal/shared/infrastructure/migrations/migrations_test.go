package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/migrations"
)

func TestRun_SQLiteIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := database.NewConnection(ctx, database.Config{Driver: database.DriverSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrations.Run(ctx, conn))
	require.NoError(t, migrations.Run(ctx, conn))

	for _, table := range []string{"reservation_records", "sources", "source_sync_state", "outbox"} {
		var n int
		err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}
