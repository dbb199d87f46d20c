package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/ledger", migrationURL("postgres://u:p@db:5432/ledger"))
	assert.Equal(t, "pgx5://db/ledger?sslmode=disable", migrationURL("postgresql://db/ledger?sslmode=disable"))
	assert.Equal(t, "pgx5://db/ledger", migrationURL("pgx5://db/ledger"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(migrationsFS, down)
		assert.NoError(t, err, "missing down migration for %s", up)
	}
}
