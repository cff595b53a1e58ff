package postgres

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStatementTimeoutMS_ConfigOverride(t *testing.T) {
	resolved, err := resolveStatementTimeoutMS(Config{StatementTimeoutMS: 45000})
	require.NoError(t, err)
	assert.Equal(t, 45000, resolved)
}

func TestResolveStatementTimeoutMS_Default(t *testing.T) {
	resolved, err := resolveStatementTimeoutMS(Config{})
	require.NoError(t, err)
	assert.Equal(t, dbStatementTimeoutDefaultMS, resolved)
}

func TestResolveStatementTimeoutMS_OutOfRange(t *testing.T) {
	_, err := resolveStatementTimeoutMS(Config{StatementTimeoutMS: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of allowed range")

	_, err = resolveStatementTimeoutMS(Config{StatementTimeoutMS: dbStatementTimeoutMaxMS + 1})
	require.Error(t, err)
}

func TestAppendStatementTimeout(t *testing.T) {
	assert.Equal(t,
		"postgres://u@h/db?options=-c%20statement_timeout%3D5000",
		appendStatementTimeout("postgres://u@h/db", 5000))
	assert.Equal(t,
		"postgres://u@h/db?sslmode=disable&options=-c%20statement_timeout%3D5000",
		appendStatementTimeout("postgres://u@h/db?sslmode=disable", 5000))
}

func TestMigrationFiles_SortedUpOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_rates.up.sql", "001_init.up.sql", "001_init.down.sql", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}

	files, err := migrationFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "001_init.up.sql", filepath.Base(files[0]))
	assert.Equal(t, "002_rates.up.sql", filepath.Base(files[1]))
}
