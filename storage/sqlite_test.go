package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSQLite_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lookout.db")
	db, err := NewSQLite(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.DB.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='dead_letter_queue'").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, db.DB.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('dead_letter_queue') WHERE name='subject'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNewSQLite_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.db")
	logger := zaptest.NewLogger(t).Sugar()

	first, err := NewSQLite(path, logger)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLite(path, logger)
	require.NoError(t, err)
	defer second.Close()

	runner, err := NewMigrationRunner(second.DB, logger)
	require.NoError(t, err)
	applied, err := runner.Applied()
	require.NoError(t, err)
	require.Len(t, applied, 3)
	assert.Equal(t, "1.0.0", applied[0].Version)
	assert.Equal(t, "1.1.0", applied[1].Version)
	assert.Equal(t, "1.2.0", applied[2].Version)
}

func TestNewSQLite_RejectsTraversal(t *testing.T) {
	_, err := NewSQLite("../../etc/lookout.db", zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	_, err = NewSQLite("", zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("1.0.0", "1.1.0"))
	assert.Equal(t, 1, compareVersions("1.10.0", "1.9.0"))
	assert.Equal(t, 0, compareVersions("2.0", "2.0.0"))
}
