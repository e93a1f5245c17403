package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest-backend/internal/config"
)

func TestOpen_SQLite(t *testing.T) {
	gdb, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "attest.db")})
	require.NoError(t, err)

	var one int
	require.NoError(t, gdb.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}
