package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "runs.db"))
	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, Migrations()).ApplyMigrations())
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/runs.db")

	assert.Equal(t, "/tmp/runs.db", cfg.DatabasePath)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, cfg.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.DSN(), "_foreign_keys=on")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }, "database path cannot be empty"},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, "max connections must be greater than 0"},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, "connection max lifetime must be greater than 0"},
		{"zero idle", func(c *Config) { c.ConnMaxIdleTime = 0 }, "connection max idle time must be greater than 0"},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, "write timeout must be greater than 0"},
		{"negative buffer", func(c *Config) { c.WriteBuffer = -1 }, "write buffer cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("runs.db")
			tt.mutate(cfg)
			assert.EqualError(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestMigrationManager_ApplyEmbedded(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrationManager(db, Migrations())

	require.NoError(t, m.ApplyMigrations())
	require.NoError(t, m.ValidateSchema())

	// Re-applying is a no-op
	require.NoError(t, m.ApplyMigrations())
	versions, err := m.getAppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)
}

func TestMigrationManager_OrderAndSkipping(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE second (id INTEGER REFERENCES first(id));")},
		"001_first.sql":  {Data: []byte("CREATE TABLE first (id INTEGER PRIMARY KEY);")},
		"README.md":      {Data: []byte("not a migration")},
	}
	m := NewMigrationManager(db, migrations)

	loaded, err := m.loadMigrations()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "001", loaded[0].Version)
	assert.Equal(t, "first", loaded[0].Description)
	assert.Equal(t, "002", loaded[1].Version)

	require.NoError(t, m.ApplyMigrations())
	versions, err := m.getAppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrationManager(db, fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); CREATE TABLE;")},
	})

	err := m.ApplyMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply migration 001")

	versions, err := m.getAppliedMigrations()
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestSchemaValidator_Migrated(t *testing.T) {
	v := NewSchemaValidator(migratedDB(t))

	assert.NoError(t, v.ValidateTablesExist())
	assert.NoError(t, v.ValidateTableStructure())
	assert.NoError(t, v.ValidateIndexes())
	assert.NoError(t, v.ValidateConstraints())
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	v := NewSchemaValidator(openTestDB(t))

	err := v.ValidateTablesExist()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Error(t, v.ValidateIndexes())
}

func TestSchemaValidator_ForeignKeysOff(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "nofk.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	require.NoError(t, NewMigrationManager(db, Migrations()).ApplyMigrations())

	err = NewSchemaValidator(db).ValidateConstraints()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key constraint not enforced")
}
