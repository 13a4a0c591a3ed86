package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailflow/config"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the PostgreSQL described by the [database]
// section of config-test.toml and migrates it to the latest schema. Tests
// are skipped when no config-test.toml exists.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()

	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping database test")
	}

	cfg := loadTestDatabaseConfig(t, configPath)

	mg, err := NewMigrator(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, mg.Up(ctx))
	require.NoError(t, mg.Close())

	database, err := NewDatabaseFromConfig(ctx, cfg)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Name)
	t.Cleanup(database.Close)

	return database
}

func loadTestDatabaseConfig(t *testing.T, path string) *config.DatabaseConfig {
	t.Helper()
	var cfg struct {
		Database config.DatabaseConfig `toml:"database"`
	}
	_, err := toml.DecodeFile(path, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	return &cfg.Database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// createTestUser inserts a user with an INBOX and a Junk folder and returns
// its id.
func createTestUser(t *testing.T, db *Database, username string) int64 {
	t.Helper()
	ctx := context.Background()

	var id int64
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO users (username, username_view, address, tags)
		VALUES ($1, $1, $1 || '@example.com', ARRAY['default'])
		RETURNING id`, username).Scan(&id)
	require.NoError(t, err)

	_, err = db.GetWritePool().Exec(ctx, `
		INSERT INTO addresses (user_id, address, address_view) VALUES ($1, $2 || '@example.com', $2 || '@example.com')`,
		id, username)
	require.NoError(t, err)

	_, err = db.GetWritePool().Exec(ctx, `
		INSERT INTO mailboxes (user_id, path, special_use) VALUES ($1, 'INBOX', NULL), ($1, 'Junk', '\Junk')`, id)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.GetWritePool().Exec(context.Background(), `DELETE FROM users WHERE id = $1`, id)
	})
	return id
}
