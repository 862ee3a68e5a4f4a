package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds database configuration.
type Config struct {
	// Driver specifies the database driver to use.
	// If empty or "auto", it will be detected from the URL.
	Driver Driver

	// URL is the connection string for PostgreSQL.
	URL string

	// SQLitePath is the SQLite database file, or ":memory:".
	// Defaults to ~/.staysync/staysync.db
	SQLitePath string

	// MaxConns is the maximum number of connections (PostgreSQL only).
	MaxConns int

	// ApplicationName labels server sessions (PostgreSQL only).
	ApplicationName string
}

// NewConnection creates a database connection for the configured driver.
// The driver package must be imported for its registration to run.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver := cfg.Driver
	if driver == "" || driver == "auto" {
		driver = DetectDriver(cfg.URL)
	}

	factory, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return factory(ctx, cfg)
}

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".staysync", "staysync.db")
}

// EnsureDirectory creates the parent directory for a file path if it doesn't exist.
func EnsureDirectory(path string) error {
	if path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// ConnectionFactory opens a connection for one driver.
type ConnectionFactory func(ctx context.Context, cfg Config) (Connection, error)

var factories = map[Driver]ConnectionFactory{}

// RegisterDriver registers the connection factory of a driver package.
func RegisterDriver(driver Driver, fn ConnectionFactory) {
	factories[driver] = fn
}
