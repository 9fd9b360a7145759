// Package storage opens the local SQLite database and applies its schema.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite wraps the local database used for the dead-letter queue.
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// configureConnection enables WAL, foreign keys and a busy timeout.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal".
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if !isMemoryPath(dbPath) && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	return nil
}

// NewSQLite opens (creating if needed) the database at dbPath and runs migrations.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("invalid database path: empty")
	}
	if strings.Contains(filepath.ToSlash(dbPath), "../") {
		return nil, fmt.Errorf("invalid database path %q: path traversal", dbPath)
	}

	if !isMemoryPath(dbPath) {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := configureConnection(db, dbPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Single writer; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{DB: db, Path: dbPath, Logger: logger}

	runner, err := NewMigrationRunner(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	RegisterMigrations(runner)
	if err := runner.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate SQLite database: %w", err)
	}

	logger.Infow("SQLite database ready", "path", dbPath)
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func isMemoryPath(p string) bool {
	return p == ":memory:" || strings.HasPrefix(p, "file::memory:")
}
