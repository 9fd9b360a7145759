package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward schema change.
type Migration struct {
	Version  string // semantic version, e.g. "1.0.0"
	Name     string
	Up       func(*sql.Tx) error
	Checksum string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  int64 // milliseconds
}

// MigrationRunner applies registered migrations in version order.
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates the schema_migrations table if needed.
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return &MigrationRunner{db: db, logger: logger}, nil
}

// Register adds a migration.
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		sum := sha256.Sum256([]byte(m.Version + ":" + m.Name))
		m.Checksum = hex.EncodeToString(sum[:8])
	}
	r.migrations = append(r.migrations, m)
}

// Applied returns the applied migrations ordered by version.
func (r *MigrationRunner) Applied() ([]MigrationRecord, error) {
	rows, err := r.db.Query(`SELECT version, name, checksum, applied_at, duration_ms FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})
	return records, rows.Err()
}

// RunMigrations applies pending migrations, each in its own transaction.
// A checksum mismatch on an applied version is an error.
func (r *MigrationRunner) RunMigrations() error {
	applied, err := r.Applied()
	if err != nil {
		return err
	}
	done := make(map[string]string, len(applied))
	for _, rec := range applied {
		done[rec.Version] = rec.Checksum
	}

	sort.Slice(r.migrations, func(i, j int) bool {
		return compareVersions(r.migrations[i].Version, r.migrations[j].Version) < 0
	})

	for _, m := range r.migrations {
		if sum, ok := done[m.Version]; ok {
			if sum != m.Checksum {
				return fmt.Errorf("migration %s checksum drift: recorded %s, registered %s", m.Version, sum, m.Checksum)
			}
			continue
		}
		if err := r.run(m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (r *MigrationRunner) run(m Migration) (err error) {
	r.logger.Infow("Running migration", "version", m.Version, "name", m.Name)
	start := time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	_, err = tx.Exec(`INSERT INTO schema_migrations (version, name, checksum, duration_ms) VALUES (?, ?, ?, ?)`,
		m.Version, m.Name, m.Checksum, time.Since(start).Milliseconds())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// compareVersions compares dotted numeric versions.
func compareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// RegisterMigrations registers the lookout schema.
func RegisterMigrations(r *MigrationRunner) {
	r.Register(Migration{
		Version: "1.0.0",
		Name:    "create_dead_letter_queue",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS dead_letter_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				content_type TEXT NOT NULL DEFAULT 'application/json',
				raw_event BLOB NOT NULL,
				error_reason TEXT NOT NULL,
				error_details TEXT,
				retries INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_dlq_timestamp ON dead_letter_queue(timestamp);
			CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letter_queue(status);
			CREATE INDEX IF NOT EXISTS idx_dlq_reason ON dead_letter_queue(error_reason);`)
			return err
		},
	})
	r.Register(Migration{
		Version: "1.1.0",
		Name:    "add_dlq_subject",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			ALTER TABLE dead_letter_queue ADD COLUMN subject TEXT NOT NULL DEFAULT '';
			CREATE INDEX IF NOT EXISTS idx_dlq_source ON dead_letter_queue(source);`)
			return err
		},
	})
	r.Register(Migration{
		Version: "1.2.0",
		Name:    "add_dlq_retention_index",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_dlq_status_created ON dead_letter_queue(status, created_at);`)
			return err
		},
	})
}
