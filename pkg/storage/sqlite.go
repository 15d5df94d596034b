// Package storage persists audit records in SQLite.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Store manages SQLite database operations.
type Store struct {
	db *sql.DB
}

// ErrStoreClosed indicates the underlying database connection is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

// New creates a store and applies pending migrations. dbPath may be a file
// path, a file: URI or ":memory:".
func New(dbPath string) (*Store, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		// Audit payloads include query text and results; keep them private.
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create database directory")
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "open database")
	}

	if onDisk {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "enable WAL mode")
		}
	} else {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "set busy timeout")
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "run migrations")
	}

	return &Store{db: db}, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		if u.Query().Get("mode") == "memory" {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "db path cannot be empty")
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "stat db path")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create db file")
	}
	return f.Close()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migration is one schema step applied after the base schema. Each step
// commits together with its schema_migrations row.
type migration struct {
	version int
	name    string
	up      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, name: "initial_schema"},
	{version: 2, name: "audit_indexes", up: createAuditIndexes},
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	current, err := schemaVersion(context.Background(), db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if m.up != nil {
		if err := m.up(tx); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

func createAuditIndexes(tx *sql.Tx) error {
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_records(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_report ON audit_records(report_id) WHERE report_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(pipeline, outcome)`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "read schema version")
	}
	return version, nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// CheckReady pings the database and confirms the schema is current.
func (s *Store) CheckReady(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "ping audit store")
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if want := migrations[len(migrations)-1].version; version < want {
		return apperrors.Newf(apperrors.ErrCodeStorageRead, "audit schema at version %d, want %d", version, want)
	}
	return nil
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt string
}

// MigrationHistory returns applied migrations in order.
func (s *Store) MigrationHistory(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "read migration history")
	}
	defer rows.Close()

	var history []AppliedMigration
	for rows.Next() {
		var h AppliedMigration
		if err := rows.Scan(&h.Version, &h.Name, &h.AppliedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan migration history")
		}
		history = append(history, h)
	}
	return history, rows.Err()
}
