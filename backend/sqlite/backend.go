package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
	"modernc.org/sqlite"
)

// SQLiteBackend stores the index in a single SQLite database using the
// pure Go driver. Suited for single-node deployments and as the default
// persistent backend; ":memory:" gives a throwaway store for tests.
type SQLiteBackend struct {
	path string
	db   *sql.DB
}

func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

// Name returns the identifier name defined for this backend.
func (*SQLiteBackend) Name() string {
	return "sqlite"
}

func (sb *SQLiteBackend) Open(ctx context.Context) error {
	if sb.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", sb.path)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrBackendUnavailable, err)
	}

	// A single writer at a time; the busy timeout turns lock contention
	// into waiting instead of immediate SQLITE_BUSY failures.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	if err := sb.initSchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	sb.db = db
	return nil
}

// initSchema creates the database schema.
func (sb *SQLiteBackend) initSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS resources (
			internal_id INTEGER PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			level INTEGER NOT NULL,
			parent_id INTEGER,
			ancestor0 INTEGER NOT NULL DEFAULT -1,
			ancestor1 INTEGER NOT NULL DEFAULT -1,
			ancestor2 INTEGER NOT NULL DEFAULT -1,
			ancestor3 INTEGER NOT NULL DEFAULT -1,
			sort_date TEXT NOT NULL DEFAULT '',
			sort_time TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_level ON resources(level)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_ancestor0 ON resources(ancestor0)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_ancestor1 ON resources(ancestor1)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_ancestor2 ON resources(ancestor2)`,
		`CREATE TABLE IF NOT EXISTS attached_files (
			id INTEGER NOT NULL,
			file_type INTEGER NOT NULL,
			uuid TEXT NOT NULL,
			compressed_size INTEGER NOT NULL,
			uncompressed_size INTEGER NOT NULL,
			compression_type INTEGER NOT NULL,
			uncompressed_hash TEXT NOT NULL,
			compressed_hash TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, file_type)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			id INTEGER NOT NULL,
			type INTEGER NOT NULL,
			value TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS main_tags (
			id INTEGER NOT NULL,
			tag_group INTEGER NOT NULL,
			tag_element INTEGER NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_main_tags_id ON main_tags(id)`,
		`CREATE INDEX IF NOT EXISTS idx_main_tags_tag ON main_tags(tag_group, tag_element)`,
		`CREATE TABLE IF NOT EXISTS identifier_tags (
			id INTEGER NOT NULL,
			tag_group INTEGER NOT NULL,
			tag_element INTEGER NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identifier_tags_id ON identifier_tags(id)`,
		`CREATE INDEX IF NOT EXISTS idx_identifier_tags_value ON identifier_tags(tag_group, tag_element, value)`,
		`CREATE TABLE IF NOT EXISTS changes (
			seq INTEGER PRIMARY KEY,
			change_type INTEGER NOT NULL,
			internal_id INTEGER NOT NULL,
			level INTEGER NOT NULL,
			date TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_resource ON changes(internal_id)`,
		`CREATE TABLE IF NOT EXISTS exported_resources (
			seq INTEGER PRIMARY KEY,
			level INTEGER NOT NULL,
			public_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			date TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			study_uid TEXT NOT NULL,
			series_uid TEXT NOT NULL,
			instance_uid TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patient_recycling (
			seq INTEGER PRIMARY KEY,
			patient_id INTEGER NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS global_properties (
			property INTEGER PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_properties (
			server TEXT NOT NULL,
			property INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (server, property)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (sb *SQLiteBackend) Close(ctx context.Context) error {
	if sb.db == nil {
		return nil
	}

	err := sb.db.Close()
	sb.db = nil

	return err
}

func (sb *SQLiteBackend) Begin(ctx context.Context, write bool) (backend.Transaction, error) {
	if sb.db == nil {
		return nil, data.ErrBackendUnavailable
	}

	// The single connection serializes transactions; the write flag
	// needs no dedicated read-only mode here.
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}

	return &sqliteTx{tx: tx}, nil
}

// mapError classifies driver errors into the shared taxonomy. Lock
// contention and constraint violations on racing inserts both surface
// as retryable conflicts.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", data.ErrConflict, err)
		case 19: // SQLITE_CONSTRAINT
			return fmt.Errorf("%w: %v", data.ErrConflict, err)
		}
	}

	return err
}
