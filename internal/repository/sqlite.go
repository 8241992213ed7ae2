package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an already-open handle without migrating it.
func NewWithDB(db *sql.DB) *SQLiteDB {
	return &SQLiteDB{db: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS hazard_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS regions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hazard_type_id INTEGER NOT NULL REFERENCES hazard_types(id),
		region_id INTEGER NOT NULL REFERENCES regions(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		is_active INTEGER NOT NULL DEFAULT 0,
		severity INTEGER NOT NULL CHECK (severity BETWEEN 1 AND 5),
		magnitude REAL,
		depth REAL,
		affected_area REAL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		source TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		dedup_key TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		region_id INTEGER NOT NULL REFERENCES regions(id),
		hazard_type_id INTEGER NOT NULL REFERENCES hazard_types(id),
		location TEXT NOT NULL,
		risk_level INTEGER NOT NULL CHECK (risk_level BETWEEN 1 AND 5),
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		probability REAL NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		last_assessed DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES events(id),
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		alert_level INTEGER NOT NULL CHECK (alert_level BETWEEN 1 AND 5),
		issued_at DATETIME NOT NULL,
		expires_at DATETIME,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_test INTEGER NOT NULL DEFAULT 0,
		sources_used TEXT NOT NULL DEFAULT '',
		external_references TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_pair ON events(region_id, hazard_type_id);
	CREATE INDEX IF NOT EXISTS idx_events_active ON events(is_active);
	CREATE INDEX IF NOT EXISTS idx_assessments_pair ON risk_assessments(region_id, hazard_type_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_event_id ON alerts(event_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_event_live ON alerts(event_id) WHERE is_test = 0;
`

func (s *SQLiteDB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops every table and recreates the empty schema.
func (s *SQLiteDB) Reset(ctx context.Context) error {
	drop := `
		DROP TABLE IF EXISTS alerts;
		DROP TABLE IF EXISTS risk_assessments;
		DROP TABLE IF EXISTS events;
		DROP TABLE IF EXISTS regions;
		DROP TABLE IF EXISTS hazard_types;
	`
	if _, err := s.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("error dropping tables: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("error recreating schema: %w", err)
	}
	return nil
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// withTx runs fn as one commit unit. Any failure rolls the whole unit back
// and is reported as ErrWriteConflict.
func (s *SQLiteDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWriteConflict, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWriteConflict, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullFloatArg(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTimeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
