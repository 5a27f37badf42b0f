package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/goodtune/streamlimit/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface using SQLite
type Store struct {
	db       *sql.DB
	segments *segmentStore
}

// Open opens (or creates) the SQLite database at path and runs migrations
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection also serialises
	// in-process transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:       db,
		segments: &segmentStore{db: db},
	}, nil
}

// dsn builds the connection string. Transactions start in IMMEDIATE mode so
// the resolver's read-then-insert holds the write lock across processes.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Segments returns the SegmentStore implementation
func (s *Store) Segments() storage.SegmentStore {
	return s.segments
}

// runMigrations applies all database migrations in version order
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := getMigrations()
	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migrations[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// getMigrations returns all database migrations
func getMigrations() map[int]string {
	return map[int]string{
		1: migration001Segments,
		2: migration002Meta,
	}
}

const migration001Segments = `
CREATE TABLE IF NOT EXISTS segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	rating_key TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL, -- RFC3339 UTC
	duration_minutes REAL NOT NULL DEFAULT 0,
	is_terminated INTEGER NOT NULL DEFAULT 0,
	is_saturated INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_segments_session_user ON segments(session_id, user_id);
CREATE INDEX idx_segments_user ON segments(user_id);
`

const migration002Meta = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
