// Package sqlite implements the nsproxy session log backed by a SQLite
// database. It records relayed sessions and namespace lifecycle events for
// the status command and the admin endpoint; the proxy state itself lives
// in the JSON state file, not here.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avmitin/nsproxy/internal/domain"
)

// DefaultPath is the default session log location. It shares the run
// directory with the state file so everything is cleared together on boot.
const DefaultPath = "/run/nsproxy/sessions.db"

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

// Store wraps a SQLite database connection for session log persistence.
type Store struct {
	db *sql.DB
}

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for concurrent readers.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go on the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL,
	namespace TEXT NOT NULL,
	target TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	bytes_up INTEGER NOT NULL,
	bytes_down INTEGER NOT NULL,
	outcome TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	slug TEXT NOT NULL,
	detail TEXT NULL,
	at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_slug ON sessions(slug);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// InsertSession records one finished session.
func (s *Store) InsertSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, slug, namespace, target, started_at, ended_at, bytes_up, bytes_down, outcome)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Slug, sess.Namespace, sess.Target,
		sess.StartedAt.UTC(), sess.EndedAt.UTC(),
		sess.BytesUp, sess.BytesDown, sess.Outcome)
	return err
}

// InsertEvent records one namespace lifecycle event.
func (s *Store) InsertEvent(ctx context.Context, kind, slug, detail string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(kind, slug, detail, at)
VALUES(?, ?, ?, ?)`, kind, slug, nullableString(detail), time.Now().UTC())
	return err
}

// RecentSessions returns the newest limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, slug, namespace, target, started_at, ended_at, bytes_up, bytes_down, outcome
FROM sessions
ORDER BY ended_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.Slug, &sess.Namespace, &sess.Target,
			&sess.StartedAt, &sess.EndedAt, &sess.BytesUp, &sess.BytesDown, &sess.Outcome); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Event is one recorded namespace lifecycle event.
type Event struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Slug   string    `json:"slug"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// RecentEvents returns the newest limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, slug, detail, at
FROM events
ORDER BY at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Slug, &detail, &ev.At); err != nil {
			return nil, err
		}
		if detail.Valid {
			ev.Detail = detail.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SlugTotals aggregates traffic per identity slug.
type SlugTotals struct {
	Slug      string `json:"slug"`
	Sessions  int64  `json:"sessions"`
	BytesUp   int64  `json:"bytesUp"`
	BytesDown int64  `json:"bytesDown"`
}

// TotalsBySlug returns per-slug session counts and byte totals for
// successfully relayed sessions.
func (s *Store) TotalsBySlug(ctx context.Context) ([]SlugTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT slug, COUNT(1), COALESCE(SUM(bytes_up), 0), COALESCE(SUM(bytes_down), 0)
FROM sessions
WHERE outcome = ?
GROUP BY slug
ORDER BY slug`, domain.OutcomeOK)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SlugTotals
	for rows.Next() {
		var t SlugTotals
		if err := rows.Scan(&t.Slug, &t.Sessions, &t.BytesUp, &t.BytesDown); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeSessionsBefore removes sessions that ended before cutoff, limiting
// each run to keep write transactions short.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE id IN (
	SELECT id FROM sessions
	WHERE ended_at < ?
	ORDER BY ended_at ASC
	LIMIT ?
)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
