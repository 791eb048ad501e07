// Package store keeps a SQLite ledger of session history. The ledger is
// informational: live pool and session state is never rebuilt from it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// CauseOrphaned ends rows that a previous process left open.
const CauseOrphaned = "orphaned"

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Record is one session's row in the ledger.
type Record struct {
	ID        string     `json:"session_id"`
	RoomURL   string     `json:"room_url"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Cause     string     `json:"cause,omitempty"` // empty while the session is open
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Open reports whether the session has not ended yet.
func (r *Record) Open() bool { return r.EndedAt == nil }

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	room_url   TEXT NOT NULL,
	worker_id  TEXT NOT NULL DEFAULT '',
	cause      TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the ledger at dbPath, creating the schema if needed.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	conns := DefaultMaxOpenConns
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		conns = 1
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts an open row for a new session.
func (s *Store) RecordStart(rec *Record) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, room_url, worker_id, started_at) VALUES (?, ?, ?, ?)`,
			rec.ID, rec.RoomURL, rec.WorkerID, rec.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordEnd closes the row for id with cause. Rows that are already closed
// keep their first cause.
func (s *Store) RecordEnd(id, cause string, at time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET cause = ?, ended_at = ? WHERE id = ? AND ended_at IS NULL`,
			cause, at.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) GetRecord(id string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT id, room_url, worker_id, cause, started_at, ended_at FROM sessions WHERE id = ?`, id,
	)
	return scanRecord(row)
}

// ListHistory returns the most recently started sessions first.
func (s *Store) ListHistory(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, room_url, worker_id, cause, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListOpen returns rows that were never ended.
func (s *Store) ListOpen() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT id, room_url, worker_id, cause, started_at, ended_at
		 FROM sessions WHERE ended_at IS NULL ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkOrphaned ends an open row left behind by a previous process.
func (s *Store) MarkOrphaned(id string) error {
	return s.RecordEnd(id, CauseOrphaned, time.Now())
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var endedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.RoomURL, &rec.WorkerID, &rec.Cause, &rec.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return records, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: open session %s", ErrNotFound, id)
	}
	return nil
}
