// Package history records finished transfers and daemon sessions in a
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"sphub/internal/history/migrations"
	"sphub/internal/sp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Transfer statuses.
const (
	StatusFinished = "finished"
	StatusAborted  = "aborted"
)

// Session statuses.
const (
	SessionRunning  = "running"
	SessionFinished = "finished"
	SessionError    = "error"
)

// Transfer is one finished or aborted upload or download.
type Transfer struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Direction  string    `json:"direction"`
	Nick       string    `json:"nick"`
	Filename   string    `json:"filename"`
	Size       uint64    `json:"size"`
	Offset     uint64    `json:"offset"`
	Bytes      uint64    `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
}

// Session is one run of the daemon.
type Session struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
}

// Store is the history database.
type Store struct {
	db     *sql.DB
	path   string
	logger sp.Logger
	clock  sp.Clock
}

// Open opens the database at path, applying pending migrations. path may
// be ":memory:".
//
// An existing file that cannot be opened or migrated is renamed to
// <path>.corrupt-<timestamp> and replaced by an empty database.
func Open(path string, logger sp.Logger, clock sp.Clock) (*Store, error) {
	logger = sp.OrNop(logger)
	if clock == nil {
		clock = sp.RealClock{}
	}

	db, err := openAndMigrate(path)
	if err != nil {
		if path == ":memory:" {
			return nil, err
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, err
		}
		backup := fmt.Sprintf("%s.corrupt-%s", path, clock.Now().UTC().Format("20060102T150405Z"))
		logger.Warn("history database unusable, recreating", "path", path, "backup", backup, "error", err)
		if err := os.Rename(path, backup); err != nil {
			return nil, fmt.Errorf("moving aside corrupt database: %w", err)
		}
		for _, suffix := range []string{"-wal", "-shm", "-journal"} {
			os.Remove(path + suffix)
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("recreating history database: %w", err)
		}
	}

	return &Store{db: db, path: path, logger: logger, clock: clock}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenConnection opens a SQLite database with the PRAGMAs the store needs.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// engine is the only writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Path is the database file, or ":memory:".
func (s *Store) Path() string { return s.path }

// Session operations

// StartSession records the start of a daemon run.
func (s *Store) StartSession(id string) (*Session, error) {
	sess := &Session{ID: id, StartedAt: s.clock.Now().UTC(), Status: SessionRunning}
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO sessions (id, started_at, status) VALUES (?, ?, ?)",
		sess.ID, sess.StartedAt, sess.Status)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	return sess, nil
}

// FinishSession marks a session as ended with status.
func (s *Store) FinishSession(id, status string) error {
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE sessions SET finished_at = ?, status = ? WHERE id = ?",
		s.clock.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing session %s: no such session", id)
	}
	return nil
}

// FindSession returns the session with id, or nil.
func (s *Store) FindSession(id string) (*Session, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT id, started_at, finished_at, status FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, started_at, finished_at, status FROM sessions ORDER BY started_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var finished sql.NullTime
	if err := row.Scan(&sess.ID, &sess.StartedAt, &finished, &sess.Status); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		sess.FinishedAt = &t
	}
	return &sess, nil
}

// Transfer operations

// RecordTransfer stores t and sets its ID. A zero FinishedAt means now.
func (s *Store) RecordTransfer(t *Transfer) error {
	if t.FinishedAt.IsZero() {
		t.FinishedAt = s.clock.Now().UTC()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = t.FinishedAt
	}
	var session any
	if t.SessionID != "" {
		session = t.SessionID
	}
	res, err := s.db.ExecContext(context.Background(), `
		INSERT INTO transfers (session_id, direction, nick, filename, size, start_offset, bytes, started_at, finished_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, t.Direction, t.Nick, t.Filename, int64(t.Size), int64(t.Offset), int64(t.Bytes),
		t.StartedAt, t.FinishedAt, t.Status)
	if err != nil {
		return fmt.Errorf("recording transfer of %s: %w", t.Filename, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recording transfer of %s: %w", t.Filename, err)
	}
	t.ID = id
	return nil
}

// ListTransfers returns the most recent transfers, newest first. A
// non-empty nick restricts the result to that peer.
func (s *Store) ListTransfers(nick string, limit int) ([]*Transfer, error) {
	query := `SELECT id, COALESCE(session_id, ''), direction, nick, filename, size, start_offset, bytes,
		started_at, finished_at, status FROM transfers`
	args := []any{}
	if nick != "" {
		query += " WHERE nick = ?"
		args = append(args, nick)
	}
	query += " ORDER BY finished_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		var t Transfer
		var size, offset, n int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Direction, &t.Nick, &t.Filename,
			&size, &offset, &n, &t.StartedAt, &t.FinishedAt, &t.Status); err != nil {
			return nil, fmt.Errorf("listing transfers: %w", err)
		}
		t.Size, t.Offset, t.Bytes = uint64(size), uint64(offset), uint64(n)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Totals sums the bytes moved in each direction.
func (s *Store) Totals() (map[string]uint64, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT direction, SUM(bytes) FROM transfers GROUP BY direction")
	if err != nil {
		return nil, fmt.Errorf("summing transfers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("summing transfers: %w", err)
		}
		out[dir] = uint64(n)
	}
	return out, rows.Err()
}

// Prune deletes transfers that finished before cutoff and returns how many.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"DELETE FROM transfers WHERE finished_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning transfers: %w", err)
	}
	return res.RowsAffected()
}

// CheckMigrations verifies the schema is up to date.
func (s *Store) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath.
func (s *Store) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
