// Package persistence provides a SQLite-backed journal of terminal sessions,
// so operators can see which shells ran, for how long and how they ended,
// across server restarts.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/webterm/internal/pty"

	_ "modernc.org/sqlite"
)

// ReasonRestart marks sessions that were still open when the previous
// server process stopped without recording their close.
const ReasonRestart = "restart"

// SessionRecord is one journaled terminal session.
type SessionRecord struct {
	ID          string     `json:"id"`
	Shell       string     `json:"shell"`
	Pid         int        `json:"pid"`
	Cols        int        `json:"cols"`
	Rows        int        `json:"rows"`
	LastSeq     uint64     `json:"lastSeq"`
	CreatedAt   time.Time  `json:"createdAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	CloseReason string     `json:"closeReason,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
}

// Store provides persistent session history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the session journal.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS terminal_sessions (
			id TEXT PRIMARY KEY,
			shell TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			term_cols INTEGER NOT NULL DEFAULT 0,
			term_rows INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_terminal_sessions_created ON terminal_sessions(created_at);
	`)
	return err
}

// migrateV2 records how much output a session produced.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN last_seq INTEGER NOT NULL DEFAULT 0`)
	return err
}

// RecordOpened journals a newly created session.
func (s *Store) RecordOpened(info pty.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO terminal_sessions (id, shell, pid, term_cols, term_rows, created_at, last_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Shell, info.Pid, info.Cols, info.Rows, formatTime(info.CreatedAt), info.Seq,
	)
	if err != nil {
		return fmt.Errorf("record session opened: %w", err)
	}
	return nil
}

// RecordClosed stamps a session's end. exitCode < 0 is stored as unknown.
func (s *Store) RecordClosed(info pty.SessionInfo, reason string, exitCode int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var code any
	if exitCode >= 0 {
		code = exitCode
	}
	_, err := s.db.Exec(
		`UPDATE terminal_sessions
		SET closed_at = ?, close_reason = ?, exit_code = ?, last_seq = ?, term_cols = ?, term_rows = ?
		WHERE id = ? AND closed_at IS NULL`,
		formatTime(at), reason, code, info.Seq, info.Cols, info.Rows, info.ID,
	)
	if err != nil {
		return fmt.Errorf("record session closed: %w", err)
	}
	return nil
}

// CloseAbandoned marks every session without a close record as ended by a
// restart and returns how many there were. Shells do not outlive the
// server, so such rows can only be left over from a crash.
func (s *Store) CloseAbandoned(at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE terminal_sessions SET closed_at = ?, close_reason = ? WHERE closed_at IS NULL`,
		formatTime(at), ReasonRestart,
	)
	if err != nil {
		return 0, fmt.Errorf("close abandoned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close abandoned sessions: %w", err)
	}
	return int(n), nil
}

// GetSession returns one journaled session, or nil, nil if it is unknown.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectRecord+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectRecord+" ORDER BY created_at DESC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

var _ pty.Observer = (*Store)(nil)

// SessionCreated implements pty.Observer.
func (s *Store) SessionCreated(info pty.SessionInfo) {
	if err := s.RecordOpened(info); err != nil {
		slog.Warn("Failed to journal terminal session", "sessionID", info.ID, "error", err)
	}
}

// SessionClosed implements pty.Observer.
func (s *Store) SessionClosed(info pty.SessionInfo, reason pty.CloseReason, exitCode int) {
	if err := s.RecordClosed(info, string(reason), exitCode, time.Now()); err != nil {
		slog.Warn("Failed to journal terminal session close", "sessionID", info.ID, "error", err)
	}
}

const selectRecord = `SELECT id, shell, pid, term_cols, term_rows, last_seq, created_at, closed_at, close_reason, exit_code FROM terminal_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		createdAt string
		closedAt  sql.NullString
		exitCode  sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Shell, &rec.Pid, &rec.Cols, &rec.Rows, &rec.LastSeq,
		&createdAt, &closedAt, &rec.CloseReason, &exitCode); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		rec.ClosedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
