package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a local SQLite database and fans out
// change events to in-process subscribers.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[chan Change]string // ch -> userID filter
}

// Open opens or creates the session database at dbPath. ":memory:" gives a
// throwaway in-memory store.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency; busy_timeout so both parties' writes queue
	// instead of failing under contention.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id     TEXT NOT NULL,
			learner_id  TEXT NOT NULL,
			skill       TEXT NOT NULL,
			mode        TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  INTEGER NOT NULL,
			started_at  INTEGER NOT NULL DEFAULT 0,
			ended_at    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_parties ON sessions(host_id, learner_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		listeners: make(map[chan Change]string),
	}, nil
}

// CreateSession inserts a pending session and notifies both parties' feeds.
func (s *SQLiteStore) CreateSession(ctx context.Context, hostID, learnerID, skill string, mode Mode) (*Session, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (host_id, learner_id, skill, mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hostID, learnerID, skill, string(mode), string(StatusPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	sess := &Session{
		ID:        id,
		HostID:    hostID,
		LearnerID: learnerID,
		Skill:     skill,
		Mode:      mode,
		Status:    StatusPending,
		CreatedAt: now,
	}
	s.notify(Change{Op: OpInsert, Session: *sess})
	return sess, nil
}

// GetSession returns the session row for id.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host_id, learner_id, skill, mode, status, created_at, started_at, ended_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns every session userID is a party to, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_id, learner_id, skill, mode, status, created_at, started_at, ended_at
		FROM sessions WHERE host_id = ? OR learner_id = ?
		ORDER BY created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// UpdateStatus applies the conditional status move expect → next. It sets
// started_at on accept and ended_at on end, and returns the updated row.
// ErrNotModified means the row no longer holds expect — the caller should
// treat the command as already handled elsewhere, not as a failure.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, expect, next Status) (*Session, error) {
	if !CanTransition(expect, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, expect, next)
	}

	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	switch next {
	case StatusAccepted:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(next), now, id, string(expect))
	case StatusEnded:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
			string(next), now, id, string(expect))
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
			string(next), id, string(expect))
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish "row gone" from "row moved on".
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotModified
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(Change{Op: OpUpdate, Session: *sess})
	return sess, nil
}

// Subscribe registers a change feed filtered to sessions userID is a party to.
func (s *SQLiteStore) Subscribe(userID string) (chan Change, func()) {
	ch := make(chan Change, 16)

	s.mu.Lock()
	s.listeners[ch] = userID
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *SQLiteStore) notify(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, userID := range s.listeners {
		if !c.Session.Party(userID) {
			continue
		}
		select {
		case ch <- c:
		default:
			log.Printf("STORE: dropping change for slow subscriber (session %d)", c.Session.ID)
		}
	}
}

// Close shuts down the store and closes all feeds.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = make(map[chan Change]string)
	s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var mode, status string
	var created, started, ended int64
	err := row.Scan(&sess.ID, &sess.HostID, &sess.LearnerID, &sess.Skill,
		&mode, &status, &created, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Mode = Mode(mode)
	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(created)
	if started > 0 {
		sess.StartedAt = time.UnixMilli(started)
	}
	if ended > 0 {
		sess.EndedAt = time.UnixMilli(ended)
	}
	return &sess, nil
}
