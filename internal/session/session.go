// Package session holds the persisted call/lesson records and the change
// feed the call manager consumes. The hosted backend owns these rows in
// production; the SQLite store here implements the same contract for local
// use and tests.
package session

import (
	"context"
	"errors"
	"time"
)

// Mode enumerates session kinds. Only live and coding sessions reach the
// call layer; tutorial sessions are AI-text only.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeCoding   Mode = "coding"
	ModeTutorial Mode = "tutorial"
)

// Status enumerates persisted session states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Session is one call/lesson instance between a host and a learner.
// The host id is fixed at creation and never swapped.
type Session struct {
	ID        int64     `json:"id"`
	HostID    string    `json:"host_id"`
	LearnerID string    `json:"learner_id"`
	Skill     string    `json:"skill"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"` // zero until accepted
	EndedAt   time.Time `json:"ended_at,omitempty"`   // zero until ended
}

// Party reports whether userID is one of the session's two parties.
func (s *Session) Party(userID string) bool {
	return s.HostID == userID || s.LearnerID == userID
}

// Other returns the other party's user id, or "" if userID is not a party.
func (s *Session) Other(userID string) string {
	switch userID {
	case s.HostID:
		return s.LearnerID
	case s.LearnerID:
		return s.HostID
	}
	return ""
}

// Callable reports whether this session mode drives the call layer at all.
func (s *Session) Callable() bool {
	return s.Mode == ModeLive || s.Mode == ModeCoding
}

// CanTransition reports whether from → to is a legal status move: the first
// transition out of pending is exclusively accepted or rejected, and any
// state may move to ended.
func CanTransition(from, to Status) bool {
	if to == StatusEnded {
		return from != StatusEnded
	}
	if from == StatusPending {
		return to == StatusAccepted || to == StatusRejected
	}
	return false
}

var (
	// ErrNotFound is returned when no session row matches the given id.
	ErrNotFound = errors.New("session: not found")

	// ErrNotModified is returned by UpdateStatus when the conditional update
	// matched no rows — the session was already moved past the expected
	// status, typically by the other party or a duplicate command.
	ErrNotModified = errors.New("session: not modified")

	// ErrBadTransition is returned for status moves that are never legal,
	// regardless of the row's current state.
	ErrBadTransition = errors.New("session: illegal status transition")
)

// ChangeOp distinguishes feed events.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// Change is one entry on a store's change feed: the full updated row plus
// the operation that produced it.
type Change struct {
	Op      ChangeOp `json:"op"`
	Session Session  `json:"session"`
}

// Store is the contract the call manager consumes. UpdateStatus is the
// idempotency primitive: it applies only when the row still holds expect,
// and returns ErrNotModified otherwise.
type Store interface {
	CreateSession(ctx context.Context, hostID, learnerID, skill string, mode Mode) (*Session, error)
	GetSession(ctx context.Context, id int64) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	UpdateStatus(ctx context.Context, id int64, expect, next Status) (*Session, error)

	// Subscribe delivers a Change for every insert/update of a session the
	// given user is a party to. The feed is best effort: slow consumers may
	// miss intermediate states but the row itself is authoritative.
	Subscribe(userID string) (ch chan Change, cancel func())

	Close() error
}
