// Package signal carries the small typed envelopes two call parties exchange
// through the relay: SDP offers and answers, ICE candidates, and the
// authoritative call-ended notice. Delivery is best effort, at least once,
// and possibly out of order — the connection registry restores ordering.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind enumerates envelope types.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindCallEnded Kind = "call-ended"
)

// Valid reports whether k is a known envelope kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindCallEnded:
		return true
	}
	return false
}

// Envelope is one immutable signaling message, addressed by peer identifier.
// No acknowledgement is modeled; senders fire and forget.
type Envelope struct {
	ID        string          `json:"id"`
	SessionID int64           `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id, marshaling payload to JSON.
func NewEnvelope(sessionID int64, from, to string, kind Kind, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   raw,
	}, nil
}

// Validate checks the addressing fields a relay backend relies on.
func (e *Envelope) Validate() error {
	if e.From == "" || e.To == "" {
		return errors.New("signal: envelope missing from/to")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("signal: unknown envelope kind %q", e.Kind)
	}
	return nil
}

// ErrRelayUnavailable is returned by Send when the underlying transport is
// not connected. The caller decides whether to retry.
var ErrRelayUnavailable = errors.New("signal: relay unavailable")

// Channel delivers envelopes addressed to the local peer identifier and
// publishes outbound ones. Implementations drop self-addressed envelopes
// silently (echo from a shared broadcast topic), and make no ordering
// guarantee across kinds.
type Channel interface {
	// Send publishes env to the relay. ErrRelayUnavailable when the
	// transport is down.
	Send(ctx context.Context, env *Envelope) error

	// Subscribe returns a feed of envelopes whose To matches the local
	// peer id. Multiple subscribers each receive every envelope.
	Subscribe() (ch chan *Envelope, cancel func())

	// SelfID returns the local peer identifier this channel is bound to.
	SelfID() string

	Close() error
}

// Binder creates Channel bindings. Peer identifiers are session scoped, so
// every call binds a fresh channel for its own peer id.
type Binder interface {
	Bind(ctx context.Context, selfID string) (Channel, error)
}
