// Package bootstrap resolves who is who for one session: the session-scoped
// peer identifiers both sides address signaling with, and the deterministic
// initiator rule that keeps two eager parties from dialing each other at the
// same instant.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// PeerID derives the session-scoped peer identifier for one party. It is a
// pure function of (user, session): stable for the session's lifetime, unique
// across concurrent sessions, and never reused once the session ends.
func PeerID(userID string, sessionID int64) string {
	return fmt.Sprintf("sm-%s-%d", userID, sessionID)
}

// ShouldInitiate decides which of the two parties dials. Exactly one side of
// any distinct pair returns true: the lexicographically smaller user id. The
// other side only ever responds, which removes SDP glare rollback entirely.
func ShouldInitiate(myUserID, otherUserID string) bool {
	if myUserID == otherUserID {
		return false
	}
	return myUserID < otherUserID
}

// ErrConnectionFailed is the terminal outcome after the retry budget is
// exhausted. The call manager surfaces it with a manual-retry affordance.
var ErrConnectionFailed = errors.New("bootstrap: connection failed")

// Backoff is an explicit retry policy: attempt n (0-based) waits
// BaseDelay * 2^n, scattered by Jitter, and the attempt ceiling is hard.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64 // 0..1 fraction of the delay
}

// DefaultBackoff matches the call config defaults: 3 attempts at 1s base.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 3, BaseDelay: time.Second, Jitter: 0.2}
}

// Delay returns the wait before retrying after failed attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.BaseDelay << uint(attempt)
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration(rand.Float64()*2*spread - spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Dialer is the slice of the connection registry the retry loop drives.
type Dialer interface {
	CreateOutbound(ctx context.Context, remotePeerID string) error
}

// ConnectWithRetry attempts an outbound connection to remotePeerID, retrying
// with exponential backoff per policy. Each attempt error is absorbed and
// logged; only the exhausted budget (or a canceled context) escapes.
func ConnectWithRetry(ctx context.Context, d Dialer, remotePeerID string, policy Backoff) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: zero attempt budget", ErrConnectionFailed)
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		if err := d.CreateOutbound(ctx, remotePeerID); err != nil {
			lastErr = err
			log.Printf("BOOTSTRAP: dial %s attempt %d/%d failed: %v",
				remotePeerID, attempt+1, policy.MaxAttempts, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %d attempts to %s, last error: %v",
		ErrConnectionFailed, policy.MaxAttempts, remotePeerID, lastErr)
}
