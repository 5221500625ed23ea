package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPeerIDDerivation(t *testing.T) {
	if got := PeerID("alice", 42); got != "sm-alice-42" {
		t.Fatalf("unexpected peer id %q", got)
	}
	// Distinct sessions for the same user must never collide.
	if PeerID("alice", 1) == PeerID("alice", 2) {
		t.Fatal("peer ids collide across sessions")
	}
	// Distinct users in the same session must never collide.
	if PeerID("alice", 7) == PeerID("bob", 7) {
		t.Fatal("peer ids collide across users")
	}
}

func TestShouldInitiate(t *testing.T) {
	cases := []struct {
		me, other string
		want      bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", false},
		{"a", "a", false},
		{"1", "2", true},
		{"zz", "za", false},
	}
	for _, c := range cases {
		if got := ShouldInitiate(c.me, c.other); got != c.want {
			t.Errorf("ShouldInitiate(%q, %q) = %v, want %v", c.me, c.other, got, c.want)
		}
	}

	// Exactly one side of every distinct pair initiates.
	users := []string{"alice", "bob", "carol", "u-9f2", "u-0a1"}
	for _, a := range users {
		for _, b := range users {
			if a == b {
				continue
			}
			x, y := ShouldInitiate(a, b), ShouldInitiate(b, a)
			if x == y {
				t.Errorf("pair (%q, %q): both sides got %v", a, b, x)
			}
		}
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	b := Backoff{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 800}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{MaxAttempts: 3, BaseDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v outside jitter bounds", d)
		}
	}
}

type fakeDialer struct {
	calls    int
	failUpTo int // attempts that fail before one succeeds
}

func (f *fakeDialer) CreateOutbound(_ context.Context, _ string) error {
	f.calls++
	if f.calls <= f.failUpTo {
		return fmt.Errorf("attempt %d refused", f.calls)
	}
	return nil
}

func TestConnectWithRetryEventualSuccess(t *testing.T) {
	d := &fakeDialer{failUpTo: 2}
	policy := Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond}
	if err := ConnectWithRetry(context.Background(), d, "sm-bob-1", policy); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if d.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", d.calls)
	}
}

func TestConnectWithRetryExhausted(t *testing.T) {
	d := &fakeDialer{failUpTo: 100}
	policy := Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := ConnectWithRetry(context.Background(), d, "sm-bob-1", policy)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if d.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", d.calls)
	}
}

func TestConnectWithRetryCanceled(t *testing.T) {
	d := &fakeDialer{failUpTo: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Backoff{MaxAttempts: 5, BaseDelay: time.Hour}
	err := ConnectWithRetry(ctx, d, "sm-bob-1", policy)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("expected 1 attempt before the backoff wait, got %d", d.calls)
	}
}
