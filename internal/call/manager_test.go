package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/skillmesh/internal/bootstrap"
	"github.com/petervdpas/skillmesh/internal/media"
	"github.com/petervdpas/skillmesh/internal/registry"
	"github.com/petervdpas/skillmesh/internal/session"
	"github.com/petervdpas/skillmesh/internal/signal"
)

// fakeCallDriver negotiates for real over the signaling channel: the
// initiator sends an offer, the responder answers, and both report
// connected. No actual peer connection is involved.
type fakeCallDriver struct {
	sessionID  int64
	selfPeer   string
	remotePeer string
	ch         signal.Channel
	sink       chan<- registry.DriverEvent

	mu      sync.Mutex
	neg     registry.Negotiation
	closed  bool
	toggles []string
}

func (d *fakeCallDriver) StartNegotiation(ctx context.Context) error {
	d.mu.Lock()
	d.neg = registry.NegAwaitingAnswer
	d.mu.Unlock()
	env, err := signal.NewEnvelope(d.sessionID, d.selfPeer, d.remotePeer, signal.KindOffer,
		map[string]string{"sdp": "offer"})
	if err != nil {
		return err
	}
	return d.ch.Send(ctx, env)
}

func (d *fakeCallDriver) ApplyOffer(ctx context.Context, _ json.RawMessage) error {
	d.mu.Lock()
	d.neg = registry.NegStable
	d.mu.Unlock()
	env, err := signal.NewEnvelope(d.sessionID, d.selfPeer, d.remotePeer, signal.KindAnswer,
		map[string]string{"sdp": "answer"})
	if err != nil {
		return err
	}
	if err := d.ch.Send(ctx, env); err != nil {
		return err
	}
	d.sink <- registry.DriverEvent{RemotePeerID: d.remotePeer, Kind: registry.DriverConnected}
	return nil
}

func (d *fakeCallDriver) ApplyAnswer(_ context.Context, _ json.RawMessage) error {
	d.mu.Lock()
	d.neg = registry.NegStable
	d.mu.Unlock()
	d.sink <- registry.DriverEvent{RemotePeerID: d.remotePeer, Kind: registry.DriverConnected}
	return nil
}

func (d *fakeCallDriver) AddCandidate(_ context.Context, _ json.RawMessage) error { return nil }

func (d *fakeCallDriver) Negotiation() registry.Negotiation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.neg
}

func (d *fakeCallDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeCallDriver) SetTrackEnabled(kind media.TrackKind, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toggles = append(d.toggles, fmt.Sprintf("%s=%v", kind, enabled))
	return nil
}

func (d *fakeCallDriver) toggleLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.toggles))
	copy(out, d.toggles)
	return out
}

type fakeDevice struct{}

func (fakeDevice) Tracks() []webrtc.TrackLocal              { return nil }
func (fakeDevice) HasVideo() bool                           { return true }
func (fakeDevice) HasAudio() bool                           { return true }
func (fakeDevice) PopulateEngine(*webrtc.MediaEngine) error { return nil }
func (fakeDevice) Close() error                             { return nil }

type fakeAcquirer struct{}

func (fakeAcquirer) Acquire(context.Context, media.Prefs) (media.Device, error) {
	return fakeDevice{}, nil
}

// testRig is one user's full call stack over the shared bus and store.
type testRig struct {
	userID string
	mgr    *Manager
	unit   *media.Unit

	mu      sync.Mutex
	drivers map[string]*fakeCallDriver // by remote peer id
}

func (r *testRig) driverFor(remotePeer string) *fakeCallDriver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drivers[remotePeer]
}

func newRig(t *testing.T, userID string, store session.Store, bus *signal.LoopbackBus, ringTimeout time.Duration) *testRig {
	t.Helper()
	rig := &testRig{userID: userID, drivers: make(map[string]*fakeCallDriver)}
	unit := media.NewUnit(fakeAcquirer{}, media.Prefs{})
	build := func(sessionID int64, selfPeer, remotePeer string, _ bool,
		_ media.Device, ch signal.Channel, sink chan<- registry.DriverEvent) (registry.PeerDriver, error) {
		d := &fakeCallDriver{
			sessionID: sessionID, selfPeer: selfPeer, remotePeer: remotePeer,
			ch: ch, sink: sink,
		}
		rig.mu.Lock()
		rig.drivers[remotePeer] = d
		rig.mu.Unlock()
		return d, nil
	}
	mgr := New(Options{
		SelfUserID:  userID,
		Store:       store,
		Binder:      bus,
		Media:       unit,
		Build:       build,
		RingTimeout: ringTimeout,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	rig.mgr = mgr
	rig.unit = unit
	return rig
}

func openSharedStore(t *testing.T) *session.SQLiteStore {
	t.Helper()
	s, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitState(t *testing.T, feed chan Event, sessionID int64, want State) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-feed:
			if ev.SessionID == sessionID && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s on session %d", want, sessionID)
		}
	}
}

func waitCallState(t *testing.T, m *Manager, sessionID int64, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.CallState(sessionID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %d stuck at %s, want %s", sessionID, m.CallState(sessionID), want)
}

func TestCallRoundTrip(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)
	bob := newRig(t, "bob", store, bus, 0)

	aliceEvents, cancelA := alice.mgr.Subscribe()
	defer cancelA()
	bobEvents, cancelB := bob.mgr.Subscribe()
	defer cancelB()
	bobIncoming, cancelI := bob.mgr.SubscribeIncoming()
	defer cancelI()

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "bob", "alice", "go-concurrency", session.ModeLive)
	if err != nil {
		t.Fatal(err)
	}

	// Learner places the call; host is notified.
	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceEvents, sess.ID, StateCalling)

	select {
	case info := <-bobIncoming:
		if info.SessionID != sess.ID || info.CallerID != "alice" || info.Skill != "go-concurrency" {
			t.Fatalf("unexpected incoming info %+v", info)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw the incoming call")
	}

	// Host accepts: both sides go connected and the initiator (alice, the
	// lexicographically smaller id) dials.
	if err := bob.mgr.Accept(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceEvents, sess.ID, StateConnected)
	waitState(t, bobEvents, sess.ID, StateConnected)

	// The fake negotiation completes on both sides.
	waitRegistryConnected(t, alice.mgr, sess.ID)
	waitRegistryConnected(t, bob.mgr, sess.ID)

	if got, _ := store.GetSession(ctx, sess.ID); got.Status != session.StatusAccepted {
		t.Fatalf("store status = %s, want accepted", got.Status)
	}

	// Hangup on one side tears down the other via the call-ended envelope.
	if err := alice.mgr.End(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitCallState(t, alice.mgr, sess.ID, StateIdle)
	waitCallState(t, bob.mgr, sess.ID, StateIdle)

	if got, _ := store.GetSession(ctx, sess.ID); got.Status != session.StatusEnded {
		t.Fatalf("store status = %s, want ended", got.Status)
	}
	if alice.mgr.Registry().ActiveCount() != 0 || bob.mgr.Registry().ActiveCount() != 0 {
		t.Fatal("connection records survived the hangup")
	}

	// Media released exactly once on each side, after records were gone.
	if _, releases := alice.unit.Stats(); releases != 1 {
		t.Fatalf("alice media releases = %d, want 1", releases)
	}
	if _, releases := bob.unit.Stats(); releases != 1 {
		t.Fatalf("bob media releases = %d, want 1", releases)
	}
}

func waitRegistryConnected(t *testing.T, m *Manager, sessionID int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range m.Snapshot() {
			if st.SessionID == sessionID && len(st.Records) == 1 && st.Records[0].State == registry.StateConnected {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %d never reached a connected record: %+v", sessionID, m.Snapshot())
}

func TestRejectEndsOutgoingCall(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)
	bob := newRig(t, "bob", store, bus, 0)

	aliceEvents, cancelA := alice.mgr.Subscribe()
	defer cancelA()

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)

	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceEvents, sess.ID, StateCalling)
	waitCallState(t, bob.mgr, sess.ID, StateIncoming)

	if err := bob.mgr.Reject(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceEvents, sess.ID, StateEnded)
	waitCallState(t, alice.mgr, sess.ID, StateIdle)
	waitCallState(t, bob.mgr, sess.ID, StateIdle)

	if got, _ := store.GetSession(ctx, sess.ID); got.Status != session.StatusRejected {
		t.Fatalf("store status = %s, want rejected", got.Status)
	}
	if alice.mgr.Registry().ActiveCount() != 0 {
		t.Fatal("reject left a connection record behind")
	}
}

func TestStaleAcceptReturnsAlreadyHandled(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	bob := newRig(t, "bob", store, bus, 0)

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)

	if err := bob.mgr.Accept(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := bob.mgr.Accept(ctx, sess.ID); !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("duplicate accept: expected ErrAlreadyHandled, got %v", err)
	}
	if err := bob.mgr.Reject(ctx, sess.ID); !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("reject after accept: expected ErrAlreadyHandled, got %v", err)
	}
}

func TestRingTimeoutAbandonsCall(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 80*time.Millisecond)

	aliceEvents, cancelA := alice.mgr.Subscribe()
	defer cancelA()

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)

	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	ev := waitState(t, aliceEvents, sess.ID, StateEnded)
	if ev.Reason != "no answer" {
		t.Fatalf("ended reason = %q, want no answer", ev.Reason)
	}
	waitCallState(t, alice.mgr, sess.ID, StateIdle)

	if got, _ := store.GetSession(ctx, sess.ID); got.Status != session.StatusEnded {
		t.Fatalf("store status = %s, want ended", got.Status)
	}
}

func TestTutorialSessionsNeverCall(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeTutorial)

	if err := alice.mgr.StartOutgoing(ctx, sess.ID); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("expected ErrNotCallable, got %v", err)
	}
	if err := alice.mgr.Accept(ctx, sess.ID); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("expected ErrNotCallable, got %v", err)
	}
}

func TestDuplicateStartIsIgnored(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)

	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitCallState(t, alice.mgr, sess.ID, StateCalling)
	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if st := alice.mgr.CallState(sess.ID); st != StateCalling {
		t.Fatalf("duplicate start moved state to %s", st)
	}
}

func TestTogglesGateOutgoingTracks(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)
	bob := newRig(t, "bob", store, bus, 0)

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)

	if err := alice.mgr.StartOutgoing(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitCallState(t, bob.mgr, sess.ID, StateIncoming)
	if err := bob.mgr.Accept(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	waitCallState(t, alice.mgr, sess.ID, StateConnected)
	waitRegistryConnected(t, alice.mgr, sess.ID)

	drv := alice.driverFor(bootstrap.PeerID("bob", sess.ID))
	if drv == nil {
		t.Fatal("no driver built for alice")
	}

	// Mute reaches the driver, not just the unit's bookkeeping.
	muted, err := alice.mgr.ToggleAudio(sess.ID)
	if err != nil || !muted {
		t.Fatalf("ToggleAudio = (%v, %v), want muted", muted, err)
	}
	if alice.unit.TrackEnabled(media.TrackAudio) {
		t.Fatal("unit still reports audio enabled")
	}
	disabled, err := alice.mgr.ToggleVideo(sess.ID)
	if err != nil || !disabled {
		t.Fatalf("ToggleVideo = (%v, %v), want disabled", disabled, err)
	}

	// Unmute resumes the track.
	muted, err = alice.mgr.ToggleAudio(sess.ID)
	if err != nil || muted {
		t.Fatalf("second ToggleAudio = (%v, %v), want unmuted", muted, err)
	}

	want := []string{"audio=false", "video=false", "audio=true"}
	got := drv.toggleLog()
	if len(got) != len(want) {
		t.Fatalf("driver saw toggles %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("driver saw toggles %v, want %v", got, want)
		}
	}

	if _, err := alice.mgr.ToggleAudio(999); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("toggle on unknown session: %v", err)
	}
}

func TestSimultaneousStartCollapsesToOneConnection(t *testing.T) {
	store := openSharedStore(t)
	bus := signal.NewLoopbackBus()
	alice := newRig(t, "alice", store, bus, 0)
	bob := newRig(t, "bob", store, bus, 0)

	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "bob", "alice", "go", session.ModeLive)
	if _, err := store.UpdateStatus(ctx, sess.ID, session.StatusPending, session.StatusAccepted); err != nil {
		t.Fatal(err)
	}

	// Both sides rejoin the accepted session in the same instant.
	var wg sync.WaitGroup
	for _, rig := range []*testRig{alice, bob} {
		wg.Add(1)
		go func(r *testRig) {
			defer wg.Done()
			if err := r.mgr.StartOutgoing(ctx, sess.ID); err != nil {
				t.Errorf("%s start: %v", r.userID, err)
			}
		}(rig)
	}
	wg.Wait()

	waitCallState(t, alice.mgr, sess.ID, StateConnected)
	waitCallState(t, bob.mgr, sess.ID, StateConnected)
	waitRegistryConnected(t, alice.mgr, sess.ID)
	waitRegistryConnected(t, bob.mgr, sess.ID)

	// The deterministic role split means one dialer, one answerer, and
	// exactly one connection per side.
	for _, rig := range []*testRig{alice, bob} {
		rig.mu.Lock()
		n := len(rig.drivers)
		rig.mu.Unlock()
		if n != 1 {
			t.Fatalf("%s built %d drivers, want 1", rig.userID, n)
		}
		if got := rig.mgr.Registry().ActiveCount(); got != 1 {
			t.Fatalf("%s has %d records, want 1", rig.userID, got)
		}
	}
}
