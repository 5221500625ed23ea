// Package call is the single source of truth for the human-visible call
// lifecycle. The Manager consumes session-store change notifications and
// connection-registry events, and issues the commands (accept, reject, hang
// up) that mutate the store and drive the peer connection layer.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/skillmesh/internal/bootstrap"
	"github.com/petervdpas/skillmesh/internal/media"
	"github.com/petervdpas/skillmesh/internal/registry"
	"github.com/petervdpas/skillmesh/internal/session"
	"github.com/petervdpas/skillmesh/internal/signal"
	"github.com/petervdpas/skillmesh/internal/util"
)

// State is the local, ephemeral call state for one session.
type State string

const (
	StateIdle      State = "idle"
	StateIncoming  State = "incoming"
	StateCalling   State = "calling"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

var (
	// ErrAlreadyHandled is the stale accept/reject outcome: the conditional
	// store update matched no rows because the other side (or a duplicate
	// click) got there first. Surfaced as "call already handled", not as an
	// error dialog.
	ErrAlreadyHandled = errors.New("call: already handled")

	// ErrNoSuchCall is returned for commands against a session with no
	// local call state.
	ErrNoSuchCall = errors.New("call: no such call")

	// ErrNotCallable is returned for tutorial sessions — they never reach
	// the call layer.
	ErrNotCallable = errors.New("call: session mode does not support calls")
)

// Info describes an incoming call to the UI.
type Info struct {
	SessionID int64        `json:"session_id"`
	CallerID  string       `json:"caller_id"`
	Skill     string       `json:"skill"`
	Mode      session.Mode `json:"mode"`
}

// Event is one observable call-state transition.
type Event struct {
	SessionID int64  `json:"session_id"`
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
	At        int64  `json:"at"` // unix millis
}

// DriverBuilder constructs the peer connection driver for one call leg.
// The default builder wires rtc.NewDriver; tests install fakes.
type DriverBuilder func(sessionID int64, selfPeer, remotePeer string, initiator bool,
	dev media.Device, ch signal.Channel, sink chan<- registry.DriverEvent) (registry.PeerDriver, error)

// Options bundles manager construction knobs.
type Options struct {
	SelfUserID  string
	Store       session.Store
	Binder      signal.Binder
	Media       *media.Unit
	Build       DriverBuilder
	Backoff     bootstrap.Backoff
	RingTimeout time.Duration
}

// activeCall is the per-session runtime: channel binding, peer ids, state.
// id and the peer fields are immutable after creation; sess and state are
// guarded by the manager mutex.
type activeCall struct {
	id         int64
	sess       session.Session
	state      State
	remoteUser string
	selfPeer   string
	remotePeer string
	initiator  bool

	ch       signal.Channel
	chCancel func()

	ringTimer *time.Timer

	// tearingDown suppresses the registry Destroyed echo of our own
	// teardown.
	tearingDown bool
}

// Manager owns all active calls for one user.
type Manager struct {
	opts Options
	reg  *registry.Registry

	mu     sync.Mutex
	byID   map[int64]*activeCall
	byPeer map[string]int64

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
	incoming   map[chan Info]struct{}

	history *util.RingBuffer[Event]

	storeCancel func()
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	done        chan struct{}
}

// New creates a Manager and starts its store and registry loops immediately.
func New(opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = bootstrap.DefaultBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:       opts,
		byID:       make(map[int64]*activeCall),
		byPeer:     make(map[string]int64),
		listeners:  make(map[chan Event]struct{}),
		incoming:   make(map[chan Info]struct{}),
		history:    util.NewRingBuffer[Event](128),
		rootCtx:    ctx,
		rootCancel: cancel,
		done:       make(chan struct{}),
	}
	m.reg = registry.New(m.buildDriver)

	feed, cancelFeed := opts.Store.Subscribe(opts.SelfUserID)
	m.storeCancel = cancelFeed
	go m.storeLoop(feed)
	go m.registryLoop()
	return m
}

// Registry exposes the connection table, for the debug surface.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// buildDriver is the registry's DriverFactory: it resolves the active call
// for the remote peer id and hands its channel and media device to the
// builder. Media is attached per the role: the initiator's device is live
// before dialing, the responder's before accepting.
func (m *Manager) buildDriver(remotePeerID string, initiator bool, sink chan<- registry.DriverEvent) (registry.PeerDriver, error) {
	m.mu.Lock()
	id, ok := m.byPeer[remotePeerID]
	var ac *activeCall
	if ok {
		ac = m.byID[id]
	}
	m.mu.Unlock()
	if ac == nil {
		return nil, fmt.Errorf("%w: no call for peer %s", ErrNoSuchCall, remotePeerID)
	}

	var dev media.Device
	if m.opts.Media != nil {
		if d, err := m.opts.Media.Acquire(m.rootCtx); err == nil {
			dev = d
		} else if !errors.Is(err, media.ErrMediaUnavailable) {
			return nil, err
		} else {
			log.Printf("CALL [%d]: no local media, proceeding receive-only", ac.id)
		}
	}

	driver, err := m.opts.Build(ac.id, ac.selfPeer, remotePeerID, initiator, dev, ac.ch, sink)
	if err != nil {
		return nil, err
	}
	// Carry a mute set earlier in the call (or on a rejoined stream) onto
	// the fresh connection.
	if tog, ok := driver.(trackToggler); ok && dev != nil {
		for _, kind := range []media.TrackKind{media.TrackVideo, media.TrackAudio} {
			if !m.opts.Media.TrackEnabled(kind) {
				if terr := tog.SetTrackEnabled(kind, false); terr != nil {
					log.Printf("CALL [%d]: apply %s mute: %v", ac.id, kind, terr)
				}
			}
		}
	}
	return driver, nil
}

// ─── Commands ────────────────────────────────────────────────────────────

// StartOutgoing places (or re-joins) the call for sessionID. The session
// record must already exist; idle → calling. If the session is already
// accepted — both parties reconnecting after a refresh — establishment
// starts immediately.
func (m *Manager) StartOutgoing(ctx context.Context, sessionID int64) error {
	sess, err := m.opts.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Callable() {
		return ErrNotCallable
	}
	if !sess.Party(m.opts.SelfUserID) {
		return fmt.Errorf("%w: not a party to session %d", ErrNoSuchCall, sessionID)
	}
	switch sess.Status {
	case session.StatusRejected, session.StatusEnded:
		return fmt.Errorf("call: session %d is %s", sessionID, sess.Status)
	}

	ac, fresh, err := m.ensureCall(ctx, *sess)
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("CALL [%d]: already active (%s), ignoring duplicate start", sessionID, m.CallState(sessionID))
		return nil
	}

	if sess.Status == session.StatusAccepted {
		m.transition(ac, StateConnected, "rejoin")
		m.establish(ac)
		return nil
	}

	m.transition(ac, StateCalling, "")
	m.armRingTimer(ac)
	return nil
}

// Accept answers the incoming call for sessionID. The conditional store
// update (pending → accepted) is the idempotency guard: losing the race
// yields ErrAlreadyHandled and the local incoming state is discarded
// without side effects.
func (m *Manager) Accept(ctx context.Context, sessionID int64) error {
	sess, err := m.opts.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Callable() {
		return ErrNotCallable
	}

	updated, err := m.opts.Store.UpdateStatus(ctx, sessionID, session.StatusPending, session.StatusAccepted)
	if errors.Is(err, session.ErrNotModified) {
		m.discardIncoming(sessionID, "already handled")
		return ErrAlreadyHandled
	}
	if err != nil {
		return err
	}

	ac, _, err := m.ensureCall(ctx, *updated)
	if err != nil {
		return err
	}
	m.transition(ac, StateConnected, "accepted")
	m.establish(ac)
	return nil
}

// Reject declines the incoming call for sessionID; incoming → idle.
func (m *Manager) Reject(ctx context.Context, sessionID int64) error {
	_, err := m.opts.Store.UpdateStatus(ctx, sessionID, session.StatusPending, session.StatusRejected)
	if errors.Is(err, session.ErrNotModified) {
		m.discardIncoming(sessionID, "already handled")
		return ErrAlreadyHandled
	}
	if err != nil {
		return err
	}
	m.discardIncoming(sessionID, "rejected")
	return nil
}

// End hangs up. The call-ended envelope goes out first so the remote side
// tears down before its own store notification arrives (latency hiding);
// the store update follows.
func (m *Manager) End(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	ac := m.byID[sessionID]
	m.mu.Unlock()
	if ac == nil {
		return ErrNoSuchCall
	}

	m.teardown(ac, "hangup", true)

	cur, err := m.opts.Store.GetSession(ctx, sessionID)
	if err == nil && cur.Status != session.StatusEnded {
		if _, uerr := m.opts.Store.UpdateStatus(ctx, sessionID, cur.Status, session.StatusEnded); uerr != nil && !errors.Is(uerr, session.ErrNotModified) {
			log.Printf("CALL [%d]: end status update failed: %v", sessionID, uerr)
		}
	}
	return nil
}

// trackToggler is the optional driver capability behind mute: rtc.Driver
// implements it by detaching the kind's track from its RTP sender.
type trackToggler interface {
	SetTrackEnabled(kind media.TrackKind, enabled bool) error
}

// ToggleVideo flips local video; returns the new disabled state.
func (m *Manager) ToggleVideo(sessionID int64) (disabled bool, err error) {
	on, err := m.toggleTrack(sessionID, media.TrackVideo)
	return !on, err
}

// ToggleAudio flips local audio; returns the new muted state.
func (m *Manager) ToggleAudio(sessionID int64) (muted bool, err error) {
	on, err := m.toggleTrack(sessionID, media.TrackAudio)
	return !on, err
}

// toggleTrack flips the unit flag and mirrors it onto the live driver, so
// the remote side actually stops (or resumes) receiving that kind.
func (m *Manager) toggleTrack(sessionID int64, kind media.TrackKind) (bool, error) {
	m.mu.Lock()
	ac := m.byID[sessionID]
	m.mu.Unlock()
	if ac == nil {
		return false, ErrNoSuchCall
	}
	on := m.opts.Media.SetTrackEnabled(kind, !m.opts.Media.TrackEnabled(kind))
	if driver, ok := m.reg.Driver(ac.remotePeer); ok {
		if tog, ok := driver.(trackToggler); ok {
			if err := tog.SetTrackEnabled(kind, on); err != nil {
				log.Printf("CALL [%d]: %s toggle: %v", sessionID, kind, err)
			}
		}
	}
	return on, nil
}

// ─── Feeds ───────────────────────────────────────────────────────────────

// Subscribe returns a feed of call-state events.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeIncoming returns a feed of incoming-call descriptors.
func (m *Manager) SubscribeIncoming() (chan Info, func()) {
	ch := make(chan Info, 8)
	m.listenerMu.Lock()
	m.incoming[ch] = struct{}{}
	m.listenerMu.Unlock()
	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.incoming[ch]; ok {
			delete(m.incoming, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// CallState returns the current state for sessionID (idle when unknown).
func (m *Manager) CallState(sessionID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.byID[sessionID]; ok {
		return ac.state
	}
	return StateIdle
}

// History returns recent call events, oldest first.
func (m *Manager) History() []Event {
	return m.history.Snapshot()
}

// Status is a per-call debug snapshot.
type Status struct {
	SessionID  int64             `json:"session_id"`
	State      State             `json:"state"`
	RemoteUser string            `json:"remote_user"`
	RemotePeer string            `json:"remote_peer"`
	Initiator  bool              `json:"initiator"`
	Records    []registry.Status `json:"records"`
}

// Snapshot lists all active calls with their registry records.
func (m *Manager) Snapshot() []Status {
	records := m.reg.Snapshot()
	byPeer := make(map[string]registry.Status, len(records))
	for _, r := range records {
		byPeer[r.RemotePeerID] = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.byID))
	for _, ac := range m.byID {
		st := Status{
			SessionID:  ac.sess.ID,
			State:      ac.state,
			RemoteUser: ac.remoteUser,
			RemotePeer: ac.remotePeer,
			Initiator:  ac.initiator,
		}
		if r, ok := byPeer[ac.remotePeer]; ok {
			st.Records = []registry.Status{r}
		}
		out = append(out, st)
	}
	return out
}

// SubscribeRemoteMedia taps the remote RTP payload stream for sessionID, if
// the driver exposes one.
func (m *Manager) SubscribeRemoteMedia(sessionID int64) (chan []byte, func(), error) {
	m.mu.Lock()
	ac := m.byID[sessionID]
	m.mu.Unlock()
	if ac == nil {
		return nil, nil, ErrNoSuchCall
	}
	driver, ok := m.reg.Driver(ac.remotePeer)
	if !ok {
		return nil, nil, fmt.Errorf("call: no live connection for session %d", sessionID)
	}
	tap, ok := driver.(interface{ SubscribeMedia() (chan []byte, func()) })
	if !ok {
		return nil, nil, fmt.Errorf("call: driver for session %d has no media tap", sessionID)
	}
	ch, cancel := tap.SubscribeMedia()
	return ch, cancel, nil
}

// ─── Internal machinery ──────────────────────────────────────────────────

// ensureCall returns the runtime for sess, creating and binding it if this
// is the first sight of the session. fresh reports whether it was created.
func (m *Manager) ensureCall(ctx context.Context, sess session.Session) (*activeCall, bool, error) {
	m.mu.Lock()
	if ac, ok := m.byID[sess.ID]; ok {
		ac.sess = sess
		m.mu.Unlock()
		return ac, false, nil
	}
	m.mu.Unlock()

	remoteUser := sess.Other(m.opts.SelfUserID)
	ac := &activeCall{
		id:         sess.ID,
		sess:       sess,
		state:      StateIdle,
		remoteUser: remoteUser,
		selfPeer:   bootstrap.PeerID(m.opts.SelfUserID, sess.ID),
		remotePeer: bootstrap.PeerID(remoteUser, sess.ID),
		initiator:  bootstrap.ShouldInitiate(m.opts.SelfUserID, remoteUser),
	}

	ch, err := m.opts.Binder.Bind(ctx, ac.selfPeer)
	if err != nil {
		return nil, false, fmt.Errorf("bind signaling for session %d: %w", sess.ID, err)
	}
	ac.ch = ch

	feed, cancelFeed := ch.Subscribe()
	ac.chCancel = func() {
		cancelFeed()
		_ = ch.Close()
	}
	go m.signalLoop(ac, feed)

	m.mu.Lock()
	if existing, ok := m.byID[sess.ID]; ok {
		// Lost a construction race; keep the winner.
		m.mu.Unlock()
		ac.chCancel()
		return existing, false, nil
	}
	m.byID[sess.ID] = ac
	m.byPeer[ac.remotePeer] = sess.ID
	m.mu.Unlock()
	return ac, true, nil
}

// establish kicks off connection establishment for an accepted call. The
// deterministic initiator dials with backoff; the responder only ever
// answers, which is what makes near-simultaneous dials collapse to one
// connection.
func (m *Manager) establish(ac *activeCall) {
	if !ac.initiator {
		// The initiator can dial before our accept lands, leaving its
		// offer buffered with nobody listening. Claim the record now so
		// anything already buffered replays; with nothing buffered the
		// record simply waits for the offer.
		log.Printf("CALL [%d]: responder, awaiting offer from %s", ac.id, ac.remotePeer)
		go func() {
			ctx, cancel := context.WithTimeout(m.rootCtx, util.DefaultConnectTimeout)
			defer cancel()
			if err := m.reg.AcceptInbound(ctx, ac.remotePeer); err != nil {
				log.Printf("CALL [%d]: accept inbound: %v", ac.id, err)
			}
		}()
		return
	}
	go func() {
		err := bootstrap.ConnectWithRetry(m.rootCtx, m.reg, ac.remotePeer, m.opts.Backoff)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("CALL [%d]: %v", ac.id, err)
			m.teardown(ac, "connection failed", true)
		}
	}()
}

func (m *Manager) armRingTimer(ac *activeCall) {
	sessionID := ac.id
	ac.ringTimer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.mu.Lock()
		cur := m.byID[sessionID]
		stillRinging := cur == ac && ac.state == StateCalling
		m.mu.Unlock()
		if !stillRinging {
			return
		}
		log.Printf("CALL [%d]: no answer after %s", sessionID, m.opts.RingTimeout)
		m.teardown(ac, "no answer", true)
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		defer cancel()
		if _, err := m.opts.Store.UpdateStatus(ctx, sessionID, session.StatusPending, session.StatusEnded); err != nil && !errors.Is(err, session.ErrNotModified) {
			log.Printf("CALL [%d]: abandon update failed: %v", sessionID, err)
		}
	})
}

// storeLoop consumes the session change feed.
func (m *Manager) storeLoop(feed chan session.Change) {
	for {
		select {
		case <-m.done:
			return
		case c, ok := <-feed:
			if !ok {
				return
			}
			m.handleChange(c)
		}
	}
}

func (m *Manager) handleChange(c session.Change) {
	sess := c.Session
	if !sess.Callable() || !sess.Party(m.opts.SelfUserID) {
		return
	}

	m.mu.Lock()
	ac := m.byID[sess.ID]
	var st State
	if ac != nil {
		ac.sess = sess
		st = ac.state
	}
	m.mu.Unlock()

	switch sess.Status {
	case session.StatusPending:
		// A pending session targeting me as host surfaces as incoming.
		if ac == nil && sess.HostID == m.opts.SelfUserID {
			m.surfaceIncoming(sess)
		}
	case session.StatusAccepted:
		if ac != nil && st == StateCalling {
			m.stopRingTimer(ac)
			m.transition(ac, StateConnected, "accepted")
			m.establish(ac)
		}
	case session.StatusRejected:
		if ac != nil && st == StateCalling {
			m.stopRingTimer(ac)
			m.teardown(ac, "rejected", false)
		}
	case session.StatusEnded:
		if ac != nil && st != StateEnded {
			m.teardown(ac, "ended", false)
		}
	}
}

func (m *Manager) surfaceIncoming(sess session.Session) {
	ctx, cancel := context.WithTimeout(m.rootCtx, util.DefaultConnectTimeout)
	defer cancel()
	ac, fresh, err := m.ensureCall(ctx, sess)
	if err != nil {
		log.Printf("CALL [%d]: surface incoming: %v", sess.ID, err)
		return
	}
	if !fresh && m.CallState(sess.ID) != StateIdle {
		return
	}
	m.transition(ac, StateIncoming, "")

	info := Info{
		SessionID: sess.ID,
		CallerID:  sess.Other(m.opts.SelfUserID),
		Skill:     sess.Skill,
		Mode:      sess.Mode,
	}
	m.listenerMu.RLock()
	for ch := range m.incoming {
		select {
		case ch <- info:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// registryLoop consumes connection-registry events.
func (m *Manager) registryLoop() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.reg.Events():
			if !ok {
				return
			}
			m.handleRegistryEvent(ev)
		}
	}
}

func (m *Manager) handleRegistryEvent(ev registry.Event) {
	m.mu.Lock()
	id, ok := m.byPeer[ev.RemotePeerID]
	var ac *activeCall
	var st State
	var echo bool
	if ok {
		ac = m.byID[id]
	}
	if ac != nil {
		st = ac.state
		echo = ac.tearingDown
	}
	m.mu.Unlock()

	switch ev.Kind {
	case registry.EventIncomingOffer:
		// Only answer offers for calls we have locally accepted or are
		// re-joining; anything else stays buffered until the user acts.
		if ac == nil || st != StateConnected {
			return
		}
		ctx, cancel := context.WithTimeout(m.rootCtx, util.DefaultConnectTimeout)
		defer cancel()
		if err := m.reg.AcceptInbound(ctx, ev.RemotePeerID); err != nil {
			log.Printf("CALL [%d]: accept inbound: %v", ac.id, err)
		}
	case registry.EventConnected:
		if ac != nil {
			m.emit(Event{SessionID: ac.id, State: StateConnected, Reason: "media", At: time.Now().UnixMilli()})
		}
	case registry.EventDestroyed:
		if ac == nil || echo {
			return
		}
		if st == StateConnected || st == StateCalling {
			m.teardown(ac, ev.Reason, true)
		}
	}
}

// signalLoop consumes one call's signaling feed: call-ended is handled here
// as the authoritative early teardown trigger, everything else flows to the
// registry's ordering machinery.
func (m *Manager) signalLoop(ac *activeCall, feed chan *signal.Envelope) {
	for env := range feed {
		if env.Kind == signal.KindCallEnded {
			log.Printf("CALL [%d]: remote hangup from %s", ac.id, env.From)
			m.teardown(ac, "remote hangup", false)
			continue
		}
		m.reg.HandleEnvelope(m.rootCtx, env)
	}
}

// discardIncoming drops local ringing state. A call that already advanced
// past incoming (our own accept landed) is left alone — "already handled"
// must not kill a live call on a duplicate click.
func (m *Manager) discardIncoming(sessionID int64, reason string) {
	m.mu.Lock()
	ac := m.byID[sessionID]
	if ac != nil && ac.state != StateIncoming {
		ac = nil
	}
	m.mu.Unlock()
	if ac == nil {
		return
	}
	m.teardown(ac, reason, false)
}

// teardown is the single exit path: registry records die first, then the
// local media stream is released, then the state settles ended → idle.
// notifyRemote sends the call-ended envelope before anything else so the
// other side does not wait on store latency.
func (m *Manager) teardown(ac *activeCall, reason string, notifyRemote bool) {
	m.mu.Lock()
	if ac.tearingDown {
		m.mu.Unlock()
		return
	}
	ac.tearingDown = true
	m.stopRingTimerLocked(ac)
	m.mu.Unlock()

	if notifyRemote {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		env, err := signal.NewEnvelope(ac.id, ac.selfPeer, ac.remotePeer, signal.KindCallEnded, nil)
		if err == nil {
			if serr := ac.ch.Send(ctx, env); serr != nil {
				log.Printf("CALL [%d]: call-ended send failed: %v", ac.id, serr)
			}
		}
		cancel()
	}

	m.transition(ac, StateEnded, reason)

	m.reg.Destroy(ac.remotePeer, reason)

	m.mu.Lock()
	delete(m.byID, ac.id)
	delete(m.byPeer, ac.remotePeer)
	othersActive := len(m.byID) > 0
	m.mu.Unlock()

	// Release the camera/mic only after every record for the session is
	// gone, and only when no other call still needs the stream.
	if m.opts.Media != nil && !othersActive && m.opts.Media.Held() {
		if err := m.opts.Media.Release(); err != nil {
			log.Printf("CALL [%d]: media release: %v", ac.id, err)
		}
	}

	ac.chCancel()
	m.transition(ac, StateIdle, "")
	log.Printf("CALL [%d]: torn down (%s)", ac.id, reason)
}

func (m *Manager) stopRingTimer(ac *activeCall) {
	m.mu.Lock()
	m.stopRingTimerLocked(ac)
	m.mu.Unlock()
}

func (m *Manager) stopRingTimerLocked(ac *activeCall) {
	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
		ac.ringTimer = nil
	}
}

func (m *Manager) hasCall(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[sessionID]
	return ok
}

func (m *Manager) transition(ac *activeCall, next State, reason string) {
	m.mu.Lock()
	ac.state = next
	m.mu.Unlock()
	m.emit(Event{SessionID: ac.id, State: next, Reason: reason, At: time.Now().UnixMilli()})
}

func (m *Manager) emit(ev Event) {
	m.history.Push(ev)
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// Shutdown is the page-unload path: best-effort hangup of every active call
// (store update + call-ended envelope) before the process goes away, then
// full teardown of the connection and media layers.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	active := make([]*activeCall, 0, len(m.byID))
	for _, ac := range m.byID {
		active = append(active, ac)
	}
	m.mu.Unlock()

	for _, ac := range active {
		if cur, err := m.opts.Store.GetSession(ctx, ac.id); err == nil && cur.Status != session.StatusEnded {
			if _, uerr := m.opts.Store.UpdateStatus(ctx, ac.id, cur.Status, session.StatusEnded); uerr != nil && !errors.Is(uerr, session.ErrNotModified) {
				log.Printf("CALL [%d]: shutdown status update failed: %v", ac.id, uerr)
			}
		}
		m.teardown(ac, "shutdown", true)
	}

	m.storeCancel()
	m.reg.Close()
	m.rootCancel()
}
