// Package registry tracks exactly one connection record per remote peer
// identifier and restores signaling order on top of an unordered relay:
// envelopes that arrive before a local connection exists are buffered and
// replayed offer-first once the record is ready.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/skillmesh/internal/signal"
)

// State is the lifecycle of one connection record.
type State string

const (
	StateCreating  State = "creating"
	StateReady     State = "ready"
	StateConnected State = "connected"
	StateFailed    State = "failed"
)

// Negotiation is the driver's SDP exchange position, used to guard
// out-of-order envelopes.
type Negotiation int

const (
	NegIdle Negotiation = iota
	NegAwaitingAnswer
	NegStable
)

func (n Negotiation) String() string {
	switch n {
	case NegIdle:
		return "idle"
	case NegAwaitingAnswer:
		return "awaiting-answer"
	case NegStable:
		return "stable"
	}
	return "unknown"
}

// ErrSignalOutOfOrder marks an envelope arriving in an invalid negotiation
// state. Dropped and logged, never surfaced — a retransmission or the
// natural flow supersedes it.
var ErrSignalOutOfOrder = errors.New("registry: signal out of order")

// PeerDriver is the slice of the peer connection driver the registry talks
// to. rtc.Driver implements it; tests install fakes.
type PeerDriver interface {
	// StartNegotiation creates and sends the SDP offer (initiator only).
	StartNegotiation(ctx context.Context) error
	ApplyOffer(ctx context.Context, payload json.RawMessage) error
	ApplyAnswer(ctx context.Context, payload json.RawMessage) error
	AddCandidate(ctx context.Context, payload json.RawMessage) error
	Negotiation() Negotiation
	Close() error
}

// DriverFactory builds a driver for one remote peer. The sink receives the
// driver's lifecycle events; the registry owns and drains it.
type DriverFactory func(remotePeerID string, initiator bool, sink chan<- DriverEvent) (PeerDriver, error)

// DriverEventKind enumerates driver → registry notifications.
type DriverEventKind string

const (
	DriverConnected   DriverEventKind = "connected"
	DriverRemoteTrack DriverEventKind = "remote-track"
	DriverFailed      DriverEventKind = "failed"
)

// DriverEvent is one driver → registry notification.
type DriverEvent struct {
	RemotePeerID string
	Kind         DriverEventKind
	Err          error
}

// EventKind enumerates registry → call manager notifications.
type EventKind string

const (
	EventIncomingOffer EventKind = "incoming-offer"
	EventConnected     EventKind = "connected"
	EventDestroyed     EventKind = "destroyed"
)

// Event is one registry → call manager notification.
type Event struct {
	RemotePeerID string
	SessionID    int64
	Kind         EventKind
	Reason       string
}

// record is one per-remote-peer entry. Its existence under the registry lock
// is what makes concurrent dials for the same key collapse to one connection.
type record struct {
	remoteID  string
	driver    PeerDriver
	initiator bool
	state     State
	pending   []*signal.Envelope

	// placeholder records only hold buffered envelopes; no create has
	// claimed the key yet.
	placeholder bool

	// announced is set once a buffered offer has raised an
	// incoming-offer event, so retransmissions do not re-announce.
	announced bool
}

// Status is a read-only snapshot of a record, for the debug surface.
type Status struct {
	RemotePeerID string `json:"remote_peer_id"`
	State        State  `json:"state"`
	Initiator    bool   `json:"initiator"`
	Negotiation  string `json:"negotiation"`
	Buffered     int    `json:"buffered"`
}

// Registry is the per-remote-peer connection table.
type Registry struct {
	factory DriverFactory

	mu      sync.Mutex
	records map[string]*record

	events    chan Event
	driverEvs chan DriverEvent

	// replayStagger separates buffered kind groups during drain so a
	// candidate never races its own offer into the driver.
	replayStagger time.Duration

	done chan struct{}
}

// New creates a registry over the given driver factory.
func New(factory DriverFactory) *Registry {
	r := &Registry{
		factory:       factory,
		records:       make(map[string]*record),
		events:        make(chan Event, 32),
		driverEvs:     make(chan DriverEvent, 64),
		replayStagger: 10 * time.Millisecond,
	}
	r.done = make(chan struct{})
	go r.driverLoop()
	return r
}

// Events is the registry → call manager feed. Single consumer.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// CreateOutbound allocates the initiator-side record for remotePeerID and
// starts negotiation. A live record for the same key makes this a no-op —
// one ConnectionRecord per key acts as a natural mutex against double dials.
func (r *Registry) CreateOutbound(ctx context.Context, remotePeerID string) error {
	return r.create(ctx, remotePeerID, true)
}

// AcceptInbound allocates the responder-side record for remotePeerID,
// typically on arrival of an offer for an unknown peer.
func (r *Registry) AcceptInbound(ctx context.Context, remotePeerID string) error {
	return r.create(ctx, remotePeerID, false)
}

func (r *Registry) create(ctx context.Context, remotePeerID string, initiator bool) error {
	r.mu.Lock()
	old, exists := r.records[remotePeerID]
	if exists && !old.placeholder && old.state != StateFailed {
		r.mu.Unlock()
		log.Printf("REGISTRY: %s already has a %s record, ignoring duplicate create", remotePeerID, old.state)
		return nil
	}
	rec := &record{remoteID: remotePeerID, initiator: initiator, state: StateCreating}
	// Adopt envelopes buffered under a placeholder or failed record.
	if exists {
		rec.pending = old.pending
	}
	r.records[remotePeerID] = rec
	r.mu.Unlock()

	driver, err := r.factory(remotePeerID, initiator, r.driverEvs)
	if err != nil {
		r.mu.Lock()
		if r.records[remotePeerID] == rec {
			delete(r.records, remotePeerID)
		}
		r.mu.Unlock()
		return fmt.Errorf("build driver for %s: %w", remotePeerID, err)
	}

	r.mu.Lock()
	// Destroy may have removed (or replaced) the record while the factory
	// was busy with devices and ICE; do not resurrect it.
	if r.records[remotePeerID] != rec {
		r.mu.Unlock()
		driver.Close()
		log.Printf("REGISTRY: %s destroyed during create, discarding driver", remotePeerID)
		return nil
	}
	rec.driver = driver
	rec.state = StateReady
	buffered := rec.pending
	rec.pending = nil
	r.mu.Unlock()

	log.Printf("REGISTRY: %s ready (initiator=%v, %d buffered)", remotePeerID, initiator, len(buffered))

	if initiator {
		if err := driver.StartNegotiation(ctx); err != nil {
			r.Destroy(remotePeerID, fmt.Sprintf("start negotiation: %v", err))
			return err
		}
	}
	if len(buffered) > 0 {
		go r.replay(ctx, buffered)
	}
	return nil
}

// HandleEnvelope routes one inbound envelope: forward when a ready record
// exists and the negotiation state allows it, buffer otherwise. A buffered
// offer for an unknown peer raises an incoming-offer event so the call
// manager can decide to accept.
func (r *Registry) HandleEnvelope(ctx context.Context, env *signal.Envelope) {
	r.mu.Lock()
	rec, ok := r.records[env.From]
	if !ok || rec.state == StateFailed {
		if !ok {
			rec = &record{remoteID: env.From, state: StateCreating, placeholder: true}
			r.records[env.From] = rec
		}
		rec.pending = append(rec.pending, env)
		announce := env.Kind == signal.KindOffer && !rec.announced
		if announce {
			rec.announced = true
		}
		r.mu.Unlock()
		if announce {
			r.emit(Event{RemotePeerID: env.From, SessionID: env.SessionID, Kind: EventIncomingOffer})
		}
		return
	}
	if rec.state == StateCreating {
		// An offer can land on a placeholder a candidate created moments
		// earlier; it still has to announce, or the call never accepts.
		rec.pending = append(rec.pending, env)
		announce := rec.placeholder && env.Kind == signal.KindOffer && !rec.announced
		if announce {
			rec.announced = true
		}
		r.mu.Unlock()
		if announce {
			r.emit(Event{RemotePeerID: env.From, SessionID: env.SessionID, Kind: EventIncomingOffer})
		}
		return
	}
	driver := rec.driver
	r.mu.Unlock()

	if err := r.forward(ctx, driver, env); err != nil {
		if errors.Is(err, ErrSignalOutOfOrder) {
			log.Printf("REGISTRY: dropped out-of-order %s from %s (negotiation=%s)",
				env.Kind, env.From, driver.Negotiation())
			return
		}
		log.Printf("REGISTRY: %s from %s failed: %v", env.Kind, env.From, err)
		return
	}

	// A processed offer or answer unblocks candidates that were requeued
	// while no remote description existed.
	if env.Kind == signal.KindOffer || env.Kind == signal.KindAnswer {
		r.mu.Lock()
		buffered := rec.pending
		rec.pending = nil
		r.mu.Unlock()
		if len(buffered) > 0 {
			go r.replay(ctx, buffered)
		}
	}
}

// forward applies the negotiation-state guards before handing env to the
// driver. An answer is only valid while we await one; an offer only while
// negotiation has not started (glare from a near-simultaneous dial is
// resolved upstream by the initiator rule, so a second offer is never
// legitimate). Candidates wait until a remote description exists.
func (r *Registry) forward(ctx context.Context, driver PeerDriver, env *signal.Envelope) error {
	switch env.Kind {
	case signal.KindOffer:
		if driver.Negotiation() != NegIdle {
			return ErrSignalOutOfOrder
		}
		return driver.ApplyOffer(ctx, env.Payload)
	case signal.KindAnswer:
		if driver.Negotiation() != NegAwaitingAnswer {
			return ErrSignalOutOfOrder
		}
		return driver.ApplyAnswer(ctx, env.Payload)
	case signal.KindCandidate:
		if driver.Negotiation() == NegIdle {
			// No remote description yet — requeue behind the offer.
			r.buffer(env)
			return nil
		}
		return driver.AddCandidate(ctx, env.Payload)
	}
	return fmt.Errorf("registry: unroutable envelope kind %q", env.Kind)
}

func (r *Registry) buffer(env *signal.Envelope) {
	r.mu.Lock()
	if rec, ok := r.records[env.From]; ok {
		rec.pending = append(rec.pending, env)
	}
	r.mu.Unlock()
}

// replay drains buffered envelopes in priority order offer → answer →
// ice-candidate, not strict arrival order: a candidate ahead of its offer is
// meaningless. A small stagger between kind groups lets the driver finish
// each SDP step before candidates land.
func (r *Registry) replay(ctx context.Context, buffered []*signal.Envelope) {
	prio := func(k signal.Kind) int {
		switch k {
		case signal.KindOffer:
			return 0
		case signal.KindAnswer:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(buffered, func(i, j int) bool {
		return prio(buffered[i].Kind) < prio(buffered[j].Kind)
	})

	last := -1
	for _, env := range buffered {
		if p := prio(env.Kind); last >= 0 && p != last {
			time.Sleep(r.replayStagger)
			last = p
		} else if last < 0 {
			last = p
		}
		r.HandleEnvelope(ctx, env)
	}
}

// Destroy closes the record for remotePeerID, clears its buffers, and tells
// the call manager. Safe to call for unknown peers.
func (r *Registry) Destroy(remotePeerID, reason string) {
	r.mu.Lock()
	rec, ok := r.records[remotePeerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, remotePeerID)
	driver := rec.driver
	rec.pending = nil
	rec.state = StateFailed
	r.mu.Unlock()

	if driver != nil {
		if err := driver.Close(); err != nil {
			log.Printf("REGISTRY: close driver for %s: %v", remotePeerID, err)
		}
	}
	log.Printf("REGISTRY: destroyed %s (%s)", remotePeerID, reason)
	r.emit(Event{RemotePeerID: remotePeerID, Kind: EventDestroyed, Reason: reason})
}

// DestroyAll tears down every record, for shutdown paths.
func (r *Registry) DestroyAll(reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id, reason)
	}
}

// Has reports whether a live (non-failed) record exists for remotePeerID.
func (r *Registry) Has(remotePeerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[remotePeerID]
	return ok && !rec.placeholder && rec.state != StateFailed
}

// ActiveCount returns the number of live records.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if !rec.placeholder && rec.state != StateFailed {
			n++
		}
	}
	return n
}

// Snapshot returns the current table, for the debug surface.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.records))
	for _, rec := range r.records {
		st := Status{
			RemotePeerID: rec.remoteID,
			State:        rec.state,
			Initiator:    rec.initiator,
			Buffered:     len(rec.pending),
		}
		if rec.driver != nil {
			st.Negotiation = rec.driver.Negotiation().String()
		}
		out = append(out, st)
	}
	return out
}

// Driver returns the live driver for remotePeerID, if any. The call manager
// uses it to surface remote media to the UI boundary.
func (r *Registry) Driver(remotePeerID string) (PeerDriver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[remotePeerID]
	if !ok || rec.driver == nil || rec.state == StateFailed {
		return nil, false
	}
	return rec.driver, true
}

func (r *Registry) driverLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.driverEvs:
			switch ev.Kind {
			case DriverConnected, DriverRemoteTrack:
				r.markConnected(ev.RemotePeerID)
			case DriverFailed:
				reason := "connection failed"
				if ev.Err != nil {
					reason = ev.Err.Error()
				}
				r.Destroy(ev.RemotePeerID, reason)
			}
		}
	}
}

func (r *Registry) markConnected(remotePeerID string) {
	r.mu.Lock()
	rec, ok := r.records[remotePeerID]
	if !ok || rec.state == StateConnected || rec.state == StateFailed {
		r.mu.Unlock()
		return
	}
	rec.state = StateConnected
	r.mu.Unlock()
	r.emit(Event{RemotePeerID: remotePeerID, Kind: EventConnected})
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("REGISTRY: event feed full, dropping %s for %s", ev.Kind, ev.RemotePeerID)
	}
}

// Close stops the registry's internal loop and tears down all records.
func (r *Registry) Close() {
	r.DestroyAll("registry closed")
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
