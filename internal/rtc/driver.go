// Package rtc drives one Pion peer connection per remote peer: local tracks
// in, remote tracks out, local ICE candidates to the signaling channel, and
// remote descriptions/candidates applied as the registry hands them over.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/skillmesh/internal/media"
	"github.com/petervdpas/skillmesh/internal/registry"
	"github.com/petervdpas/skillmesh/internal/signal"
)

// Config carries the transport knobs a driver is built with.
type Config struct {
	ICEServers []string

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call. The Pion default disconnectedTimeout
	// is 5s — far too short for relay paths with short outages during
	// re-keying or failover.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
}

// DefaultConfig mirrors the call config defaults.
func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepaliveInterval:   2 * time.Second,
	}
}

// Driver wraps exactly one peer connection to one remote peer.
type Driver struct {
	sessionID int64
	selfID    string
	remoteID  string
	initiator bool

	ch   signal.Channel
	pc   *webrtc.PeerConnection
	dev  media.Device
	sink chan<- registry.DriverEvent

	mu          sync.Mutex
	negotiation registry.Negotiation
	closed      bool
	remoteKinds []string
	senders     map[webrtc.RTPCodecType]*senderSlot

	mediaMu   sync.RWMutex
	mediaSubs map[chan []byte]struct{}
}

// senderSlot remembers the original track behind an RTP sender so a muted
// kind can be resumed without renegotiation.
type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// NewDriver builds the peer connection. dev may be nil — the call proceeds
// receive-only with recvonly transceivers so CreateOffer/CreateAnswer still
// produce valid m-lines with ICE credentials. The initiator attaches local
// tracks immediately; the responder defers attachment to accept time
// (ApplyOffer).
func NewDriver(cfg Config, sessionID int64, selfID, remoteID string, initiator bool, dev media.Device, ch signal.Channel, sink chan<- registry.DriverEvent) (*Driver, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if dev != nil {
		if err := dev.PopulateEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register default codecs: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	d := &Driver{
		sessionID: sessionID,
		selfID:    selfID,
		remoteID:  remoteID,
		initiator: initiator,
		ch:        ch,
		pc:        pc,
		dev:       dev,
		sink:      sink,
		senders:   make(map[webrtc.RTPCodecType]*senderSlot),
		mediaSubs: make(map[chan []byte]struct{}),
	}

	if initiator {
		if err := d.attachLocalTracks(); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if dev == nil {
		d.addRecvOnlyTransceivers()
	}

	pc.OnICECandidate(d.onLocalCandidate)
	pc.OnTrack(d.onRemoteTrack)
	pc.OnConnectionStateChange(d.onConnectionStateChange)

	return d, nil
}

// attachLocalTracks adds every captured local track to the connection and
// records the sender per kind for the mute path.
func (d *Driver) attachLocalTracks() error {
	if d.dev == nil {
		return nil
	}
	for _, t := range d.dev.Tracks() {
		sender, err := d.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
		d.mu.Lock()
		d.senders[t.Kind()] = &senderSlot{sender: sender, track: t}
		d.mu.Unlock()
	}
	return nil
}

// SetTrackEnabled pauses or resumes the outgoing track of one kind.
// ReplaceTrack(nil) keeps the sender and its m-line alive, so no
// renegotiation happens; the remote side simply stops receiving RTP for
// that kind until the original track is swapped back in.
func (d *Driver) SetTrackEnabled(kind media.TrackKind, enabled bool) error {
	codec := webrtc.RTPCodecTypeAudio
	if kind == media.TrackVideo {
		codec = webrtc.RTPCodecTypeVideo
	}
	d.mu.Lock()
	slot := d.senders[codec]
	d.mu.Unlock()
	if slot == nil {
		// Receive-only leg, nothing flows out anyway.
		return nil
	}
	if enabled {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

// addRecvOnlyTransceivers ensures SDP has valid video/audio m-lines even
// with no local capture.
func (d *Driver) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := d.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", d.remoteID, kind, err)
		}
	}
}

// Negotiation reports the SDP exchange position, read by the registry's
// ordering guards.
func (d *Driver) Negotiation() registry.Negotiation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.negotiation
}

// StartNegotiation creates and sends the offer. Initiator only.
func (d *Driver) StartNegotiation(ctx context.Context) error {
	d.mu.Lock()
	if d.negotiation != registry.NegIdle {
		d.mu.Unlock()
		return registry.ErrSignalOutOfOrder
	}
	d.mu.Unlock()

	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := d.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := d.send(ctx, signal.KindOffer, d.pc.LocalDescription()); err != nil {
		return err
	}

	d.mu.Lock()
	d.negotiation = registry.NegAwaitingAnswer
	d.mu.Unlock()
	log.Printf("RTC [%s]: offer sent", d.remoteID)
	return nil
}

// ApplyOffer handles the remote offer: this is accept time, so the
// responder's local tracks are attached here, then the answer goes out.
func (d *Driver) ApplyOffer(ctx context.Context, payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	if err := d.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if err := d.attachLocalTracks(); err != nil {
		return err
	}

	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := d.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	if err := d.send(ctx, signal.KindAnswer, d.pc.LocalDescription()); err != nil {
		return err
	}

	d.mu.Lock()
	d.negotiation = registry.NegStable
	d.mu.Unlock()
	log.Printf("RTC [%s]: answer sent", d.remoteID)
	return nil
}

// ApplyAnswer handles the remote answer to our offer.
func (d *Driver) ApplyAnswer(_ context.Context, payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := d.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	d.mu.Lock()
	d.negotiation = registry.NegStable
	d.mu.Unlock()
	log.Printf("RTC [%s]: answer applied", d.remoteID)
	return nil
}

// AddCandidate applies one remote ICE candidate.
func (d *Driver) AddCandidate(_ context.Context, payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := d.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// onLocalCandidate forwards gathered candidates to the remote peer. This is
// the only thing the driver ever sends besides its own offer/answer.
func (d *Driver) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.send(ctx, signal.KindCandidate, c.ToJSON()); err != nil {
		log.Printf("RTC [%s]: candidate send failed: %v", d.remoteID, err)
	}
}

// onRemoteTrack surfaces remote media and keeps the RTP flowing: every
// packet's payload is fanned out to media subscribers, and video tracks get
// periodic PLI so the sender refreshes keyframes after loss.
func (d *Driver) onRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Printf("RTC [%s]: remote track %s (%s)", d.remoteID, track.ID(), track.Kind())

	d.mu.Lock()
	d.remoteKinds = append(d.remoteKinds, track.Kind().String())
	d.mu.Unlock()

	d.emit(registry.DriverEvent{RemotePeerID: d.remoteID, Kind: registry.DriverRemoteTrack})

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go d.pliLoop(track)
	}
	go d.drainTrack(track)
}

func (d *Driver) drainTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		d.fanOut(pkt)
	}
}

func (d *Driver) fanOut(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	d.mediaMu.RLock()
	for ch := range d.mediaSubs {
		select {
		case ch <- pkt.Payload:
		default:
		}
	}
	d.mediaMu.RUnlock()
}

// pliLoop nudges the remote encoder for a keyframe every few seconds so a
// late-joining or lossy viewer recovers a decodable stream.
func (d *Driver) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		err := d.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// onConnectionStateChange maps transport states to registry events.
// Disconnected is transient — ICE may self-heal within the configured
// timeout — so only failed/closed tear the record down.
func (d *Driver) onConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Printf("RTC [%s]: connection state %s", d.remoteID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		d.emit(registry.DriverEvent{RemotePeerID: d.remoteID, Kind: registry.DriverConnected})
	case webrtc.PeerConnectionStateDisconnected:
		// transient; no teardown
	case webrtc.PeerConnectionStateFailed:
		d.emit(registry.DriverEvent{
			RemotePeerID: d.remoteID,
			Kind:         registry.DriverFailed,
			Err:          fmt.Errorf("transport failed"),
		})
	case webrtc.PeerConnectionStateClosed:
		d.mu.Lock()
		alreadyClosed := d.closed
		d.mu.Unlock()
		if !alreadyClosed {
			d.emit(registry.DriverEvent{
				RemotePeerID: d.remoteID,
				Kind:         registry.DriverFailed,
				Err:          fmt.Errorf("transport closed"),
			})
		}
	}
}

// SubscribeMedia delivers raw payloads of inbound RTP packets, for the UI
// boundary's media stream.
func (d *Driver) SubscribeMedia() (chan []byte, func()) {
	ch := make(chan []byte, 256)
	d.mediaMu.Lock()
	d.mediaSubs[ch] = struct{}{}
	d.mediaMu.Unlock()

	cancel := func() {
		d.mediaMu.Lock()
		if _, ok := d.mediaSubs[ch]; ok {
			delete(d.mediaSubs, ch)
			close(ch)
		}
		d.mediaMu.Unlock()
	}
	return ch, cancel
}

// RemoteTrackKinds lists the kinds of remote tracks received so far.
func (d *Driver) RemoteTrackKinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.remoteKinds))
	copy(out, d.remoteKinds)
	return out
}

func (d *Driver) send(ctx context.Context, kind signal.Kind, payload any) error {
	env, err := signal.NewEnvelope(d.sessionID, d.selfID, d.remoteID, kind, payload)
	if err != nil {
		return err
	}
	return d.ch.Send(ctx, env)
}

func (d *Driver) emit(ev registry.DriverEvent) {
	select {
	case d.sink <- ev:
	default:
	}
}

// Close shuts the peer connection down. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.mediaMu.Lock()
	for ch := range d.mediaSubs {
		close(ch)
	}
	d.mediaSubs = make(map[chan []byte]struct{})
	d.mediaMu.Unlock()

	return d.pc.Close()
}
