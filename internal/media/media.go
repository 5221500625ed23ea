// Package media owns the local camera+microphone for the lifetime of a call.
// The Unit is the only writer of track-enabled flags and the only component
// allowed to stop capture, which keeps device handles from leaking across
// repeated calls.
package media

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// TrackKind selects which local track a toggle applies to.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

var (
	// ErrMediaUnavailable means no capture attempt succeeded: permission
	// denied or no device present. Non-fatal — calls proceed receive-only.
	ErrMediaUnavailable = errors.New("media: no capture device available")

	// ErrNotHeld is returned by Release when no stream is held.
	ErrNotHeld = errors.New("media: no stream held")
)

// Prefs narrows device selection. Zero values mean "any device".
type Prefs struct {
	PreferredCam  string
	PreferredMic  string
	VideoDisabled bool // skip video capture entirely
	MaxWidth      int
	MaxHeight     int
}

// Device is one acquired capture stream: local tracks ready to hand to a
// peer connection, plus the codec parameters they are encoded with.
type Device interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	HasAudio() bool

	// PopulateEngine registers the codecs the tracks produce on the media
	// engine a peer connection will be built with.
	PopulateEngine(*webrtc.MediaEngine) error

	Close() error
}

// Acquirer opens capture devices. The real implementation rides
// pion/mediadevices; tests install a fake.
type Acquirer interface {
	Acquire(ctx context.Context, prefs Prefs) (Device, error)
}

// Unit serializes acquisition and release of the single local stream.
type Unit struct {
	acq   Acquirer
	prefs Prefs

	mu       sync.Mutex
	dev      Device
	videoOn  bool
	audioOn  bool
	acquires int
	releases int
}

// NewUnit creates a Unit over the given acquirer.
func NewUnit(acq Acquirer, prefs Prefs) *Unit {
	return &Unit{acq: acq, prefs: prefs}
}

// SetPrefs replaces the device preferences used by the next Acquire.
// A stream already held is unaffected.
func (u *Unit) SetPrefs(prefs Prefs) {
	u.mu.Lock()
	u.prefs = prefs
	u.mu.Unlock()
}

// Acquire opens the local stream, or returns the held one — repeated calls
// while a stream is live are idempotent.
func (u *Unit) Acquire(ctx context.Context) (Device, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev != nil {
		return u.dev, nil
	}

	dev, err := u.acq.Acquire(ctx, u.prefs)
	if err != nil {
		return nil, err
	}
	u.dev = dev
	u.videoOn = dev.HasVideo()
	u.audioOn = dev.HasAudio()
	u.acquires++
	log.Printf("MEDIA: acquired local stream (video=%v audio=%v)", u.videoOn, u.audioOn)
	return dev, nil
}

// Held reports whether a local stream is currently live.
func (u *Unit) Held() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dev != nil
}

// SetTrackEnabled records the user's enabled state for one track kind. The
// call layer mirrors the flag onto live peer connections (detaching the
// track from its sender), so capture keeps running and no renegotiation
// happens. Returns the new state.
func (u *Unit) SetTrackEnabled(kind TrackKind, enabled bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case TrackVideo:
		u.videoOn = enabled
	case TrackAudio:
		u.audioOn = enabled
	}
	log.Printf("MEDIA: %s enabled=%v", kind, enabled)
	return enabled
}

// TrackEnabled returns the current enabled flag for one track kind.
func (u *Unit) TrackEnabled(kind TrackKind) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if kind == TrackVideo {
		return u.videoOn
	}
	return u.audioOn
}

// Release stops every track and drops the stream. It must be called exactly
// once per successful Acquire, after all peer connections using the tracks
// are gone. Releasing with nothing held is an error, not a no-op — it
// usually means teardown ordering went wrong somewhere.
func (u *Unit) Release() error {
	u.mu.Lock()
	dev := u.dev
	u.dev = nil
	if dev != nil {
		u.releases++
	}
	u.mu.Unlock()

	if dev == nil {
		return ErrNotHeld
	}
	log.Printf("MEDIA: released local stream")
	return dev.Close()
}

// Stats reports acquire/release counts, for the debug surface.
func (u *Unit) Stats() (acquires, releases int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.acquires, u.releases
}
