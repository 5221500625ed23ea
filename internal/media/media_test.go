package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeDevice struct {
	video, audio bool
	closed       int
}

func (d *fakeDevice) Tracks() []webrtc.TrackLocal                { return nil }
func (d *fakeDevice) HasVideo() bool                             { return d.video }
func (d *fakeDevice) HasAudio() bool                             { return d.audio }
func (d *fakeDevice) PopulateEngine(_ *webrtc.MediaEngine) error { return nil }
func (d *fakeDevice) Close() error                               { d.closed++; return nil }

type fakeAcquirer struct {
	dev   *fakeDevice
	err   error
	calls int
}

func (a *fakeAcquirer) Acquire(_ context.Context, _ Prefs) (Device, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	a.dev = &fakeDevice{video: true, audio: true}
	return a.dev, nil
}

func TestAcquireIdempotentWhileHeld(t *testing.T) {
	acq := &fakeAcquirer{}
	u := NewUnit(acq, Prefs{})
	ctx := context.Background()

	d1, err := u.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := u.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("second Acquire returned a different device")
	}
	if acq.calls != 1 {
		t.Fatalf("capture opened %d times, want 1", acq.calls)
	}
	if !u.Held() {
		t.Fatal("Held() = false with a live stream")
	}
}

func TestAcquireFailurePropagates(t *testing.T) {
	acq := &fakeAcquirer{err: ErrMediaUnavailable}
	u := NewUnit(acq, Prefs{})

	if _, err := u.Acquire(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if u.Held() {
		t.Fatal("Held() = true after failed acquire")
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	acq := &fakeAcquirer{}
	u := NewUnit(acq, Prefs{})
	if _, err := u.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := u.Release(); err != nil {
		t.Fatal(err)
	}
	if acq.dev.closed != 1 {
		t.Fatalf("device closed %d times, want 1", acq.dev.closed)
	}
	if err := u.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("second Release: expected ErrNotHeld, got %v", err)
	}

	// A fresh call re-acquires.
	if _, err := u.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if acq.calls != 2 {
		t.Fatalf("capture opened %d times, want 2", acq.calls)
	}
	acquires, releases := u.Stats()
	if acquires != 2 || releases != 1 {
		t.Fatalf("stats = (%d, %d), want (2, 1)", acquires, releases)
	}
}

func TestTrackToggleKeepsCaptureRunning(t *testing.T) {
	acq := &fakeAcquirer{}
	u := NewUnit(acq, Prefs{})
	if _, err := u.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !u.TrackEnabled(TrackVideo) || !u.TrackEnabled(TrackAudio) {
		t.Fatal("tracks not enabled after acquire")
	}
	if on := u.SetTrackEnabled(TrackVideo, false); on {
		t.Fatal("SetTrackEnabled returned stale state")
	}
	if u.TrackEnabled(TrackVideo) {
		t.Fatal("video still enabled after disable")
	}
	if !u.TrackEnabled(TrackAudio) {
		t.Fatal("audio flag changed by a video toggle")
	}
	// Muting detaches the track at the sender, not here; the device keeps
	// capturing so unmute is instant.
	if acq.dev.closed != 0 {
		t.Fatal("toggle closed the device")
	}
}

func TestSetPrefsAppliesToNextAcquire(t *testing.T) {
	acq := &fakeAcquirer{}
	u := NewUnit(acq, Prefs{PreferredCam: "cam0"})
	if _, err := u.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	u.SetPrefs(Prefs{PreferredCam: "cam1"})
	if !u.Held() {
		t.Fatal("pref change dropped the held stream")
	}
}
