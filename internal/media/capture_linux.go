//go:build linux

package media

import (
	"context"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DefaultAcquirer captures via pion/mediadevices (V4L2 + malgo on Linux).
func DefaultAcquirer() Acquirer {
	return &captureAcquirer{}
}

type captureAcquirer struct{}

type captureDevice struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	hasVideo bool
	hasAudio bool
}

func (d *captureDevice) Tracks() []webrtc.TrackLocal {
	tracks := d.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (d *captureDevice) HasVideo() bool { return d.hasVideo }
func (d *captureDevice) HasAudio() bool { return d.hasAudio }

func (d *captureDevice) PopulateEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *captureDevice) Close() error {
	for _, t := range d.stream.GetTracks() {
		t.Close()
	}
	return nil
}

// Acquire captures local camera/mic with graceful fallback.
//
// GetUserMedia fails as a unit if either track (video OR audio) can't be
// opened. Try video+audio first, then audio-only, so a missing or busy
// camera doesn't prevent a voice call.
func (a *captureAcquirer) Acquire(_ context.Context, prefs Prefs) (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device — kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{true, "video+audio"}, {false, "audio-only"}}
	if prefs.VideoDisabled {
		attempts = attempts[1:]
	}

	for _, at := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if at.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder and break SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if prefs.MaxWidth > 0 {
					c.Width = prop.IntRanged{Max: prefs.MaxWidth}
				}
				if prefs.MaxHeight > 0 {
					c.Height = prop.IntRanged{Max: prefs.MaxHeight}
				}
				if prefs.PreferredCam != "" {
					c.DeviceID = prop.StringExact(prefs.PreferredCam)
				}
			}
		}
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if prefs.PreferredMic != "" {
				c.DeviceID = prop.StringExact(prefs.PreferredMic)
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", at.label, err)
			continue
		}

		dev := &captureDevice{stream: stream, selector: selector}
		for _, t := range stream.GetTracks() {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				dev.hasVideo = true
			} else {
				dev.hasAudio = true
			}
		}
		log.Printf("MEDIA: captured local stream (%s) — %d tracks", at.label, len(stream.GetTracks()))
		return dev, nil
	}

	return nil, ErrMediaUnavailable
}
