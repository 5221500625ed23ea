//go:build !linux

package media

import "context"

// DefaultAcquirer on non-Linux platforms never yields a capture device.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere calls proceed receive-only and the hosting
// UI's own WebRTC path handles media.
func DefaultAcquirer() Acquirer {
	return noopAcquirer{}
}

type noopAcquirer struct{}

func (noopAcquirer) Acquire(context.Context, Prefs) (Device, error) {
	return nil, ErrMediaUnavailable
}
