// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"
)

// DeviceStatus is what a device reports when asked for its status.
type DeviceStatus struct {
	VolumeLevel    float64
	Muted          bool
	MediaContentID string // Empty when nothing is loaded
	PlayerState    string // PLAYING, PAUSED, BUFFERING, IDLE or empty
}

// Controller is the device's own control surface. Implementations report
// connection loss with an errors.UnreachableError (or a net/io error) and
// device-side refusals with an errors.CommandError.
type Controller interface {
	SetVolume(ctx context.Context, level float64) error
	SetMute(ctx context.Context, muted bool) error
	// Play loads uri starting at offset. An empty uri resumes the current media.
	Play(ctx context.Context, uri string, offset time.Duration) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStatus(ctx context.Context) (*DeviceStatus, error)
	Close() error
}
