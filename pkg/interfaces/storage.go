// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"time"
)

// StateSample is one observed-state notification flattened for sinks.
// A nil field was either not part of the notification or is unknown.
// This is redeclared here to avoid circular dependencies.
type StateSample struct {
	DeviceID       string
	DeviceName     string
	Timestamp      time.Time
	Reachable      bool
	Volume         *float64
	Muted          *bool
	MediaContentID *string
	Mode           *string
}

// StateRecorder persists observed state.
type StateRecorder interface {
	// WriteState records a sample
	WriteState(sample *StateSample) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the storage connection
	Close()

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error
}

// StatePublisher forwards observed state and metadata to an external bus.
type StatePublisher interface {
	PublishState(sample *StateSample) error
	PublishMeta(deviceID string, meta map[string]string) error
}
