// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Cast bridge.
//
// The bridge distinguishes four failure classes when talking to a device:
//
//   - UnreachableError: the connection to the device is gone or timed out.
//     The bridge forgets the device when it sees one.
//   - CommandError: the device answered, but rejected one command. Other
//     commands and the polling cycle are not affected.
//   - ValidationError: a malformed request. Reported synchronously to the
//     caller and never queued.
//   - InternalError: an adapter-side fault such as a panic in a queued command
//     or a command that never released the queue. Always logged and surfaced.
//
// # Example Usage
//
//	err := errors.NewUnreachableError("set volume", "urn:...", io.EOF)
//	if errors.IsUnreachable(err) {
//	    bridge.Disconnect()
//	}
//
//	var ce *errors.CommandError
//	if errors.As(err, &ce) {
//	    log.Printf("device rejected %s: %s", ce.Command, ce.Reason)
//	}
package errors

import (
	"errors"
	"fmt"
)

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// UnreachableError represents a connection-level failure talking to a device.
type UnreachableError struct {
	Op       string // Operation being performed (e.g., "set volume", "get status")
	DeviceID string // Device identity (if known)
	Err      error  // Underlying error
}

func (e *UnreachableError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("device unreachable during %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("device unreachable during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device unreachable during %s", e.Op)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDeviceUnreachable) match any UnreachableError.
func (e *UnreachableError) Is(target error) bool {
	return target == ErrDeviceUnreachable
}

// NewUnreachableError creates a new unreachable error.
func NewUnreachableError(op string, deviceID string, err error) *UnreachableError {
	return &UnreachableError{Op: op, DeviceID: deviceID, Err: err}
}

// IsUnreachable checks if an error is an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// CommandError represents a device answering a single command with an error.
type CommandError struct {
	Command  string // Command class (e.g., "volume", "load")
	DeviceID string // Device identity
	Reason   string // Reason reported by the device
	Err      error  // Underlying error (optional)
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s rejected", e.Command)
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" (device=%s)", e.DeviceID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(command string, deviceID string, reason string, err error) *CommandError {
	return &CommandError{Command: command, DeviceID: deviceID, Reason: reason, Err: err}
}

// IsCommandError checks if an error is a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// InternalError represents a fault inside the bridge itself.
type InternalError struct {
	Op  string // Operation being performed
	Err error  // Underlying error or recovered panic
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal fault in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("internal fault in %s", e.Op)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// NewInternalError creates a new internal error.
func NewInternalError(op string, err error) *InternalError {
	return &InternalError{Op: op, Err: err}
}

// IsInternalError checks if an error is an InternalError.
func IsInternalError(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// DiscoveryError represents an error during device discovery operations.
type DiscoveryError struct {
	Op  string // Operation being performed (e.g., "mDNS browse", "connect")
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Op       string // Operation being performed (e.g., "write", "query")
	DeviceID string // Device identity involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a malformed request.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrDeviceUnreachable matches every UnreachableError via errors.Is
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrTimeout indicates a device call or queued command ran past its deadline
	ErrTimeout = errors.New("operation timeout")

	// ErrConnectionClosed indicates the device connection was closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueClosed indicates the command queue no longer accepts work
	ErrQueueClosed = errors.New("command queue closed")

	// ErrNotConnected indicates the bridge holds no device connection
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
