// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/logger"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	alertTimeout            = 5 * time.Second
)

// ErrCircuitBreakerOpen is returned while writes are being shed.
var ErrCircuitBreakerOpen = gobreaker.ErrOpenState

// GuardedRecorder wraps a StateRecorder with a circuit breaker. After
// repeated failures writes are dropped until the reset timeout passes, and
// the notifier is told when the backend goes away and when it comes back.
type GuardedRecorder struct {
	inner    interfaces.StateRecorder
	notifier interfaces.Notifier
	breaker  *gobreaker.CircuitBreaker
	reset    time.Duration
}

// GuardOptions tunes a GuardedRecorder. Zero values select defaults.
type GuardOptions struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// NewGuardedRecorder wraps inner. notifier may be nil.
func NewGuardedRecorder(inner interfaces.StateRecorder, notifier interfaces.Notifier, opts GuardOptions) *GuardedRecorder {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}

	g := &GuardedRecorder{inner: inner, notifier: notifier, reset: opts.ResetTimeout}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "state-recorder",
		MaxRequests: 1,
		Timeout:     opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		// Bad samples say nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsValidationError(err)
		},
		OnStateChange: g.stateChanged,
	})
	return g
}

func (g *GuardedRecorder) stateChanged(_ string, from, to gobreaker.State) {
	logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("State recorder breaker changed")

	if g.notifier == nil || !g.notifier.IsEnabled() {
		return
	}
	var level, title, message string
	switch {
	case to == gobreaker.StateOpen:
		level, title = "error", "State storage unavailable"
		message = fmt.Sprintf("Writes are paused for %s after repeated failures.", g.reset)
	case to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen:
		level, title, message = "info", "State storage recovered", "Writes have resumed."
	default:
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := g.notifier.SendAlert(ctx, level, title, message); err != nil {
			logger.Error().Err(err).Msg("Failed to send storage alert")
		}
	}()
}

// WriteState writes through the breaker.
func (g *GuardedRecorder) WriteState(sample *interfaces.StateSample) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.inner.WriteState(sample)
	})
	if err != nil {
		metrics.StateWriteErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			id := ""
			if sample != nil {
				id = sample.DeviceID
			}
			return errors.NewStorageError("write", id, err)
		}
	}
	return err
}

// Health probes the backend through the breaker so a recovered backend
// closes it without waiting for a write.
func (g *GuardedRecorder) Health(ctx context.Context) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.inner.Health(ctx)
	})
	return err
}

// State reports the breaker state.
func (g *GuardedRecorder) State() gobreaker.State {
	return g.breaker.State()
}

// Flush flushes the wrapped recorder.
func (g *GuardedRecorder) Flush() {
	g.inner.Flush()
}

// Close closes the wrapped recorder.
func (g *GuardedRecorder) Close() {
	g.inner.Close()
}
