// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package session wraps a live device controller with uniform error reporting.
//
// Every call carries the session deadline and resolves to nil, a
// *errors.CommandError (the device answered with an error) or a
// *errors.UnreachableError (the connection is gone or the call timed out).
// The session never retries. After the first connection-level failure its
// circuit breaker opens and further calls fail fast as unreachable, so queued
// commands drain quickly while the bridge forgets the device.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 10 * time.Second
	breakerReset   = time.Minute
	tracerName     = "github.com/soothill/cast-bridge/session"
)

// Options configures a Session.
type Options struct {
	Timeout time.Duration // Per-call deadline
	Logger  zerolog.Logger
	Tracer  trace.Tracer
}

// Session owns one device connection.
type Session struct {
	deviceID string
	timeout  time.Duration
	log      zerolog.Logger
	tracer   trace.Tracer
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	ctrl   interfaces.Controller
	closed bool
}

// New wraps ctrl. The session takes ownership of the controller and closes it
// on Close.
func New(deviceID string, ctrl interfaces.Controller, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	s := &Session{
		deviceID: deviceID,
		timeout:  opts.Timeout,
		log:      opts.Logger.With().Str("component", "session").Str("device_id", deviceID).Logger(),
		tracer:   opts.Tracer,
		ctrl:     ctrl,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "session-" + deviceID,
		MaxRequests: 1,
		Timeout:     breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		// A rejected command proves the link works.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsCommandError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Session breaker state changed")
		},
	})
	return s
}

// DeviceID returns the identity the session reports errors under.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// SetVolume sets the device volume level in [0,1].
func (s *Session) SetVolume(ctx context.Context, level float64) error {
	_, err := s.call(ctx, "volume", func(ctx context.Context, c interfaces.Controller) (any, error) {
		return nil, c.SetVolume(ctx, level)
	}, attribute.Float64("cast.volume", level))
	return err
}

// SetMute sets the device mute flag.
func (s *Session) SetMute(ctx context.Context, muted bool) error {
	_, err := s.call(ctx, "mute", func(ctx context.Context, c interfaces.Controller) (any, error) {
		return nil, c.SetMute(ctx, muted)
	}, attribute.Bool("cast.muted", muted))
	return err
}

// Play loads uri at offset, or resumes the current media when uri is empty.
func (s *Session) Play(ctx context.Context, uri string, offset time.Duration) error {
	command := "play"
	if uri != "" {
		command = "load"
	}
	_, err := s.call(ctx, command, func(ctx context.Context, c interfaces.Controller) (any, error) {
		return nil, c.Play(ctx, uri, offset)
	}, attribute.String("cast.uri", uri), attribute.Float64("cast.offset_seconds", offset.Seconds()))
	return err
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	_, err := s.call(ctx, "pause", func(ctx context.Context, c interfaces.Controller) (any, error) {
		return nil, c.Pause(ctx)
	})
	return err
}

// Stop stops playback.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.call(ctx, "stop", func(ctx context.Context, c interfaces.Controller) (any, error) {
		return nil, c.Stop(ctx)
	})
	return err
}

// Status fetches the device status.
func (s *Session) Status(ctx context.Context) (*interfaces.DeviceStatus, error) {
	v, err := s.call(ctx, "status", func(ctx context.Context, c interfaces.Controller) (any, error) {
		return c.GetStatus(ctx)
	})
	if err != nil {
		return nil, err
	}
	status, ok := v.(*interfaces.DeviceStatus)
	if !ok || status == nil {
		return nil, errors.NewCommandError("status", s.deviceID, "empty status response", nil)
	}
	return status, nil
}

// Close releases the device connection. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ctrl := s.ctrl
	s.ctrl = nil
	s.mu.Unlock()

	if ctrl == nil {
		return nil
	}
	s.log.Debug().Msg("Closing device session")
	return ctrl.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) controller() interfaces.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func (s *Session) call(ctx context.Context, command string, fn func(context.Context, interfaces.Controller) (any, error), attrs ...attribute.KeyValue) (any, error) {
	ctx, span := s.tracer.Start(ctx, "cast."+command,
		trace.WithAttributes(append(attrs, attribute.String("device.id", s.deviceID))...))
	defer span.End()

	ctrl := s.controller()
	if ctrl == nil {
		err := errors.NewUnreachableError(command, s.deviceID, errors.ErrConnectionClosed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "session closed")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.breaker.Execute(func() (interface{}, error) {
		v, err := fn(ctx, ctrl)
		return v, s.classify(ctx, command, err)
	})
	if err != nil {
		switch err {
		case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
			err = errors.NewUnreachableError(command, s.deviceID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v, nil
}

// classify maps a raw controller error onto the bridge taxonomy.
func (s *Session) classify(ctx context.Context, command string, err error) error {
	if err == nil {
		return nil
	}
	var ce *errors.CommandError
	if errors.As(err, &ce) {
		if ce.DeviceID == "" {
			ce.DeviceID = s.deviceID
		}
		return err
	}
	var ue *errors.UnreachableError
	if errors.As(err, &ue) {
		if ue.DeviceID == "" {
			ue.DeviceID = s.deviceID
		}
		return err
	}
	if Unreachable(err) || ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.Is(err, errors.ErrTimeout) {
			err = fmt.Errorf("%w: %w", errors.ErrTimeout, err)
		}
		return errors.NewUnreachableError(command, s.deviceID, err)
	}
	return errors.NewCommandError(command, s.deviceID, "", err)
}

// Unreachable reports whether err describes a connection-level failure.
func Unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsUnreachable(err) ||
		errors.Is(err, errors.ErrConnectionClosed) ||
		errors.Is(err, errors.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
