// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package scheduler provides the cancellable periodic trigger that drives
// device polling.
//
// A Scheduler fires onTick at a fixed cadence on its own goroutine. Stop
// waits for that goroutine to exit, so once Stop returns no further ticks are
// delivered. Time is read through a Clock so tests can drive ticks by hand.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers and reports the current time.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns time.Now.
func (RealClock) Now() time.Time { return time.Now() }

// NewTicker wraps time.NewTicker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// Scheduler fires a callback periodically.
type Scheduler struct {
	clock Clock
	log   zerolog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
	ticks    atomic.Int64
}

// New creates an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: RealClock{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// Start begins calling onTick every interval. An interval of zero or less
// disables polling. Calling Start while running replaces the previous
// schedule. Start must not be called from onTick.
func (s *Scheduler) Start(interval time.Duration, onTick func()) {
	s.Stop()
	if interval <= 0 || onTick == nil {
		s.log.Debug().Msg("Polling disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stop := make(chan struct{})
	ticker := s.clock.NewTicker(interval)
	s.stop = stop
	s.interval = interval

	s.wg.Add(1)
	go s.loop(ticker, stop, onTick)
	s.log.Debug().Dur("interval", interval).Msg("Polling started")
}

func (s *Scheduler) loop(ticker Ticker, stop <-chan struct{}, onTick func()) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			// A tick racing with Stop must not fire.
			select {
			case <-stop:
				return
			default:
			}
			s.ticks.Add(1)
			metrics.PollTicks.Inc()
			onTick()
		}
	}
}

// Stop cancels the schedule and waits for the tick goroutine to exit. It is
// safe to call repeatedly. Stop must not be called from onTick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.interval = 0
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.log.Debug().Msg("Polling stopped")
	}
	s.wg.Wait()
}

// Running reports whether a schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Interval returns the active interval, or zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Ticks returns how many times onTick has fired.
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}
