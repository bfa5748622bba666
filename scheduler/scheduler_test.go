// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
	periods []time.Duration
}

func (c *manualClock) Now() time.Time { return time.Unix(0, 0) }

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	c.periods = append(c.periods, d)
	return t
}

func (c *manualClock) last() *manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

// tick blocks until the scheduler goroutine has received the tick.
func (c *manualClock) tick(t *testing.T) {
	t.Helper()
	tk := c.last()
	require.NotNil(t, tk, "no ticker created")
	select {
	case tk.c <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not receive tick")
	}
}

func TestStartFiresOnTick(t *testing.T) {
	clock := &manualClock{}
	s := New(WithClock(clock))
	defer s.Stop()

	fired := make(chan struct{}, 4)
	s.Start(30*time.Second, func() { fired <- struct{}{} })

	assert.True(t, s.Running())
	assert.Equal(t, 30*time.Second, s.Interval())
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.periods)

	clock.tick(t)
	clock.tick(t)
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("tick %d not delivered", i)
		}
	}
	assert.Equal(t, int64(2), s.Ticks())
}

func TestZeroIntervalDisablesPolling(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		clock := &manualClock{}
		s := New(WithClock(clock))
		s.Start(interval, func() { t.Error("onTick should never fire") })

		assert.False(t, s.Running())
		assert.Nil(t, clock.last(), "no ticker should be created for interval %s", interval)
		s.Stop()
	}
}

func TestStopPreventsFurtherTicks(t *testing.T) {
	clock := &manualClock{}
	s := New(WithClock(clock))

	var calls atomic.Int32
	s.Start(time.Second, func() { calls.Add(1) })
	clock.tick(t)
	ticker := clock.last()

	s.Stop()
	assert.False(t, s.Running())
	assert.True(t, ticker.stopped.Load(), "ticker should be released on Stop")

	before := calls.Load()
	select {
	case ticker.c <- time.Now():
		t.Fatal("stopped scheduler still receiving ticks")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, before, calls.Load())
}

func TestStopWaitsForRunningTick(t *testing.T) {
	clock := &manualClock{}
	s := New(WithClock(clock))

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.Start(time.Second, func() {
		close(entered)
		<-release
		finished.Store(true)
	})
	clock.tick(t)
	<-entered

	stopped := make(chan struct{})
	go func() { s.Stop(); close(stopped) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while onTick was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	assert.True(t, finished.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(WithClock(&manualClock{}))
	s.Stop()
	s.Start(time.Second, func() {})
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
}

func TestRestartReplacesSchedule(t *testing.T) {
	clock := &manualClock{}
	s := New(WithClock(clock))
	defer s.Stop()

	var first, second atomic.Int32
	s.Start(time.Second, func() { first.Add(1) })
	old := clock.last()
	s.Start(5*time.Second, func() { second.Add(1) })

	assert.True(t, old.stopped.Load())
	assert.Equal(t, 5*time.Second, s.Interval())
	clock.tick(t)

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestRealClockTicks(t *testing.T) {
	s := New()
	defer s.Stop()

	var calls atomic.Int32
	s.Start(5*time.Millisecond, func() { calls.Add(1) })
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
