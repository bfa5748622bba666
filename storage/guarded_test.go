// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu      sync.Mutex
	err     error
	healthy error
	writes  int
	flushes int
	closed  bool
}

func (f *fakeRecorder) WriteState(s *interfaces.StateSample) error {
	if _, err := NewStatePoint(s); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.err
}

func (f *fakeRecorder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRecorder) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeRecorder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRecorder) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

type alert struct{ level, title string }

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (n *fakeNotifier) SendAlert(_ context.Context, level, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert{level, title})
	return nil
}

func (n *fakeNotifier) IsEnabled() bool { return true }

func (n *fakeNotifier) snapshot() []alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert(nil), n.alerts...)
}

func sample() *interfaces.StateSample {
	return &interfaces.StateSample{DeviceID: "dev-1", Timestamp: time.Now(), Reachable: true}
}

func TestGuardedRecorder_PassesThrough(t *testing.T) {
	inner := &fakeRecorder{}
	g := NewGuardedRecorder(inner, nil, GuardOptions{})

	require.NoError(t, g.WriteState(sample()))
	g.Flush()
	g.Close()

	assert.Equal(t, 1, inner.writes)
	assert.Equal(t, 1, inner.flushes)
	assert.True(t, inner.closed)
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardedRecorder_TripsAndRecovers(t *testing.T) {
	inner := &fakeRecorder{err: errors.NewStorageError("write", "dev-1", errors.ErrTimeout)}
	notifier := &fakeNotifier{}
	g := NewGuardedRecorder(inner, notifier, GuardOptions{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	assert.Error(t, g.WriteState(sample()))
	assert.Error(t, g.WriteState(sample()))
	assert.Equal(t, gobreaker.StateOpen, g.State())

	err := g.WriteState(sample())
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, errors.IsStorageError(err))
	assert.Equal(t, 2, inner.writes, "open breaker must not reach the backend")

	inner.setErr(nil)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, g.Health(context.Background()))
	assert.Equal(t, gobreaker.StateClosed, g.State())

	assert.Eventually(t, func() bool { return len(notifier.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	alerts := notifier.snapshot()
	assert.Contains(t, alerts, alert{"error", "State storage unavailable"})
	assert.Contains(t, alerts, alert{"info", "State storage recovered"})
}

func TestGuardedRecorder_InvalidSamplesDoNotTrip(t *testing.T) {
	inner := &fakeRecorder{}
	g := NewGuardedRecorder(inner, nil, GuardOptions{FailureThreshold: 1})

	for range 3 {
		err := g.WriteState(&interfaces.StateSample{})
		assert.True(t, errors.IsValidationError(err))
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}
