// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package queue provides the per-device serialized command queue.
//
// Every device-facing operation of a bridge (pushed commands and polls) runs
// through one Queue. Items execute strictly one at a time in enqueue order on a
// single worker goroutine, so no two commands for a device ever overlap on the
// wire.
//
// # Completion
//
// An item's Run function returning is the item's completion. The queue wraps
// every run so that completion fires exactly once on each exit path:
//
//   - Run returns nil or an error: the ticket resolves with that value.
//   - Run panics: the panic is recovered and the ticket resolves with an
//     errors.InternalError.
//   - Run ignores its context and hangs: after the item deadline plus a grace
//     period the watchdog abandons it, releases the queue and resolves the
//     ticket with an errors.UnreachableError wrapping errors.ErrTimeout.
//
// A Run that never returns therefore cannot stall the device. The abandoned
// run may still be talking to the device, so the abandon handler (see
// WithAbandonHandler) runs on the worker before anything else starts. Owners
// that close the queue from it guarantee nothing follows the hung item.
//
// # Supersession
//
// When supersession is enabled (the default), enqueuing an item whose ID
// matches an item that is still waiting replaces the waiting item's Run in
// place. Both tickets resolve with the outcome of the replacement. Items that
// already started are never replaced.
//
// # Example Usage
//
//	q := queue.New("living-room", queue.WithTimeout(5*time.Second))
//	defer q.Close()
//
//	ticket := q.Enqueue(queue.Item{ID: "volume", Run: func(ctx context.Context) error {
//	    return session.SetVolume(ctx, 0.4)
//	}})
//	if err := ticket.Wait(ctx); err != nil {
//	    log.Printf("volume failed: %v", err)
//	}
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	defaultGrace   = 2 * time.Second
)

// Item is one unit of device work.
type Item struct {
	ID  string // Command class, e.g. "volume" or "poll"
	Run func(ctx context.Context) error
}

// Ticket resolves when the item it was issued for completes.
type Ticket struct {
	done chan struct{}
	err  error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the item has completed.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the item's outcome. It blocks until the item completes.
func (t *Ticket) Err() error {
	<-t.done
	return t.err
}

// Wait blocks until the item completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	id       string
	run      func(ctx context.Context) error
	tickets  []*Ticket
	enqueued time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithTimeout sets the per-item deadline passed to Run.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithGrace sets how long past the deadline the watchdog waits before
// abandoning a run that ignores its context.
func WithGrace(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.grace = d
		}
	}
}

// WithAbandonHandler sets a function called when the watchdog abandons an
// item. It runs on the worker before the item's tickets resolve and before
// the next item starts. Closing the queue from it is safe.
func WithAbandonHandler(fn func(id string, err error)) Option {
	return func(q *Queue) { q.onAbandon = fn }
}

// WithSupersede enables or disables replacement of waiting items by ID.
func WithSupersede(enabled bool) Option {
	return func(q *Queue) { q.supersede = enabled }
}

// Queue runs items one at a time in FIFO order.
type Queue struct {
	name      string
	log       zerolog.Logger
	timeout   time.Duration
	grace     time.Duration
	supersede bool
	onAbandon func(id string, err error)

	mu      sync.Mutex
	pending []*entry
	current string
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// New creates a queue and starts its worker.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:      name,
		log:       zerolog.Nop(),
		timeout:   defaultTimeout,
		grace:     defaultGrace,
		supersede: true,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("component", "queue").Str("queue", name).Logger()

	go q.worker()
	return q
}

// Enqueue schedules item and returns immediately.
func (q *Queue) Enqueue(item Item) *Ticket {
	t := newTicket()
	if item.Run == nil {
		t.resolve(errors.NewInternalError("enqueue "+item.ID, fmt.Errorf("item has no run function")))
		return t
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.resolve(errors.ErrQueueClosed)
		return t
	}

	if q.supersede && item.ID != "" {
		for _, e := range q.pending {
			if e.id == item.ID {
				e.run = item.Run
				e.tickets = append(e.tickets, t)
				q.mu.Unlock()
				metrics.CommandsSuperseded.WithLabelValues(item.ID).Inc()
				q.log.Debug().Str("class", item.ID).Msg("Superseded pending command")
				return t
			}
		}
	}

	q.pending = append(q.pending, &entry{
		id:       item.ID,
		run:      item.Run,
		tickets:  []*Ticket{t},
		enqueued: time.Now(),
	})
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	q.log.Debug().Str("class", item.ID).Int("depth", depth).Msg("Enqueued command")
	q.signal()
	return t
}

// Len returns the number of items waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Current returns the ID of the running item, or "" when idle.
func (q *Queue) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting items and resolves waiting items with
// errors.ErrQueueClosed. The running item, if any, is allowed to finish.
// Close does not block and is safe to call from inside a running item.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range dropped {
		for _, t := range e.tickets {
			t.resolve(errors.ErrQueueClosed)
		}
		metrics.CommandsTotal.WithLabelValues(e.id, metrics.OutcomeCancelled).Inc()
	}
	metrics.QueueDepth.DeleteLabelValues(q.name)
	q.log.Debug().Int("dropped", len(dropped)).Msg("Queue closed")
	q.signal()
}

// Wait blocks until the worker has exited after Close.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer close(q.done)
	for {
		e, closed := q.next()
		if e == nil {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		q.execute(e)
	}
}

// next pops the head item. It returns nil when nothing is waiting.
func (q *Queue) next() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		q.current = ""
		return nil, q.closed
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.current = e.id
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.pending)))
	return e, false
}

func (q *Queue) execute(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.NewInternalError("run "+e.id, fmt.Errorf("panic: %v", r))
			}
		}()
		result <- e.run(ctx)
	}()

	watchdog := time.NewTimer(q.timeout + q.grace)
	defer watchdog.Stop()

	var err error
	select {
	case err = <-result:
	case <-watchdog.C:
		err = errors.NewUnreachableError(e.id, q.name,
			fmt.Errorf("%w: command did not complete within %s", errors.ErrTimeout, q.timeout+q.grace))
		q.log.Error().Str("class", e.id).Dur("limit", q.timeout+q.grace).
			Msg("Command abandoned by watchdog, releasing queue")
		if q.onAbandon != nil {
			q.onAbandon(e.id, err)
		}
	}

	elapsed := time.Since(start)
	outcome := Outcome(err)
	metrics.CommandDuration.WithLabelValues(e.id).Observe(elapsed.Seconds())
	metrics.CommandsTotal.WithLabelValues(e.id, outcome).Inc()

	switch outcome {
	case metrics.OutcomeSuccess:
		q.log.Debug().Str("class", e.id).Dur("duration", elapsed).Msg("Command finished")
	case metrics.OutcomeInternal:
		q.log.Error().Err(err).Str("class", e.id).Msg("Command failed with internal fault")
	default:
		q.log.Warn().Err(err).Str("class", e.id).Str("outcome", outcome).Msg("Command failed")
	}

	for _, t := range e.tickets {
		t.resolve(err)
	}
}

// Outcome maps a command result to its metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, errors.ErrQueueClosed):
		return metrics.OutcomeCancelled
	case errors.IsInternalError(err):
		return metrics.OutcomeInternal
	case errors.IsUnreachable(err):
		return metrics.OutcomeUnreachable
	default:
		return metrics.OutcomeRejected
	}
}
