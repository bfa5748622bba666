// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package bridge adapts Cast devices to a host automation model.
//
// An exemplar Bridge discovers devices. Every confirmed device gets its own
// instance Bridge, which owns the device connection, a serial command queue
// and a polling scheduler. Instances move through
//
//	connected-pending -> connected / polling-active -> forgotten
//
// and never come back from forgotten; a rediscovered device gets a new
// instance with the same identity.
//
// Observed state reaches the host through Events.Pulled, in order, on a
// goroutine owned by the instance. Handlers may call back into the bridge.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/metrics"
	"github.com/soothill/cast-bridge/queue"
	"github.com/soothill/cast-bridge/scheduler"
	"github.com/soothill/cast-bridge/session"
	"go.opentelemetry.io/otel/trace"
)

// State is a lifecycle state of a Bridge.
type State int

// Lifecycle states
const (
	StateUnbound State = iota
	StateDiscovering
	StateConnectedPending
	StateConnected
	StatePollingActive
	StateForgotten
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateDiscovering:
		return "discovering"
	case StateConnectedPending:
		return "connected-pending"
	case StateConnected:
		return "connected"
	case StatePollingActive:
		return "polling-active"
	case StateForgotten:
		return "forgotten"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Command classes. Pending commands of one class replace each other.
const (
	ClassVolume = "volume"
	ClassMute   = "mute"
	ClassMode   = "mode"
	ClassLoad   = "load"
	ClassPoll   = "poll"
)

const (
	defaultCommandTimeout = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Capabilities are the host-provided collaborators an exemplar needs.
type Capabilities struct {
	Discoverer interfaces.Discoverer
	Connector  interfaces.Connector
}

// Events are the host callbacks.
type Events struct {
	// Discovered is called once for every confirmed device with a new
	// instance in connected-pending. It must not call StopDiscovery on the
	// exemplar.
	Discovered func(*Bridge)

	// Pulled receives every observed-state update in order. The last call
	// for an instance carries every field unknown.
	Pulled func(*Handle, ObservedState)
}

// Options configure an exemplar and the instances it creates.
type Options struct {
	PollInterval   time.Duration // Zero disables polling
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	Number         int                        // Instance number mixed into identities
	Known          func(identity string) bool // Devices the host already holds are skipped
	Logger         zerolog.Logger             // The zero Logger discards
	Tracer         trace.Tracer
	Clock          scheduler.Clock
}

// ConnectOptions override Options for one instance.
type ConnectOptions struct {
	PollInterval   *time.Duration `validate:"omitempty,gte=0s,lte=24h"`
	CommandTimeout time.Duration  `validate:"gte=0s,lte=5m"`
}

// Bridge is either an exemplar or an instance bound to one device.
type Bridge struct {
	caps     Capabilities
	events   Events
	exemplar bool
	log      zerolog.Logger

	mu           sync.Mutex
	opts         Options
	state        State
	handle       *Handle
	ctrl         interfaces.Controller // held until Connect wraps it
	sess         *session.Session
	q            *queue.Queue
	sched        *scheduler.Scheduler
	observed     ObservedState
	pollInterval time.Duration
	counted      bool
	forgotten    chan struct{}
	out          *outbox

	// exemplar only
	scanGen    int
	scanCancel context.CancelFunc
	scanWG     sync.WaitGroup
}

// NewExemplar returns an unbound Bridge that discovers devices.
func NewExemplar(caps Capabilities, events Events, opts Options) *Bridge {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	opts.Logger = opts.Logger.With().Str("component", "bridge").Logger()
	return &Bridge{
		caps:     caps,
		events:   events,
		exemplar: true,
		log:      opts.Logger,
		opts:     opts,
		state:    StateUnbound,
	}
}

// Discover starts scanning for devices. It returns once the scan is running;
// confirmed devices are reported through Events.Discovered. Calling Discover
// while a scan is running, or on an instance, does nothing.
func (b *Bridge) Discover(ctx context.Context) error {
	if !b.exemplar {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateUnbound {
		return nil
	}
	if b.caps.Discoverer == nil {
		return errors.NewInternalError("discover", fmt.Errorf("no discoverer configured"))
	}

	scanCtx, cancel := context.WithCancel(ctx)
	found, err := b.caps.Discoverer.Search(scanCtx)
	if err != nil {
		cancel()
		return err
	}

	b.scanGen++
	b.scanCancel = cancel
	b.state = StateDiscovering
	b.scanWG.Add(1)
	go b.scan(scanCtx, cancel, b.scanGen, found)

	b.log.Info().Msg("Discovery started")
	return nil
}

func (b *Bridge) scan(ctx context.Context, cancel context.CancelFunc, gen int, found <-chan *interfaces.Descriptor) {
	defer b.scanWG.Done()

	for desc := range found {
		b.scanWG.Add(1)
		go func(desc *interfaces.Descriptor) {
			defer b.scanWG.Done()
			b.confirm(ctx, desc)
		}(desc)
	}

	b.mu.Lock()
	if b.scanGen == gen && b.state == StateDiscovering {
		b.state = StateUnbound
		b.scanCancel = nil
		b.log.Info().Msg("Discovery ended")
	}
	b.mu.Unlock()
	cancel()
}

// confirm opens a connection to a discovered device and hands a new instance
// to the host.
func (b *Bridge) confirm(ctx context.Context, desc *interfaces.Descriptor) {
	if desc == nil {
		return
	}

	b.mu.Lock()
	opts := b.opts
	b.mu.Unlock()

	identity := Identity(desc.UUID, opts.Number)
	log := b.log.With().Str("device_id", identity).Str("device_name", desc.DisplayName).Logger()

	if opts.Known != nil && opts.Known(identity) {
		log.Debug().Msg("Device already known, skipping")
		return
	}
	if b.caps.Connector == nil {
		log.Error().Msg("No connector configured")
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	ctrl, err := b.caps.Connector.Connect(connectCtx, desc)
	cancel()
	if err != nil {
		metrics.ConnectErrors.Inc()
		log.Warn().Err(err).Str("address", desc.HostPort()).Msg("Failed to connect to device")
		return
	}
	if ctx.Err() != nil {
		_ = ctrl.Close()
		return
	}

	h := newHandle(desc, opts.Number)
	inst := b.newInstance(h, ctrl, opts)
	log.Info().Str("address", h.Address()).Str("model", desc.ModelName).Msg("Device confirmed")

	if b.events.Discovered == nil {
		inst.Disconnect()
		return
	}
	b.events.Discovered(inst)
}

func (b *Bridge) newInstance(h *Handle, ctrl interfaces.Controller, opts Options) *Bridge {
	log := opts.Logger.With().
		Str("device_id", h.Identity()).
		Str("device_name", h.DisplayName()).
		Logger()

	inst := &Bridge{
		caps:         b.caps,
		events:       b.events,
		log:          log,
		opts:         opts,
		state:        StateConnectedPending,
		handle:       h,
		ctrl:         ctrl,
		pollInterval: opts.PollInterval,
		forgotten:    make(chan struct{}),
	}
	inst.out = newOutbox(h, b.events.Pulled, log)
	h.setReachable(true)

	if lost, ok := ctrl.(interface{ Done() <-chan struct{} }); ok {
		go inst.watch(lost.Done())
	}
	return inst
}

// watch forgets the device when its connection ends on its own.
func (b *Bridge) watch(lost <-chan struct{}) {
	select {
	case <-lost:
		b.forget(errors.NewUnreachableError("connection", b.handle.Identity(), errors.ErrConnectionClosed))
	case <-b.forgotten:
	}
}

// StopDiscovery ends a running scan and waits for pending confirmations.
// It must not be called from Events.Discovered.
func (b *Bridge) StopDiscovery() {
	if !b.exemplar {
		return
	}
	b.mu.Lock()
	cancel := b.scanCancel
	b.scanCancel = nil
	if b.state == StateDiscovering {
		b.state = StateUnbound
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.log.Info().Msg("Discovery stopped")
	}
	b.scanWG.Wait()
}

// Connect activates an instance in connected-pending: it starts the command
// queue and polling and issues an initial pull. On any other state it does
// nothing.
func (b *Bridge) Connect(opts ConnectOptions) error {
	b.mu.Lock()
	if b.state != StateConnectedPending {
		b.mu.Unlock()
		return nil
	}
	if err := validate.Struct(opts); err != nil {
		b.mu.Unlock()
		return validationError(err)
	}

	interval := b.pollInterval
	if opts.PollInterval != nil {
		interval = *opts.PollInterval
	}
	timeout := b.opts.CommandTimeout
	if opts.CommandTimeout > 0 {
		timeout = opts.CommandTimeout
	}

	b.sess = session.New(b.handle.Identity(), b.ctrl, session.Options{
		Timeout: timeout,
		Logger:  b.log,
		Tracer:  b.opts.Tracer,
	})
	b.ctrl = nil
	b.q = queue.New(b.handle.Identity(),
		queue.WithLogger(b.log),
		queue.WithTimeout(timeout),
		queue.WithAbandonHandler(func(_ string, err error) { b.forget(err) }),
	)
	b.sched = scheduler.New(scheduler.WithClock(b.opts.Clock), scheduler.WithLogger(b.log))
	b.pollInterval = interval
	b.state = StateConnected
	if interval > 0 {
		b.state = StatePollingActive
	}
	b.counted = true
	sched := b.sched
	b.mu.Unlock()

	metrics.DevicesConnected.Inc()
	b.log.Info().Dur("poll_interval", interval).Dur("command_timeout", timeout).Msg("Device connected")

	b.startPolling(sched, interval)
	b.Pull()
	return nil
}

func (b *Bridge) startPolling(sched *scheduler.Scheduler, interval time.Duration) {
	sched.Start(interval, b.tick)
	if b.State() == StateForgotten {
		sched.Stop()
	}
}

func (b *Bridge) tick() {
	if !b.Reachable() {
		return
	}
	b.Pull()
}

// SetPollInterval changes the polling interval. Zero disables polling. On an
// exemplar it applies to instances created afterwards.
func (b *Bridge) SetPollInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.mu.Lock()
	if b.exemplar {
		b.opts.PollInterval = d
		b.mu.Unlock()
		return
	}
	b.pollInterval = d
	if b.state != StateConnected && b.state != StatePollingActive {
		b.mu.Unlock()
		return
	}
	b.state = StateConnected
	if d > 0 {
		b.state = StatePollingActive
	}
	sched := b.sched
	b.mu.Unlock()

	b.startPolling(sched, d)
}

// active returns the queue and session when commands may be issued.
func (b *Bridge) active() (*queue.Queue, *session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected && b.state != StatePollingActive {
		return nil, nil, false
	}
	return b.q, b.sess, true
}

// Pull requests a full state report. The result is published through
// Events.Pulled. On a bridge that is not connected it does nothing.
func (b *Bridge) Pull() *Completion {
	q, sess, ok := b.active()
	if !ok {
		return completed(nil)
	}

	t := q.Enqueue(queue.Item{ID: ClassPoll, Run: func(ctx context.Context) error {
		if !b.Reachable() {
			return nil
		}
		status, err := sess.Status(ctx)
		if err != nil {
			if errors.IsUnreachable(err) {
				b.forget(err)
			}
			return err
		}
		b.publish(StateFromStatus(status))
		return nil
	}})
	return newCompletion(map[string]*queue.Ticket{ClassPoll: t}, nil)
}

// PushMap parses a loosely typed payload and pushes it.
func (b *Bridge) PushMap(m map[string]any) (*Completion, error) {
	if _, _, ok := b.active(); !ok {
		return completed(nil), nil
	}
	d, err := ParseDesiredState(m)
	if err != nil {
		return nil, err
	}
	return b.Push(d)
}

// Push applies a desired state. Volume and mute are queued first, then either
// a load or the highest-priority mode. Invalid input is rejected before
// anything is queued. On a bridge that is not connected it does nothing.
func (b *Bridge) Push(d DesiredState) (*Completion, error) {
	q, sess, ok := b.active()
	if !ok {
		return completed(nil), nil
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	tickets := make(map[string]*queue.Ticket, 3)
	fault := b.enqueue(d, q, sess, tickets)
	if len(tickets) == 0 && fault == nil {
		return completed(nil), nil
	}
	return newCompletion(tickets, fault), nil
}

func (b *Bridge) enqueue(d DesiredState, q *queue.Queue, sess *session.Session, tickets map[string]*queue.Ticket) (fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = errors.NewInternalError("push", fmt.Errorf("panic: %v", r))
			b.log.Error().Err(fault).Msg("Push aborted")
		}
	}()

	if d.Volume != nil {
		level := *d.Volume
		tickets[ClassVolume] = q.Enqueue(queue.Item{ID: ClassVolume, Run: b.command(
			func(ctx context.Context) error { return sess.SetVolume(ctx, level) },
			ObservedState{Volume: KnownValue(level)},
		)})
	}

	if d.Mute != nil {
		muted := *d.Mute
		tickets[ClassMute] = q.Enqueue(queue.Item{ID: ClassMute, Run: b.command(
			func(ctx context.Context) error { return sess.SetMute(ctx, muted) },
			ObservedState{Mute: KnownValue(muted)},
		)})
	}

	if d.Load != "" {
		uri, offset := d.Load, d.Offset
		tickets[ClassLoad] = q.Enqueue(queue.Item{ID: ClassLoad, Run: b.command(
			func(ctx context.Context) error { return sess.Play(ctx, uri, offset) },
			ObservedState{Load: KnownValue(uri), Mode: KnownValue(ModePlay)},
		)})
		return nil
	}

	if mode, ok := d.Mode(); ok {
		tickets[ClassMode] = q.Enqueue(queue.Item{ID: ClassMode, Run: b.command(
			func(ctx context.Context) error {
				switch mode {
				case ModePlay:
					return sess.Play(ctx, "", 0)
				case ModePause:
					return sess.Pause(ctx)
				default:
					return sess.Stop(ctx)
				}
			},
			ObservedState{Mode: KnownValue(mode)},
		)})
	}
	return nil
}

// command wraps a device call so that success publishes delta and loss of
// the device forgets it.
func (b *Bridge) command(call func(context.Context) error, delta ObservedState) func(context.Context) error {
	return func(ctx context.Context) error {
		if !b.Reachable() {
			return errors.NewUnreachableError("command", b.handle.Identity(), errors.ErrNotConnected)
		}
		if err := call(ctx); err != nil {
			if errors.IsUnreachable(err) {
				b.forget(err)
			}
			return err
		}
		b.publish(delta)
		return nil
	}
}

// publish merges delta into the observed state and sends it to the host.
// Updates that arrive after the device is forgotten are dropped.
func (b *Bridge) publish(delta ObservedState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateForgotten || delta.Empty() {
		return
	}
	b.observed = b.observed.Merge(delta)
	b.out.post(delta)
}

// Disconnect forgets an instance's device, or stops discovery on an
// exemplar. It is idempotent.
func (b *Bridge) Disconnect() {
	if b.exemplar {
		b.StopDiscovery()
		return
	}
	b.forget(nil)
}

// forget releases the device and publishes every field unknown exactly once.
func (b *Bridge) forget(cause error) {
	b.mu.Lock()
	if b.exemplar || b.state == StateForgotten {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = StateForgotten
	sched, q, sess, ctrl := b.sched, b.q, b.sess, b.ctrl
	b.sess, b.ctrl = nil, nil
	counted := b.counted
	b.counted = false
	b.observed = UnknownState()
	b.handle.setReachable(false)
	close(b.forgotten)
	b.out.close(UnknownState())
	b.mu.Unlock()

	ev := b.log.Info()
	if cause != nil {
		ev = b.log.Warn().Err(cause)
	}
	ev.Str("from", prev.String()).Msg("Device forgotten")

	if sched != nil {
		sched.Stop()
	}
	if q != nil {
		q.Close()
	}
	if sess != nil {
		_ = sess.Close()
	} else if ctrl != nil {
		_ = ctrl.Close()
	}

	metrics.DevicesForgotten.Inc()
	if counted {
		metrics.DevicesConnected.Dec()
	}
}

// Forgotten is closed once the device is forgotten and the final state has
// been delivered to the host. It is nil for an exemplar.
func (b *Bridge) Forgotten() <-chan struct{} {
	if b.out == nil {
		return nil
	}
	return b.out.done
}

// Exemplar reports whether b discovers devices rather than driving one.
func (b *Bridge) Exemplar() bool { return b.exemplar }

// State returns the lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reachable reports whether the device connection is held.
func (b *Bridge) Reachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateConnectedPending, StateConnected, StatePollingActive:
		return true
	default:
		return false
	}
}

// Handle returns the device handle, nil for an exemplar.
func (b *Bridge) Handle() *Handle { return b.handle }

// Identity returns the device identity, empty for an exemplar.
func (b *Bridge) Identity() string {
	if b.handle == nil {
		return ""
	}
	return b.handle.Identity()
}

// Meta describes the device. It reports false for an exemplar. The result
// stays available after the device is forgotten.
func (b *Bridge) Meta() (Meta, bool) {
	if b.handle == nil {
		return Meta{}, false
	}
	return b.handle.Meta(), true
}

// Observed returns the accumulated observed state.
func (b *Bridge) Observed() ObservedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observed
}

// PollInterval returns the current polling interval.
func (b *Bridge) PollInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exemplar {
		return b.opts.PollInterval
	}
	return b.pollInterval
}

// QueueLen returns the number of commands waiting to run.
func (b *Bridge) QueueLen() int {
	q, _, ok := b.active()
	if !ok {
		return 0
	}
	return q.Len()
}
