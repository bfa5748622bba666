// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

// outbox delivers observed states to the host in order on its own goroutine,
// so host callbacks never run under the bridge lock and may call back into the
// bridge. Nothing is accepted after the final state.
type outbox struct {
	handle *Handle
	pulled func(*Handle, ObservedState)
	log    zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []ObservedState
	closed bool
	done   chan struct{}
}

func newOutbox(h *Handle, pulled func(*Handle, ObservedState), log zerolog.Logger) *outbox {
	o := &outbox{handle: h, pulled: pulled, log: log, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// post queues s. It reports false once the outbox is closed.
func (o *outbox) post(s ObservedState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.items = append(o.items, s)
	o.cond.Signal()
	return true
}

// close queues the final state and stops accepting more.
func (o *outbox) close(final ObservedState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.items = append(o.items, final)
	o.closed = true
	o.cond.Signal()
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.items) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.items) == 0 {
			o.mu.Unlock()
			return
		}
		item := o.items[0]
		o.items = o.items[1:]
		o.mu.Unlock()

		o.deliver(item)
	}
}

func (o *outbox) deliver(s ObservedState) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("panic", fmt.Sprint(r)).Msg("Pulled handler panicked")
		}
	}()
	metrics.StatePublishes.Inc()
	if o.pulled != nil {
		o.pulled(o.handle, s)
	}
}
