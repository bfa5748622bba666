// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"context"
	"sort"

	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/queue"
)

// Completion resolves once every command of a push or pull has finished.
type Completion struct {
	done    chan struct{}
	err     error
	results map[string]error
}

// completed returns a Completion that is already resolved.
func completed(err error) *Completion {
	c := &Completion{done: make(chan struct{}), err: err, results: map[string]error{}}
	close(c.done)
	return c
}

// Resolved returns a Completion that has already finished with err.
func Resolved(err error) *Completion { return completed(err) }

// newCompletion resolves after every ticket, plus any fault raised while the
// tickets were being issued.
func newCompletion(tickets map[string]*queue.Ticket, fault error) *Completion {
	c := &Completion{done: make(chan struct{}), results: make(map[string]error, len(tickets))}
	go func() {
		classes := make([]string, 0, len(tickets))
		for class := range tickets {
			classes = append(classes, class)
		}
		sort.Strings(classes)

		var errs []error
		for _, class := range classes {
			err := tickets[class].Err()
			c.results[class] = err
			if err != nil {
				errs = append(errs, err)
			}
		}
		if fault != nil {
			errs = append(errs, fault)
		}
		c.err = errors.Join(errs...)
		close(c.done)
	}()
	return c
}

// Done is closed when every command has finished.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err blocks until completion and returns the joined command errors.
func (c *Completion) Err() error {
	<-c.done
	return c.err
}

// Wait blocks until completion or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results blocks until completion and returns each command class's outcome.
func (c *Completion) Results() map[string]error {
	<-c.done
	out := make(map[string]error, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}
