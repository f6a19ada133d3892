// Package actor serializes read-modify-write work through a single goroutine.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("actor stopped")

type op struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Actor owns a piece of state; every Do call runs on the same goroutine in
// submission order.
type Actor struct {
	ops      chan op
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New starts an Actor with the given queue depth.
func New(depth int) *Actor {
	if depth <= 0 {
		depth = 64
	}
	a := &Actor{
		ops:    make(chan op, depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go a.run()
	return a
}

// Do runs fn on the actor goroutine and waits for it to finish.
func (a *Actor) Do(ctx context.Context, fn func(context.Context) error) error {
	o := op{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-a.stopCh:
		return ErrStopped
	default:
	}
	select {
	case a.ops <- o:
	case <-a.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("actor submit: %w", ctx.Err())
	}
	select {
	case err := <-o.done:
		return err
	case <-a.doneCh:
		select {
		case err := <-o.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return fmt.Errorf("actor wait: %w", ctx.Err())
	}
}

// Stop drains queued work and waits for the goroutine to exit.
func (a *Actor) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	select {
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor stop wait: %w", ctx.Err())
	}
}

func (a *Actor) run() {
	defer close(a.doneCh)
	for {
		select {
		case o := <-a.ops:
			a.exec(o)
		case <-a.stopCh:
			for {
				select {
				case o := <-a.ops:
					a.exec(o)
				default:
					return
				}
			}
		}
	}
}

func (a *Actor) exec(o op) {
	if err := o.ctx.Err(); err != nil {
		o.done <- fmt.Errorf("actor op: %w", err)
		return
	}
	o.done <- o.fn(o.ctx)
}
