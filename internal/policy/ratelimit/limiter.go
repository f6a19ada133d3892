// Package ratelimit implements sliding-window admission control with a FIFO
// queue. It caps how many tasks may start inside any rolling window; it does not
// cap how many run at once.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/future"
	"github.com/JakeFAU/tabclip/internal/metrics"
)

// ErrClosed is returned for tasks still queued when the limiter shuts down.
var ErrClosed = errors.New("rate limiter closed")

// Task is one unit of admitted work.
type Task func(ctx context.Context) (any, error)

// Config holds rate limiter configuration.
type Config struct {
	// Name labels delay metrics and logs.
	Name        string
	MaxRequests int
	Window      time.Duration
	Logger      *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Status is a point-in-time view of the limiter.
type Status struct {
	Queued      int           `json:"queued"`
	Recent      int           `json:"recent"`
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

type pending struct {
	ctx    context.Context
	task   Task
	result *future.Future[any]
}

// Limiter admits queued tasks in arrival order, never more than MaxRequests
// per Window.
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	timestamps []time.Time
	queue      []pending
	// closed is set once the drain loop has rejected the queue for good.
	closed bool

	wake      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	running   sync.WaitGroup
}

// New creates a Limiter and starts its drain loop.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		cfg:    cfg,
		logger: logger,
		now:    now,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.drain()
	return l
}

// Enqueue appends task to the FIFO queue. The returned future settles with the
// task's result; a panicking task rejects its own future and the loop carries on.
func (l *Limiter) Enqueue(ctx context.Context, task Task) *future.Future[any] {
	f := future.New[any]()
	select {
	case <-l.stopCh:
		f.Reject(ErrClosed)
		return f
	default:
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		f.Reject(ErrClosed)
		return f
	}
	l.queue = append(l.queue, pending{ctx: ctx, task: task, result: f})
	l.mu.Unlock()
	l.signal()
	return f
}

// Status reports the queue depth and admissions inside the current window.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Status{
		Queued:      len(l.queue),
		Recent:      len(l.timestamps),
		MaxRequests: l.cfg.MaxRequests,
		Window:      l.cfg.Window,
	}
}

// Close stops admissions, rejects anything still queued and waits for admitted
// tasks to return.
func (l *Limiter) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("rate limiter close wait: %w", ctx.Err())
	}
	finished := make(chan struct{})
	go func() {
		l.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rate limiter task wait: %w", ctx.Err())
	}
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Limiter) drain() {
	defer close(l.doneCh)
	for {
		next, ok := l.head()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-l.stopCh:
				l.rejectQueued()
				return
			}
		}
		if err := next.ctx.Err(); err != nil {
			l.pop()
			next.result.Reject(fmt.Errorf("rate limit wait: %w", err))
			continue
		}
		if wait := l.reserve(); wait > 0 {
			start := time.Now()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				metrics.ObserveRateLimitDelay(l.cfg.Name, time.Since(start))
			case <-next.ctx.Done():
				timer.Stop()
			case <-l.stopCh:
				timer.Stop()
				l.rejectQueued()
				return
			}
			continue
		}
		l.pop()
		l.running.Add(1)
		go l.run(next)
	}
}

// reserve prunes expired timestamps and either records an admission (returning
// zero) or returns how long until the oldest timestamp leaves the window.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if len(l.timestamps) >= l.cfg.MaxRequests {
		wait := l.timestamps[0].Add(l.cfg.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait
	}
	l.timestamps = append(l.timestamps, now)
	return 0
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

func (l *Limiter) head() (pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return pending{}, false
	}
	return l.queue[0], true
}

func (l *Limiter) pop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return
	}
	l.queue[0] = pending{}
	l.queue = l.queue[1:]
}

func (l *Limiter) rejectQueued() {
	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	l.closed = true
	l.mu.Unlock()
	for _, p := range queued {
		p.result.Reject(ErrClosed)
	}
}

func (l *Limiter) run(p pending) {
	defer l.running.Done()
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("rate limited task panicked", zap.String("limiter", l.cfg.Name), zap.Any("panic", rec))
			p.result.Reject(fmt.Errorf("task panicked: %v", rec))
		}
	}()
	v, err := p.task(p.ctx)
	if err != nil {
		p.result.Reject(err)
		return
	}
	p.result.Resolve(v)
}
