// Package correlator matches asynchronous, tab-scoped results back to the
// request that is waiting for them.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/future"
	"github.com/JakeFAU/tabclip/internal/metrics"
)

// ErrClosed rejects registrations still pending at shutdown.
var ErrClosed = errors.New("correlator closed")

// Config controls a Correlator.
type Config[T any] struct {
	// Name labels metrics and logs.
	Name string
	// Override rewrites a resolved value when the registration carried an
	// original URL.
	Override func(v T, originalURL string) T
	Logger   *zap.Logger
}

type registration[T any] struct {
	seq      uint64
	result   *future.Future[T]
	timer    *time.Timer
	override string
}

// Correlator holds at most one pending registration per tab. A second
// registration for the same tab rejects the first with clipper.ErrSuperseded.
type Correlator[T any] struct {
	cfg    Config[T]
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[clipper.TabHandle]*registration[T]
}

// New builds a Correlator.
func New[T any](cfg Config[T]) *Correlator[T] {
	if cfg.Name == "" {
		cfg.Name = "extraction"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator[T]{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[clipper.TabHandle]*registration[T]),
	}
}

// Register starts waiting for tab. The future rejects with an
// *clipper.ExtractionTimeoutError if nothing arrives within timeout.
func (c *Correlator[T]) Register(tab clipper.TabHandle, timeout time.Duration, originalURL string) *future.Future[T] {
	return c.register(tab, timeout, originalURL).result
}

func (c *Correlator[T]) register(tab clipper.TabHandle, timeout time.Duration, originalURL string) *registration[T] {
	reg := &registration[T]{result: future.New[T](), override: originalURL}

	c.mu.Lock()
	prior := c.pending[tab]
	if prior != nil {
		prior.timer.Stop()
	}
	c.seq++
	reg.seq = c.seq
	c.pending[tab] = reg
	reg.timer = time.AfterFunc(timeout, func() {
		c.expire(tab, reg.seq, timeout)
	})
	size := len(c.pending)
	c.mu.Unlock()

	metrics.SetPendingExtractions(c.cfg.Name, size)
	if prior != nil {
		c.logger.Debug("registration superseded", zap.String("tab", string(tab)))
		prior.result.Reject(clipper.ErrSuperseded)
	}
	return reg
}

// Resolve delivers v to the registration for tab. Late or unknown signals are
// ignored and reported as false.
func (c *Correlator[T]) Resolve(tab clipper.TabHandle, v T) bool {
	reg := c.take(tab, 0)
	if reg == nil {
		return false
	}
	if reg.override != "" && c.cfg.Override != nil {
		v = c.cfg.Override(v, reg.override)
	}
	reg.result.Resolve(v)
	return true
}

// Reject fails the registration for tab. Unknown tabs are ignored.
func (c *Correlator[T]) Reject(tab clipper.TabHandle, err error) bool {
	return c.rejectSeq(tab, 0, err)
}

// rejectSeq fails only the registration numbered seq, leaving any successor
// for the same tab untouched.
func (c *Correlator[T]) rejectSeq(tab clipper.TabHandle, seq uint64, err error) bool {
	reg := c.take(tab, seq)
	if reg == nil {
		return false
	}
	reg.result.Reject(err)
	return true
}

// Pending reports whether tab has a live registration.
func (c *Correlator[T]) Pending(tab clipper.TabHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[tab]
	return ok
}

// Len returns the number of live registrations.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every live registration.
func (c *Correlator[T]) Close() {
	c.mu.Lock()
	regs := c.pending
	c.pending = make(map[clipper.TabHandle]*registration[T])
	c.mu.Unlock()
	for _, reg := range regs {
		reg.timer.Stop()
		reg.result.Reject(ErrClosed)
	}
	metrics.SetPendingExtractions(c.cfg.Name, 0)
}

func (c *Correlator[T]) expire(tab clipper.TabHandle, seq uint64, timeout time.Duration) {
	reg := c.take(tab, seq)
	if reg == nil {
		return
	}
	c.logger.Warn("extraction timed out", zap.String("tab", string(tab)), zap.Duration("timeout", timeout))
	reg.result.Reject(&clipper.ExtractionTimeoutError{Tab: tab, Timeout: timeout})
}

// take removes and returns the registration for tab. A non-zero seq only
// matches that exact registration so a stale timer cannot expire its successor.
func (c *Correlator[T]) take(tab clipper.TabHandle, seq uint64) *registration[T] {
	c.mu.Lock()
	reg, ok := c.pending[tab]
	if !ok || (seq != 0 && reg.seq != seq) {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, tab)
	size := len(c.pending)
	c.mu.Unlock()

	reg.timer.Stop()
	metrics.SetPendingExtractions(c.cfg.Name, size)
	return reg
}

// Injector starts an extractor in a tab.
type Injector interface {
	InjectExtractor(ctx context.Context, tab clipper.TabHandle, kind clipper.ExtractorKind) error
}

// Extract registers tab, injects the extractor and waits for the result. If
// ctx ends first its own registration is withdrawn; a newer one for the same
// tab is left pending.
func Extract[T any](
	ctx context.Context,
	c *Correlator[T],
	inj Injector,
	tab clipper.TabHandle,
	kind clipper.ExtractorKind,
	timeout time.Duration,
	originalURL string,
) (T, error) {
	reg := c.register(tab, timeout, originalURL)
	if err := inj.InjectExtractor(ctx, tab, kind); err != nil {
		c.rejectSeq(tab, reg.seq, err)
	}
	v, err := reg.result.Await(ctx)
	if err != nil && ctx.Err() != nil {
		c.rejectSeq(tab, reg.seq, ctx.Err())
	}
	return v, err
}

// OverrideURL is the Override used for extracted documents: results read off
// an intermediary page are recorded under the user's original URL.
func OverrideURL(data clipper.ExtractedData, originalURL string) clipper.ExtractedData {
	data.URL = originalURL
	return data
}

// Bound pairs a correlator with the injector whose scripts report into it.
type Bound[T any] struct {
	c   *Correlator[T]
	inj Injector
}

// Bind returns a Bound for c and inj.
func Bind[T any](c *Correlator[T], inj Injector) Bound[T] {
	return Bound[T]{c: c, inj: inj}
}

// Extract is Extract over the bound pair.
func (b Bound[T]) Extract(
	ctx context.Context,
	tab clipper.TabHandle,
	kind clipper.ExtractorKind,
	timeout time.Duration,
	originalURL string,
) (T, error) {
	return Extract(ctx, b.c, b.inj, tab, kind, timeout, originalURL)
}
