package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes the Hub.
//   - BufferSize: emit channel capacity (default 1024).
//   - MaxBatchEvents: batch size that forces a flush (default 64).
//   - MaxBatchWait: how long an in-flight batch may wait (default 50ms).
//   - SinkTimeout: bound on each Consume call (default 5s).
//   - BaseContext: parent of sink contexts (default context.Background()).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 50 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropWarnEvery         = 5 * time.Second
)

// flushesNow reports stages that end a clip, bulk run or sync. The status UI
// waits on them, so they go out with whatever is batched ahead of them.
func flushesNow(s Stage) bool {
	switch s {
	case StageClipDone, StageClipFailed, StageBulkComplete, StageSyncDone, StageNotification:
		return true
	}
	return false
}

// Hub delivers broadcasts to sinks in emission order. Emit never blocks; a
// full buffer drops the event.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	lastWarn atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the delivery goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Emit queues evt, stamping TS when unset. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.warnDropped(time.Now())
	}
}

// warnDropped logs at most once per dropWarnEvery and resets the counter.
func (h *Hub) warnDropped(now time.Time) {
	last := h.lastWarn.Load()
	if now.UnixNano()-last < dropWarnEvery.Nanoseconds() {
		return
	}
	if !h.lastWarn.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("broadcasts dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Dropped reports events discarded since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close delivers what is queued, then closes every sink. Later calls only wait
// for the first to finish.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		waiting <-chan time.Time
	)
	send := func() {
		if timer != nil {
			timer.Stop()
			waiting = nil
		}
		h.deliver(batch)
		batch = batch[:0]
	}
	add := func(evt Event) {
		batch = append(batch, evt)
		if len(batch) >= h.cfg.MaxBatchEvents || flushesNow(evt.Stage) {
			send()
			return
		}
		if waiting == nil {
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
			} else {
				timer.Reset(h.cfg.MaxBatchWait)
			}
			waiting = timer.C
		}
	}

	for {
		select {
		case evt := <-h.events:
			add(evt)
		case <-waiting:
			waiting = nil
			h.deliver(batch)
			batch = batch[:0]
		case <-h.stopCh:
		drain:
			for {
				select {
				case evt := <-h.events:
					add(evt)
				default:
					break drain
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("sink consume failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
