package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tabclip/internal/progress"
)

// PrometheusSink derives bulk, capture and notification metrics from the
// broadcast stream.
type PrometheusSink struct {
	bulkStarted   prometheus.Counter
	bulkCompleted prometheus.Counter
	bulkRunning   prometheus.Gauge
	bulkRuntime   prometheus.Histogram

	captures        *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	syncRuns        prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		bulkStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabclip_bulk_jobs_started_total",
			Help: "Bulk clip runs that reported their first item.",
		}),
		bulkCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabclip_bulk_jobs_completed_total",
			Help: "Bulk clip runs that finished.",
		}),
		bulkRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabclip_bulk_jobs_running",
			Help: "Bulk clip runs currently in flight.",
		}),
		bulkRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabclip_bulk_job_runtime_seconds",
			Help:    "Wall time per finished bulk run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabclip_broadcast_captures_total",
			Help: "Capture broadcasts partitioned by handler kind and result.",
		}, []string{"kind", "result"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabclip_capture_duration_seconds",
			Help:    "Time from request to saved artifact, by handler kind.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180, 300},
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabclip_notifications_total",
			Help: "User notifications by title.",
		}, []string{"title"}),
		syncRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabclip_bookmark_syncs_total",
			Help: "Completed bookmark sync runs.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.bulkStarted,
		s.bulkCompleted,
		s.bulkRunning,
		s.bulkRuntime,
		s.captures,
		s.captureDuration,
		s.notifications,
		s.syncRuns,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register broadcast collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBulkUpdate:
		if s.tracker.start(evt.JobID) {
			s.bulkStarted.Inc()
			s.bulkRunning.Inc()
		}
	case progress.StageBulkComplete:
		s.bulkCompleted.Inc()
		if evt.Dur > 0 {
			s.bulkRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.bulkRunning.Dec()
		}
	case progress.StageClipDone:
		s.captures.WithLabelValues(kindLabel(evt.Kind), "success").Inc()
		if evt.Dur > 0 {
			s.captureDuration.WithLabelValues(kindLabel(evt.Kind)).Observe(evt.Dur.Seconds())
		}
	case progress.StageClipFailed:
		s.captures.WithLabelValues(kindLabel(evt.Kind), "failed").Inc()
	case progress.StageNotification:
		s.notifications.WithLabelValues(evt.Title).Inc()
	case progress.StageSyncDone:
		s.syncRuns.Inc()
	}
}

func kindLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
	seen    map[[16]byte]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{
		running: make(map[[16]byte]struct{}),
		seen:    make(map[[16]byte]struct{}),
	}
}

// start reports true the first time id is seen.
func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
