// Package batch clips every eligible tab of a browser window as one rate
// limited run, isolating per-tab failures.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/dedupe"
	"github.com/JakeFAU/tabclip/internal/policy/ratelimit"
	"github.com/JakeFAU/tabclip/internal/progress"
	"github.com/JakeFAU/tabclip/internal/router"
)

// SummaryType tags the history entry written after each run.
const SummaryType = "bulk-clip-tabs"

// Router captures one item and classifies targets.
type Router interface {
	ClipOne(ctx context.Context, req clipper.ClipRequest) clipper.Outcome
	Classify(ctx context.Context, url string) (clipper.HandlerKind, error)
}

// TabLister enumerates a window's tabs.
type TabLister interface {
	ListTabs(ctx context.Context, windowID string) ([]clipper.TabInfo, error)
}

// DuplicateChecker reports recent captures of a URL.
type DuplicateChecker interface {
	Check(ctx context.Context, url string, within time.Duration) (dedupe.Result, error)
}

// Recorder appends to the history log.
type Recorder interface {
	Record(ctx context.Context, entry clipper.HistoryEntry) error
}

// Config sets the admission rate toward third-party services.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Deps wires the processor. Emitter and Logger are optional.
type Deps struct {
	Tabs       TabLister
	Router     Router
	Duplicates DuplicateChecker
	Recorder   Recorder
	Notifier   clipper.Notifier
	Emitter    progress.Emitter
	IDs        clipper.IDGenerator
	Clock      clipper.Clock
	Logger     *zap.Logger
}

// ItemUpdate is the BULK_CLIP_UPDATE payload.
type ItemUpdate struct {
	JobID          string              `json:"jobId"`
	Tab            clipper.TabHandle   `json:"tabId"`
	Status         clipper.TabStatus   `json:"status"`
	ProcessingKind clipper.HandlerKind `json:"processingType,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Summary is the BULK_CLIP_COMPLETE payload.
type Summary struct {
	JobID             string `json:"jobId"`
	SuccessCount      int    `json:"successCount"`
	FailCount         int    `json:"failCount"`
	DuplicatesSkipped int    `json:"duplicatesSkipped"`
}

// Processor runs bulk jobs. The latest job's state is observable through
// Snapshot while it runs and after it finishes.
type Processor struct {
	deps    Deps
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu  sync.Mutex
	job *clipper.BulkClipJob
}

// New builds a Processor with its own limiter (3 admissions per second by
// default).
func New(cfg Config, deps Deps) *Processor {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bulk")
	return &Processor{
		deps: deps,
		limiter: ratelimit.New(ratelimit.Config{
			Name:        "bulk",
			MaxRequests: cfg.MaxRequests,
			Window:      cfg.Window,
			Logger:      logger,
		}),
		logger: logger,
	}
}

// Snapshot returns a copy of the latest job. The zero job means none ran.
func (p *Processor) Snapshot() clipper.BulkClipJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return clipper.BulkClipJob{Items: []clipper.BulkClipTabState{}}
	}
	return p.job.Clone()
}

// LimiterStatus reports the bulk limiter's queue.
func (p *Processor) LimiterStatus() ratelimit.Status {
	return p.limiter.Status()
}

// Close stops the limiter, rejecting items still queued.
func (p *Processor) Close(ctx context.Context) error {
	return p.limiter.Close(ctx)
}

// RunBulk clips every capturable tab of windowID that was not captured in
// the last five minutes. Item failures never abort the run; the returned
// error covers only listing tabs and cancellation.
func (p *Processor) RunBulk(ctx context.Context, windowID string) (clipper.BulkClipJob, error) {
	tabs, err := p.deps.Tabs.ListTabs(ctx, windowID)
	if err != nil {
		return clipper.BulkClipJob{}, fmt.Errorf("list tabs: %w", err)
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return clipper.BulkClipJob{}, err
	}
	started := p.deps.Clock.Now()
	job := &clipper.BulkClipJob{
		ID:        id,
		WindowID:  windowID,
		StartedAt: started,
		Items:     []clipper.BulkClipTabState{},
	}
	logger := p.logger.With(zap.String("job_id", id), zap.String("window", windowID))

	valid := make([]clipper.TabInfo, 0, len(tabs))
	for _, t := range tabs {
		if router.Capturable(t.URL) {
			valid = append(valid, t)
		}
	}
	toClip := make([]clipper.TabInfo, 0, len(valid))
	for _, t := range valid {
		res, err := p.deps.Duplicates.Check(ctx, t.URL, dedupe.BulkWindow)
		if err != nil {
			logger.Warn("duplicate check failed", zap.String("url", t.URL), zap.Error(err))
		}
		if res.IsDuplicate {
			job.DuplicatesSkipped++
			continue
		}
		toClip = append(toClip, t)
	}
	for _, t := range toClip {
		kind, err := p.deps.Router.Classify(ctx, t.URL)
		if err != nil {
			kind = clipper.KindGeneric
		}
		job.Items = append(job.Items, clipper.BulkClipTabState{
			Tab:            t.Tab,
			URL:            t.URL,
			Title:          t.Title,
			Status:         clipper.TabPending,
			ProcessingKind: kind,
		})
	}
	p.mu.Lock()
	p.job = job
	p.mu.Unlock()

	logger.Info("bulk clip started",
		zap.Int("tabs", len(tabs)),
		zap.Int("valid", len(valid)),
		zap.Int("to_clip", len(toClip)),
		zap.Int("duplicates_skipped", job.DuplicatesSkipped),
	)
	switch {
	case len(valid) == 0:
		p.deps.Notifier.Notify(ctx, "No Valid Tabs", "No clippable tabs found in this window")
		return p.finish(job), nil
	case len(toClip) == 0:
		p.deps.Notifier.Notify(ctx, "All Tabs Already Clipped", "All tabs were clipped in the last 5 minutes")
		return p.finish(job), nil
	}

	indices := make([]int, len(job.Items))
	for i := range indices {
		indices[i] = i
	}
	res, runErr := ratelimit.BatchProcess(ctx, p.limiter, indices, func(ctx context.Context, i int) (clipper.Outcome, error) {
		return p.clipItem(ctx, job, i)
	}, ratelimit.BatchOptions{
		OnProgress: func(pr ratelimit.Progress) {
			logger.Debug("bulk progress", zap.Int("current", pr.Current), zap.Int("total", pr.Total))
		},
	})
	if runErr != nil {
		logger.Warn("bulk clip interrupted", zap.Error(runErr))
	}

	p.mu.Lock()
	job.SuccessCount = res.SuccessCount
	job.FailCount = res.ErrorCount
	p.mu.Unlock()
	snapshot := p.finish(job)

	summary := clipper.HistoryEntry{
		Type:      SummaryType,
		Timestamp: p.deps.Clock.Now(),
		Status:    clipper.StatusSuccess,
		Stats: map[string]int{
			"tabsFound":         len(tabs),
			"validTabs":         len(valid),
			"duplicatesSkipped": job.DuplicatesSkipped,
			"clipped":           snapshot.SuccessCount,
			"failed":            snapshot.FailCount,
		},
	}
	if err := p.deps.Recorder.Record(context.WithoutCancel(ctx), summary); err != nil {
		logger.Warn("bulk summary not recorded", zap.Error(err))
	}
	p.deps.Notifier.Notify(ctx, "Bulk Clip Complete", CompletionMessage(snapshot))
	logger.Info("bulk clip complete",
		zap.Int("success", snapshot.SuccessCount),
		zap.Int("failed", snapshot.FailCount),
		zap.Int("duplicates_skipped", snapshot.DuplicatesSkipped),
	)
	if runErr != nil && ctx.Err() != nil {
		return snapshot, runErr
	}
	return snapshot, nil
}

func (p *Processor) clipItem(ctx context.Context, job *clipper.BulkClipJob, i int) (clipper.Outcome, error) {
	item := p.update(job, i, clipper.TabProcessing, "")
	out := p.deps.Router.ClipOne(ctx, clipper.ClipRequest{
		TargetURL:   item.URL,
		Title:       item.Title,
		Tab:         item.Tab,
		RequestedAt: p.deps.Clock.Now(),
	})
	if out.Status != clipper.StatusSuccess {
		err := out.Err
		if err == nil {
			err = errors.New("capture failed")
		}
		p.update(job, i, clipper.TabFailed, err.Error())
		return out, err
	}
	p.update(job, i, clipper.TabSuccess, "")
	return out, nil
}

// update sets item i's status and broadcasts it.
func (p *Processor) update(job *clipper.BulkClipJob, i int, status clipper.TabStatus, errText string) clipper.BulkClipTabState {
	p.mu.Lock()
	item := &job.Items[i]
	item.Status = status
	item.Error = errText
	state := *item
	p.mu.Unlock()

	p.deps.Emitter.Emit(progress.Event{
		JobID: progress.ParseJobID(job.ID),
		Stage: progress.StageBulkUpdate,
		URL:   state.URL,
		Kind:  string(state.ProcessingKind),
		Title: state.Title,
		Note:  errText,
		Payload: ItemUpdate{
			JobID:          job.ID,
			Tab:            state.Tab,
			Status:         status,
			ProcessingKind: state.ProcessingKind,
			Error:          errText,
		},
	})
	return state
}

func (p *Processor) finish(job *clipper.BulkClipJob) clipper.BulkClipJob {
	finished := p.deps.Clock.Now()
	p.mu.Lock()
	job.FinishedAt = &finished
	snapshot := job.Clone()
	p.mu.Unlock()

	p.deps.Emitter.Emit(progress.Event{
		JobID: progress.ParseJobID(job.ID),
		Stage: progress.StageBulkComplete,
		Dur:   max(finished.Sub(job.StartedAt), 0),
		Payload: Summary{
			JobID:             job.ID,
			SuccessCount:      snapshot.SuccessCount,
			FailCount:         snapshot.FailCount,
			DuplicatesSkipped: snapshot.DuplicatesSkipped,
		},
	})
	return snapshot
}

// CompletionMessage renders the end-of-run notification body, e.g.
// "Clipped 3 tabs (1 failed) • 2 duplicates skipped".
func CompletionMessage(job clipper.BulkClipJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clipped %d tab%s", job.SuccessCount, plural(job.SuccessCount))
	if job.FailCount > 0 {
		fmt.Fprintf(&b, " (%d failed)", job.FailCount)
	}
	if job.DuplicatesSkipped > 0 {
		fmt.Fprintf(&b, " • %d duplicate%s skipped", job.DuplicatesSkipped, plural(job.DuplicatesSkipped))
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
