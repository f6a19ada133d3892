// Package bookmarks mirrors the user's Twitter/X bookmarks into the artifact
// store. A sync scrapes the bookmarks page in a hidden tab, clips every tweet
// that has not been synced before and records the tweet IDs in settings.
package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/correlator"
	"github.com/JakeFAU/tabclip/internal/policy/ratelimit"
	"github.com/JakeFAU/tabclip/internal/progress"
	"github.com/JakeFAU/tabclip/internal/settings"
)

const (
	// SummaryType tags the history entry written after each sync.
	SummaryType = "twitter-bookmark-sync"
	// Source tags captures made by a sync.
	Source = "twitter-bookmark"
	// DefaultURL is the page scraped for bookmarks.
	DefaultURL = "https://twitter.com/i/bookmarks"
)

// Bookmark is one scraped tweet.
type Bookmark struct {
	TweetID string `json:"tweetId"`
	URL     string `json:"url"`
}

// Scraped is the BOOKMARKS_SCRAPED payload.
type Scraped struct {
	Bookmarks  []Bookmark `json:"bookmarks"`
	TotalFound int        `json:"totalFound"`
}

// Stats summarizes one sync.
type Stats struct {
	TotalFound    int `json:"totalFound"`
	NewlySynced   int `json:"newlySynced"`
	AlreadySynced int `json:"alreadySynced"`
	Failed        int `json:"failed"`
}

// Router clips a single URL.
type Router interface {
	ClipOne(ctx context.Context, req clipper.ClipRequest) clipper.Outcome
}

// SettingsStore reads and updates the persisted sync state.
type SettingsStore interface {
	Get(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, fn func(*settings.Settings) error) (settings.Settings, error)
}

// Recorder appends to the history log.
type Recorder interface {
	Record(ctx context.Context, entry clipper.HistoryEntry) error
}

// Config tunes the syncer. Zero values take the defaults noted per field.
type Config struct {
	// BookmarksURL defaults to DefaultURL.
	BookmarksURL string
	// ScrapeTimeout bounds the wait for BOOKMARKS_SCRAPED (2m).
	ScrapeTimeout time.Duration
	// LockMaxAge is how long a held lock is honored (5m).
	LockMaxAge time.Duration
	// MaxRequests per Window throttle tweet captures (5 per 1s).
	MaxRequests int
	Window      time.Duration
}

// Deps wires the syncer. Emitter and Logger are optional.
type Deps struct {
	Browser  clipper.Browser
	Scrapes  *correlator.Correlator[Scraped]
	Router   Router
	Settings SettingsStore
	Recorder Recorder
	Notifier clipper.Notifier
	Emitter  progress.Emitter
	IDs      clipper.IDGenerator
	Clock    clipper.Clock
	Logger   *zap.Logger
}

// Syncer runs bookmark syncs, at most one at a time across processes sharing
// the settings store.
type Syncer struct {
	cfg     Config
	deps    Deps
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	reschedule chan struct{}

	mu    sync.Mutex
	runID string
}

// New builds a Syncer.
func New(cfg Config, deps Deps) *Syncer {
	if cfg.BookmarksURL == "" {
		cfg.BookmarksURL = DefaultURL
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 2 * time.Minute
	}
	if cfg.LockMaxAge <= 0 {
		cfg.LockMaxAge = 5 * time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 5
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
	logger = logger.Named("bookmarks")
	return &Syncer{
		cfg:  cfg,
		deps: deps,
		limiter: ratelimit.New(ratelimit.Config{
			Name:        "bookmarks",
			MaxRequests: cfg.MaxRequests,
			Window:      cfg.Window,
			Logger:      logger,
		}),
		logger:     logger,
		reschedule: make(chan struct{}, 1),
	}
}

// Close stops the limiter.
func (s *Syncer) Close(ctx context.Context) error {
	return s.limiter.Close(ctx)
}

// Sync scrapes the bookmarks page and clips new tweets. It returns
// clipper.ErrSyncInProgress if another sync holds a fresh lock.
func (s *Syncer) Sync(ctx context.Context) (Stats, error) {
	if err := s.lock(ctx); err != nil {
		return Stats{}, err
	}
	s.begin()
	defer s.end()

	scraped, err := s.scrape(ctx)
	if err != nil {
		s.unlock(ctx)
		s.deps.Notifier.Notify(ctx, "Bookmark Sync Failed", err.Error())
		return Stats{}, fmt.Errorf("scrape bookmarks: %w", err)
	}
	return s.process(ctx, scraped)
}

// HandleScraped delivers a BOOKMARKS_SCRAPED result. If a sync is waiting on
// tab it is resumed and pending is true. Otherwise the result was pushed
// unsolicited and is processed under the sync lock.
func (s *Syncer) HandleScraped(ctx context.Context, tab clipper.TabHandle, result Scraped) (stats Stats, pending bool, err error) {
	if s.deps.Scrapes.Resolve(tab, result) {
		return Stats{}, true, nil
	}
	if err := s.lock(ctx); err != nil {
		return Stats{}, false, err
	}
	s.begin()
	defer s.end()
	stats, err = s.process(ctx, result)
	return stats, false, err
}

// HandleScrapeFailed aborts the sync waiting on tab.
func (s *Syncer) HandleScrapeFailed(ctx context.Context, tab clipper.TabHandle, reason string) {
	if reason == "" {
		reason = "bookmark scrape failed"
	}
	if !s.deps.Scrapes.Reject(tab, errors.New(reason)) {
		s.deps.Notifier.Notify(ctx, "Bookmark Sync Failed", reason)
	}
}

// HandleProgress relays BOOKMARK_SCRAPE_PROGRESS from the scraper.
func (s *Syncer) HandleProgress(payload any) {
	s.mu.Lock()
	id := s.runID
	s.mu.Unlock()
	if id == "" {
		s.logger.Debug("scrape progress without a running sync")
		return
	}
	s.deps.Emitter.Emit(progress.Event{
		JobID:   progress.ParseJobID(id),
		Stage:   progress.StageSyncProgress,
		Payload: payload,
	})
}

// SettingsUpdate changes the auto-sync schedule. Nil fields are left alone.
type SettingsUpdate struct {
	Enabled         *bool `json:"enabled,omitempty"`
	IntervalMinutes *int  `json:"autoSyncInterval,omitempty"`
}

// UpdateSettings applies u and reschedules the auto-sync loop.
func (s *Syncer) UpdateSettings(ctx context.Context, u SettingsUpdate) (settings.SyncState, error) {
	if u.IntervalMinutes != nil && *u.IntervalMinutes <= 0 {
		return settings.SyncState{}, &clipper.ConfigurationError{Field: "autoSyncInterval", Reason: "must be at least one minute"}
	}
	cur, err := s.deps.Settings.Update(ctx, func(st *settings.Settings) error {
		if u.Enabled != nil {
			st.BookmarkSync.Enabled = *u.Enabled
		}
		if u.IntervalMinutes != nil {
			st.BookmarkSync.IntervalMinutes = *u.IntervalMinutes
		}
		return nil
	})
	if err != nil {
		return settings.SyncState{}, err
	}
	s.poke()
	s.logger.Info("sync schedule updated",
		zap.Bool("enabled", cur.BookmarkSync.Enabled),
		zap.Int("interval_minutes", cur.BookmarkSync.IntervalMinutes),
	)
	return cur.BookmarkSync, nil
}

// Reset forgets every synced tweet, keeping the schedule.
func (s *Syncer) Reset(ctx context.Context) (settings.SyncState, error) {
	cur, err := s.deps.Settings.Update(ctx, func(st *settings.Settings) error {
		interval := st.BookmarkSync.IntervalMinutes
		if interval <= 0 {
			interval = 30
		}
		st.BookmarkSync = settings.SyncState{
			Enabled:         st.BookmarkSync.Enabled,
			IntervalMinutes: interval,
			SyncedIDs:       []string{},
		}
		return nil
	})
	if err != nil {
		return settings.SyncState{}, err
	}
	s.deps.Notifier.Notify(ctx, "Sync Tracking Reset", "All tweet sync history cleared")
	return cur.BookmarkSync, nil
}

// ClearStaleLock releases a lock left behind by a sync that never finished.
func (s *Syncer) ClearStaleLock(ctx context.Context) error {
	now := s.deps.Clock.Now()
	_, err := s.deps.Settings.Update(ctx, func(st *settings.Settings) error {
		if st.BookmarkSync.LockIsStale(now, s.cfg.LockMaxAge) {
			s.logger.Warn("clearing stale sync lock")
			st.BookmarkSync.InProgress = false
			st.BookmarkSync.LockTimestamp = nil
		}
		return nil
	})
	return err
}

// Run syncs every IntervalMinutes while auto-sync is enabled, until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.ClearStaleLock(ctx); err != nil {
		s.logger.Warn("stale lock check failed", zap.Error(err))
	}
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if interval, ok := s.interval(ctx); ok {
			timer = time.NewTimer(interval)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-s.reschedule:
			stopTimer(timer)
		case <-tick:
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, clipper.ErrSyncInProgress) {
				s.logger.Warn("scheduled sync failed", zap.Error(err))
			}
		}
	}
}

func (s *Syncer) interval(ctx context.Context) (time.Duration, bool) {
	cur, err := s.deps.Settings.Get(ctx)
	if err != nil {
		s.logger.Warn("read sync schedule", zap.Error(err))
		return 0, false
	}
	if !cur.BookmarkSync.Enabled {
		return 0, false
	}
	minutes := cur.BookmarkSync.IntervalMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute, true
}

func (s *Syncer) poke() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Syncer) begin() {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Warn("sync id", zap.Error(err))
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}

func (s *Syncer) end() {
	s.mu.Lock()
	s.runID = ""
	s.mu.Unlock()
}

func (s *Syncer) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *Syncer) lock(ctx context.Context) error {
	now := s.deps.Clock.Now()
	_, err := s.deps.Settings.Update(ctx, func(st *settings.Settings) error {
		state := &st.BookmarkSync
		if state.InProgress && !state.LockIsStale(now, s.cfg.LockMaxAge) {
			return clipper.ErrSyncInProgress
		}
		if state.InProgress {
			s.logger.Warn("taking over stale sync lock")
		}
		state.InProgress = true
		state.LockTimestamp = &now
		return nil
	})
	return err
}

func (s *Syncer) unlock(ctx context.Context) {
	_, err := s.deps.Settings.Update(context.WithoutCancel(ctx), func(st *settings.Settings) error {
		st.BookmarkSync.InProgress = false
		st.BookmarkSync.LockTimestamp = nil
		return nil
	})
	if err != nil {
		s.logger.Error("release sync lock", zap.Error(err))
	}
}

func (s *Syncer) scrape(ctx context.Context) (Scraped, error) {
	tab, err := s.deps.Browser.OpenTab(ctx, s.cfg.BookmarksURL, false)
	if err != nil {
		return Scraped{}, fmt.Errorf("open bookmarks tab: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.deps.Browser.CloseTab(closeCtx, tab); err != nil {
			s.logger.Debug("close bookmarks tab", zap.Error(err))
		}
	}()
	if err := s.deps.Browser.WaitLoad(ctx, tab); err != nil {
		return Scraped{}, err
	}
	return correlator.Extract(ctx, s.deps.Scrapes, s.deps.Browser, tab, clipper.ExtractorBookmarks, s.cfg.ScrapeTimeout, "")
}

// process clips new bookmarks and releases the lock.
func (s *Syncer) process(ctx context.Context, scraped Scraped) (Stats, error) {
	started := s.deps.Clock.Now()
	logger := s.logger.With(zap.String("sync_id", s.currentID()))

	cur, err := s.deps.Settings.Get(ctx)
	if err != nil {
		s.unlock(ctx)
		return Stats{}, err
	}
	total := scraped.TotalFound
	if total < len(scraped.Bookmarks) {
		total = len(scraped.Bookmarks)
	}
	fresh := make([]Bookmark, 0, len(scraped.Bookmarks))
	seen := make(map[string]bool, len(scraped.Bookmarks))
	for _, b := range scraped.Bookmarks {
		if b.TweetID == "" || seen[b.TweetID] || cur.BookmarkSync.HasSynced(b.TweetID) {
			continue
		}
		seen[b.TweetID] = true
		fresh = append(fresh, b)
	}
	logger.Info("bookmarks scraped", zap.Int("found", total), zap.Int("new", len(fresh)))

	if len(fresh) == 0 {
		stats := Stats{TotalFound: total, AlreadySynced: total}
		s.finish(ctx, stats, started)
		s.deps.Notifier.Notify(ctx, "Twitter Bookmarks Up to Date", "No new bookmarks to sync")
		return stats, nil
	}

	res, runErr := ratelimit.BatchProcess(ctx, s.limiter, fresh, s.clipBookmark, ratelimit.BatchOptions{
		OnProgress: func(p ratelimit.Progress) {
			s.HandleProgress(p)
		},
	})
	if runErr != nil {
		logger.Warn("bookmark sync interrupted", zap.Error(runErr))
	}
	stats := Stats{
		TotalFound:    total,
		NewlySynced:   res.SuccessCount,
		AlreadySynced: total - len(fresh),
		Failed:        res.ErrorCount,
	}
	s.finish(ctx, stats, started)

	entry := clipper.HistoryEntry{
		Type:      SummaryType,
		Timestamp: s.deps.Clock.Now(),
		Status:    clipper.StatusSuccess,
		Stats: map[string]int{
			"bookmarksFound": stats.TotalFound,
			"newlySynced":    stats.NewlySynced,
			"alreadySynced":  stats.AlreadySynced,
			"failed":         stats.Failed,
		},
	}
	if err := s.deps.Recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("sync summary not recorded", zap.Error(err))
	}
	if stats.NewlySynced > 0 {
		s.deps.Notifier.Notify(ctx, "Twitter Bookmarks Synced", CompletionMessage(stats))
	}
	logger.Info("bookmark sync complete",
		zap.Int("synced", stats.NewlySynced),
		zap.Int("failed", stats.Failed),
	)
	if runErr != nil && ctx.Err() != nil {
		return stats, runErr
	}
	return stats, nil
}

func (s *Syncer) clipBookmark(ctx context.Context, b Bookmark) (clipper.Outcome, error) {
	out := s.deps.Router.ClipOne(ctx, clipper.ClipRequest{
		TargetURL:   b.URL,
		RequestedAt: s.deps.Clock.Now(),
		Source:      Source,
	})
	if out.Status != clipper.StatusSuccess {
		if out.Err != nil {
			return out, out.Err
		}
		return out, errors.New("capture failed")
	}
	_, err := s.deps.Settings.Update(ctx, func(st *settings.Settings) error {
		st.BookmarkSync.MarkSynced(b.TweetID)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("mark %s synced: %w", b.TweetID, err)
	}
	return out, nil
}

// finish releases the lock, stores the run totals and emits the completion event.
func (s *Syncer) finish(ctx context.Context, stats Stats, started time.Time) {
	now := s.deps.Clock.Now()
	_, err := s.deps.Settings.Update(context.WithoutCancel(ctx), func(st *settings.Settings) error {
		state := &st.BookmarkSync
		state.InProgress = false
		state.LockTimestamp = nil
		state.LastSync = &now
		state.TotalBookmarksFound = stats.TotalFound
		state.TotalNewlySynced = stats.NewlySynced
		return nil
	})
	if err != nil {
		s.logger.Error("store sync status", zap.Error(err))
	}
	if id := s.currentID(); id != "" {
		s.deps.Emitter.Emit(progress.Event{
			JobID:   progress.ParseJobID(id),
			Stage:   progress.StageSyncDone,
			Dur:     max(now.Sub(started), 0),
			Payload: stats,
		})
	}
}

// CompletionMessage renders the sync notification body, e.g.
// "Synced 3 new bookmarks (1 failed)".
func CompletionMessage(stats Stats) string {
	msg := fmt.Sprintf("Synced %d new bookmark", stats.NewlySynced)
	if stats.NewlySynced != 1 {
		msg += "s"
	}
	if stats.Failed > 0 {
		msg += fmt.Sprintf(" (%d failed)", stats.Failed)
	}
	return msg
}
