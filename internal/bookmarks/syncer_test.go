package bookmarks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/correlator"
	"github.com/JakeFAU/tabclip/internal/kv/memory"
	"github.com/JakeFAU/tabclip/internal/progress"
	"github.com/JakeFAU/tabclip/internal/settings"
)

const syncID = "01890a5d-ac96-774b-bcce-b302099a8057"

var now = time.Date(2025, 6, 7, 8, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return syncID, nil }

// fakeBrowser answers the bookmarks extractor synchronously through the
// correlator, the way the browser sink delivering BOOKMARKS_SCRAPED would.
type fakeBrowser struct {
	clipper.Browser
	scrapes *correlator.Correlator[Scraped]
	result  *Scraped
	fail    string

	mu     sync.Mutex
	opened []string
	closed int
}

func (f *fakeBrowser) OpenTab(_ context.Context, url string, active bool) (clipper.TabHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if active {
		return "", errors.New("bookmarks tab must open in the background")
	}
	f.opened = append(f.opened, url)
	return "bm", nil
}

func (f *fakeBrowser) CloseTab(context.Context, clipper.TabHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBrowser) WaitLoad(context.Context, clipper.TabHandle) error { return nil }

func (f *fakeBrowser) InjectExtractor(_ context.Context, tab clipper.TabHandle, kind clipper.ExtractorKind) error {
	if kind != clipper.ExtractorBookmarks {
		return errors.New("unexpected extractor")
	}
	switch {
	case f.fail != "":
		f.scrapes.Reject(tab, errors.New(f.fail))
	case f.result != nil:
		f.scrapes.Resolve(tab, *f.result)
	}
	return nil
}

type fakeRouter struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []clipper.ClipRequest
}

func (f *fakeRouter) ClipOne(_ context.Context, req clipper.ClipRequest) clipper.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail[req.TargetURL] {
		return clipper.Outcome{Request: req, Status: clipper.StatusFailed, Err: errors.New("tweet unavailable")}
	}
	return clipper.Outcome{Request: req, Status: clipper.StatusSuccess}
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []clipper.HistoryEntry
}

func (f *fakeRecorder) Record(_ context.Context, e clipper.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type note struct{ title, message string }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (f *fakeNotifier) Notify(_ context.Context, title, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note{title, message})
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	syncer   *Syncer
	browser  *fakeBrowser
	router   *fakeRouter
	store    *settings.Store
	recorder *fakeRecorder
	notifier *fakeNotifier
	emitter  *recordingEmitter
}

func newHarness(t *testing.T, result *Scraped, fail map[string]bool) *harness {
	t.Helper()
	scrapes := correlator.New(correlator.Config[Scraped]{Name: "bookmarks"})
	h := &harness{
		browser:  &fakeBrowser{scrapes: scrapes, result: result},
		router:   &fakeRouter{fail: fail},
		store:    settings.NewStore(memory.New(), nil),
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
		emitter:  &recordingEmitter{},
	}
	h.syncer = New(Config{MaxRequests: 100, ScrapeTimeout: time.Second}, Deps{
		Browser:  h.browser,
		Scrapes:  scrapes,
		Router:   h.router,
		Settings: h.store,
		Recorder: h.recorder,
		Notifier: h.notifier,
		Emitter:  h.emitter,
		IDs:      fixedIDs{},
		Clock:    fixedClock{},
	})
	t.Cleanup(func() {
		ctx := context.Background()
		_ = h.syncer.Close(ctx)
		_ = h.store.Close(ctx)
		scrapes.Close()
	})
	return h
}

func (h *harness) state(t *testing.T) settings.SyncState {
	t.Helper()
	cur, err := h.store.Get(context.Background())
	require.NoError(t, err)
	return cur.BookmarkSync
}

func threeBookmarks() *Scraped {
	return &Scraped{
		TotalFound: 3,
		Bookmarks: []Bookmark{
			{TweetID: "1", URL: "https://x.com/a/status/1"},
			{TweetID: "2", URL: "https://x.com/b/status/2"},
			{TweetID: "3", URL: "https://x.com/c/status/3"},
		},
	}
}

func TestSyncClipsNewBookmarks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeBookmarks(), map[string]bool{"https://x.com/c/status/3": true})
	_, err := h.store.Update(context.Background(), func(s *settings.Settings) error {
		s.BookmarkSync.MarkSynced("1")
		return nil
	})
	require.NoError(t, err)

	stats, err := h.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{TotalFound: 3, NewlySynced: 1, AlreadySynced: 1, Failed: 1}, stats)

	require.Equal(t, []string{DefaultURL}, h.browser.opened)
	require.Equal(t, 1, h.browser.closed)
	require.Len(t, h.router.calls, 2)
	for _, c := range h.router.calls {
		require.Equal(t, Source, c.Source)
		require.Empty(t, c.Tab)
	}

	state := h.state(t)
	require.ElementsMatch(t, []string{"1", "2"}, state.SyncedIDs)
	require.False(t, state.InProgress)
	require.Nil(t, state.LockTimestamp)
	require.Equal(t, now, *state.LastSync)
	require.Equal(t, 3, state.TotalBookmarksFound)
	require.Equal(t, 1, state.TotalNewlySynced)

	require.Len(t, h.recorder.entries, 1)
	require.Equal(t, SummaryType, h.recorder.entries[0].Type)
	require.Equal(t, 1, h.recorder.entries[0].Stats["failed"])
	require.Equal(t, []note{{"Twitter Bookmarks Synced", "Synced 1 new bookmark (1 failed)"}}, h.notifier.notes)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageSyncDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StageSyncProgress)
}

func TestSyncUpToDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &Scraped{TotalFound: 1, Bookmarks: []Bookmark{{TweetID: "9", URL: "https://x.com/z/status/9"}}}, nil)
	_, err := h.store.Update(context.Background(), func(s *settings.Settings) error {
		s.BookmarkSync.MarkSynced("9")
		return nil
	})
	require.NoError(t, err)

	stats, err := h.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{TotalFound: 1, AlreadySynced: 1}, stats)
	require.Empty(t, h.router.calls)
	require.Empty(t, h.recorder.entries)
	require.Equal(t, []note{{"Twitter Bookmarks Up to Date", "No new bookmarks to sync"}}, h.notifier.notes)
	require.False(t, h.state(t).InProgress)
}

func TestSyncRejectsWhileLockHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeBookmarks(), nil)
	held := now.Add(-time.Minute)
	_, err := h.store.Update(context.Background(), func(s *settings.Settings) error {
		s.BookmarkSync.InProgress = true
		s.BookmarkSync.LockTimestamp = &held
		return nil
	})
	require.NoError(t, err)

	_, err = h.syncer.Sync(context.Background())
	require.ErrorIs(t, err, clipper.ErrSyncInProgress)
	require.Empty(t, h.browser.opened)
}

func TestSyncTakesOverStaleLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeBookmarks(), nil)
	held := now.Add(-10 * time.Minute)
	_, err := h.store.Update(context.Background(), func(s *settings.Settings) error {
		s.BookmarkSync.InProgress = true
		s.BookmarkSync.LockTimestamp = &held
		return nil
	})
	require.NoError(t, err)

	stats, err := h.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.NewlySynced)
}

func TestSyncScrapeFailureReleasesLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.browser.fail = "not logged in"

	_, err := h.syncer.Sync(context.Background())
	require.ErrorContains(t, err, "not logged in")
	require.False(t, h.state(t).InProgress)
	require.Equal(t, 1, h.browser.closed)
	require.Equal(t, []note{{"Bookmark Sync Failed", "not logged in"}}, h.notifier.notes)
}

func TestSyncScrapeTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.syncer.cfg.ScrapeTimeout = 20 * time.Millisecond

	_, err := h.syncer.Sync(context.Background())
	require.ErrorIs(t, err, clipper.ErrExtractionTimeout)
	require.False(t, h.state(t).InProgress)
}

func TestHandleScrapedUnsolicited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	stats, pending, err := h.syncer.HandleScraped(context.Background(), "tab-9", *threeBookmarks())
	require.NoError(t, err)
	require.False(t, pending)
	require.Equal(t, 3, stats.NewlySynced)
	require.Len(t, h.state(t).SyncedIDs, 3)
}

func TestHandleScrapeFailedWithoutPendingNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.syncer.HandleScrapeFailed(context.Background(), "tab-9", "")
	require.Equal(t, []note{{"Bookmark Sync Failed", "bookmark scrape failed"}}, h.notifier.notes)
}

func TestHandleProgressNeedsRunningSync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.syncer.HandleProgress(map[string]int{"found": 4})
	require.Empty(t, h.emitter.stages())
}

func TestUpdateSettingsAndReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx := context.Background()
	enabled, interval := true, 15

	state, err := h.syncer.UpdateSettings(ctx, SettingsUpdate{Enabled: &enabled, IntervalMinutes: &interval})
	require.NoError(t, err)
	require.True(t, state.Enabled)
	require.Equal(t, 15, state.IntervalMinutes)

	zero := 0
	_, err = h.syncer.UpdateSettings(ctx, SettingsUpdate{IntervalMinutes: &zero})
	require.ErrorIs(t, err, clipper.ErrConfiguration)

	_, err = h.store.Update(ctx, func(s *settings.Settings) error {
		s.BookmarkSync.MarkSynced("1")
		s.BookmarkSync.TotalNewlySynced = 1
		return nil
	})
	require.NoError(t, err)

	state, err = h.syncer.Reset(ctx)
	require.NoError(t, err)
	require.True(t, state.Enabled)
	require.Equal(t, 15, state.IntervalMinutes)
	require.Empty(t, state.SyncedIDs)
	require.Zero(t, state.TotalNewlySynced)
	require.Equal(t, []note{{"Sync Tracking Reset", "All tweet sync history cleared"}}, h.notifier.notes)
}

func TestClearStaleLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx := context.Background()
	held := now.Add(-time.Hour)
	_, err := h.store.Update(ctx, func(s *settings.Settings) error {
		s.BookmarkSync.InProgress = true
		s.BookmarkSync.LockTimestamp = &held
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.syncer.ClearStaleLock(ctx))
	require.False(t, h.state(t).InProgress)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.syncer.Run(ctx) }()

	enabled := true
	_, err := h.syncer.UpdateSettings(context.Background(), SettingsUpdate{Enabled: &enabled})
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCompletionMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Synced 2 new bookmarks", CompletionMessage(Stats{NewlySynced: 2}))
	require.Equal(t, "Synced 1 new bookmark (3 failed)", CompletionMessage(Stats{NewlySynced: 1, Failed: 3}))
}
