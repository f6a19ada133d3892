package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabclip/internal/capture"
	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/settings"
)

var now = time.Date(2025, 5, 6, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type staticSettings struct {
	s   settings.Settings
	err error
}

func (s staticSettings) Get(context.Context) (settings.Settings, error) { return s.s, s.err }

type extractCall struct {
	tab  clipper.TabHandle
	kind clipper.ExtractorKind
	url  string
}

type fakeExtractor struct {
	mu      sync.Mutex
	results map[clipper.ExtractorKind]clipper.ExtractedData
	errs    map[clipper.ExtractorKind]error
	calls   []extractCall
}

func (f *fakeExtractor) Extract(_ context.Context, tab clipper.TabHandle, kind clipper.ExtractorKind, _ time.Duration, originalURL string) (clipper.ExtractedData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, extractCall{tab: tab, kind: kind, url: originalURL})
	if err := f.errs[kind]; err != nil {
		return clipper.ExtractedData{}, err
	}
	return f.results[kind], nil
}

func (f *fakeExtractor) kinds() []clipper.ExtractorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]clipper.ExtractorKind, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.kind)
	}
	return out
}

type fakeStrategy struct {
	data  clipper.ExtractedData
	err   error
	calls int
}

func (f *fakeStrategy) Run(context.Context, string) (clipper.ExtractedData, error) {
	f.calls++
	return f.data, f.err
}

type failure struct {
	url  string
	kind clipper.HandlerKind
	err  error
}

type fakeSaver struct {
	mu       sync.Mutex
	notice   *clipper.DuplicateNotice
	saveErr  error
	saved    []capture.Request
	failures []failure
	warned   []string
}

func (f *fakeSaver) Warn(_ context.Context, url string) *clipper.DuplicateNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warned = append(f.warned, url)
	return f.notice
}

func (f *fakeSaver) Save(_ context.Context, req capture.Request) (capture.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, req)
	if f.saveErr != nil {
		return capture.Result{}, f.saveErr
	}
	return capture.Result{Artifact: clipper.Artifact{Filename: "a.md", URI: "memory://a.md"}}, nil
}

func (f *fakeSaver) Fail(_ context.Context, url, _ string, kind clipper.HandlerKind, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{url: url, kind: kind, err: cause})
}

type fakeNotifier struct {
	titles []string
}

func (f *fakeNotifier) Notify(_ context.Context, title, _ string) {
	f.titles = append(f.titles, title)
}

type fakeBrowser struct {
	clipper.Browser
	opened []string
	closed []clipper.TabHandle
}

func (f *fakeBrowser) OpenTab(_ context.Context, url string, _ bool) (clipper.TabHandle, error) {
	f.opened = append(f.opened, url)
	return "bg-1", nil
}

func (f *fakeBrowser) CloseTab(_ context.Context, tab clipper.TabHandle) error {
	f.closed = append(f.closed, tab)
	return nil
}

func (f *fakeBrowser) WaitLoad(context.Context, clipper.TabHandle) error { return nil }

func enabled() settings.Settings {
	s := settings.Defaults()
	s.AutoArchive = true
	s.BypassMedium = true
	return s
}

type harness struct {
	router    *Router
	extractor *fakeExtractor
	archive   *fakeStrategy
	bypass    *fakeStrategy
	saver     *fakeSaver
	notifier  *fakeNotifier
	browser   *fakeBrowser
}

func newHarness(s settings.Settings) *harness {
	h := &harness{
		extractor: &fakeExtractor{
			results: map[clipper.ExtractorKind]clipper.ExtractedData{
				clipper.ExtractorGeneric: {Title: "Generic", URL: "https://example.com/a", Content: "body"},
				clipper.ExtractorYouTube: {Title: "Video", URL: "https://youtube.com/watch?v=1", Content: "transcript"},
			},
			errs: map[clipper.ExtractorKind]error{},
		},
		archive:  &fakeStrategy{data: clipper.ExtractedData{Title: "Archived", URL: "https://www.nytimes.com/a"}},
		bypass:   &fakeStrategy{data: clipper.ExtractedData{Title: "Mirrored", URL: "https://medium.com/a"}},
		saver:    &fakeSaver{},
		notifier: &fakeNotifier{},
		browser:  &fakeBrowser{},
	}
	h.router = New(Config{}, Deps{
		Browser:   h.browser,
		Extractor: h.extractor,
		Archive:   h.archive,
		Bypass:    h.bypass,
		Saver:     h.saver,
		Settings:  staticSettings{s: s},
		Notifier:  h.notifier,
		Clock:     fixedClock{},
	})
	return h
}

func TestClassify(t *testing.T) {
	t.Parallel()

	s := enabled()
	off := settings.Defaults()

	cases := []struct {
		url  string
		s    settings.Settings
		want clipper.HandlerKind
	}{
		{"https://www.nytimes.com/2025/01/01/story.html", s, clipper.KindArchive},
		{"https://www.nytimes.com/2025/01/01/story.html", off, clipper.KindGeneric},
		{"https://medium.com/@a/post-123", s, clipper.KindBypass},
		{"https://medium.com/@a/post-123", off, clipper.KindGeneric},
		{"https://www.youtube.com/watch?v=abc", s, clipper.KindYouTube},
		{"https://youtu.be/abc", s, clipper.KindYouTube},
		{"https://www.youtube.com/shorts/abc", s, clipper.KindYouTubeShorts},
		{"https://x.com/user/status/1", s, clipper.KindTwitter},
		{"https://twitter.com/user/status/1", s, clipper.KindTwitter},
		{"https://www.perplexity.ai/search/q", s, clipper.KindPerplexity},
		{"https://example.com/blog", s, clipper.KindGeneric},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.url, tc.s), tc.url)
	}
}

func TestCapturable(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"", "  ", "chrome://settings", "chrome-extension://abc/popup.html", "about:blank", "EDGE://flags"} {
		require.False(t, Capturable(url), url)
	}
	require.True(t, Capturable("https://example.com"))
}

func TestClipOneGeneric(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://example.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.Equal(t, clipper.KindGeneric, out.Kind)
	require.Equal(t, "memory://a.md", out.Artifact.URI)
	require.Equal(t, []clipper.ExtractorKind{clipper.ExtractorGeneric}, h.extractor.kinds())
	require.Len(t, h.saver.saved, 1)
	require.True(t, h.saver.saved[0].DuplicateChecked)
	require.Equal(t, now, h.saver.saved[0].RequestedAt)
	require.Equal(t, []string{"https://example.com/a"}, h.saver.warned)
}

func TestClipOneArchiveFallsBackToDirect(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.archive.err = &clipper.TransientServiceError{Service: "archive", Reason: "timed_out"}
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://www.nytimes.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.Equal(t, clipper.KindArchive, out.Kind)
	require.Equal(t, 1, h.archive.calls)
	require.Equal(t, []clipper.ExtractorKind{clipper.ExtractorGeneric}, h.extractor.kinds())
	require.Equal(t, "Generic", out.Data.Title)
}

func TestClipOneArchiveSuccessSkipsDirect(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://www.nytimes.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.Equal(t, "Archived", out.Data.Title)
	require.Empty(t, h.extractor.kinds())
}

func TestClipOneConfigurationErrorIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.bypass.err = &clipper.ConfigurationError{Field: "bypass.services", Reason: "empty"}
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://medium.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, clipper.ErrConfiguration)
	require.Empty(t, h.extractor.kinds())
	require.Len(t, h.saver.failures, 1)
	require.Equal(t, clipper.KindBypass, h.saver.failures[0].kind)
}

func TestClipOneChainExhaustedAndDirectFails(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.bypass.err = clipper.ErrChainExhausted
	h.extractor.errs[clipper.ExtractorGeneric] = &clipper.ExtractionTimeoutError{Tab: "7", Timeout: time.Second}
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://medium.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, clipper.ErrChainExhausted)
	require.ErrorIs(t, out.Err, clipper.ErrExtractionTimeout)
	require.Len(t, h.saver.failures, 1)
	require.Empty(t, h.saver.saved)
}

func TestClipOnePlatformFallsBackToGeneric(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.extractor.errs[clipper.ExtractorTwitter] = errors.New("no tweet found")
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://x.com/u/status/1", Tab: "3"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.Equal(t, []clipper.ExtractorKind{clipper.ExtractorTwitter, clipper.ExtractorGeneric}, h.extractor.kinds())
}

func TestClipOnePerplexityNativeExport(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.extractor.errs[clipper.ExtractorPerplexity] = clipper.ErrExportedNatively
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://www.perplexity.ai/search/q", Tab: "4"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.True(t, out.Native)
	require.Empty(t, h.saver.saved)
	require.Empty(t, h.saver.failures)
	require.Equal(t, []string{"Perplexity Export"}, h.notifier.titles)
}

func TestClipOneWithoutTabUsesBackgroundTab(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://example.com/a", Source: "twitter-bookmark"})

	require.Equal(t, clipper.StatusSuccess, out.Status)
	require.Equal(t, []string{"https://example.com/a"}, h.browser.opened)
	require.Equal(t, []clipper.TabHandle{"bg-1"}, h.browser.closed)
	require.Equal(t, "https://example.com/a", h.extractor.calls[0].url)
	require.Equal(t, "twitter-bookmark", h.saver.saved[0].Data.Source)
}

func TestClipOneRejectsUncapturable(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "chrome://newtab", Tab: "1"})

	require.Equal(t, clipper.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, clipper.ErrNotCapturable)
	require.Len(t, h.saver.failures, 1)
	require.Empty(t, h.saver.warned)
}

func TestClipOneSaveFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	h.saver.saveErr = errors.New("bucket missing")
	out := h.router.ClipOne(context.Background(), clipper.ClipRequest{TargetURL: "https://example.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusFailed, out.Status)
	require.Equal(t, "bucket missing", out.ErrorText())
	// Save records its own failure.
	require.Empty(t, h.saver.failures)
}

func TestClipOneCanceledContextDoesNotFallBack(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.archive.err = context.Canceled
	out := h.router.ClipOne(ctx, clipper.ClipRequest{TargetURL: "https://www.nytimes.com/a", Tab: "7"})

	require.Equal(t, clipper.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.Empty(t, h.extractor.kinds())
}

func TestCaptureExtracted(t *testing.T) {
	t.Parallel()

	h := newHarness(enabled())
	res, err := h.router.CaptureExtracted(context.Background(), clipper.ExtractedData{URL: "https://youtu.be/x", Title: "v"})
	require.NoError(t, err)
	require.Equal(t, "a.md", res.Artifact.Filename)
	require.Equal(t, clipper.KindYouTube, h.saver.saved[0].Kind)
	require.False(t, h.saver.saved[0].DuplicateChecked)
}
