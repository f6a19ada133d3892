// Package browser drives Chrome tabs through the DevTools protocol. Tabs are
// addressed by their DevTools target ID. Extractors run over a DOM snapshot and
// report back asynchronously through a Sink as runtime messages.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/extract"
	"github.com/JakeFAU/tabclip/internal/messages"
)

// DefaultWindow is the window ID reported for every tab.
const DefaultWindow = "1"

// Config controls the browser.
type Config struct {
	// RemoteURL attaches to a running Chrome (ws://host:9222/...) instead of
	// launching one.
	RemoteURL         string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// MaxParallel caps concurrently running extractors; zero means no cap.
	MaxParallel int
	// HostQPS limits navigations per host; zero disables the limit.
	HostQPS float64
	// BookmarkScrolls is how many times the bookmarks timeline is scrolled
	// to load more tweets.
	BookmarkScrolls int
	ScrollDelay     time.Duration
}

// Sink receives extractor results.
type Sink func(ctx context.Context, msg messages.Message)

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Browser implements clipper.Browser over chromedp.
type Browser struct {
	cfg       Config
	logger    *zap.Logger
	extractor *extract.Extractor

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sem          chan struct{}
	hostLimiters sync.Map

	mu   sync.Mutex
	tabs map[clipper.TabHandle]*tab
	sink Sink

	wg sync.WaitGroup
}

// New launches (or attaches to) Chrome.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.BookmarkScrolls < 0 {
		return nil, fmt.Errorf("bookmark scrolls must be >= 0")
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	b := &Browser{
		cfg:           cfg,
		logger:        logger.Named("browser"),
		extractor:     extract.New(),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[clipper.TabHandle]*tab),
	}
	if cfg.MaxParallel > 0 {
		b.sem = make(chan struct{}, cfg.MaxParallel)
	}
	return b, nil
}

// SetSink routes extractor results. Results produced without a sink are
// logged and dropped.
func (b *Browser) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// Close waits for running extractors, then shuts Chrome down.
func (b *Browser) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.mu.Lock()
	for h, t := range b.tabs {
		t.cancel()
		delete(b.tabs, h)
	}
	b.mu.Unlock()
	b.browserCancel()
	b.allocCancel()
	return err
}

// OpenTab creates a tab and starts navigating to rawURL. It returns once the
// navigation is committed; use WaitLoad for the load event.
func (b *Browser) OpenTab(ctx context.Context, rawURL string, active bool) (clipper.TabHandle, error) {
	if err := b.waitHostBudget(ctx, rawURL); err != nil {
		return "", fmt.Errorf("navigation rate limit: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", fmt.Errorf("create tab: %w", err)
	}
	handle := clipper.TabHandle(chromedp.FromContext(tabCtx).Target.TargetID)
	b.mu.Lock()
	b.tabs[handle] = &tab{ctx: tabCtx, cancel: cancel}
	b.mu.Unlock()

	actions := []chromedp.Action{b.setup()}
	if active {
		actions = append(actions, page.BringToFront())
	}
	actions = append(actions, navigate(rawURL))
	if err := b.run(ctx, handle, actions...); err != nil {
		_ = b.CloseTab(context.WithoutCancel(ctx), handle)
		return "", fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	b.logger.Debug("tab opened", zap.String("tab", string(handle)), zap.String("url", rawURL), zap.Bool("active", active))
	return handle, nil
}

// CloseTab closes a tab opened or attached by this Browser. Closing a tab that
// is already gone is not an error.
func (b *Browser) CloseTab(ctx context.Context, h clipper.TabHandle) error {
	b.mu.Lock()
	t, ok := b.tabs[h]
	delete(b.tabs, h)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	defer t.cancel()
	exists, err := b.TabExists(ctx, h)
	if err != nil || !exists {
		return err
	}
	taskCtx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	if err := chromedp.Run(taskCtx, page.Close()); err != nil {
		return fmt.Errorf("close tab %s: %w", h, err)
	}
	return nil
}

// ActivateTab brings the tab to the front.
func (b *Browser) ActivateTab(ctx context.Context, h clipper.TabHandle) error {
	return b.run(ctx, h, page.BringToFront())
}

// TabExists reports whether the target is still open.
func (b *Browser) TabExists(ctx context.Context, h clipper.TabHandle) (bool, error) {
	_, err := b.TabInfo(ctx, h)
	if errors.Is(err, clipper.ErrTabClosed) {
		return false, nil
	}
	return err == nil, err
}

// TabInfo describes one tab.
func (b *Browser) TabInfo(ctx context.Context, h clipper.TabHandle) (clipper.TabInfo, error) {
	tabs, err := b.ListTabs(ctx, "")
	if err != nil {
		return clipper.TabInfo{}, err
	}
	for _, t := range tabs {
		if t.Tab == h {
			return t, nil
		}
	}
	return clipper.TabInfo{}, fmt.Errorf("tab %s: %w", h, clipper.ErrTabClosed)
}

// ListTabs returns every page target. All tabs share DefaultWindow; any other
// windowID yields nothing.
func (b *Browser) ListTabs(ctx context.Context, windowID string) ([]clipper.TabInfo, error) {
	if windowID != "" && windowID != DefaultWindow {
		return []clipper.TabInfo{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(b.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pageTabs(infos), nil
}

// WaitLoad blocks until document.readyState is complete.
func (b *Browser) WaitLoad(ctx context.Context, h clipper.TabHandle) error {
	err := b.run(ctx, h,
		chromedp.Poll(`document.readyState === "complete" && location.href !== "about:blank"`, nil,
			chromedp.WithPollingInterval(250*time.Millisecond),
			chromedp.WithPollingTimeout(b.cfg.NavigationTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("wait load %s: %w", h, err)
	}
	return nil
}

// Snapshot captures the tab's URL, title and outer HTML.
func (b *Browser) Snapshot(ctx context.Context, h clipper.TabHandle) (clipper.PageSnapshot, error) {
	var snap clipper.PageSnapshot
	err := b.run(ctx, h,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return clipper.PageSnapshot{}, fmt.Errorf("snapshot %s: %w", h, err)
	}
	return snap, nil
}

// Click clicks the first element matching selector.
func (b *Browser) Click(ctx context.Context, h clipper.TabHandle, selector string) error {
	return b.run(ctx, h, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// SubmitForm fills inputSelector with value and submits its form.
func (b *Browser) SubmitForm(ctx context.Context, h clipper.TabHandle, inputSelector, value string) error {
	return b.run(ctx, h,
		chromedp.WaitVisible(inputSelector, chromedp.ByQuery),
		chromedp.SetValue(inputSelector, value, chromedp.ByQuery),
		chromedp.Submit(inputSelector, chromedp.ByQuery),
	)
}

// InjectExtractor starts kind's extractor in the background. The result
// arrives through the Sink as CONTENT_EXTRACTED, CLIP_ERROR,
// BOOKMARKS_SCRAPED or BOOKMARKS_SCRAPE_FAILED.
func (b *Browser) InjectExtractor(ctx context.Context, h clipper.TabHandle, kind clipper.ExtractorKind) error {
	if _, err := b.tab(h); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		release, err := b.acquireSlot(b.browserCtx)
		if err != nil {
			return
		}
		defer release()
		if kind == clipper.ExtractorBookmarks {
			b.deliver(runCtx, b.scrapeBookmarks(runCtx, h))
			return
		}
		b.deliver(runCtx, b.extractDocument(runCtx, h, kind))
	}()
	return nil
}

func (b *Browser) extractDocument(ctx context.Context, h clipper.TabHandle, kind clipper.ExtractorKind) messages.Message {
	snap, err := b.Snapshot(ctx, h)
	if err != nil {
		return messages.ClipError{Tab: h, Error: err.Error()}
	}
	data, err := b.extractor.Document(kind, snap)
	if err != nil {
		return messages.ClipError{Tab: h, Error: err.Error()}
	}
	return messages.ContentExtracted{Tab: h, Data: data}
}

func (b *Browser) scrapeBookmarks(ctx context.Context, h clipper.TabHandle) messages.Message {
	for i := 0; i < b.cfg.BookmarkScrolls; i++ {
		err := b.run(ctx, h,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(b.cfg.ScrollDelay),
		)
		if err != nil {
			return messages.BookmarksScrapeFailed{Tab: h, Error: err.Error()}
		}
		b.deliver(ctx, messages.BookmarkScrapeProgress{
			Tab:  h,
			Data: []byte(fmt.Sprintf(`{"scroll":%d,"of":%d}`, i+1, b.cfg.BookmarkScrolls)),
		})
	}
	snap, err := b.Snapshot(ctx, h)
	if err != nil {
		return messages.BookmarksScrapeFailed{Tab: h, Error: err.Error()}
	}
	if strings.Contains(snap.URL, "/login") || strings.Contains(snap.URL, "/i/flow/") {
		return messages.BookmarksScrapeFailed{Tab: h, Error: "not logged in to Twitter/X"}
	}
	scraped, err := b.extractor.Bookmarks(snap)
	if err != nil {
		return messages.BookmarksScrapeFailed{Tab: h, Error: err.Error()}
	}
	return messages.BookmarksScraped{Tab: h, Result: scraped}
}

func (b *Browser) deliver(ctx context.Context, msg messages.Message) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		b.logger.Warn("extractor result dropped, no sink", zap.String("type", string(msg.Kind())))
		return
	}
	sink(ctx, msg)
}

// run executes actions in the tab with the navigation timeout.
func (b *Browser) run(ctx context.Context, h clipper.TabHandle, actions ...chromedp.Action) error {
	t, err := b.tab(h)
	if err != nil {
		return err
	}
	taskCtx, cancel := context.WithTimeout(t.ctx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(taskCtx, actions...)
}

// tab returns the context for h, attaching to targets this process did not
// create.
func (b *Browser) tab(h clipper.TabHandle) (*tab, error) {
	if h == "" {
		return nil, fmt.Errorf("empty tab handle: %w", clipper.ErrTabClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tabs[h]; ok {
		return t, nil
	}
	ctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(target.ID(h)))
	t := &tab{ctx: ctx, cancel: cancel}
	b.tabs[h] = t
	return t, nil
}

// navigate starts loading rawURL without waiting for the load event.
func navigate(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		lit, err := json.Marshal(rawURL)
		if err != nil {
			return err
		}
		return chromedp.Evaluate("window.location.assign("+string(lit)+")", nil).Do(ctx)
	})
}

func (b *Browser) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (b *Browser) acquireSlot(ctx context.Context) (func(), error) {
	if b.sem == nil {
		return func() {}, nil
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire extractor slot: %w", ctx.Err())
	}
}

func (b *Browser) waitHostBudget(ctx context.Context, rawURL string) error {
	if b.cfg.HostQPS <= 0 {
		return nil
	}
	host, err := hostKey(rawURL)
	if err != nil {
		return err
	}
	val, _ := b.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	return limiter.Wait(ctx)
}

func hostKey(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return strings.ToLower(parsed.Hostname()), nil
}

func pageTabs(infos []*target.Info) []clipper.TabInfo {
	out := make([]clipper.TabInfo, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		out = append(out, clipper.TabInfo{
			Tab:      clipper.TabHandle(info.TargetID),
			WindowID: DefaultWindow,
			URL:      info.URL,
			Title:    info.Title,
		})
	}
	return out
}
