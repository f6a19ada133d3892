package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/bookmarks"
	"github.com/JakeFAU/tabclip/internal/capture"
	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/settings"
)

// PerplexityDownloadTriggered is the status sent when Perplexity exports the
// thread itself.
const PerplexityDownloadTriggered = "download_triggered"

// Extractions holds the requests waiting for an extractor result.
type Extractions interface {
	Resolve(tab clipper.TabHandle, data clipper.ExtractedData) bool
	Reject(tab clipper.TabHandle, err error) bool
}

// Router clips targets and saves unsolicited documents.
type Router interface {
	ClipOne(ctx context.Context, req clipper.ClipRequest) clipper.Outcome
	CaptureExtracted(ctx context.Context, data clipper.ExtractedData) (capture.Result, error)
}

// SettingsReader returns the current settings.
type SettingsReader interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Syncer runs bookmark syncs.
type Syncer interface {
	Sync(ctx context.Context) (bookmarks.Stats, error)
	HandleScraped(ctx context.Context, tab clipper.TabHandle, result bookmarks.Scraped) (bookmarks.Stats, bool, error)
	HandleScrapeFailed(ctx context.Context, tab clipper.TabHandle, reason string)
	HandleProgress(payload any)
	UpdateSettings(ctx context.Context, u bookmarks.SettingsUpdate) (settings.SyncState, error)
	Reset(ctx context.Context) (settings.SyncState, error)
}

// Bulk runs and reports bulk jobs.
type Bulk interface {
	RunBulk(ctx context.Context, windowID string) (clipper.BulkClipJob, error)
	Snapshot() clipper.BulkClipJob
}

// TabInspector looks up an open tab.
type TabInspector interface {
	TabInfo(ctx context.Context, tab clipper.TabHandle) (clipper.TabInfo, error)
}

// Deps wires the dispatcher. Logger is optional.
type Deps struct {
	Extractions Extractions
	Router      Router
	Settings    SettingsReader
	Syncer      Syncer
	Bulk        Bulk
	Tabs        TabInspector
	Notifier    clipper.Notifier
	Clock       clipper.Clock
	Logger      *zap.Logger
}

// Ack is the generic response.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ContentResponse answers CONTENT_EXTRACTED.
type ContentResponse struct {
	Success   bool                     `json:"success"`
	Filename  string                   `json:"filename,omitempty"`
	URI       string                   `json:"uri,omitempty"`
	Duplicate *clipper.DuplicateNotice `json:"duplicate,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// SyncResponse answers SYNC_TWITTER_BOOKMARKS and BOOKMARKS_SCRAPED.
type SyncResponse struct {
	Success bool `json:"success"`
	bookmarks.Stats
	Error string `json:"error,omitempty"`
}

// SyncSettingsResponse answers the sync settings messages.
type SyncSettingsResponse struct {
	Success bool               `json:"success"`
	State   settings.SyncState `json:"state"`
}

// BulkStateResponse answers GET_BULK_CLIP_STATE.
type BulkStateResponse struct {
	State clipper.BulkClipJob `json:"state"`
}

// Handler answers one message kind.
type Handler func(ctx context.Context, msg Message) (any, error)

// Dispatcher routes decoded messages to their handlers.
type Dispatcher struct {
	deps     Deps
	handlers map[Kind]Handler
	logger   *zap.Logger

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Dispatcher with a handler for every kind Decode produces.
func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		deps:   deps,
		logger: logger.Named("messages"),
		bg:     bg,
		cancel: cancel,
	}
	d.handlers = map[Kind]Handler{
		KindContentExtracted:       d.contentExtracted,
		KindGetSettings:            d.getSettings,
		KindSyncBookmarks:          d.syncBookmarks,
		KindBookmarksScraped:       d.bookmarksScraped,
		KindBookmarksScrapeFailed:  d.bookmarksScrapeFailed,
		KindBookmarkScrapeProgress: d.bookmarkScrapeProgress,
		KindUpdateSyncSettings:     d.updateSyncSettings,
		KindResetSyncTracking:      d.resetSyncTracking,
		KindBulkClipTabs:           d.bulkClipTabs,
		KindGetBulkClipState:       d.getBulkClipState,
		KindClipError:              d.clipError,
		KindPerplexityStatus:       d.perplexityStatus,
		KindClipTab:                d.clipTab,
	}
	return d
}

// Handles reports whether k has a handler.
func (d *Dispatcher) Handles(k Kind) bool {
	_, ok := d.handlers[k]
	return ok
}

// Dispatch runs msg's handler. Handler errors become {success:false, error}.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) any {
	h, ok := d.handlers[msg.Kind()]
	if !ok {
		return Ack{Error: fmt.Sprintf("%s: %s", ErrUnknownKind, msg.Kind())}
	}
	d.logger.Debug("message received", zap.String("type", string(msg.Kind())))
	resp, err := h(ctx, msg)
	if err != nil {
		d.logger.Warn("message failed", zap.String("type", string(msg.Kind())), zap.Error(err))
		if resp != nil {
			return resp
		}
		return Ack{Error: err.Error()}
	}
	return resp
}

// Close cancels background work started by messages and waits for it.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// contentExtracted completes a waiting request for the tab, or saves the
// document directly when nothing is waiting.
func (d *Dispatcher) contentExtracted(ctx context.Context, msg Message) (any, error) {
	m := msg.(ContentExtracted)
	if m.Tab != "" && d.deps.Extractions.Resolve(m.Tab, m.Data) {
		return ContentResponse{Success: true}, nil
	}
	res, err := d.deps.Router.CaptureExtracted(ctx, m.Data)
	if err != nil {
		return ContentResponse{Error: err.Error()}, err
	}
	return ContentResponse{
		Success:   true,
		Filename:  res.Artifact.Filename,
		URI:       res.Artifact.URI,
		Duplicate: res.Duplicate,
	}, nil
}

func (d *Dispatcher) getSettings(ctx context.Context, _ Message) (any, error) {
	cur, err := d.deps.Settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (d *Dispatcher) syncBookmarks(ctx context.Context, _ Message) (any, error) {
	stats, err := d.deps.Syncer.Sync(ctx)
	if err != nil {
		return SyncResponse{Error: err.Error()}, err
	}
	return SyncResponse{Success: true, Stats: stats}, nil
}

func (d *Dispatcher) bookmarksScraped(ctx context.Context, msg Message) (any, error) {
	m := msg.(BookmarksScraped)
	stats, _, err := d.deps.Syncer.HandleScraped(ctx, m.Tab, m.Result)
	if err != nil {
		return SyncResponse{Error: err.Error()}, err
	}
	return SyncResponse{Success: true, Stats: stats}, nil
}

func (d *Dispatcher) bookmarksScrapeFailed(ctx context.Context, msg Message) (any, error) {
	m := msg.(BookmarksScrapeFailed)
	d.deps.Syncer.HandleScrapeFailed(ctx, m.Tab, m.Error)
	return Ack{Error: m.Error}, nil
}

func (d *Dispatcher) bookmarkScrapeProgress(_ context.Context, msg Message) (any, error) {
	d.deps.Syncer.HandleProgress(msg.(BookmarkScrapeProgress).Data)
	return Ack{Success: true}, nil
}

func (d *Dispatcher) updateSyncSettings(ctx context.Context, msg Message) (any, error) {
	state, err := d.deps.Syncer.UpdateSettings(ctx, msg.(UpdateSyncSettings).Update)
	if err != nil {
		return nil, err
	}
	return SyncSettingsResponse{Success: true, State: state}, nil
}

func (d *Dispatcher) resetSyncTracking(ctx context.Context, _ Message) (any, error) {
	state, err := d.deps.Syncer.Reset(ctx)
	if err != nil {
		return nil, err
	}
	return SyncSettingsResponse{Success: true, State: state}, nil
}

// bulkClipTabs starts the run and returns at once; progress is broadcast.
func (d *Dispatcher) bulkClipTabs(_ context.Context, msg Message) (any, error) {
	m := msg.(BulkClipTabs)
	if err := d.bg.Err(); err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.deps.Bulk.RunBulk(d.bg, m.WindowID); err != nil {
			d.logger.Error("bulk clip failed", zap.String("window", m.WindowID), zap.Error(err))
			d.deps.Notifier.Notify(d.bg, "Bulk Clip Failed", err.Error())
		}
	}()
	return Ack{Success: true}, nil
}

func (d *Dispatcher) getBulkClipState(context.Context, Message) (any, error) {
	return BulkStateResponse{State: d.deps.Bulk.Snapshot()}, nil
}

// clipError fails the request waiting on the tab. With nothing waiting the
// user is told directly.
func (d *Dispatcher) clipError(ctx context.Context, msg Message) (any, error) {
	m := msg.(ClipError)
	reason := m.Error
	if reason == "" {
		reason = "extraction failed"
	}
	if m.Tab == "" || !d.deps.Extractions.Reject(m.Tab, errors.New(reason)) {
		d.deps.Notifier.Notify(ctx, "Clipping Failed", reason)
	}
	return Ack{Error: reason}, nil
}

func (d *Dispatcher) perplexityStatus(ctx context.Context, msg Message) (any, error) {
	m := msg.(PerplexityStatus)
	d.logger.Debug("perplexity status", zap.String("tab", string(m.Tab)), zap.String("status", m.Status))
	if m.Status != PerplexityDownloadTriggered {
		return Ack{Success: true}, nil
	}
	if m.Tab == "" || !d.deps.Extractions.Reject(m.Tab, clipper.ErrExportedNatively) {
		d.deps.Notifier.Notify(ctx, "Perplexity Export", "Download triggered - check your Downloads folder.")
	}
	return Ack{Success: true}, nil
}

func (d *Dispatcher) clipTab(ctx context.Context, msg Message) (any, error) {
	m := msg.(ClipTab)
	info, err := d.deps.Tabs.TabInfo(ctx, m.Tab)
	if err != nil {
		return nil, fmt.Errorf("tab %s: %w", m.Tab, err)
	}
	out := d.deps.Router.ClipOne(ctx, clipper.ClipRequest{
		TargetURL:   info.URL,
		Title:       info.Title,
		Tab:         m.Tab,
		RequestedAt: d.deps.Clock.Now(),
	})
	if out.Status != clipper.StatusSuccess {
		return Ack{Error: out.ErrorText()}, nil
	}
	return Ack{Success: true}, nil
}
