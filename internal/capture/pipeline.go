// Package capture turns extracted page data into a saved Markdown artifact
// and records the outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/dedupe"
	"github.com/JakeFAU/tabclip/internal/progress"
	"github.com/JakeFAU/tabclip/internal/render"
	"github.com/JakeFAU/tabclip/internal/settings"
)

// DownloadPathKey records the directory the first artifact was saved under.
const DownloadPathKey = "clipperDownloadPath"

// HistoryAppender records outcomes.
type HistoryAppender interface {
	Append(ctx context.Context, entry clipper.HistoryEntry) error
}

// DuplicateChecker reports recent captures of a URL.
type DuplicateChecker interface {
	Check(ctx context.Context, url string, within time.Duration) (dedupe.Result, error)
}

// SettingsReader returns the current settings.
type SettingsReader interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Deps wires the pipeline's collaborators. Emitter and Logger are optional.
type Deps struct {
	Store      clipper.ArtifactStore
	KV         clipper.KV
	History    HistoryAppender
	Duplicates DuplicateChecker
	Settings   SettingsReader
	Notifier   clipper.Notifier
	Emitter    progress.Emitter
	Clock      clipper.Clock
	Logger     *zap.Logger
}

// Request is one document to save.
type Request struct {
	Data clipper.ExtractedData
	Kind clipper.HandlerKind
	// RequestedAt, when set, measures capture latency.
	RequestedAt time.Time
	// DuplicateChecked skips the duplicate warning because the caller
	// already issued it.
	DuplicateChecked bool
}

// Result describes a saved document.
type Result struct {
	Artifact  clipper.Artifact
	Duplicate *clipper.DuplicateNotice
}

// ClipCompleted is the payload broadcast (and published) after a save.
type ClipCompleted struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	URI      string `json:"uri"`
	Kind     string `json:"kind"`
	Source   string `json:"source,omitempty"`
}

// Pipeline saves documents.
type Pipeline struct {
	deps   Deps
	logger *zap.Logger
}

// New builds a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, logger: logger.Named("capture")}
}

// Warn checks url against recent captures and notifies the user on a match.
// The capture always proceeds; a lookup failure is logged and ignored.
func (p *Pipeline) Warn(ctx context.Context, url string) *clipper.DuplicateNotice {
	if p.deps.Duplicates == nil {
		return nil
	}
	res, err := p.deps.Duplicates.Check(ctx, url, dedupe.DefaultWindow)
	if err != nil {
		p.logger.Warn("duplicate check failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	notice := res.Notice(url)
	if notice != nil {
		p.logger.Info("duplicate capture", zap.String("url", url), zap.String("time_ago", notice.TimeAgo))
		p.deps.Notifier.Notify(ctx, "Already Clipped", fmt.Sprintf("This URL was clipped %s. Clipping again...", notice.TimeAgo))
	}
	return notice
}

// Save renders req.Data, stores it under the configured save location and
// records a success entry. Any failure is recorded as a failed entry, the
// user is notified, and the error is returned.
func (p *Pipeline) Save(ctx context.Context, req Request) (Result, error) {
	var out Result
	if !req.DuplicateChecked {
		out.Duplicate = p.Warn(ctx, req.Data.URL)
	}
	artifact, err := p.save(ctx, req.Data)
	if err != nil {
		p.Fail(ctx, req.Data.URL, req.Data.Title, req.Kind, err)
		return out, err
	}
	out.Artifact = artifact

	entry := clipper.HistoryEntry{
		URL:       req.Data.URL,
		Title:     req.Data.Title,
		Timestamp: p.deps.Clock.Now(),
		Status:    clipper.StatusSuccess,
	}
	if err := p.Record(ctx, entry); err != nil {
		p.logger.Warn("history append failed", zap.String("url", req.Data.URL), zap.Error(err))
	}
	p.deps.Notifier.Notify(ctx, "Clipped Successfully", "Saved: "+req.Data.Title)

	var dur time.Duration
	if !req.RequestedAt.IsZero() {
		dur = max(p.deps.Clock.Now().Sub(req.RequestedAt), 0)
	}
	p.deps.Emitter.Emit(progress.Event{
		Stage: progress.StageClipDone,
		URL:   req.Data.URL,
		Kind:  string(req.Kind),
		Title: req.Data.Title,
		Dur:   dur,
		Payload: ClipCompleted{
			URL:      req.Data.URL,
			Title:    req.Data.Title,
			Filename: artifact.Filename,
			URI:      artifact.URI,
			Kind:     string(req.Kind),
			Source:   req.Data.Source,
		},
	})
	p.rememberLocation(ctx, artifact.URI)
	p.logger.Info("clip saved", zap.String("url", req.Data.URL), zap.String("uri", artifact.URI))
	return out, nil
}

// Fail records a failed capture and notifies the user.
func (p *Pipeline) Fail(ctx context.Context, url, title string, kind clipper.HandlerKind, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	entry := clipper.HistoryEntry{
		URL:       url,
		Title:     title,
		Timestamp: p.deps.Clock.Now(),
		Status:    clipper.StatusFailed,
		Error:     msg,
	}
	if err := p.Record(ctx, entry); err != nil {
		p.logger.Warn("history append failed", zap.String("url", url), zap.Error(err))
	}
	p.deps.Notifier.Notify(ctx, "Clipping Failed", msg)
	if url != "" {
		p.deps.Emitter.Emit(progress.Event{
			Stage: progress.StageClipFailed,
			URL:   url,
			Kind:  string(kind),
			Title: title,
			Note:  msg,
		})
	}
	p.logger.Warn("clip failed", zap.String("url", url), zap.String("kind", string(kind)), zap.Error(cause))
}

// Record appends entry unless history tracking is disabled.
func (p *Pipeline) Record(ctx context.Context, entry clipper.HistoryEntry) error {
	s, err := p.deps.Settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if !s.TrackHistory {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.deps.Clock.Now()
	}
	return p.deps.History.Append(ctx, entry)
}

func (p *Pipeline) save(ctx context.Context, data clipper.ExtractedData) (clipper.Artifact, error) {
	if strings.TrimSpace(data.URL) == "" {
		return clipper.Artifact{}, errors.New("extracted data has no url")
	}
	s, err := p.deps.Settings.Get(ctx)
	if err != nil {
		return clipper.Artifact{}, fmt.Errorf("read settings: %w", err)
	}
	now := p.deps.Clock.Now()
	doc, err := render.Document(render.CleanYouTube(data), now)
	if err != nil {
		return clipper.Artifact{}, err
	}
	filename := render.Filename(data.Title, now)
	uri, err := p.deps.Store.PutObject(ctx, objectPath(s.SaveLocation, filename), "text/markdown; charset=utf-8", strings.NewReader(doc))
	if err != nil {
		return clipper.Artifact{}, fmt.Errorf("save %s: %w", filename, err)
	}
	return clipper.Artifact{Filename: filename, URI: uri}, nil
}

// rememberLocation stores the artifact's directory the first time one is
// saved, or when the save location changed since.
func (p *Pipeline) rememberLocation(ctx context.Context, uri string) {
	if p.deps.KV == nil {
		return
	}
	i := strings.LastIndex(uri, "/")
	if i <= 0 {
		return
	}
	dir := uri[:i]
	prev, ok, err := p.deps.KV.Get(ctx, DownloadPathKey)
	if err != nil {
		p.logger.Warn("read download path failed", zap.Error(err))
		return
	}
	if ok && string(prev) == dir {
		return
	}
	if err := p.deps.KV.Put(ctx, DownloadPathKey, []byte(dir)); err != nil {
		p.logger.Warn("store download path failed", zap.Error(err))
	}
}

func objectPath(location, filename string) string {
	location = strings.Trim(location, "/ ")
	if location == "" {
		return filename
	}
	return path.Join(location, filename)
}
