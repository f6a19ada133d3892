// Package router classifies capture targets and drives each one through its
// acquisition strategy, falling back to direct extraction when a strategy
// fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/capture"
	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/metrics"
	"github.com/JakeFAU/tabclip/internal/settings"
)

// Strategy acquires a document without using the requesting tab. Archive
// sessions and bypass chains satisfy it.
type Strategy interface {
	Run(ctx context.Context, target string) (clipper.ExtractedData, error)
}

// Saver persists acquired documents and records failures.
type Saver interface {
	Warn(ctx context.Context, url string) *clipper.DuplicateNotice
	Save(ctx context.Context, req capture.Request) (capture.Result, error)
	Fail(ctx context.Context, url, title string, kind clipper.HandlerKind, cause error)
}

// SettingsReader returns the current settings.
type SettingsReader interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Config bounds the extraction waits.
type Config struct {
	ExtractionTimeout time.Duration
	// PerplexityTimeout is how long the platform exporter gets before the
	// generic extractor takes over.
	PerplexityTimeout time.Duration
}

// Deps wires the router. Archive and Bypass may be nil, in which case those
// kinds go straight to direct extraction.
type Deps struct {
	Browser   clipper.Browser
	Extractor clipper.Extractor
	Archive   Strategy
	Bypass    Strategy
	Saver     Saver
	Settings  SettingsReader
	Notifier  clipper.Notifier
	Clock     clipper.Clock
	Logger    *zap.Logger
}

// Router is the single-item entry point shared by single and bulk clips.
type Router struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Router.
func New(cfg Config, deps Deps) *Router {
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 30 * time.Second
	}
	if cfg.PerplexityTimeout <= 0 {
		cfg.PerplexityTimeout = 12 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, deps: deps, logger: logger.Named("router")}
}

// Classify resolves the handler kind for url under the current settings.
func (r *Router) Classify(ctx context.Context, url string) (clipper.HandlerKind, error) {
	s, err := r.deps.Settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("read settings: %w", err)
	}
	return Classify(url, s), nil
}

// ClipOne captures req end to end. It never returns an error: every failure
// is logged to history, notified and reported through the Outcome.
func (r *Router) ClipOne(ctx context.Context, req clipper.ClipRequest) clipper.Outcome {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.deps.Clock.Now()
	}
	out := clipper.Outcome{Request: req, Kind: clipper.KindGeneric, Status: clipper.StatusFailed}
	logger := r.logger.With(zap.String("url", req.TargetURL), zap.String("tab", string(req.Tab)))

	if !Capturable(req.TargetURL) {
		out.Err = fmt.Errorf("%w: %q", clipper.ErrNotCapturable, req.TargetURL)
		r.fail(ctx, &out)
		return out
	}
	kind, err := r.Classify(ctx, req.TargetURL)
	if err != nil {
		out.Err = &clipper.ConfigurationError{Field: "settings", Reason: err.Error()}
		r.fail(ctx, &out)
		return out
	}
	out.Kind = kind
	logger.Info("clip started", zap.String("kind", string(kind)))

	out.Duplicate = r.deps.Saver.Warn(ctx, req.TargetURL)

	data, err := r.acquire(ctx, kind, req)
	if errors.Is(err, clipper.ErrExportedNatively) {
		out.Status = clipper.StatusSuccess
		out.Native = true
		metrics.ObserveClip(string(kind), "native")
		logger.Info("platform exported document natively")
		return out
	}
	if err != nil {
		out.Err = err
		r.fail(ctx, &out)
		return out
	}
	if data.Title == "" {
		data.Title = req.Title
	}
	if data.Source == "" {
		data.Source = req.Source
	}
	out.Data = data

	res, err := r.deps.Saver.Save(ctx, capture.Request{
		Data:             data,
		Kind:             kind,
		RequestedAt:      req.RequestedAt,
		DuplicateChecked: true,
	})
	if err != nil {
		// Save already recorded the failure.
		out.Err = err
		metrics.ObserveClip(string(kind), string(clipper.StatusFailed))
		return out
	}
	out.Status = clipper.StatusSuccess
	out.Artifact = res.Artifact
	metrics.ObserveClip(string(kind), string(clipper.StatusSuccess))
	return out
}

// CaptureExtracted saves a document an extractor delivered without a pending
// request, such as a user-triggered content script.
func (r *Router) CaptureExtracted(ctx context.Context, data clipper.ExtractedData) (capture.Result, error) {
	kind := clipper.KindGeneric
	if k, err := r.Classify(ctx, data.URL); err == nil {
		kind = k
	}
	res, err := r.deps.Saver.Save(ctx, capture.Request{Data: data, Kind: kind})
	status := clipper.StatusSuccess
	if err != nil {
		status = clipper.StatusFailed
	}
	metrics.ObserveClip(string(kind), string(status))
	return res, err
}

func (r *Router) fail(ctx context.Context, out *clipper.Outcome) {
	r.deps.Saver.Fail(ctx, out.Request.TargetURL, out.Request.Title, out.Kind, out.Err)
	metrics.ObserveClip(string(out.Kind), string(clipper.StatusFailed))
}

func (r *Router) acquire(ctx context.Context, kind clipper.HandlerKind, req clipper.ClipRequest) (clipper.ExtractedData, error) {
	switch kind {
	case clipper.KindArchive:
		return r.viaStrategy(ctx, kind, r.deps.Archive, req)
	case clipper.KindBypass:
		return r.viaStrategy(ctx, kind, r.deps.Bypass, req)
	case clipper.KindYouTube, clipper.KindYouTubeShorts, clipper.KindTwitter:
		return r.viaPlatform(ctx, kind, req, r.cfg.ExtractionTimeout)
	case clipper.KindPerplexity:
		return r.viaPlatform(ctx, kind, req, r.cfg.PerplexityTimeout)
	default:
		return r.direct(ctx, req)
	}
}

func (r *Router) viaStrategy(ctx context.Context, kind clipper.HandlerKind, s Strategy, req clipper.ClipRequest) (clipper.ExtractedData, error) {
	if s == nil {
		return r.direct(ctx, req)
	}
	data, err := s.Run(ctx, req.TargetURL)
	if err == nil {
		return data, nil
	}
	if !r.canFallBack(ctx, err) {
		return clipper.ExtractedData{}, err
	}
	r.logger.Warn("strategy failed, extracting original page",
		zap.String("kind", string(kind)),
		zap.String("url", req.TargetURL),
		zap.Error(err),
	)
	metrics.ObserveFallback(string(kind), "direct")
	data, directErr := r.direct(ctx, req)
	if directErr != nil {
		return clipper.ExtractedData{}, fmt.Errorf("%s failed (%w), direct extraction failed: %w", kind, err, directErr)
	}
	return data, nil
}

func (r *Router) viaPlatform(ctx context.Context, kind clipper.HandlerKind, req clipper.ClipRequest, timeout time.Duration) (clipper.ExtractedData, error) {
	data, err := r.extractFrom(ctx, req, extractorFor(kind), timeout)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, clipper.ErrExportedNatively) {
		r.deps.Notifier.Notify(ctx, "Perplexity Export", "Download triggered - check your Downloads folder.")
		return clipper.ExtractedData{}, err
	}
	if !r.canFallBack(ctx, err) {
		return clipper.ExtractedData{}, err
	}
	r.logger.Info("platform extractor failed, using generic extractor",
		zap.String("kind", string(kind)),
		zap.String("url", req.TargetURL),
		zap.Error(err),
	)
	metrics.ObserveFallback(string(kind), string(clipper.KindGeneric))
	return r.direct(ctx, req)
}

func (r *Router) direct(ctx context.Context, req clipper.ClipRequest) (clipper.ExtractedData, error) {
	return r.extractFrom(ctx, req, clipper.ExtractorGeneric, r.cfg.ExtractionTimeout)
}

// extractFrom runs an extractor in the requesting tab, or in a temporary
// background tab when the request has none.
func (r *Router) extractFrom(ctx context.Context, req clipper.ClipRequest, kind clipper.ExtractorKind, timeout time.Duration) (clipper.ExtractedData, error) {
	if req.Tab != "" {
		return r.deps.Extractor.Extract(ctx, req.Tab, kind, timeout, "")
	}
	tab, err := r.deps.Browser.OpenTab(ctx, req.TargetURL, false)
	if err != nil {
		return clipper.ExtractedData{}, fmt.Errorf("open tab: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.deps.Browser.CloseTab(cleanupCtx, tab); err != nil {
			r.logger.Debug("close capture tab", zap.Error(err))
		}
	}()
	if err := r.deps.Browser.WaitLoad(ctx, tab); err != nil {
		return clipper.ExtractedData{}, fmt.Errorf("wait for load: %w", err)
	}
	return r.deps.Extractor.Extract(ctx, tab, kind, timeout, req.TargetURL)
}

func (r *Router) canFallBack(ctx context.Context, err error) bool {
	return ctx.Err() == nil && clipper.IsRecoverable(err)
}
