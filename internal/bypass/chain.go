// Package bypass tries an ordered list of mirror services for paywalled
// articles, falling through to the next service on any failure.
package bypass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/metrics"
	"github.com/JakeFAU/tabclip/internal/pagecheck"
)

// Service is a mirror reachable by substituting the target into Template at
// the "{url}" placeholder. A template without a placeholder gets the target
// appended.
type Service struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Template string `mapstructure:"template" yaml:"template"`
}

// URLFor renders the mirror URL for target.
func (s Service) URLFor(target string) string {
	if strings.Contains(s.Template, "{url}") {
		return strings.ReplaceAll(s.Template, "{url}", target)
	}
	return s.Template + target
}

// DefaultServices is the production chain.
var DefaultServices = []Service{
	{Name: "freedium-mirror", Template: "https://freedium-mirror.cfd/{url}"},
}

// Config controls the chain.
type Config struct {
	Services          []Service
	SettleTime        time.Duration
	ExtractionTimeout time.Duration
}

// Chain runs services in order.
type Chain struct {
	cfg       Config
	browser   clipper.Browser
	extractor clipper.Extractor
	sleeper   clipper.Sleeper
	logger    *zap.Logger
}

// New builds a Chain.
func New(cfg Config, browser clipper.Browser, extractor clipper.Extractor, sleeper clipper.Sleeper, logger *zap.Logger) *Chain {
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = 5 * time.Second
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{cfg: cfg, browser: browser, extractor: extractor, sleeper: sleeper, logger: logger}
}

// Run tries each service once. When every service fails it returns an error
// wrapping clipper.ErrChainExhausted and each attempt's failure; the caller
// falls back to the original page.
func (c *Chain) Run(ctx context.Context, target string) (clipper.ExtractedData, error) {
	var failures []error
	for _, svc := range c.cfg.Services {
		data, err := c.try(ctx, svc, target)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return clipper.ExtractedData{}, ctx.Err()
		}
		c.logger.Warn("bypass service failed",
			zap.String("service", svc.Name),
			zap.String("url", target),
			zap.Error(err),
		)
		metrics.ObserveFallback(svc.Name, "next")
		failures = append(failures, err)
	}
	return clipper.ExtractedData{}, fmt.Errorf("%w: %w", clipper.ErrChainExhausted, errors.Join(failures...))
}

func (c *Chain) try(ctx context.Context, svc Service, target string) (clipper.ExtractedData, error) {
	fail := func(reason string, err error) (clipper.ExtractedData, error) {
		return clipper.ExtractedData{}, &clipper.TransientServiceError{Service: svc.Name, Reason: reason, Err: err}
	}

	tab, err := c.browser.OpenTab(ctx, svc.URLFor(target), false)
	if err != nil {
		return fail("open tab", err)
	}
	defer c.closeTab(ctx, tab)

	if err := c.sleeper.Sleep(ctx, c.cfg.SettleTime); err != nil {
		return clipper.ExtractedData{}, err
	}

	info, err := c.browser.TabInfo(ctx, tab)
	if err != nil {
		return fail("tab closed", clipper.ErrTabClosed)
	}
	if pagecheck.IsArchiveDomain(info.URL) {
		return fail("redirected to archive", nil)
	}

	snap, err := c.browser.Snapshot(ctx, tab)
	if err != nil {
		return fail("snapshot", err)
	}
	page, err := pagecheck.Parse(snap)
	if err != nil {
		return fail("parse", err)
	}
	if !page.BypassSuccess() {
		return fail("no article content", nil)
	}

	data, err := c.extractor.Extract(ctx, tab, clipper.ExtractorGeneric, c.cfg.ExtractionTimeout, target)
	if err != nil {
		return fail("extraction", err)
	}
	return data, nil
}

func (c *Chain) closeTab(ctx context.Context, tab clipper.TabHandle) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.browser.CloseTab(cleanupCtx, tab); err != nil {
		c.logger.Debug("close bypass tab", zap.Error(err))
	}
}
