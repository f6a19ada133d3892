// Package archive drives the third-party archive service through submission,
// CAPTCHA handling and completion polling, then extracts the snapshot.
package archive

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

// State is a step of an archive session.
type State string

// Session states. Complete, Failed and TimedOut are terminal.
const (
	StateSubmitting          State = "submitting"
	StateCaptchaCheck        State = "captcha_check"
	StateAutoClickAttempted  State = "auto_click_attempted"
	StateAwaitingManualSolve State = "awaiting_manual_solve"
	StatePolling             State = "polling"
	StateComplete            State = "complete"
	StateFailed              State = "failed"
	StateTimedOut            State = "timed_out"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateTimedOut
}

// Config holds the archive endpoint and the bound of every wait.
type Config struct {
	BaseURL           string
	LoadWait          time.Duration
	PostClickWait     time.Duration
	CaptchaTimeout    time.Duration
	CaptchaPoll       time.Duration
	PollTimeout       time.Duration
	PollInterval      time.Duration
	ContentRetryWait  time.Duration
	ExtractionTimeout time.Duration
	// OnTransition observes every state change.
	OnTransition func(target string, from, to State)
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://archive.ph",
		LoadWait:          3 * time.Second,
		PostClickWait:     3 * time.Second,
		CaptchaTimeout:    2 * time.Minute,
		CaptchaPoll:       2 * time.Second,
		PollTimeout:       3 * time.Minute,
		PollInterval:      3 * time.Second,
		ContentRetryWait:  3 * time.Second,
		ExtractionTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Browser   clipper.Browser
	Extractor clipper.Extractor
	Prober    Prober
	Notifier  clipper.Notifier
	Clock     clipper.Clock
	Sleeper   clipper.Sleeper
	Logger    *zap.Logger
}

// Archiver starts archive sessions.
type Archiver struct {
	cfg  Config
	deps Deps
}

// New builds an Archiver. Prober and Notifier are optional.
func New(cfg Config, deps Deps) *Archiver {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CaptchaPoll <= 0 {
		cfg.CaptchaPoll = def.CaptchaPoll
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = def.ExtractionTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, deps: deps}
}

// Run archives target and extracts the snapshot, recording it under target.
// Failed and TimedOut sessions return a *clipper.TransientServiceError.
func (a *Archiver) Run(ctx context.Context, target string) (clipper.ExtractedData, error) {
	s := &Session{
		Target:    target,
		State:     StateSubmitting,
		StartedAt: a.deps.Clock.Now(),
		a:         a,
		logger:    a.deps.Logger.With(zap.String("url", target)),
	}
	return s.run(ctx)
}

// Session is one archive attempt.
type Session struct {
	Target    string
	Tab       clipper.TabHandle
	State     State
	StartedAt time.Time

	a      *Archiver
	logger *zap.Logger

	existing     bool
	formChecked  bool
	resume       State
	pollDeadline time.Time
	cause        error
}

type stepFunc func(ctx context.Context) (State, error)

func (s *Session) run(ctx context.Context) (clipper.ExtractedData, error) {
	defer s.closeTab(ctx)

	steps := map[State]stepFunc{
		StateSubmitting:          s.submit,
		StateCaptchaCheck:        s.checkCaptcha,
		StateAutoClickAttempted:  s.autoClick,
		StateAwaitingManualSolve: s.awaitManualSolve,
		StatePolling:             s.poll,
	}
	for !s.State.Terminal() {
		next, err := steps[s.State](ctx)
		if err != nil {
			// Context cancellation is not a state; surface it directly.
			return clipper.ExtractedData{}, err
		}
		s.transition(next)
	}
	metrics.ObserveArchiveSession(string(s.State))

	if s.State != StateComplete {
		return clipper.ExtractedData{}, &clipper.TransientServiceError{
			Service: "archive",
			Reason:  string(s.State),
			Err:     s.cause,
		}
	}
	return s.extract(ctx)
}

func (s *Session) transition(next State) {
	if next == s.State {
		return
	}
	s.logger.Debug("archive session transition",
		zap.String("from", string(s.State)),
		zap.String("to", string(next)),
	)
	if s.a.cfg.OnTransition != nil {
		s.a.cfg.OnTransition(s.Target, s.State, next)
	}
	s.State = next
}

func (s *Session) fail(cause error) State {
	s.cause = cause
	return StateFailed
}

func (s *Session) submit(ctx context.Context) (State, error) {
	b := s.a.deps.Browser
	if s.Tab == "" {
		if snapshot, ok := s.probe(ctx); ok {
			tab, err := b.OpenTab(ctx, snapshot, false)
			if err != nil {
				return s.fail(fmt.Errorf("open snapshot: %w", err)), nil
			}
			s.Tab = tab
			s.existing = true
			s.logger.Info("using existing archive", zap.String("snapshot", snapshot))
			if err := s.sleep(ctx, s.a.cfg.LoadWait); err != nil {
				return "", err
			}
			s.resume = StatePolling
			return StateCaptchaCheck, nil
		}
		tab, err := b.OpenTab(ctx, s.a.cfg.BaseURL+"/", false)
		if err != nil {
			return s.fail(fmt.Errorf("open archive form: %w", err)), nil
		}
		s.Tab = tab
		if err := s.sleep(ctx, s.a.cfg.LoadWait); err != nil {
			return "", err
		}
	}
	if !s.formChecked {
		// The form can sit behind a challenge of its own.
		s.formChecked = true
		s.resume = StateSubmitting
		return StateCaptchaCheck, nil
	}
	if err := b.SubmitForm(ctx, s.Tab, "#url", s.Target); err != nil {
		return s.fail(fmt.Errorf("submit archive form: %w", err)), nil
	}
	if err := s.sleep(ctx, s.a.cfg.LoadWait); err != nil {
		return "", err
	}
	s.resume = StatePolling
	return StateCaptchaCheck, nil
}

func (s *Session) probe(ctx context.Context) (string, bool) {
	if s.a.deps.Prober == nil {
		return "", false
	}
	snapshot, ok, err := s.a.deps.Prober.Existing(ctx, s.Target)
	if err != nil {
		s.logger.Warn("archive probe failed", zap.Error(err))
		return "", false
	}
	return snapshot, ok
}

func (s *Session) checkCaptcha(ctx context.Context) (State, error) {
	page, state, err := s.inspect(ctx)
	if page == nil {
		return state, err
	}
	if !page.HasCaptcha() {
		return s.resume, nil
	}
	return StateAutoClickAttempted, nil
}

func (s *Session) autoClick(ctx context.Context) (State, error) {
	page, state, err := s.inspect(ctx)
	if page == nil {
		return state, err
	}
	target, ok := page.AutoClickTarget()
	if !ok {
		s.logger.Info("captcha needs manual solving", zap.String("element", target.Kind))
		return StateAwaitingManualSolve, nil
	}
	if err := s.a.deps.Browser.Click(ctx, s.Tab, target.Selector); err != nil {
		s.logger.Warn("captcha auto-click failed", zap.Error(err))
		return StateAwaitingManualSolve, nil
	}
	if err := s.sleep(ctx, s.a.cfg.PostClickWait); err != nil {
		return "", err
	}
	page, state, err = s.inspect(ctx)
	if page == nil {
		return state, err
	}
	if page.HasCaptcha() {
		return StateAwaitingManualSolve, nil
	}
	return s.resume, nil
}

func (s *Session) awaitManualSolve(ctx context.Context) (State, error) {
	if err := s.a.deps.Browser.ActivateTab(ctx, s.Tab); err != nil {
		s.logger.Warn("activate archive tab", zap.Error(err))
	}
	if s.a.deps.Notifier != nil {
		s.a.deps.Notifier.Notify(ctx, "CAPTCHA Required", "Please solve the archive security check.")
	}
	deadline := s.a.deps.Clock.Now().Add(s.a.cfg.CaptchaTimeout)
	for s.a.deps.Clock.Now().Before(deadline) {
		if err := s.sleep(ctx, s.a.cfg.CaptchaPoll); err != nil {
			return "", err
		}
		page, state, err := s.inspect(ctx)
		if page == nil {
			return state, err
		}
		if !page.HasCaptcha() {
			s.logger.Info("captcha solved")
			return s.resume, nil
		}
	}
	s.cause = &clipper.UserActionRequiredError{Reason: "captcha not solved in time"}
	return StateTimedOut, nil
}

func (s *Session) poll(ctx context.Context) (State, error) {
	if s.pollDeadline.IsZero() {
		s.pollDeadline = s.a.deps.Clock.Now().Add(s.a.cfg.PollTimeout)
	}
	for {
		page, state, err := s.inspect(ctx)
		if page == nil {
			return state, err
		}
		if page.ArchiveComplete() || (s.existing && page.ArchiveContentLoaded()) {
			return StateComplete, nil
		}
		// The deadline spans CAPTCHA detours, so check it before taking one.
		if !s.a.deps.Clock.Now().Before(s.pollDeadline) {
			s.cause = errors.New("archive did not complete")
			return StateTimedOut, nil
		}
		if page.HasCaptcha() {
			s.logger.Info("captcha appeared while archiving")
			s.resume = StatePolling
			return StateCaptchaCheck, nil
		}
		if err := s.sleep(ctx, s.a.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

func (s *Session) extract(ctx context.Context) (clipper.ExtractedData, error) {
	page, _, err := s.inspect(ctx)
	if err == nil && page != nil && !page.ArchiveContentLoaded() {
		if err := s.sleep(ctx, s.a.cfg.ContentRetryWait); err != nil {
			return clipper.ExtractedData{}, err
		}
		if page, _, _ = s.inspect(ctx); page != nil && !page.ArchiveContentLoaded() {
			s.logger.Warn("archive content may not be fully loaded, extracting anyway")
		}
	}
	data, err := s.a.deps.Extractor.Extract(ctx, s.Tab, clipper.ExtractorGeneric, s.a.cfg.ExtractionTimeout, s.Target)
	if err != nil {
		return clipper.ExtractedData{}, &clipper.TransientServiceError{
			Service: "archive",
			Reason:  "extraction failed",
			Err:     err,
		}
	}
	return data, nil
}

// inspect snapshots the session tab. A nil page means the session must stop in
// the returned state (or with the returned error).
func (s *Session) inspect(ctx context.Context) (*pagecheck.Page, State, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	exists, err := s.a.deps.Browser.TabExists(ctx, s.Tab)
	if err == nil && !exists {
		s.logger.Info("archive tab was closed")
		return nil, s.fail(clipper.ErrTabClosed), nil
	}
	snap, err := s.a.deps.Browser.Snapshot(ctx, s.Tab)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, s.fail(fmt.Errorf("snapshot archive tab: %w", err)), nil
	}
	page, err := pagecheck.Parse(snap)
	if err != nil {
		return nil, s.fail(err), nil
	}
	return page, s.State, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return s.a.deps.Sleeper.Sleep(ctx, d)
}

func (s *Session) closeTab(ctx context.Context) {
	if s.Tab == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.a.deps.Browser.CloseTab(cleanupCtx, s.Tab); err != nil {
		s.logger.Debug("close archive tab", zap.Error(err))
	}
}
