// Package dedupe decides whether a URL was already captured recently.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/urlnorm"
)

const (
	// DefaultWindow is the recency window for duplicate warnings.
	DefaultWindow = 24 * time.Hour
	// BulkWindow is the stricter window bulk runs use to skip items.
	BulkWindow = 5 * time.Minute
)

// HistoryReader lists past captures, newest first.
type HistoryReader interface {
	List(ctx context.Context) ([]clipper.HistoryEntry, error)
}

// Result reports a duplicate match.
type Result struct {
	IsDuplicate bool                  `json:"isDuplicate"`
	TimeAgo     string                `json:"timeAgo,omitempty"`
	Prior       *clipper.HistoryEntry `json:"previousClip,omitempty"`
}

// Notice converts a match into the informational notice callers attach to an
// outcome. It returns nil when r is not a duplicate.
func (r Result) Notice(url string) *clipper.DuplicateNotice {
	if !r.IsDuplicate {
		return nil
	}
	return &clipper.DuplicateNotice{URL: url, TimeAgo: r.TimeAgo, Prior: r.Prior}
}

// Detector consults the history log.
type Detector struct {
	history HistoryReader
	clock   clipper.Clock
}

// New builds a Detector.
func New(history HistoryReader, clock clipper.Clock) *Detector {
	return &Detector{history: history, clock: clock}
}

// Check reports whether a success entry for url exists within the window
// ending now. A zero window means DefaultWindow.
func (d *Detector) Check(ctx context.Context, url string, within time.Duration) (Result, error) {
	if within <= 0 {
		within = DefaultWindow
	}
	target := urlnorm.Normalize(url)
	if target == "" {
		return Result{}, nil
	}
	entries, err := d.history.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("duplicate check: %w", err)
	}
	now := d.clock.Now()
	cutoff := now.Add(-within)
	for i := range entries {
		e := entries[i]
		if e.Status != clipper.StatusSuccess || e.URL == "" || e.Timestamp.Before(cutoff) {
			continue
		}
		if urlnorm.Normalize(e.URL) != target {
			continue
		}
		return Result{IsDuplicate: true, TimeAgo: TimeAgo(now.Sub(e.Timestamp)), Prior: &e}, nil
	}
	return Result{}, nil
}

// TimeAgo renders an elapsed duration the way notifications show it.
func TimeAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Hour), "hour")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
