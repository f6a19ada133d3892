package archive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// Prober finds an existing snapshot of a URL.
type Prober interface {
	Existing(ctx context.Context, target string) (string, bool, error)
}

// ProbeConfig controls the HTTP probe.
type ProbeConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// CollyProber asks the archive service for its newest snapshot of a URL and
// follows the redirect to find it.
type CollyProber struct {
	cfg  ProbeConfig
	base *colly.Collector
}

// NewCollyProber builds a prober.
func NewCollyProber(cfg ProbeConfig) *CollyProber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	})
	return &CollyProber{cfg: cfg, base: c}
}

// Existing returns the snapshot URL when one exists. A missing snapshot is
// not an error.
func (p *CollyProber) Existing(ctx context.Context, target string) (string, bool, error) {
	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.AllowURLRevisit = true

	var (
		final    string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		final = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode == http.StatusNotFound {
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(p.cfg.BaseURL + "/newest/" + target)
	}()
	select {
	case <-ctx.Done():
		return "", false, fmt.Errorf("archive probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && !isNotFound(err) {
			return "", false, fmt.Errorf("archive probe: %w", err)
		}
	}
	if fetchErr != nil {
		return "", false, fmt.Errorf("archive probe response: %w", fetchErr)
	}
	if !p.isSnapshot(final) {
		return "", false, nil
	}
	return final, true, nil
}

func (p *CollyProber) isSnapshot(final string) bool {
	if final == "" {
		return false
	}
	u, err := url.Parse(final)
	if err != nil {
		return false
	}
	base, err := url.Parse(p.cfg.BaseURL)
	if err != nil || !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	path := strings.Trim(u.Path, "/")
	if path == "" || strings.HasPrefix(path, "newest") || strings.HasPrefix(path, "submit") {
		return false
	}
	return true
}

func isNotFound(err error) bool {
	return err != nil && err.Error() == http.StatusText(http.StatusNotFound)
}
