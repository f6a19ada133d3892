package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if clipsTotal == nil || rateLimitDelaySeconds == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(clipsTotal.WithLabelValues("archive", "success"))
	ObserveClip("archive", "success")
	if val := testutil.ToFloat64(clipsTotal.WithLabelValues("archive", "success")); val != before+1 {
		t.Errorf("expected clip counter to increase by 1, got %f -> %f", before, val)
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveFallback("archive", "standard")
	ObserveArchiveSession("timed_out")
	ObserveRateLimitDelay("bulk", 250*time.Millisecond)
	SetPendingExtractions("extraction", 3)

	if val := testutil.ToFloat64(pendingExtractions.WithLabelValues("extraction")); val != 3 {
		t.Errorf("expected pending extractions gauge 3, got %f", val)
	}
	if val := testutil.CollectAndCount(rateLimitDelaySeconds); val <= 0 {
		t.Errorf("expected rate limit histogram to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://archive.ph/abcde", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
