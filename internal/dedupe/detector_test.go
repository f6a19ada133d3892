package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeHistory struct {
	entries []clipper.HistoryEntry
	err     error
}

func (f fakeHistory) List(context.Context) ([]clipper.HistoryEntry, error) {
	return f.entries, f.err
}

func TestCheckMatchesNormalizedURL(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(fakeHistory{entries: []clipper.HistoryEntry{{
		URL:       "https://www.example.com/a/?utm_source=x",
		Status:    clipper.StatusSuccess,
		Timestamp: now.Add(-time.Hour),
	}}}, fakeClock{now: now})

	res, err := d.Check(context.Background(), "https://example.com/a", DefaultWindow)
	require.NoError(t, err)
	require.True(t, res.IsDuplicate)
	require.Equal(t, "1 hour ago", res.TimeAgo)
	require.NotNil(t, res.Prior)
	require.NotNil(t, res.Notice("https://example.com/a"))
}

func TestCheckIgnoresFailuresAndOldEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(fakeHistory{entries: []clipper.HistoryEntry{
		{URL: "https://example.com/a", Status: clipper.StatusFailed, Timestamp: now.Add(-time.Minute)},
		{URL: "https://example.com/a", Status: clipper.StatusSuccess, Timestamp: now.Add(-25 * time.Hour)},
		{URL: "", Status: clipper.StatusSuccess, Timestamp: now},
	}}, fakeClock{now: now})

	res, err := d.Check(context.Background(), "https://example.com/a", 0)
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
	require.Nil(t, res.Notice("https://example.com/a"))
}

func TestCheckBulkWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(fakeHistory{entries: []clipper.HistoryEntry{
		{URL: "https://example.com/a", Status: clipper.StatusSuccess, Timestamp: now.Add(-10 * time.Minute)},
	}}, fakeClock{now: now})

	res, err := d.Check(context.Background(), "https://example.com/a", BulkWindow)
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
}

func TestCheckPropagatesHistoryError(t *testing.T) {
	t.Parallel()

	d := New(fakeHistory{err: errors.New("kv down")}, fakeClock{now: time.Now()})
	_, err := d.Check(context.Background(), "https://example.com", 0)
	require.ErrorContains(t, err, "kv down")
}

func TestTimeAgo(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		10 * time.Second: "just now",
		time.Minute:      "1 minute ago",
		5 * time.Minute:  "5 minutes ago",
		time.Hour:        "1 hour ago",
		23 * time.Hour:   "23 hours ago",
	}
	for d, want := range cases {
		require.Equal(t, want, TimeAgo(d), d.String())
	}
}
