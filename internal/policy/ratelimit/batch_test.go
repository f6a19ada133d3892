package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchProcessContinuesOnError(t *testing.T) {
	t.Parallel()

	l := New(Config{Name: "batch", MaxRequests: 100, Window: time.Second})
	defer closeLimiter(t, l)

	items := []int{1, 2, 3, 4, 5, 6}
	calls := make([]int, 0, len(items))
	var progress []Progress

	res, err := BatchProcess(context.Background(), l, items, func(_ context.Context, n int) (string, error) {
		calls = append(calls, n)
		if n%2 == 0 {
			return "", fmt.Errorf("item %d failed", n)
		}
		return fmt.Sprintf("ok-%d", n), nil
	}, BatchOptions{OnProgress: func(p Progress) { progress = append(progress, p) }})

	require.NoError(t, err)
	require.Equal(t, items, calls)
	require.Equal(t, 3, res.SuccessCount)
	require.Equal(t, 3, res.ErrorCount)
	require.Equal(t, len(items), res.SuccessCount+res.ErrorCount)
	require.Len(t, res.Results, len(items))
	require.Equal(t, "ok-1", res.Results[0].Value)
	require.Error(t, res.Results[1].Err)

	require.Len(t, progress, len(items))
	for i, p := range progress {
		require.Equal(t, i+1, p.Current)
		require.Equal(t, len(items), p.Total)
	}
	require.Equal(t, Progress{Current: 6, Total: 6, Success: 3, Failed: 3}, progress[5])
}

func TestBatchProcessStopOnError(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 100, Window: time.Second})
	defer closeLimiter(t, l)

	boom := errors.New("boom")
	calls := 0
	res, err := BatchProcess(context.Background(), l, []string{"a", "b", "c"}, func(_ context.Context, s string) (string, error) {
		calls++
		if s == "b" {
			return "", boom
		}
		return s, nil
	}, BatchOptions{StopOnError: true})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, res.SuccessCount)
	require.Equal(t, 1, res.ErrorCount)
}

func TestBatchProcessEmpty(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 1, Window: time.Second})
	defer closeLimiter(t, l)

	res, err := BatchProcess(context.Background(), l, []int(nil), func(context.Context, int) (int, error) {
		return 0, nil
	}, BatchOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Results)
}
