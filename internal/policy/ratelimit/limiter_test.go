package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeLimiter(t *testing.T, l *Limiter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
}

func TestLimiterNeverExceedsWindow(t *testing.T) {
	t.Parallel()

	const (
		maxRequests = 3
		window      = 100 * time.Millisecond
	)
	l := New(Config{Name: "window", MaxRequests: maxRequests, Window: window})
	defer closeLimiter(t, l)

	var (
		mu       sync.Mutex
		admitted []time.Time
	)
	futures := make([]interface{ Done() <-chan struct{} }, 0, 10)
	for i := 0; i < 10; i++ {
		futures = append(futures, l.Enqueue(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
			return nil, nil
		}))
	}
	for _, f := range futures {
		<-f.Done()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, admitted, 10)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := maxRequests; i < len(admitted); i++ {
		// Admission i and admission i-maxRequests can never share a window.
		gap := admitted[i].Sub(admitted[i-maxRequests])
		require.GreaterOrEqual(t, gap, window-20*time.Millisecond, "admission %d came %v after %d", i, gap, i-maxRequests)
	}
}

func TestLimiterAdmitsFIFO(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 1, Window: 10 * time.Millisecond})
	defer closeLimiter(t, l)

	var (
		mu    sync.Mutex
		order []int
	)
	var last interface{ Done() <-chan struct{} }
	for i := 0; i < 5; i++ {
		last = l.Enqueue(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
	}
	<-last.Done()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLimiterTaskFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 10, Window: time.Second})
	defer closeLimiter(t, l)

	boom := errors.New("boom")
	failed := l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, boom })
	panicked := l.Enqueue(context.Background(), func(context.Context) (any, error) { panic("bad tab") })
	ok := l.Enqueue(context.Background(), func(context.Context) (any, error) { return "done", nil })

	_, err := failed.Await(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = panicked.Await(context.Background())
	require.ErrorContains(t, err, "panicked")
	v, err := ok.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestLimiterCanceledContextSkipsTask(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 1, Window: time.Hour})
	defer closeLimiter(t, l)

	first := l.Enqueue(context.Background(), func(context.Context) (any, error) { return 1, nil })
	_, err := first.Await(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	blocked := l.Enqueue(ctx, func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	cancel()
	_, err = blocked.Await(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

func TestLimiterCloseRejectsQueued(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequests: 1, Window: time.Hour})
	_, err := l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil }).Await(context.Background())
	require.NoError(t, err)

	queued := l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.Eventually(t, func() bool { return l.Status().Queued == 1 }, time.Second, 5*time.Millisecond)
	closeLimiter(t, l)

	_, err = queued.Await(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, err = l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil }).Await(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestLimiterEnqueueAfterDrainStopsIsRejected(t *testing.T) {
	t.Parallel()

	// The drain loop has rejected the queue but stopCh reads as open, the
	// window an Enqueue can race into during shutdown.
	l := &Limiter{
		cfg:    Config{Name: "stopped", MaxRequests: 1, Window: time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	l.rejectQueued()

	f := l.Enqueue(context.Background(), func(context.Context) (any, error) { return "ran", nil })
	_, err, settled := f.Peek()
	require.True(t, settled)
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, l.Status().Queued)
}

func TestLimiterEveryFutureSettlesAcrossClose(t *testing.T) {
	t.Parallel()

	l := New(Config{Name: "racing", MaxRequests: 1, Window: time.Hour})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		futures []interface {
			Await(context.Context) (any, error)
		}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f := l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil })
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}
		}()
	}
	closeLimiter(t, l)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range futures {
		_, err := f.Await(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
		}
	}
}

func TestLimiterStatusWithFakeClock(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Unix(1700000000, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := New(Config{MaxRequests: 2, Window: time.Minute, Now: clock})
	defer closeLimiter(t, l)

	for i := 0; i < 2; i++ {
		_, err := l.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil }).Await(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, l.Status().Recent)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	require.Equal(t, 0, l.Status().Recent)
}
