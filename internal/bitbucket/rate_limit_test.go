package bitbucket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return nil
}

func newFakeLimiter(rps float64, clock *fakeClock) *RateLimiter {
	limiter := NewRateLimiter(rps)
	limiter.Now = clock.Now
	limiter.Sleep = clock.Sleep
	return limiter
}

func TestNewRateLimiterInterval(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		rps  float64
		want time.Duration
	}{
		{name: "ten_per_second", rps: 10, want: 100 * time.Millisecond},
		{name: "fractional", rps: 0.5, want: 2 * time.Second},
		{name: "disabled_zero", rps: 0, want: 0},
		{name: "disabled_negative", rps: -3, want: 0},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := NewRateLimiter(tc.rps).Interval(); got != tc.want {
				t.Fatalf("Interval() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRateLimiterWaitSequential(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newFakeLimiter(10, clock)

	for range 5 {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() unexpected error: %v", err)
		}
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 400 * time.Millisecond}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Fatalf("sleeps[%d] = %v, want %v", i, clock.sleeps[i], want[i])
		}
	}
}

func TestRateLimiterWaitConcurrentCallersSpacedApart(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newFakeLimiter(4, clock)

	const callers = 8
	var wg sync.WaitGroup
	for range callers {
		wg.Go(func() {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Errorf("Wait() unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	if len(clock.sleeps) != callers-1 {
		t.Fatalf("len(sleeps) = %d, want %d", len(clock.sleeps), callers-1)
	}
	sorted := append([]time.Duration(nil), clock.sleeps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, got := range sorted {
		want := time.Duration(i+1) * limiter.Interval()
		if got != want {
			t.Fatalf("sorted sleeps[%d] = %v, want %v", i, got, want)
		}
	}
	// The last grant lands (N-1) intervals after the first.
	if last := sorted[len(sorted)-1]; last < time.Duration(callers-1)*limiter.Interval() {
		t.Fatalf("last sleep = %v, want >= %v", last, time.Duration(callers-1)*limiter.Interval())
	}
}

func TestRateLimiterWaitAfterIdle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newFakeLimiter(10, clock)

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
	clock.mu.Lock()
	clock.now = clock.now.Add(time.Second)
	clock.mu.Unlock()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none after idle period", clock.sleeps)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0.001)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterRealClock(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(50)
	started := time.Now()
	for range 3 {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(started); elapsed < 2*limiter.Interval() {
		t.Fatalf("elapsed = %v, want >= %v", elapsed, 2*limiter.Interval())
	}
}
