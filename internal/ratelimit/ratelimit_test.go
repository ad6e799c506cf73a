package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
)

// fakeClock advances only when told to; Sleep records the request and
// advances time by d.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func windowOnly(maxRequests int) ratelimit.Config {
	return ratelimit.Config{
		Window:       60 * time.Second,
		MaxRequests:  maxRequests,
		SafetyBuffer: 100 * time.Millisecond,
	}
}

func TestWindow_130RequestsAgainst120PerMinute(t *testing.T) {
	t.Parallel()

	const (
		total    = 130
		capacity = 120
		spacing  = 10 * time.Second / total
	)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := ratelimit.NewWindow(windowOnly(capacity))

	issued := make([]time.Time, 0, total)
	for i := range total {
		now := start.Add(time.Duration(i) * spacing)
		delay := w.Reserve(now)

		if i < capacity {
			assert.Zero(t, delay, "request %d should not wait", i+1)
		} else {
			oldest := issued[i-capacity]
			minDelay := 60*time.Second - now.Sub(oldest)
			assert.Positive(t, delay, "request %d should wait", i+1)
			assert.GreaterOrEqual(t, delay, minDelay, "request %d", i+1)
		}
		issued = append(issued, now.Add(delay))
	}
}

func TestWindow_NPlusOneDelay(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := ratelimit.NewWindow(windowOnly(5))

	for i := range 5 {
		require.Zero(t, w.Reserve(start.Add(time.Duration(i)*time.Second)))
	}

	now := start.Add(10 * time.Second)
	delay := w.Reserve(now)
	assert.GreaterOrEqual(t, delay, 60*time.Second-now.Sub(start))
}

func TestWindow_MinimumGap(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := ratelimit.NewWindow(ratelimit.Config{Window: time.Minute, MaxRequests: 100, MinInterval: 500 * time.Millisecond})

	assert.Zero(t, w.Reserve(start))
	assert.Equal(t, 500*time.Millisecond, w.Reserve(start))
	assert.Equal(t, 900*time.Millisecond, w.Reserve(start.Add(100*time.Millisecond)))
	assert.Zero(t, w.Reserve(start.Add(5*time.Second)))
}

func TestWindow_EvictsOldEntries(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := ratelimit.NewWindow(windowOnly(2))
	w.Reserve(start)
	w.Reserve(start.Add(time.Second))

	assert.Equal(t, 2, w.Len(start.Add(2*time.Second)))
	assert.Equal(t, 1, w.Len(start.Add(60*time.Second+500*time.Millisecond)))
	assert.Zero(t, w.Reserve(start.Add(2*time.Minute)))
}

func TestLimiter_WaitUsesClockAndIsolatesIdentities(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.NewLimiter(windowOnly(1), ratelimit.WithClock(clock))
	ctx := context.Background()

	waited, err := l.Wait(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, waited)

	waited, err = l.Wait(ctx, "b")
	require.NoError(t, err)
	assert.Zero(t, waited, "identities must not share a window")

	waited, err = l.Wait(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second+100*time.Millisecond, waited)
	assert.Len(t, clock.sleeps, 1)
}

func TestLimiter_WaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.NewLimiter(windowOnly(1), ratelimit.WithClock(clock))
	_, err := l.Wait(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Wait(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
}

// cancellingClock cancels the context instead of sleeping.
type cancellingClock struct {
	*fakeClock
	cancel context.CancelFunc
}

func (c cancellingClock) Sleep(ctx context.Context, _ time.Duration) error {
	c.cancel()
	return ctx.Err()
}

func TestLimiter_CancelledWaitReleasesSlot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := cancellingClock{fakeClock: newFakeClock(), cancel: cancel}
	l := ratelimit.NewLimiter(ratelimit.Config{
		Window:      time.Minute,
		MaxRequests: 2,
		MinInterval: time.Second,
	}, ratelimit.WithClock(clock))

	waited, err := l.Wait(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, waited)

	waited, err = l.Wait(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Second, waited)

	// The abandoned slot neither fills the window nor delays the next caller.
	assert.Equal(t, time.Second, l.Reserve("a"))
	assert.Equal(t, time.Minute, l.Reserve("a"))
}

func TestWindow_ReservationCancel(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := ratelimit.NewWindow(windowOnly(1))

	assert.Zero(t, w.Reserve(start))
	res := w.ReserveSlot(start)
	assert.Equal(t, 60*time.Second+100*time.Millisecond, res.Delay(start))
	assert.Equal(t, 2, w.Len(start))

	res.Cancel(start)
	assert.Equal(t, 1, w.Len(start))
	assert.Equal(t, 60*time.Second+100*time.Millisecond, w.Reserve(start))
}

func TestLimiter_ConfigureOverridesDefaults(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewLimiter(ratelimit.DefaultConfig(), ratelimit.WithClock(newFakeClock()))
	cfg := ratelimit.DefaultConfig().Merge(domain.RateLimitParams{MaxRequests: 5, BackoffBase: 30 * time.Second})
	l.Configure("slow", cfg)

	assert.Equal(t, 5, l.ConfigFor("slow").MaxRequests)
	assert.Equal(t, 30*time.Second, l.ConfigFor("slow").BackoffBase)
	assert.Equal(t, ratelimit.DefaultMaxRequests, l.ConfigFor("other").MaxRequests)
}

func TestLimiter_ConcurrentReservationsGetDistinctSlots(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewLimiter(windowOnly(10), ratelimit.WithClock(newFakeClock()))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		delayed int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("shared") > 0 {
				mu.Lock()
				delayed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, delayed)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := ratelimit.Backoff{Base: 60 * time.Second}
	assert.Equal(t, 60*time.Second, b.Delay(1))
	assert.Equal(t, 120*time.Second, b.Delay(2))
	assert.Equal(t, 240*time.Second, b.Delay(3))

	capped := ratelimit.Backoff{Base: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(5))
	assert.Equal(t, time.Second, capped.Delay(0))
}
