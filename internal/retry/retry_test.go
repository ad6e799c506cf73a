package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/retry"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

type recordingClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Unix(0, 0) }

func (c *recordingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func rateLimited() error {
	return scrapeerr.FromStatus(429, "https://api.example.com", nil)
}

func TestDo_RateLimitBackoffDoublesThenGivesUp(t *testing.T) {
	t.Parallel()

	clock := &recordingClock{}
	policy := retry.Policy{
		RateLimit:        ratelimit.Backoff{Base: 60 * time.Second},
		RateLimitRetries: 3,
		Clock:            clock,
	}

	calls := 0
	err := retry.Do(context.Background(), policy, func(context.Context) error {
		calls++
		return rateLimited()
	})

	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindRateLimit, scrapeerr.Classify(err))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, clock.sleeps)
}

func TestDo_SucceedsAfterTransientNetworkError(t *testing.T) {
	t.Parallel()

	clock := &recordingClock{}
	var retried []scrapeerr.Kind
	policy := retry.Policy{
		Clock: clock,
		OnRetry: func(_ int, kind scrapeerr.Kind, _ time.Duration, _ error) {
			retried = append(retried, kind)
		},
	}

	calls := 0
	err := retry.Do(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []scrapeerr.Kind{scrapeerr.KindNetwork, scrapeerr.KindNetwork}, retried)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.sleeps)
}

func TestDo_ParsingAndBotDetectionAreNotRetried(t *testing.T) {
	t.Parallel()

	for _, kind := range []scrapeerr.Kind{scrapeerr.KindParsing, scrapeerr.KindBotDetection} {
		calls := 0
		err := retry.Do(context.Background(), retry.Policy{Clock: &recordingClock{}}, func(context.Context) error {
			calls++
			return scrapeerr.New(kind, "parse", errors.New("bad"))
		})
		require.Error(t, err)
		assert.Equal(t, kind, scrapeerr.Classify(err))
		assert.Equal(t, 1, calls, kind)
	}
}

func TestDo_AuthRetriedOnceAfterRefresh(t *testing.T) {
	t.Parallel()

	refreshed := 0
	policy := retry.Policy{
		Clock: &recordingClock{},
		Refresh: func(context.Context) error {
			refreshed++
			return nil
		},
	}

	calls := 0
	err := retry.Do(context.Background(), policy, func(context.Context) error {
		calls++
		return scrapeerr.FromStatus(401, "https://api.example.com", nil)
	})

	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindAuth, scrapeerr.Classify(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, refreshed)
}

func TestDo_AuthWithoutRefresherSurfaces(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Clock: &recordingClock{}}, func(context.Context) error {
		calls++
		return scrapeerr.FromStatus(401, "https://api.example.com", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentErrorStops(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Clock: &recordingClock{}}, func(context.Context) error {
		calls++
		return scrapeerr.FromStatus(404, "https://api.example.com", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContextSurfacesCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	err := retry.Do(ctx, retry.Policy{Clock: &recordingClock{}}, func(context.Context) error {
		cancel()
		return errors.New("connection reset by peer")
	})

	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindCancelled, scrapeerr.Classify(err))
}

func TestFromLimit(t *testing.T) {
	t.Parallel()

	p := retry.FromLimit(ratelimit.Config{BackoffBase: 30 * time.Second, MaxRetries: 2})
	assert.Equal(t, 30*time.Second, p.RateLimit.Base)
	assert.Equal(t, 2, p.RateLimitRetries)
}
