// Package retry re-runs retrieval calls according to the recovery policy of
// each error kind.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// Policy configures Do.
type Policy struct {
	// RateLimit is the provider backoff applied after rate-limit responses.
	RateLimit ratelimit.Backoff
	// RateLimitRetries bounds consecutive rate-limit retries.
	RateLimitRetries int
	// Refresh renews credentials before the single auth retry. When nil,
	// auth failures are surfaced immediately.
	Refresh func(ctx context.Context) error
	// OnRetry observes every retry decision.
	OnRetry func(attempt int, kind scrapeerr.Kind, delay time.Duration, err error)
	Clock   ratelimit.Clock
}

// FromLimit builds a policy from a rate-limit configuration.
func FromLimit(cfg ratelimit.Config) Policy {
	return Policy{
		RateLimit:        ratelimit.Backoff{Base: cfg.BackoffBase},
		RateLimitRetries: cfg.MaxRetries,
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// exhausts the retry budget of the failing kind. The returned error keeps
// its classification.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	clock := p.Clock
	if clock == nil {
		clock = ratelimit.SystemClock()
	}

	retries := make(map[scrapeerr.Kind]int)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return scrapeerr.New(scrapeerr.KindCancelled, "retrieve", err)
		}

		kind := scrapeerr.Classify(err)
		if kind == scrapeerr.KindCancelled || scrapeerr.IsPermanent(err) {
			return err
		}

		rec := scrapeerr.RecoveryFor(kind)
		limit := rec.MaxRetries
		if kind == scrapeerr.KindRateLimit {
			limit = p.RateLimitRetries
		}
		if !rec.Retry || retries[kind] >= limit {
			if attempt == 1 {
				return err
			}
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		retries[kind]++

		var delay time.Duration
		switch kind {
		case scrapeerr.KindRateLimit:
			delay = p.RateLimit.Delay(retries[kind])
		case scrapeerr.KindAuth:
			if p.Refresh == nil {
				return err
			}
			if refreshErr := p.Refresh(ctx); refreshErr != nil {
				return fmt.Errorf("refresh credentials: %w (after %w)", refreshErr, err)
			}
		default:
			delay = ratelimit.Backoff{Base: rec.Delay}.Delay(retries[kind])
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, kind, delay, err)
		}
		if sleepErr := clock.Sleep(ctx, delay); sleepErr != nil {
			return scrapeerr.New(scrapeerr.KindCancelled, "backoff", sleepErr)
		}
	}
}
