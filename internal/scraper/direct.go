package scraper

import (
	"context"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/retry"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// ThrottledFetcher issues the direct candidate fetches of one source under
// that source's rate-limit window and retry policy.
type ThrottledFetcher struct {
	fetcher  fallback.Fetcher
	limiter  *ratelimit.Limiter
	identity string
	log      logger.Logger
}

// NewThrottledFetcher wraps fetcher for identity.
func NewThrottledFetcher(fetcher fallback.Fetcher, limiter *ratelimit.Limiter, identity string, log logger.Logger) *ThrottledFetcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &ThrottledFetcher{fetcher: fetcher, limiter: limiter, identity: identity, log: log}
}

// Fetch waits for a slot, then fetches url, retrying per error kind.
func (f *ThrottledFetcher) Fetch(ctx context.Context, url string, headers map[string]string) (domain.Exchange, error) {
	policy := retry.FromLimit(f.limiter.ConfigFor(f.identity))
	policy.Clock = f.limiter.Clock()
	policy.OnRetry = func(attempt int, kind scrapeerr.Kind, delay time.Duration, err error) {
		f.log.Warn("Retrying direct fetch",
			logger.String("source", f.identity),
			logger.String("url", url),
			logger.Int("attempt", attempt),
			logger.String("kind", string(kind)),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}

	var ex domain.Exchange
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if _, err := f.limiter.Wait(ctx, f.identity); err != nil {
			return scrapeerr.New(scrapeerr.KindCancelled, "rate limit wait", err)
		}
		var err error
		ex, err = f.fetcher.Fetch(ctx, url, headers)
		return err
	})
	return ex, err
}
