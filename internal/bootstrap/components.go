package bootstrap

import (
	"errors"
	"fmt"
	"os"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/cache"
	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/config"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/httpclient"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

func newLoader(cfg browser.Config, log logger.Logger) browser.Loader {
	if cfg.Engine == browser.EngineStatic {
		return browser.NewStatic(cfg, log)
	}
	return browser.NewChrome(cfg, log)
}

// newLimiter applies provider overrides, then per-source overrides from the
// catalog. Configure resets an identity's window, so this runs once.
func newLimiter(cfg *config.Config, catalog *sources.Catalog) *ratelimit.Limiter {
	defaults := cfg.RateLimit.Limits()
	limiter := ratelimit.NewLimiter(defaults)
	for identity, p := range cfg.Providers {
		limiter.Configure(identity, defaults.Merge(p))
	}
	for _, src := range catalog.List() {
		if src.RateLimit != (domain.RateLimitParams{}) {
			limiter.Configure(src.Identity, defaults.Merge(src.RateLimit))
		}
	}
	return limiter
}

func newProfiles(cfg config.ProfilesConfig) (*validate.ProfileSet, error) {
	set := validate.DefaultProfileSet()
	known := func(name string) error {
		if _, ok := set.Get(name); !ok {
			return fmt.Errorf("unknown validation profile %q", name)
		}
		return nil
	}

	if cfg.Default != "" {
		if err := known(cfg.Default); err != nil {
			return nil, err
		}
		set.SetDefault(cfg.Default)
	}
	for identity, name := range cfg.Identities {
		if err := known(name); err != nil {
			return nil, err
		}
		set.MapIdentity(identity, name)
	}
	for prefix, name := range cfg.Prefixes {
		if err := known(name); err != nil {
			return nil, err
		}
		set.MapPrefix(prefix, name)
	}
	return set, nil
}

// newCache returns the execution-id store and its closer (nil for memory).
func newCache(cfg config.CacheConfig, log logger.Logger) (cache.Store, func() error, error) {
	if cfg.Driver != config.CacheRedis {
		return cache.NewMemory(), nil, nil
	}

	client, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("connect execution cache: %w", err)
	}
	log.Info("Execution cache connected", logger.String("redis_address", cfg.Redis.Address))
	return cache.NewRedis(client), client.Close, nil
}

// newClassifier returns nil when the classifier is disabled or has no key;
// the fallback engine works without it.
func newClassifier(cfg config.ClassifierConfig, hc *httpclient.Client, log logger.Logger) classifier.Classifier {
	if !cfg.Enabled {
		return nil
	}
	c, err := classifier.NewAnthropic(classifier.AnthropicConfig{
		APIKey:     os.Getenv(cfg.APIKeyEnv),
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		HTTPClient: hc.HTTP(),
	}, log)
	if err != nil {
		if errors.Is(err, classifier.ErrNoAPIKey) {
			log.Warn("Classifier enabled but no API key set, continuing without it",
				logger.String("api_key_env", cfg.APIKeyEnv),
			)
		} else {
			log.Warn("Classifier unavailable, continuing without it", logger.Error(err))
		}
		return nil
	}
	return c
}

func newRegistry(app *App, engine *fallback.Engine, store cache.Store) (*scraper.Registry, error) {
	generic := scraper.NewGeneric(app.Loader, app.Analyzer, engine, app.Log,
		scraper.WithDirectFetch(app.HTTP, app.Limiter),
	)
	registry := scraper.NewRegistry(generic.Factory())

	for _, kind := range []string{domain.TypeAPIJSON, domain.TypeCSV, domain.TypeXML} {
		if err := registry.Register(kind, scraper.EndpointFactory(kind, app.HTTP)); err != nil {
			return nil, err
		}
	}

	query := scraper.NewQuery(app.HTTP.HTTP(), store, app.Log, scraper.WithCacheTTL(app.Config.Cache.TTL))
	if err := registry.Register(domain.TypeAsyncQuery, query.Factory()); err != nil {
		return nil, err
	}
	return registry, nil
}
