// Package bootstrap wires the datafetch collaborators from configuration for
// the CLI commands and the HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/compliance"
	"github.com/jonesrussell/north-cloud/datafetch/internal/config"
	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/export"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/httpclient"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/metrics"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

// App holds every wired collaborator. Close releases the ones holding
// connections.
type App struct {
	Config       *config.Config
	Log          logger.Logger
	Metrics      *metrics.Metrics
	Catalog      *sources.Catalog
	HTTP         *httpclient.Client
	Loader       browser.Loader
	Analyzer     *discovery.Analyzer
	Limiter      *ratelimit.Limiter
	Registry     *scraper.Registry
	Runner       *scraper.Runner
	Orchestrator *pipeline.Orchestrator

	closers []func() error
}

// CreateLogger builds the service logger from configuration.
func CreateLogger(cfg *config.Config, version string) (logger.Logger, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		logger.String("service", "datafetch"),
		logger.String("version", version),
	), nil
}

// Option customizes wiring that has no configuration form.
type Option func(*options)

type options struct {
	refresh func(ctx context.Context) error
}

// WithRefresh sets the credential refresh run before the single retry of an
// auth failure. Without it auth failures are reported without a retry.
func WithRefresh(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.refresh = fn }
}

// New wires the application. A missing sources file yields an empty catalog
// so explicit URLs still work.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{Config: cfg, Log: log}

	// Phase 1: catalog and shared clients
	catalog, err := loadCatalog(cfg.SourcesFile, log)
	if err != nil {
		return nil, err
	}
	app.Catalog = catalog
	app.Metrics = metrics.New(nil)
	app.HTTP = httpclient.New(cfg.HTTP, httpclient.NewHTTPClient(cfg.HTTP))
	app.Loader = newLoader(cfg.Browser, log)
	app.Analyzer = discovery.NewAnalyzer(cfg.Discovery, log)

	// Phase 2: throttling and validation
	app.Limiter = newLimiter(cfg, catalog)
	profiles, err := newProfiles(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	// Phase 3: adapters
	store, closeStore, err := newCache(cfg.Cache, log)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	// Direct candidate fetches go through the generic adapter's throttled
	// fetcher, so the engine gets none of its own.
	advisor := newClassifier(cfg.Classifier, app.HTTP, log)
	engine := fallback.New(nil, advisor, log,
		fallback.WithObserver(func(out domain.ExtractionOutcome, elapsed time.Duration) {
			app.Metrics.RecordStrategy(string(out.Strategy), out.Success, elapsed)
		}),
	)
	registry, err := newRegistry(app, engine, store)
	if err != nil {
		return nil, err
	}
	app.Registry = registry

	// Phase 4: runner and orchestrator
	runnerOpts := []scraper.RunnerOption{scraper.WithMetrics(app.Metrics)}
	if advisor != nil {
		runnerOpts = append(runnerOpts, scraper.WithClassifier(advisor))
	}
	if o.refresh != nil {
		runnerOpts = append(runnerOpts, scraper.WithRefresh(o.refresh))
	}
	if cfg.Compliance.Robots {
		runnerOpts = append(runnerOpts, scraper.WithCompliance(
			compliance.NewChecker(app.HTTP.HTTP(), cfg.HTTP.UserAgent, cfg.Compliance.CacheTTL),
		))
	}
	app.Runner = scraper.NewRunner(app.Limiter, validate.New(log), profiles, log, runnerOpts...)

	orchOpts := []pipeline.Option{pipeline.WithMetrics(app.Metrics)}
	if cfg.Export.Enabled {
		orchOpts = append(orchOpts, pipeline.WithExporter(export.NewExcel(cfg.Export.Dir, log)))
	}
	app.Orchestrator = pipeline.New(catalog, registry, app.Runner, log, orchOpts...)

	log.Info("Datafetch initialized",
		logger.Int("sources", catalog.Len()),
		logger.String("browser_engine", cfg.Browser.Engine),
		logger.String("cache_driver", cfg.Cache.Driver),
		logger.Strings("adapters", registry.Types()),
		logger.Bool("robots", cfg.Compliance.Robots),
		logger.Bool("export", cfg.Export.Enabled),
	)
	return app, nil
}

// Close releases held connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadCatalog(path string, log logger.Logger) (*sources.Catalog, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn("Sources file not found, only explicit URLs can be fetched",
			logger.String("path", path),
		)
	}
	catalog, err := sources.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	return catalog, nil
}
