package scraper

import (
	"context"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// Generic handles sources with no dedicated adapter: it loads the page,
// ranks the captured exchanges and runs the fallback engine.
type Generic struct {
	loader   browser.Loader
	analyzer *discovery.Analyzer
	engine   *fallback.Engine
	direct   fallback.Fetcher
	limiter  *ratelimit.Limiter
	log      logger.Logger
}

// GenericOption configures a Generic adapter.
type GenericOption func(*Generic)

// WithDirectFetch makes candidates without a captured body fetchable. Each
// fetch takes a slot from the source's window in limiter and follows its
// retry policy.
func WithDirectFetch(fetcher fallback.Fetcher, limiter *ratelimit.Limiter) GenericOption {
	return func(g *Generic) {
		g.direct = fetcher
		g.limiter = limiter
	}
}

// NewGeneric creates the generic adapter.
func NewGeneric(
	loader browser.Loader,
	analyzer *discovery.Analyzer,
	engine *fallback.Engine,
	log logger.Logger,
	opts ...GenericOption,
) *Generic {
	if log == nil {
		log = logger.NewNop()
	}
	g := &Generic{loader: loader, analyzer: analyzer, engine: engine, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Factory returns a Factory sharing g across sources.
func (g *Generic) Factory() Factory {
	return func(domain.SourceDescriptor) (Scraper, error) { return g, nil }
}

func (g *Generic) Name() string { return domain.TypeUniversal }

// Retrieve loads the page and ranks its exchanges.
func (g *Generic) Retrieve(ctx context.Context, req Request) (Payload, error) {
	url := req.Source.URL
	if url == "" {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "retrieve", errNoLocator)
	}
	page, err := g.loader.Load(ctx, url, browser.HintsFor(url, req.Source.WaitFor))
	if err != nil {
		return Payload{Page: page}, err
	}
	candidates := g.analyzer.Analyze(page.Exchanges)
	g.log.Debug("Candidates ranked",
		logger.String("url", url),
		logger.Int("exchanges", len(page.Exchanges)),
		logger.Int("candidates", len(candidates)),
	)
	return Payload{Page: page, Candidates: candidates}, nil
}

// Parse runs the strategy chain over the payload.
func (g *Generic) Parse(ctx context.Context, req Request, p Payload) Parsed {
	in := fallback.Input{
		URL:        p.Page.URL,
		Markup:     p.Page.Markup,
		Candidates: p.Candidates,
		Headers:    req.Source.Headers,
		DataPath:   req.Source.DataPath,
		FieldMap:   req.Source.FieldMap,
	}
	if g.direct != nil && g.limiter != nil {
		in.Fetcher = NewThrottledFetcher(g.direct, g.limiter, req.Source.Identity, g.log)
	}
	res, err := g.engine.Run(ctx, in)
	if err != nil {
		return Parsed{Outcome: domain.ExtractionOutcome{Err: err}, Attempts: res.Attempts}
	}
	return Parsed{Outcome: res.Outcome, Attempts: res.Attempts}
}
