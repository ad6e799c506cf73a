// Package fallback extracts a table from a source that has no dedicated
// adapter by trying each extraction strategy in a fixed order.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// ErrNoDataSourceFound is matched by the error Run returns when every
// strategy failed.
var ErrNoDataSourceFound = errors.New("no data source found")

// Input is everything a strategy may extract from. It is built once per
// retrieval and never modified by strategies.
type Input struct {
	URL        string
	Markup     string
	Candidates []domain.CandidateEndpoint
	Headers    map[string]string
	DataPath   string
	FieldMap   map[string]string
	// Fetcher, when set, replaces the engine's fetcher for candidates that
	// have no captured body. Callers use it to throttle per source.
	Fetcher Fetcher
}

// Fetcher retrieves a locator directly.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (domain.Exchange, error)
}

// Strategy is one extraction method.
type Strategy interface {
	Name() domain.Strategy
	Extract(ctx context.Context, in Input) domain.ExtractionOutcome
}

// NoDataError lists every failed attempt.
type NoDataError struct {
	Attempts []domain.ExtractionOutcome
}

func (e *NoDataError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("%s (%s)", ErrNoDataSourceFound, strings.Join(parts, "; "))
}

func (e *NoDataError) Unwrap() error { return ErrNoDataSourceFound }

// Result is a successful run and the failed attempts that preceded it.
type Result struct {
	Outcome  domain.ExtractionOutcome
	Attempts []domain.ExtractionOutcome
}

// Observer sees every strategy outcome, in order.
type Observer func(outcome domain.ExtractionOutcome, elapsed time.Duration)

// Engine runs strategies in order and stops at the first non-empty table.
type Engine struct {
	strategies []Strategy
	observer   Observer
	log        logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategies replaces the default strategy chain.
func WithStrategies(s ...Strategy) Option {
	return func(e *Engine) {
		e.strategies = s
	}
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates an engine with the default chain API, script, table, CSV,
// XML. fetcher and advisor may be nil.
func New(fetcher Fetcher, advisor classifier.Classifier, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		strategies: DefaultStrategies(fetcher, advisor),
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultStrategies returns the standard chain.
func DefaultStrategies(fetcher Fetcher, advisor classifier.Classifier) []Strategy {
	return []Strategy{
		&APIStrategy{Fetcher: fetcher, Advisor: advisor},
		ScriptStrategy{},
		TableStrategy{},
		&CSVStrategy{Fetcher: fetcher},
		&XMLStrategy{Fetcher: fetcher},
	}
}

// Strategies returns the chain in order.
func (e *Engine) Strategies() []domain.Strategy {
	out := make([]domain.Strategy, len(e.strategies))
	for i, s := range e.strategies {
		out[i] = s.Name()
	}
	return out
}

// Run tries each strategy until one yields a non-empty table. When all fail
// it returns a parsing-class error matching ErrNoDataSourceFound; the
// attempts are available through *NoDataError.
func (e *Engine) Run(ctx context.Context, in Input) (Result, error) {
	var attempts []domain.ExtractionOutcome
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempts}, scrapeerr.New(scrapeerr.KindCancelled, "extract", err)
		}

		start := time.Now()
		out := s.Extract(ctx, in)
		out.Strategy = s.Name()
		if out.Success && out.Table.IsEmpty() {
			out = domain.Failed(s.Name(), domain.ErrEmptyTable)
		}
		if !out.Success && out.Err == nil {
			out.Err = errors.New("strategy produced no table")
		}
		if e.observer != nil {
			e.observer(out, time.Since(start))
		}

		if out.Success {
			e.log.Debug("Extraction strategy succeeded",
				logger.String("strategy", string(out.Strategy)),
				logger.String("endpoint", out.Endpoint),
				logger.Int("rows", out.Table.Len()),
				logger.Int("columns", out.Table.Width()),
			)
			return Result{Outcome: out, Attempts: attempts}, nil
		}

		e.log.Debug("Extraction strategy failed",
			logger.String("strategy", string(out.Strategy)),
			logger.Error(out.Err),
		)
		attempts = append(attempts, out)
	}

	return Result{Attempts: attempts}, scrapeerr.New(scrapeerr.KindParsing, "extract", &NoDataError{Attempts: attempts})
}
