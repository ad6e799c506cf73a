package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/export"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

const fixtureType = "fixture"

const catalogYAML = `
sources:
  - id: A
    type: fixture
    url: https://a.example.com/data
    compliance: allowed
    fallbacks: [B]
  - id: B
    type: fixture
    url: https://b.example.com/data
    compliance: allowed
  - id: C
    type: fixture
    url: https://c.example.com/data
    compliance: allowed
  - id: locked
    type: fixture
    url: https://locked.example.com/data
    compliance: disallowed
`

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fixture returns canned tables per source identity and counts calls.
type fixture struct {
	mu     sync.Mutex
	tables map[string]*table.Table
	errs   map[string]error
	calls  []string
}

func (f *fixture) factory() scraper.Factory {
	return func(domain.SourceDescriptor) (scraper.Scraper, error) { return f, nil }
}

func (f *fixture) Name() string { return fixtureType }

func (f *fixture) Retrieve(_ context.Context, req scraper.Request) (scraper.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Source.Identity)
	return scraper.Payload{Page: domain.PageLoad{URL: req.Source.URL}}, f.errs[req.Source.Identity]
}

func (f *fixture) Parse(_ context.Context, req scraper.Request, p scraper.Payload) scraper.Parsed {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[req.Source.Identity]
	if !ok {
		return scraper.Parsed{Outcome: domain.Failed(domain.StrategyAPI, errors.New("parse: unexpected payload"))}
	}
	return scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, t.Clone(), p.Page.URL)}
}

func (f *fixture) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func series(rows int) *table.Table {
	t := table.New([]string{"date", "close"})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range rows {
		t.AppendRow([]any{start.AddDate(0, 0, i).Format("2006-01-02"), 100 + float64(i)})
	}
	return t
}

type recordingExporter struct {
	meta export.Metadata
	err  error
}

func (e *recordingExporter) Export(_ context.Context, t *table.Table, meta export.Metadata) (string, error) {
	e.meta = meta
	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("mem://%s/%d", meta.Source, t.Len()), nil
}

func newOrchestrator(t *testing.T, fx *fixture, opts ...pipeline.Option) *pipeline.Orchestrator {
	t.Helper()

	catalog, err := sources.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	generic := scraper.NewGeneric(
		browser.NewStatic(browser.Config{}, nil),
		discovery.NewAnalyzer(discovery.DefaultWeights(), nil),
		fallback.New(nil, nil, nil),
		nil,
	)
	registry := scraper.NewRegistry(generic.Factory())
	require.NoError(t, registry.Register(fixtureType, fx.factory()))

	clk := instantClock{}
	runner := scraper.NewRunner(
		ratelimit.NewLimiter(ratelimit.Config{Window: time.Minute, MaxRequests: 100}, ratelimit.WithClock(clk)),
		validate.New(nil, validate.WithNow(clk.Now)),
		validate.NewProfileSet(),
		nil,
	)

	opts = append([]pipeline.Option{pipeline.WithRunIDs(func() string { return "run-1" })}, opts...)
	return pipeline.New(catalog, registry, runner, nil, opts...)
}

func TestRun_FallbackAfterEmptyPrimary(t *testing.T) {
	t.Parallel()

	fx := &fixture{tables: map[string]*table.Table{
		"A": table.New([]string{"date", "close"}),
		"B": series(10),
		"C": series(3),
	}}
	o := newOrchestrator(t, fx)

	out, err := o.Run(context.Background(), pipeline.Request{Source: "A", Fallbacks: []string{"B", "C"}})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "B", out.SourceUsed)
	assert.Equal(t, []string{"A", "B"}, out.SourcesTried)
	assert.Equal(t, map[string]string{"A": domain.ErrEmptyTable.Error()}, out.SourcesFailed)
	assert.Equal(t, 10, out.Table.Len())
	assert.Equal(t, []string{"A", "B"}, fx.Calls(), "C is never tried after B succeeds")
	require.NotNil(t, out.Validation)
	assert.True(t, out.Validation.IsValid())
	assert.Equal(t, "run-1", out.RunID)
	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Success)
	assert.True(t, out.Attempts[1].Success)
}

func TestRun_ConfiguredFallbacksUsedWhenNoneGiven(t *testing.T) {
	t.Parallel()

	fx := &fixture{tables: map[string]*table.Table{"B": series(2)}}
	out, err := newOrchestrator(t, fx).Run(context.Background(), pipeline.Request{Source: "A"})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, []string{"A", "B"}, out.SourcesTried)
	assert.Contains(t, out.SourcesFailed["A"], "parse")
}

func TestRun_AllSourcesFail(t *testing.T) {
	t.Parallel()

	fx := &fixture{
		tables: map[string]*table.Table{},
		errs:   map[string]error{"B": errors.New("connection refused")},
	}
	out, err := newOrchestrator(t, fx).Run(context.Background(), pipeline.Request{
		Source:    "A",
		Fallbacks: []string{"B", "missing", "locked"},
	})
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Nil(t, out.Table)
	assert.Nil(t, out.Validation)
	assert.Equal(t, []string{"A", "B", "missing", "locked"}, out.SourcesTried)
	require.Len(t, out.SourcesFailed, 4)
	assert.Contains(t, out.SourcesFailed["missing"], sources.ErrNotFound.Error())
	assert.Contains(t, out.SourcesFailed["locked"], "compliance")
	assert.Contains(t, out.SourcesFailed["B"], "connection refused")
}

func TestRun_OverrideCompliance(t *testing.T) {
	t.Parallel()

	fx := &fixture{tables: map[string]*table.Table{"locked": series(2)}}
	out, err := newOrchestrator(t, fx).Run(context.Background(), pipeline.Request{Source: "locked", OverrideCompliance: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestRun_ExplicitURLWithNoDataSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body><p>Nothing tabular here.</p></body></html>")
	}))
	t.Cleanup(srv.Close)

	out, err := newOrchestrator(t, &fixture{}).Run(context.Background(), pipeline.Request{URL: srv.URL + "/page"})
	require.NoError(t, err)

	host := srv.Listener.Addr().String()
	assert.False(t, out.Success)
	assert.Equal(t, []string{host}, out.SourcesTried)
	assert.Contains(t, out.SourcesFailed[host], fallback.ErrNoDataSourceFound.Error())
	require.Len(t, out.Attempts, 1)
	assert.NotEmpty(t, out.Attempts[0].Strategies)
}

func TestRun_ValidationErrorsDoNotUnsucceed(t *testing.T) {
	t.Parallel()

	bad := table.New([]string{"date", "open", "high", "low", "close"})
	bad.AppendRow([]any{"2024-01-01", 10.0, 9.0, 11.0, 10.0})
	fx := &fixture{tables: map[string]*table.Table{"C": bad}}

	out, err := newOrchestrator(t, fx).Run(context.Background(), pipeline.Request{Source: "C"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.Validation)
	assert.False(t, out.Validation.IsValid())
	assert.Equal(t, 1, out.Validation.ErrorCount(validate.CheckOHLCErrors))
}

func TestRun_Export(t *testing.T) {
	t.Parallel()

	t.Run("artifact reference", func(t *testing.T) {
		t.Parallel()
		exp := &recordingExporter{}
		fx := &fixture{tables: map[string]*table.Table{"B": series(4)}}
		out, err := newOrchestrator(t, fx, pipeline.WithExporter(exp)).
			Run(context.Background(), pipeline.Request{Source: "A", Export: true})
		require.NoError(t, err)

		assert.Equal(t, "mem://B/4", out.ArtifactRef)
		assert.Empty(t, out.ExportError)
		assert.Equal(t, "B", exp.meta.Source)
		assert.Equal(t, 4, exp.meta.RowsExtracted)
		assert.Equal(t, []string{"A", "B"}, exp.meta.SourcesTried)
		assert.Equal(t, "run-1", exp.meta.RunID)
	})

	t.Run("failure is reported without failing the run", func(t *testing.T) {
		t.Parallel()
		exp := &recordingExporter{err: errors.New("disk full")}
		fx := &fixture{tables: map[string]*table.Table{"C": series(2)}}
		out, err := newOrchestrator(t, fx, pipeline.WithExporter(exp)).
			Run(context.Background(), pipeline.Request{Source: "C", Export: true})
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, "disk full", out.ExportError)
	})

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		fx := &fixture{tables: map[string]*table.Table{"C": series(2)}}
		out, err := newOrchestrator(t, fx).Run(context.Background(), pipeline.Request{Source: "C", Export: true})
		require.NoError(t, err)
		assert.Equal(t, pipeline.ErrExportNotConfigured.Error(), out.ExportError)
	})
}

func TestRun_RequestErrors(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fixture{})
	_, err := o.Run(context.Background(), pipeline.Request{})
	require.ErrorIs(t, err, pipeline.ErrNoTarget)

	out, err := o.Run(context.Background(), pipeline.Request{URL: "ftp://example.com/x"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Len(t, out.SourcesFailed, 1)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fx := &fixture{tables: map[string]*table.Table{"A": series(2)}}
	out, err := newOrchestrator(t, fx).Run(ctx, pipeline.Request{Source: "A"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Empty(t, fx.Calls())
}
