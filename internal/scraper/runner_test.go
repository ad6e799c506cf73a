package scraper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper/mocks"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
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

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func testLimits() ratelimit.Config {
	return ratelimit.Config{
		Window:      60 * time.Second,
		MaxRequests: 120,
		BackoffBase: 60 * time.Second,
		MaxRetries:  3,
	}
}

func newRunner(clk *fakeClock, opts ...scraper.RunnerOption) *scraper.Runner {
	limiter := ratelimit.NewLimiter(testLimits(), ratelimit.WithClock(clk))
	validator := validate.New(nil, validate.WithNow(func() time.Time { return clk.Now() }))
	return scraper.NewRunner(limiter, validator, nil, nil, opts...)
}

func newMock(t *testing.T) *mocks.MockScraper {
	t.Helper()
	ctrl := gomock.NewController(t)
	m := mocks.NewMockScraper(ctrl)
	m.EXPECT().Name().Return("mock").AnyTimes()
	return m
}

func priceTable() *table.Table {
	t := table.New([]string{"symbol", "price"})
	t.AppendRow([]any{"BTC", "$64,200.50"})
	return t
}

func allowedRequest(id string) scraper.Request {
	return scraper.Request{Source: domain.SourceDescriptor{
		Identity:   id,
		URL:        "https://example.com/" + id,
		Compliance: domain.ComplianceAllowed,
	}}
}

func phases(ts []scraper.Transition) []scraper.Phase {
	out := make([]scraper.Phase, 0, len(ts)+1)
	if len(ts) > 0 {
		out = append(out, ts[0].From)
	}
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestRunner_SuccessWalksEveryPhase(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("coingecko")
	payload := scraper.Payload{Page: domain.PageLoad{URL: req.Source.URL, Status: 200}}

	m.EXPECT().Retrieve(gomock.Any(), req).Return(payload, nil)
	m.EXPECT().Parse(gomock.Any(), req, payload).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, priceTable(), req.Source.URL)})

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	require.NoError(t, res.Err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, scraper.PhaseDone, res.Phase)
	assert.Equal(t, []scraper.Phase{
		scraper.PhaseIdle, scraper.PhaseRetrieving, scraper.PhaseParsing, scraper.PhaseValidating, scraper.PhaseDone,
	}, phases(res.Transitions))
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Validated)
	assert.Equal(t, domain.ComplianceAllowed, res.Compliance)

	price, ok := table.AsFloat(res.Outcome.Table.Rows[0][1])
	require.True(t, ok)
	assert.InDelta(t, 64200.50, price, 1e-9)
}

func TestRunner_RateLimitBacksOffThenSucceeds(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := newMock(t)
	req := allowedRequest("fred")
	limited := scrapeerr.FromStatus(429, req.Source.URL, nil)

	gomock.InOrder(
		m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, limited),
		m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, limited),
		m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil),
	)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, priceTable(), "")})

	res := newRunner(clk).Run(context.Background(), m, req)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, clk.Sleeps())
}

func TestRunner_RateLimitExhausted(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("alphavantage")
	m.EXPECT().Retrieve(gomock.Any(), req).
		Return(scraper.Payload{}, scrapeerr.FromStatus(429, req.Source.URL, nil)).Times(4)

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	require.Error(t, res.Err)
	assert.Equal(t, scraper.PhaseFailed, res.Phase)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, scrapeerr.KindRateLimit, scrapeerr.Classify(res.Err))
	assert.False(t, res.Validated)
}

func TestRunner_BotDetectionIsNotRetried(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("blocked")
	m.EXPECT().Retrieve(gomock.Any(), req).
		Return(scraper.Payload{}, scrapeerr.FromStatus(403, req.Source.URL, []byte("captcha")))

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, scrapeerr.KindBotDetection, scrapeerr.Classify(res.Err))
}

func TestRunner_ParseFailureSkipsValidation(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("broken")
	m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Failed(domain.StrategyCSV, errors.New("decode csv: bad quote"))})

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	require.Error(t, res.Err)
	assert.Equal(t, scrapeerr.KindParsing, scrapeerr.Classify(res.Err))
	assert.Equal(t, []scraper.Phase{
		scraper.PhaseIdle, scraper.PhaseRetrieving, scraper.PhaseParsing, scraper.PhaseFailed,
	}, phases(res.Transitions))
	assert.Equal(t, 1, res.Attempts)
}

func TestRunner_EmptyTableIsValidatedButNotSuccessful(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("empty")
	m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, table.New([]string{"a"}), "")})

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	require.NoError(t, res.Err)
	assert.Equal(t, scraper.PhaseDone, res.Phase)
	assert.False(t, res.Succeeded())
	require.ErrorIs(t, res.Outcome.Err, domain.ErrEmptyTable)
	assert.True(t, res.Validated)
	assert.True(t, res.Report.Has(validate.CheckEmptyTable))
}

func TestRunner_NormalizationKeepsDatesAndCurrencies(t *testing.T) {
	t.Parallel()

	raw := table.New([]string{"date", "price_usd"})
	raw.AppendRow([]any{"20240101", "$10"})
	raw.AppendRow([]any{"20240102", "€11"})
	raw.AppendRow([]any{"20240103", "$12"})

	m := newMock(t)
	req := allowedRequest("prices")
	req.Source.Profile = validate.ProfileTimeSeries
	m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyCSV, raw, "")})

	res := newRunner(newFakeClock()).Run(context.Background(), m, req)

	require.NoError(t, res.Err)
	assert.Equal(t, []any{"20240101", 10.0}, res.Outcome.Table.Rows[0])
	assert.False(t, res.Report.Has(validate.CheckDateParse), "warnings: %v", res.Report.Warnings())
	assert.False(t, res.Report.Has(validate.CheckMissingDate))
	assert.True(t, res.Report.Has(validate.CheckMixedCurrency))
	_, ok := res.Report.Stat("date_range")
	assert.True(t, ok)
}

type columnClassifier struct {
	mapping map[string]string
	calls   int
}

func (c *columnClassifier) Classify(context.Context, classifier.Request) (classifier.Result, error) {
	c.calls++
	return classifier.Result{FieldMap: c.mapping}, nil
}

func TestRunner_ClassifierRenamesColumns(t *testing.T) {
	t.Parallel()

	raw := table.New([]string{"d", "px"})
	raw.AppendRow([]any{"2024-01-01", "10"})

	m := newMock(t)
	req := allowedRequest("endpoint")
	m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyCSV, raw, "")})

	c := &columnClassifier{mapping: map[string]string{"d": "date", "px": "close"}}
	res := newRunner(newFakeClock(), scraper.WithClassifier(c)).Run(context.Background(), m, req)

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"date", "close"}, res.Outcome.Table.Columns)
	assert.Equal(t, []any{"2024-01-01", 10.0}, res.Outcome.Table.Rows[0])
	assert.Equal(t, []string{"d", "px"}, raw.Columns)
	assert.Equal(t, 1, c.calls)

	// A configured field mapping wins over the classifier.
	m = newMock(t)
	req.Source.FieldMap = map[string]string{"px": "price"}
	m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
	m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
		Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyCSV, raw, "")})

	res = newRunner(newFakeClock(), scraper.WithClassifier(c)).Run(context.Background(), m, req)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"d", "px"}, res.Outcome.Table.Columns)
	assert.Equal(t, 1, c.calls)
}

func TestRunner_ComplianceGate(t *testing.T) {
	t.Parallel()

	t.Run("disallowed without override never retrieves", func(t *testing.T) {
		t.Parallel()
		m := newMock(t)
		req := allowedRequest("private")
		req.Source.Compliance = domain.ComplianceDisallowed

		res := newRunner(newFakeClock()).Run(context.Background(), m, req)

		require.ErrorIs(t, res.Err, scrapeerr.ErrComplianceBlocked)
		assert.True(t, scrapeerr.IsPermanent(res.Err))
		assert.Zero(t, res.Attempts)
		assert.Equal(t, []scraper.Phase{scraper.PhaseIdle, scraper.PhaseRetrieving, scraper.PhaseFailed}, phases(res.Transitions))
	})

	t.Run("override proceeds", func(t *testing.T) {
		t.Parallel()
		m := newMock(t)
		req := allowedRequest("private")
		req.Source.Compliance = domain.ComplianceDisallowed
		req.OverrideCompliance = true
		m.EXPECT().Retrieve(gomock.Any(), req).Return(scraper.Payload{}, nil)
		m.EXPECT().Parse(gomock.Any(), req, gomock.Any()).
			Return(scraper.Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, priceTable(), "")})

		res := newRunner(newFakeClock()).Run(context.Background(), m, req)
		require.NoError(t, res.Err)
		assert.True(t, res.Succeeded())
	})

	t.Run("unknown status is resolved by the provider", func(t *testing.T) {
		t.Parallel()
		m := newMock(t)
		req := allowedRequest("robots")
		req.Source.Compliance = domain.ComplianceUnknown
		provider := complianceFunc(func(context.Context, string) (domain.ComplianceStatus, error) {
			return domain.ComplianceDisallowed, nil
		})

		res := newRunner(newFakeClock(), scraper.WithCompliance(provider)).Run(context.Background(), m, req)
		require.ErrorIs(t, res.Err, scrapeerr.ErrComplianceBlocked)
		assert.Equal(t, domain.ComplianceDisallowed, res.Compliance)
	})
}

type complianceFunc func(ctx context.Context, url string) (domain.ComplianceStatus, error)

func (f complianceFunc) Status(ctx context.Context, url string) (domain.ComplianceStatus, error) {
	return f(ctx, url)
}

func TestRunner_CancelledDuringRetrieval(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("slow")
	ctx, cancel := context.WithCancel(context.Background())

	m.EXPECT().Retrieve(gomock.Any(), req).DoAndReturn(func(ctx context.Context, _ scraper.Request) (scraper.Payload, error) {
		cancel()
		<-ctx.Done()
		return scraper.Payload{}, ctx.Err()
	}).MaxTimes(1)

	res := newRunner(newFakeClock()).Run(ctx, m, req)

	require.Error(t, res.Err)
	assert.Equal(t, scrapeerr.KindCancelled, scrapeerr.Classify(res.Err))
	assert.Equal(t, scraper.PhaseFailed, res.Phase)
}

func TestRunner_CallTimeoutIsNetworkFailure(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	req := allowedRequest("hangs")
	m.EXPECT().Retrieve(gomock.Any(), req).DoAndReturn(func(ctx context.Context, _ scraper.Request) (scraper.Payload, error) {
		<-ctx.Done()
		return scraper.Payload{}, ctx.Err()
	}).Times(4)

	res := newRunner(newFakeClock(), scraper.WithCallTimeout(10*time.Millisecond)).Run(context.Background(), m, req)

	require.Error(t, res.Err)
	assert.Equal(t, scrapeerr.KindNetwork, scrapeerr.Classify(res.Err))
	assert.Equal(t, 4, res.Attempts)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, scraper.CanTransition(scraper.PhaseIdle, scraper.PhaseRetrieving))
	assert.False(t, scraper.CanTransition(scraper.PhaseIdle, scraper.PhaseParsing))
	assert.False(t, scraper.CanTransition(scraper.PhaseRetrieving, scraper.PhaseValidating))
	assert.True(t, scraper.CanTransition(scraper.PhaseParsing, scraper.PhaseFailed))
	assert.False(t, scraper.CanTransition(scraper.PhaseDone, scraper.PhaseFailed))
	assert.False(t, scraper.CanTransition(scraper.PhaseFailed, scraper.PhaseRetrieving))
}
