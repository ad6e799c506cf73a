package browser_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

func TestHintsFor(t *testing.T) {
	t.Parallel()

	h := browser.HintsFor("https://example.com/markets/quote/AAPL", "")
	assert.Equal(t, "table", h.Selector)
	assert.Equal(t, browser.FinancialSettle, h.Settle)

	h = browser.HintsFor("https://example.com/stock/x", "#grid")
	assert.Equal(t, "#grid", h.Selector)

	h = browser.HintsFor("https://example.com/about", "")
	assert.Empty(t, h.Selector)
	assert.Equal(t, browser.DefaultSettle, h.Settle)
}

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var c browser.Config
	c.SetDefaults()
	assert.Equal(t, browser.EngineChrome, c.Engine)
	assert.Equal(t, browser.DefaultTimeout, c.Timeout)
	assert.Equal(t, browser.DefaultMaxBodyBytes, c.MaxBodyBytes)
	assert.NotEmpty(t, c.UserAgent)
}

func TestStatic_Load(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ua-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><table><tr><th>a</th></tr><tr><td>1</td></tr></table></html>"))
	}))
	t.Cleanup(srv.Close)

	l := browser.NewStatic(browser.Config{UserAgent: "ua-test"}, nil)
	page, err := l.Load(context.Background(), srv.URL, domain.WaitHints{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, page.Status)
	assert.Contains(t, page.Markup, "<table>")
	require.Len(t, page.Exchanges, 1)
	assert.Equal(t, "document", page.Exchanges[0].ResourceType)
	assert.Contains(t, page.Exchanges[0].ContentType, "text/html")
}

func TestStatic_CapturesDataDocument(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("date,close\n2024-01-01,1\n"))
	}))
	t.Cleanup(srv.Close)

	page, err := browser.NewStatic(browser.Config{}, nil).Load(context.Background(), srv.URL+"/export.csv", domain.WaitHints{})
	require.NoError(t, err)
	require.Len(t, page.Exchanges, 1)
	assert.Equal(t, "text/csv", page.Exchanges[0].ContentType)
	assert.Equal(t, "date,close\n2024-01-01,1\n", string(page.Exchanges[0].Body))
}

func TestStatic_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	page, err := browser.NewStatic(browser.Config{}, nil).Load(context.Background(), srv.URL, domain.WaitHints{})
	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindRateLimit, scrapeerr.Classify(err))
	assert.Equal(t, http.StatusTooManyRequests, page.Status)
}

func TestStatic_Unreachable(t *testing.T) {
	t.Parallel()

	l := browser.NewStatic(browser.Config{Timeout: 200 * time.Millisecond}, nil)
	_, err := l.Load(context.Background(), "http://127.0.0.1:1/", domain.WaitHints{})
	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindNetwork, scrapeerr.Classify(err))
}

func TestStatic_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := browser.NewStatic(browser.Config{}, nil).Load(ctx, "http://127.0.0.1:1/", domain.WaitHints{})
	require.Error(t, err)
	assert.Equal(t, scrapeerr.KindCancelled, scrapeerr.Classify(err))
}

func TestChrome_MissingRuntimeIsPermanent(t *testing.T) {
	t.Parallel()

	c := browser.NewChrome(browser.Config{Headless: true, ExecPath: "/nonexistent/chrome-for-tests"}, nil)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Load(ctx, "https://example.com", domain.WaitHints{})
	require.Error(t, err)

	var se *scrapeerr.Error
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Permanent)
	assert.NotEmpty(t, se.Suggestions)
}
