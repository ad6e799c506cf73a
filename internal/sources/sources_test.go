package sources_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
)

const sample = `
sources:
  - id: coingecko_btc
    name: CoinGecko BTC
    type: api_json
    url: https://api.example.com/coins/bitcoin/market_chart
    data_path: prices
    field_map: {"0": date, "1": close}
    headers:
      Accept: application/json
    compliance: allowed
    profile: time_series
    rate_limit:
      window: 60s
      max_requests: 5
      backoff_base: 1m
    fallbacks: [market_page]
  - id: market_page
    url: https://www.example.com/markets
    wait_for: table
  - id: dune_flows
    type: async_query
    params:
      query_id: 1234
      parameters: {days: 7}
`

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := sources.Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	d, err := c.Resolve("coingecko_btc")
	require.NoError(t, err)
	assert.Equal(t, "CoinGecko BTC", d.Name)
	assert.Equal(t, domain.TypeAPIJSON, d.Type)
	assert.Equal(t, domain.ComplianceAllowed, d.Compliance)
	assert.Equal(t, "prices", d.DataPath)
	assert.Equal(t, "close", d.FieldMap["1"])
	assert.Equal(t, 60*time.Second, d.RateLimit.Window)
	assert.Equal(t, 5, d.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, d.RateLimit.BackoffBase)
	assert.Equal(t, []string{"market_page"}, d.Fallbacks)
	assert.False(t, d.IsGeneric())

	page, err := c.Resolve("market_page")
	require.NoError(t, err)
	assert.True(t, page.IsGeneric())
	assert.Equal(t, domain.ComplianceUnknown, page.Compliance)
	assert.Equal(t, "market_page", page.Name)

	dune, err := c.Resolve("dune_flows")
	require.NoError(t, err)
	assert.Equal(t, 1234, dune.Params["query_id"])

	ids := make([]string, 0, 3)
	for _, s := range c.List() {
		ids = append(ids, s.Identity)
	}
	assert.Equal(t, []string{"coingecko_btc", "dune_flows", "market_page"}, ids)
}

func TestResolve_NotFoundAndIsolation(t *testing.T) {
	t.Parallel()

	c, err := sources.Parse([]byte(sample))
	require.NoError(t, err)

	_, err = c.Resolve("nope")
	require.ErrorIs(t, err, sources.ErrNotFound)

	d, err := c.Resolve("coingecko_btc")
	require.NoError(t, err)
	d.Headers["Accept"] = "text/html"

	again, err := c.Resolve("coingecko_btc")
	require.NoError(t, err)
	assert.Equal(t, "application/json", again.Headers["Accept"])
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"missing id", "sources:\n  - url: https://x.com\n", "id is required"},
		{"missing url", "sources:\n  - id: a\n", "url is required"},
		{"bad scheme", "sources:\n  - id: a\n    url: ftp://x.com\n", "url must start"},
		{"bad compliance", "sources:\n  - id: a\n    url: https://x.com\n    compliance: maybe\n", "compliance"},
		{"self fallback", "sources:\n  - id: a\n    url: https://x.com\n    fallbacks: [a]\n", "itself"},
		{"duplicate", "sources:\n  - id: a\n    url: https://x.com\n  - id: a\n    url: https://y.com\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := sources.Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)

			var ee *sources.EntryError
			require.ErrorAs(t, err, &ee)
		})
	}

	_, err := sources.Parse([]byte("sources: [\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := sources.Load(filepath.Join(dir, "missing.yml"))
	require.NoError(t, err)
	assert.Zero(t, c.Len())

	path := filepath.Join(dir, "sources.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err = sources.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
}
