package bootstrap_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/config"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
)

func testConfig(t *testing.T, sourcesYAML string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yml")
	require.NoError(t, os.WriteFile(path, []byte(sourcesYAML), 0o600))

	cfg := &config.Config{SourcesFile: path}
	cfg.Browser.Engine = browser.EngineStatic
	cfg.Export.Dir = filepath.Join(dir, "exports")
	cfg.RateLimit.MinInterval = time.Millisecond
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func csvServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "DATE,VALUE\n2024-01-01,4.10\n2024-01-02,4.12\n2024-01-03,4.08\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_WiresAdapters(t *testing.T) {
	t.Parallel()

	app, err := bootstrap.New(testConfig(t, "sources: []\n"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Equal(t, []string{domain.TypeAPIJSON, domain.TypeAsyncQuery, domain.TypeCSV, domain.TypeXML}, app.Registry.Types())
	assert.IsType(t, &browser.Static{}, app.Loader)
	assert.NotNil(t, app.Orchestrator)
	assert.Zero(t, app.Catalog.Len())
}

func TestNew_EndToEndCSVSource(t *testing.T) {
	t.Parallel()

	srv := csvServer(t)
	cfg := testConfig(t, `
sources:
  - id: fred/DGS10
    type: csv
    url: `+srv.URL+`/graph.csv
    compliance: allowed
    field_map:
      value: yield
    rate_limit:
      max_requests: 5
`)
	cfg.Export.Enabled = true

	app, err := bootstrap.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Equal(t, 5, app.Limiter.ConfigFor("fred/DGS10").MaxRequests)

	out, err := app.Orchestrator.Run(context.Background(), pipeline.Request{Source: "fred/DGS10", Export: true})
	require.NoError(t, err)
	require.True(t, out.Success, "%v", out.SourcesFailed)
	assert.Equal(t, domain.StrategyCSV, out.Strategy)
	assert.Equal(t, []string{"date", "yield"}, out.Table.Columns)
	assert.Equal(t, 3, out.Table.Len())
	require.NotEmpty(t, out.ArtifactRef, out.ExportError)
	assert.FileExists(t, out.ArtifactRef)
}

func TestNew_RefreshRetriesAuthFailure(t *testing.T) {
	t.Parallel()

	var token atomic.Value
	token.Store("stale")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token.Load() != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "DATE,VALUE\n2024-01-01,4.10\n2024-01-02,4.12\n")
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, `
sources:
  - id: private
    type: csv
    url: `+srv.URL+`/data.csv
    compliance: allowed
`)

	var refreshes atomic.Int32
	app, err := bootstrap.New(cfg, nil, bootstrap.WithRefresh(func(context.Context) error {
		refreshes.Add(1)
		token.Store("fresh")
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	out, err := app.Orchestrator.Run(context.Background(), pipeline.Request{Source: "private"})
	require.NoError(t, err)
	require.True(t, out.Success, "%v", out.SourcesFailed)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 2, out.Table.Len())

	// Without a refresher the auth failure is final.
	token.Store("stale")
	plain, err := bootstrap.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = plain.Close() })

	out, err = plain.Orchestrator.Run(context.Background(), pipeline.Request{Source: "private"})
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestNew_RedisCache(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t, "sources: []\n")
	cfg.Cache.Driver = config.CacheRedis
	cfg.Cache.Redis.Address = mr.Addr()

	app, err := bootstrap.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.Close())
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown profile", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "sources: []\n")
		cfg.Profiles.Identities = map[string]string{"fred": "weekly"}
		_, err := bootstrap.New(cfg, nil)
		require.ErrorContains(t, err, "weekly")
	})

	t.Run("invalid sources file", func(t *testing.T) {
		t.Parallel()
		_, err := bootstrap.New(testConfig(t, "sources:\n  - type: csv\n"), nil)
		require.Error(t, err)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "sources: []\n")
		cfg.Cache.Driver = config.CacheRedis
		cfg.Cache.Redis.Address = "127.0.0.1:1"
		_, err := bootstrap.New(cfg, nil)
		require.Error(t, err)
	})
}

func TestNewServer_Routes(t *testing.T) {
	app, err := bootstrap.New(testConfig(t, "sources: []\n"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv := httptest.NewServer(bootstrap.NewServer(app).Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/extract", "application/json", strings.NewReader(`{"source":"missing"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "source not found")
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "sources: []\n")
	cfg.Server.Address = "127.0.0.1:0"
	app, err := bootstrap.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, bootstrap.Serve(ctx, app))
}
