package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/metrics"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())

	m.RecordRun(true, 2*time.Second)
	m.RecordRun(false, time.Second)
	m.RecordSourceAttempt("fred", false, "rate_limit")
	m.RecordSourceAttempt("fred", true, "")
	m.RecordStrategy("api", true, 10*time.Millisecond)
	m.RecordWait("fred", 500*time.Millisecond)
	m.RecordRetry("fred", "network")
	m.SetQuality("fred", 92.5)
	m.RecordExport(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SourceAttempts.WithLabelValues("fred", "failure", "rate_limit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StrategyResults.WithLabelValues("api", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Retries.WithLabelValues("fred", "network")), 0)
	assert.InDelta(t, 92.5, testutil.ToFloat64(m.QualityScore.WithLabelValues("fred")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Exports.WithLabelValues("success")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordRun(true, time.Second)
		m.RecordSourceAttempt("x", true, "")
		m.RecordStrategy("api", false, 0)
		m.RecordWait("x", 0)
		m.RecordRetry("x", "network")
		m.SetQuality("x", 1)
		m.RecordExport(false)
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	m.RecordRun(true, time.Second)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `datafetch_pipeline_runs_total{result="success"} 1`)
}
