package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycle(t *testing.T) {
	m := New()
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	m.ObserveCycle("ok", 2*time.Second, at)
	m.ObserveCycle("TRANSPORT", time.Second, at.Add(time.Minute))
	m.ObserveCycle("BUSY", 0, at.Add(2*time.Minute))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("TRANSPORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("BUSY")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "fieldsync_sync_cycle_duration_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), samples, "busy rejections are not timed")
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.AddIngested("site", 3)
	m.AddIngested("site", 0)
	m.AddPushed(2, 1)
	m.SetPending(4)
	m.SetBreakerState(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingested.WithLabelValues("site")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushed.WithLabelValues("SYNCED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushed.WithLabelValues("FAILED")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("ok", time.Second, time.Now())
		m.AddIngested("site", 1)
		m.AddPushed(1, 1)
		m.SetPending(1)
		m.SetBreakerState(2)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetPending(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "fieldsync_pending_operations 7")
	assert.Contains(t, string(body), "go_goroutines")
}
