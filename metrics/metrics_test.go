package metrics

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
)

func TestMasterMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMasterMetrics(reg).(*masterMetrics)

	m.RecordRequest("create_file", "ok", time.Millisecond)
	m.RecordRequest("create_file", "Conflict", time.Millisecond)
	m.RecordRequest("create_file", "ok", time.Millisecond)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetDeadServers(2)
	m.RecordProbe(true)
	m.RecordProbe(false)
	m.RecordPrune(true)
	m.RecordPrune(false)
	m.RecordPrune(false)
	m.RecordLogAppend()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("create_file", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deadServers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probesTotal.WithLabelValues("dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prunedFiles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pruneFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logAppends))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMasterMetrics(prometheus.NewRegistry())
		NewMasterMetrics(prometheus.NewRegistry())
	})
	assert.IsType(t, noopMasterMetrics{}, NewMasterMetrics(nil))
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMasterMetrics(reg).RecordLogAppend()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chunkfs_master_wal_appends_total 1")

	rec := httptest.NewRecorder()
	Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
