package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus/metrics"
)

func TestRegistry_RecordsCorrelationSignals(t *testing.T) {
	r := metrics.NewRegistry()

	r.SetCorrelationPending(3)
	r.RecordCorrelationOutcome("timeout")
	r.RecordCorrelationOutcome("timeout")
	r.RecordCorrelationOrphan()

	expected := `
# HELP bus_correlation_pending Current number of calls awaiting a response
# TYPE bus_correlation_pending gauge
bus_correlation_pending 3
# HELP bus_correlation_resolutions_total Total number of settled calls by outcome
# TYPE bus_correlation_resolutions_total counter
bus_correlation_resolutions_total{outcome="timeout"} 2
# HELP bus_correlation_orphans_total Total number of responses discarded because no call was pending
# TYPE bus_correlation_orphans_total counter
bus_correlation_orphans_total 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected),
		"bus_correlation_pending", "bus_correlation_resolutions_total", "bus_correlation_orphans_total"))
}

func TestRegistry_RecordPublishAndDedupe(t *testing.T) {
	r := metrics.NewRegistry()

	r.RecordPublish("user.events", time.Millisecond, nil)
	r.RecordPublish("user.events", time.Millisecond, errors.New("boom"))
	r.RecordDedupe("redis", true, nil)
	r.RecordDedupe("redis", false, nil)
	r.RecordDedupe("redis", false, errors.New("down"))

	count, err := testutil.GatherAndCount(r.Gatherer(), "bus_client_publish_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(r.Gatherer(), "bus_dedupe_operation_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestServer_ReadyAfterMarkReady(t *testing.T) {
	s := metrics.NewServer(metrics.ServerConfig{Port: 0, Timeout: time.Second}, "restaurant", metrics.NewRegistry(), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.MarkReady()

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","service":"restaurant"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bus_start_time_seconds")
}
