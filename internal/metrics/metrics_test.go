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

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOperation("join", "ok", 10*time.Millisecond)
	c.RecordOperation("join", "ok", 10*time.Millisecond)
	c.RecordOperation("join", "Full", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("join", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("join", "Full")))
}

func TestRecordDeliverySkipsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDelivery("PlayerJoined", 3, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.delivered.WithLabelValues("PlayerJoined")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.failed))
}

func TestRecordSweepAndConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSweep("evict", 4, 1, time.Second)
	c.SetConnections(7)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.swept.WithLabelValues("evict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepFailed.WithLabelValues("evict")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.connections))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRetry("join")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wordle_lobby_conflict_retries_total")
}
