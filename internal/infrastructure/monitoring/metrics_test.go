package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsTwice(t *testing.T) {
	// Separate registries: no duplicate registration panic.
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}

func TestRecordRegistration(t *testing.T) {
	m := NewMetrics()

	m.RecordRegistration(ResultAccepted, time.Millisecond)
	m.RecordRegistration(ResultAccepted, time.Millisecond)
	m.RecordRegistration("version_mismatch", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Registrations.WithLabelValues(ResultAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("version_mismatch")))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Registrations)
	assert.Equal(t, int64(1), snap.Rejections)
}

func TestCountersAndGauges(t *testing.T) {
	m := NewMetrics()

	m.IncDeregistrations()
	m.RecordReclaimed(CauseDead)
	m.RecordReclaimed(CauseDead)
	m.RecordMessage("KEEPALIVE")
	m.IncMalformed()
	m.SetProcesses(3)
	m.SetPorts(3, 16)
	m.SetMemPoolUsage("data", "128", 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deregistrations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProcessesReclaimed.WithLabelValues(CauseDead)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("KEEPALIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedMessages))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProcessesRegistered))
	assert.Equal(t, 16.0, testutil.ToFloat64(m.PortsCapacity))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MemPoolChunksUsed.WithLabelValues("data", "128")))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.ActiveProcesses)
	assert.Equal(t, int64(2), snap.Reclaimed)
	assert.Equal(t, int64(1), snap.MalformedMessages)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "iox_roudi_uptime_seconds")
	assert.Contains(t, w.Body.String(), "iox_roudi_http_requests_total")
}

func TestTimer(t *testing.T) {
	m := NewMetrics()
	NewTimer(m).Stop(ResultAccepted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues(ResultAccepted)))

	assert.NotPanics(t, func() { NewTimer(nil).Stop(ResultAccepted) })
}
