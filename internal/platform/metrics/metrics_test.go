package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilReceiverIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordUpload(OutcomeOK, 10)
		c.RecordTransition("Confirmed", OutcomeOK)
		c.RecordPrescription(OutcomeError)
		c.RecordInconsistency("prescription")
		c.RecordOrphansRemoved(3)
		c.RecordEvent("kafka", OutcomeOK)
		c.SetWebSocketClients(2)
		c.RecordHTTPRequest("GET", "/x", 200, time.Millisecond)
	})
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.RecordUpload(OutcomeOK, 2048)
	c.RecordUpload("payload_too_large", 99)
	c.RecordTransition("Confirmed", OutcomeOK)
	c.RecordTransition("Confirmed", OutcomeOK)
	c.RecordInconsistency("prescription")
	c.RecordOrphansRemoved(4)
	c.RecordOrphansRemoved(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.uploads.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.uploads.WithLabelValues("payload_too_large")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.uploadBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("Confirmed", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inconsistencies.WithLabelValues("prescription")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.orphansRemoved))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestCollector_MiddlewareAndHandler(t *testing.T) {
	c := NewCollector()
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/appointments/:id", func(ctx echo.Context) error {
		return ctx.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(c.Handler()))

	req := httptest.NewRequest(http.MethodGet, "/appointments/123", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/appointments/:id", "200")))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clinic_http_requests_total"))
}
