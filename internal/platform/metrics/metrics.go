// Package metrics exposes Prometheus collectors for the lifecycle engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/clinic/internal/platform/apperr"
)

const namespace = "clinic"

// Collector owns a private registry so that tests and multiple servers in one
// process never collide on registration. All Record methods are safe on a nil
// receiver.
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	transitions      *prometheus.CounterVec
	prescriptions    *prometheus.CounterVec
	inconsistencies  *prometheus.CounterVec
	orphansRemoved   prometheus.Counter
	eventsPublished  *prometheus.CounterVec
	websocketClients prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_uploads_total",
				Help:      "File uploads by outcome",
			},
			[]string{"outcome"},
		),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_upload_bytes_total",
			Help:      "Bytes accepted by the object store",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "appointment_transitions_total",
				Help:      "Appointment status transitions by target status and outcome",
			},
			[]string{"to", "outcome"},
		),
		prescriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prescriptions_total",
				Help:      "Prescription create attempts by outcome",
			},
			[]string{"outcome"},
		),
		inconsistencies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inconsistencies_total",
				Help:      "Partial writes that need reconciliation",
			},
			[]string{"component"},
		),
		orphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_files_removed_total",
			Help:      "Stored files removed by the reconciliation sweep",
		}),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Lifecycle events by sink and outcome",
			},
			[]string{"sink", "outcome"},
		),
		websocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests,
		c.httpDuration,
		c.uploads,
		c.uploadBytes,
		c.transitions,
		c.prescriptions,
		c.inconsistencies,
		c.orphansRemoved,
		c.eventsPublished,
		c.websocketClients,
	)
	return c
}

// Registry returns the underlying registry, for tests and for wiring extra
// collectors such as pool statistics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordUpload counts a Put attempt. size is only added on success.
func (c *Collector) RecordUpload(outcome string, size int64) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK && size > 0 {
		c.uploadBytes.Add(float64(size))
	}
}

func (c *Collector) RecordTransition(to, outcome string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to, outcome).Inc()
}

func (c *Collector) RecordPrescription(outcome string) {
	if c == nil {
		return
	}
	c.prescriptions.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordInconsistency(component string) {
	if c == nil {
		return
	}
	c.inconsistencies.WithLabelValues(component).Inc()
}

func (c *Collector) RecordOrphansRemoved(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.orphansRemoved.Add(float64(n))
}

func (c *Collector) RecordEvent(sink, outcome string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(sink, outcome).Inc()
}

func (c *Collector) SetWebSocketClients(n int) {
	if c == nil {
		return
	}
	c.websocketClients.Set(float64(n))
}

// Outcome label values shared by callers.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request count and latency per matched route template,
// so path parameters do not explode label cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if err != nil {
				status = apperr.HTTPStatus(err)
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			c.RecordHTTPRequest(ctx.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
