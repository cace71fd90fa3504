// Package metrics exposes Prometheus metrics for terminal sessions and the
// WebSocket transport.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workspace/webterm/internal/pty"
)

const namespace = "webterm"

// Collector owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionLifetime  prometheus.Histogram
	ClientsAttached  prometheus.Gauge
	ClientsReplaced  prometheus.Counter
	ReplayedEntries  prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	FramesDropped    prometheus.Counter
	AuthFailures     prometheus.Counter
	ConnectFailures  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestDelay *prometheus.HistogramVec
}

var _ pty.Observer = (*Collector)(nil)

// New creates a collector with Go runtime and process collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of terminal sessions in the registry",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of terminal sessions created",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of terminal sessions closed, by reason",
		}, []string{"reason"}),
		SessionLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Time from session creation to close",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
		}),
		ClientsAttached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_attached",
			Help:      "Number of WebSocket clients currently attached to a session",
		}),
		ClientsReplaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_replaced_total",
			Help:      "Total number of clients forced off by a newer attach",
		}),
		ReplayedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_entries_total",
			Help:      "Total number of buffered output entries replayed on attach",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_received_total",
			Help:      "Inbound WebSocket control frames, by type",
		}, []string{"type"}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_dropped_total",
			Help:      "Inbound frames dropped by the per-connection rate limiter",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Connections rejected by the authorizer",
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Authorized connections that could not be attached, by cause",
		}, []string{"cause"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration, by method and route",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionCreated implements pty.Observer.
func (c *Collector) SessionCreated(pty.SessionInfo) {
	c.SessionsCreated.Inc()
	c.SessionsActive.Inc()
}

// SessionClosed implements pty.Observer.
func (c *Collector) SessionClosed(info pty.SessionInfo, reason pty.CloseReason, _ int) {
	c.SessionsActive.Dec()
	c.SessionsClosed.WithLabelValues(string(reason)).Inc()
	if !info.CreatedAt.IsZero() {
		c.SessionLifetime.Observe(time.Since(info.CreatedAt).Seconds())
	}
}

// ClientAttached records a successful attach.
func (c *Collector) ClientAttached(replaced bool, replayed int) {
	c.ClientsAttached.Inc()
	if replaced {
		c.ClientsReplaced.Inc()
	}
	c.ReplayedEntries.Add(float64(replayed))
}

// ClientDetached records the end of a connection that had attached.
func (c *Collector) ClientDetached() {
	c.ClientsAttached.Dec()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPRequestDelay.WithLabelValues(method, route).Observe(d.Seconds())
}
