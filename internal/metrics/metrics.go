// Package metrics owns the prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps wiring optional in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deletions       *prometheus.CounterVec
	objectsDeleted  prometheus.Counter
	connections     prometheus.Gauge
	notifications   *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbadmin_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kbadmin_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbadmin_bucket_deletions_total",
			Help: "Bucket deletion runs by outcome.",
		}, []string{"outcome"}),
		objectsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kbadmin_bucket_objects_deleted_total",
			Help: "Objects removed by bucket deletions.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kbadmin_notify_connections",
			Help: "Open notification connections.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbadmin_notify_events_total",
			Help: "Notification events by name and whether anybody was listening.",
		}, []string{"event", "delivered"}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.deletions, m.objectsDeleted, m.connections, m.notifications)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Deletion outcomes: completed, failed, conflict.
func (m *Metrics) Deletion(outcome string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObjectsDeleted(n int) {
	if m == nil {
		return
	}
	m.objectsDeleted.Add(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Notified(event string, delivered bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, strconv.FormatBool(delivered)).Inc()
}
