// Package metrics exposes the dev server's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	WSConnections   prometheus.Gauge
	WSFrames        *prometheus.CounterVec
	MessagesSent    prometheus.Counter
	ReadAcks        prometheus.Counter
	RateLimited     prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibechat",
			Name:      "ws_connections",
			Help:      "Open live channel connections.",
		}),
		WSFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibechat",
			Name:      "ws_frames_total",
			Help:      "Inbound live channel frames by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibechat",
			Name:      "messages_sent_total",
			Help:      "Messages stored and broadcast.",
		}),
		ReadAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibechat",
			Name:      "read_acks_total",
			Help:      "Successful read acknowledgments.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibechat",
			Name:      "ws_rate_limited_total",
			Help:      "sendMessage frames rejected by the per-connection limiter.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vibechat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.WSConnections,
		m.WSFrames,
		m.MessagesSent,
		m.ReadAcks,
		m.RateLimited,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
