// Package metrics exposes Prometheus metrics for admission and the offline queue.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nursefi/nursefi"
)

// Metrics holds all Prometheus metrics for nursefi. It implements
// nursefi.AdmissionObserver, offline.QueueObserver and offline.ReplayObserver.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Admission metrics
	AdmissionRejections *prometheus.CounterVec

	// Offline queue metrics
	QueueDepth     prometheus.Gauge
	QueueEnqueued  prometheus.Counter
	QueueEvicted   prometheus.Counter
	ReplayOutcomes *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered on registerer.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nursefi_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nursefi_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AdmissionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nursefi_admission_rejections_total",
				Help: "Requests rejected by the admission guard, by reason",
			},
			[]string{"reason"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nursefi_offline_queue_depth",
				Help: "Requests currently waiting in the offline queue",
			},
		),
		QueueEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nursefi_offline_enqueued_total",
				Help: "Requests queued after a transport failure",
			},
		),
		QueueEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nursefi_offline_evicted_total",
				Help: "Queued requests evicted because the queue was full",
			},
		),
		ReplayOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nursefi_offline_replayed_total",
				Help: "Queued requests processed by replay passes, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Rejected counts an admission rejection.
func (m *Metrics) Rejected(_ *http.Request, reason nursefi.AdmissionReason) {
	m.AdmissionRejections.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Enqueued(depth int) {
	m.QueueEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Evicted(n int) {
	m.QueueEvicted.Add(float64(n))
}

func (m *Metrics) Removed(depth int) {
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Replayed(outcome string, n int) {
	m.ReplayOutcomes.WithLabelValues(outcome).Add(float64(n))
}

// Middleware records request counts and latencies labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
