// Package metrics exports generator and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gflake"

// Metrics holds every collector. It implements gflake.Observer.
type Metrics struct {
	IDsIssued        prometheus.Counter
	OverflowWaits    prometheus.Counter
	OverflowWaitTime prometheus.Histogram
	ClockRegressions prometheus.Counter
	RegressionSize   prometheus.Histogram
	LastTimestamp    prometheus.Gauge
	Generations      prometheus.Gauge
	HeartbeatErrors  prometheus.Counter

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPDurationSeconds   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ gflake.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		IDsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_issued_total",
			Help:      "Total number of IDs issued",
		}),
		OverflowWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_overflow_waits_total",
			Help:      "Number of times a millisecond's sequence space was exhausted",
		}),
		OverflowWaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_overflow_wait_seconds",
			Help:      "Time spent waiting for the next millisecond",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),
		ClockRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_regressions_total",
			Help:      "Number of refused requests because the clock moved backwards",
		}),
		RegressionSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clock_regression_seconds",
			Help:      "How far the clock moved backwards",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		LastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_timestamp_offset_ms",
			Help:      "Timestamp offset of the last issued ID",
		}),
		Generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generator_generations",
			Help:      "Number of generators created by the client",
		}),
		HeartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_heartbeat_errors_total",
			Help:      "Number of failed worker slot heartbeats",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "Response size in bytes",
				Buckets: []float64{100, 500, 1_000, 5_000, 10_000, 50_000, 100_000, 500_000},
			},
			[]string{"method", "route", "status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(
		m.IDsIssued, m.OverflowWaits, m.OverflowWaitTime,
		m.ClockRegressions, m.RegressionSize, m.LastTimestamp,
		m.Generations, m.HeartbeatErrors,
		m.HTTPRequestsTotal, m.HTTPDurationSeconds, m.HTTPResponseSizeBytes,
	)
	return m
}

// Issued counts an issued ID.
func (m *Metrics) Issued(c gflake.Components) {
	m.IDsIssued.Inc()
	m.LastTimestamp.Set(float64(c.Timestamp))
}

// OverflowWait records a wait for the next millisecond.
func (m *Metrics) OverflowWait(d time.Duration) {
	m.OverflowWaits.Inc()
	m.OverflowWaitTime.Observe(d.Seconds())
}

// ClockRegression records a refused request.
func (m *Metrics) ClockRegression(magnitude time.Duration) {
	m.ClockRegressions.Inc()
	m.RegressionSize.Observe(magnitude.Seconds())
}

// HeartbeatResult is a workerid.Keeper heartbeat hook.
func (m *Metrics) HeartbeatResult(err error) {
	if err != nil {
		m.HeartbeatErrors.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Middleware records request count, latency and response size per route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		statusStr := strconv.Itoa(status)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusStr).Inc()
		m.HTTPDurationSeconds.WithLabelValues(r.Method, route, statusStr).Observe(time.Since(start).Seconds())
		m.HTTPResponseSizeBytes.WithLabelValues(r.Method, route, statusStr).Observe(float64(rec.bytes))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
