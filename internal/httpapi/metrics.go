package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP series shared by the worker and controller surfaces. The path label
// is always a route pattern, never a raw URL.
var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests served by a worker or the controller, by route, method and status.",
	}, []string{"path", "method", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Wall time per request, including a runtime load on first /infer.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"path", "method", "status"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Requests currently being handled by this process.",
	})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "http",
		Name:      "rejected_total",
		Help:      "Requests refused before they reached the capability runtime, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, rejectedTotal)
}

// codeWriter remembers the status a handler wrote. Handlers that never call
// WriteHeader answer 200.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records request count, latency and in-flight gauge. It
// must be mounted with Use on a chi router; the route is resolved after the
// handler ran, once chi has matched it.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(cw, r)

		labels := []string{routeLabel(r), r.Method, strconv.Itoa(cw.code)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the matched chi pattern ("/infer", "/status"). Unmatched
// requests fall back to the URL path.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementRejected counts a request refused before it reached the runtime,
// such as a malformed or oversized body.
func IncrementRejected(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	rejectedTotal.WithLabelValues(reason).Inc()
}
