package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	authOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_auth_outcomes_total",
			Help: "Authentication and authorization outcomes by operation.",
		},
		[]string{"operation", "outcome"},
	)

	sessionsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_sessions_issued_total",
		Help: "Sessions created by login or refresh rotation.",
	})

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_ratelimit_decisions_total",
			Help: "Rate limiter decisions.",
		},
		[]string{"decision"},
	)

	rateLimitDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_ratelimit_degraded_total",
		Help: "Rate limit checks served while the shared counter store was unreachable.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "access_ready",
		Help: "1 when the service passed its last readiness check.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Access service build information.",
		},
		[]string{"version", "commit"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authOutcomes, sessionsIssued, rateLimitDecisions, rateLimitDegraded, ready, buildInfo,
		)
	})
}

// SetBuildInfo publishes build_info{version,commit} 1.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthOutcome counts one outcome of an access-control operation.
func AuthOutcome(operation, outcome string) {
	authOutcomes.WithLabelValues(operation, outcome).Inc()
}

// SessionIssued counts a newly created session.
func SessionIssued() { sessionsIssued.Inc() }

// RateLimitDecision counts an allowed or throttled decision.
func RateLimitDecision(decision string) {
	rateLimitDecisions.WithLabelValues(decision).Inc()
}

// RateLimitDegraded counts a check served without the shared counter store.
func RateLimitDegraded() { rateLimitDegraded.Inc() }

// SetReady records the last readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with request metrics. route labels the request;
// when nil the raw path is used.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		label := r.URL.Path
		if route != nil {
			if rt := route(r); rt != "" {
				label = rt
			}
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
