package obs

import (
	"net/http"
	"strconv"
	"strings"
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
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// EventsPublished counts envelopes accepted by the transport.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the bus.",
		},
		[]string{"type"},
	)

	// EventPublishFailures counts failed publish attempts; outcome is retry or dead_letter.
	EventPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_publish_failures_total",
			Help: "Failed domain event publish attempts.",
		},
		[]string{"type", "outcome"},
	)

	// EventsConsumed counts deliveries by outcome: processed, duplicate, skipped, failed.
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Domain event deliveries handled by consumers.",
		},
		[]string{"type", "outcome"},
	)

	// AuthAttempts counts credential exchanges by outcome and reason.
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Token issuance and refresh attempts.",
		},
		[]string{"method", "outcome", "reason"},
	)

	// GuardDecisions counts authorization decisions: allowed, unauthenticated, forbidden.
	GuardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Service-local authorization decisions.",
		},
		[]string{"operation", "outcome"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			EventsPublished, EventPublishFailures, EventsConsumed,
			AuthAttempts, GuardDecisions,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records rate, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// collections whose following segment is an identifier.
var collections = map[string]bool{
	"users":    true,
	"roles":    true,
	"tenants":  true,
	"outlets":  true,
	"staff":    true,
	"products": true,
	"stock":    true,
	"expenses": true,
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if collections[parts[i-1]] && !collections[parts[i]] {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
