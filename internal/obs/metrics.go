package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// HTTP metrics.
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_build_info",
			Help: "Build information; the value is always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// Control plane metrics.
var (
	auditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_audit_appends_total",
			Help: "Audit chain entries appended, by action.",
		},
		[]string{"action"},
	)

	auditAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_audit_append_failures_total",
		Help: "Audit chain appends that failed at the storage layer.",
	})

	auditIntegrityViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_audit_integrity_violations_total",
		Help: "Divergent audit entries reported by integrity verification.",
	})

	authzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_authz_denials_total",
			Help: "Authorization denials, by error code.",
		},
		[]string{"code"},
	)

	pendingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_pending_action_transitions_total",
			Help: "Maker-checker state transitions, by resulting status.",
		},
		[]string{"status"},
	)

	exportResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_exports_total",
			Help: "Export requests, by result.",
		},
		[]string{"result"},
	)

	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_audit_stream_dropped_total",
		Help: "Audit entries not delivered to a slow live subscriber.",
	})

	stepUpVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_stepup_verifications_total",
			Help: "Step-up verification attempts, by method and result.",
		},
		[]string{"method", "result"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge, buildInfo,
			auditAppends, auditAppendFailures, auditIntegrityViolations,
			authzDenials, pendingTransitions, exportResults, stepUpVerifications,
			streamDropped,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InitBuildInfo publishes the running version.
func InitBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func AuditAppended(action string)       { auditAppends.WithLabelValues(action).Inc() }
func AuditAppendFailed()                { auditAppendFailures.Inc() }
func AuditIntegrityViolations(n int)    { auditIntegrityViolations.Add(float64(n)) }
func AuthzDenied(code string)           { authzDenials.WithLabelValues(code).Inc() }
func PendingActionTransition(to string) { pendingTransitions.WithLabelValues(to).Inc() }
func ExportResult(result string)        { exportResults.WithLabelValues(result).Inc() }
func StreamDropped()                    { streamDropped.Inc() }
func StepUpVerification(method, result string) {
	stepUpVerifications.WithLabelValues(method, result).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "approvals":
		if len(parts) == 3 {
			return "/v1/approvals/:id"
		}
		if len(parts) == 4 && (parts[3] == "approve" || parts[3] == "reject") {
			return "/v1/approvals/:id/" + parts[3]
		}
	case "users":
		if len(parts) == 4 && parts[3] == "roles" {
			return "/v1/users/:id/roles"
		}
		if len(parts) == 5 && parts[3] == "roles" {
			return "/v1/users/:id/roles/:role"
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
