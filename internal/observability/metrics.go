package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for caseflow. Every Record
// helper is safe to call on a nil *Metrics so engines can run without a
// registry.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec

	// Approval metrics
	ApprovalRequestsCreatedTotal *prometheus.CounterVec
	ApprovalDecisionsTotal       *prometheus.CounterVec
	ReconciliationRequiredTotal  prometheus.Counter

	// Escalation metrics
	EscalationsTotal        *prometheus.CounterVec
	EscalationClaimsLost    prometheus.Counter
	EscalationSweepDuration prometheus.Histogram

	// Notification metrics
	NotificationsTotal         *prometheus.CounterVec
	NotificationCircuitBreaker *prometheus.GaugeVec

	// Cache and idempotency metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter

	// Configuration metrics
	ConfigurationWritesTotal *prometheus.CounterVec
	ConfigurationLayers      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_transition_duration_seconds",
			Help:    "Transition attempt duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"outcome"}),

		// Approvals
		ApprovalRequestsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_approval_requests_created_total",
			Help: "Total number of approval requests created.",
		}, []string{"request_type"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_approval_decisions_total",
			Help: "Total number of approval requests resolved, by decision.",
		}, []string{"decision"}),
		ReconciliationRequiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_reconciliation_required_total",
			Help: "Approvals that committed without the case mutation they authorize.",
		}),

		// Escalation
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_escalations_total",
			Help: "Total number of escalations sent.",
		}, []string{"request_type"}),
		EscalationClaimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_escalation_claims_lost_total",
			Help: "Escalation claims lost to another sweeper.",
		}),
		EscalationSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseflow_escalation_sweep_duration_seconds",
			Help:    "Escalation sweep duration in seconds.",
			Buckets: engineDurationBuckets,
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_notifications_total",
			Help: "Total number of notifications by driver and result.",
		}, []string{"driver", "result"}),
		NotificationCircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_notification_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"driver"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_idempotency_replays_total",
			Help: "Mutating requests answered from the idempotency store.",
		}),

		// Configuration
		ConfigurationWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_configuration_writes_total",
			Help: "Total configuration writes by status.",
		}, []string{"status"}),
		ConfigurationLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_configuration_layers",
			Help: "Number of stored configuration layers.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Transitions
		m.TransitionsTotal,
		m.TransitionDuration,
		// Approvals
		m.ApprovalRequestsCreatedTotal,
		m.ApprovalDecisionsTotal,
		m.ReconciliationRequiredTotal,
		// Escalation
		m.EscalationsTotal,
		m.EscalationClaimsLost,
		m.EscalationSweepDuration,
		// Notifications
		m.NotificationsTotal,
		m.NotificationCircuitBreaker,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		// Configuration
		m.ConfigurationWritesTotal,
		m.ConfigurationLayers,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a transition attempt. outcome is applied,
// pending_approval, or the lower-cased error code.
func (m *Metrics) RecordTransition(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(outcome).Inc()
	m.TransitionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordApprovalRequested records a newly created approval request.
func (m *Metrics) RecordApprovalRequested(requestType string) {
	if m == nil {
		return
	}
	m.ApprovalRequestsCreatedTotal.WithLabelValues(requestType).Inc()
}

// RecordApprovalDecision records a request leaving PENDING.
func (m *Metrics) RecordApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordReconciliationRequired records an approval whose case mutation failed.
func (m *Metrics) RecordReconciliationRequired() {
	if m == nil {
		return
	}
	m.ReconciliationRequiredTotal.Inc()
}

// RecordEscalation records an escalation sent by the winning sweeper.
func (m *Metrics) RecordEscalation(requestType string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(requestType).Inc()
}

// RecordEscalationClaimLost records a claim won by another sweeper.
func (m *Metrics) RecordEscalationClaimLost() {
	if m == nil {
		return
	}
	m.EscalationClaimsLost.Inc()
}

// RecordEscalationSweep records the duration of one sweep.
func (m *Metrics) RecordEscalationSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.EscalationSweepDuration.Observe(duration.Seconds())
}

// RecordNotification records a notification delivery attempt. result is
// sent, failed or dropped.
func (m *Metrics) RecordNotification(driver, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(driver, result).Inc()
}

// SetNotificationCircuitBreakerState sets the breaker state for a driver.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotificationCircuitBreakerState(driver string, state float64) {
	if m == nil {
		return
	}
	m.NotificationCircuitBreaker.WithLabelValues(driver).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordConfigurationWrite records a configuration write.
func (m *Metrics) RecordConfigurationWrite(status string) {
	if m == nil {
		return
	}
	m.ConfigurationWritesTotal.WithLabelValues(status).Inc()
}

// SetConfigurationLayers sets the number of stored configuration layers.
func (m *Metrics) SetConfigurationLayers(count int) {
	if m == nil {
		return
	}
	m.ConfigurationLayers.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
