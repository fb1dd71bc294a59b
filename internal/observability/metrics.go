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
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	// Approval steps are measured in hours to weeks.
	stepDurationBuckets = []float64{60, 600, 3600, 4 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400, 30 * 86400}
	jobDurationBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowDecisionsTotal   *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowEscalationsTotal *prometheus.CounterVec
	WorkflowDelegationsTotal *prometheus.CounterVec
	WorkflowConflictsTotal   *prometheus.CounterVec

	// Side-effect metrics
	EntitySyncFailuresTotal *prometheus.CounterVec
	NotifyFailuresTotal     *prometheus.CounterVec

	// Background jobs
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Cache metrics
	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter

	// Template metrics
	TemplateWritesTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"template_id"}),
		WorkflowDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_decisions_total",
			Help: "Total number of step decisions.",
		}, []string{"template_id", "step", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"template_id", "status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "passage_workflow_active_instances",
			Help: "Number of pending workflow instances started by this process.",
		}, []string{"template_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_workflow_step_duration_seconds",
			Help:    "Time from step assignment to decision in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"template_id", "step"}),
		WorkflowEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_escalations_total",
			Help: "Total number of overdue steps escalated.",
		}, []string{"template_id"}),
		WorkflowDelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_delegations_total",
			Help: "Total number of steps delegated.",
		}, []string{"template_id"}),
		WorkflowConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_workflow_conflicts_total",
			Help: "Total number of operations rejected because the row was no longer pending.",
		}, []string{"operation"}),

		// Side effects
		EntitySyncFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_entity_sync_failures_total",
			Help: "Total number of failed entity status updates.",
		}, []string{"entity_type"}),
		NotifyFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_notify_failures_total",
			Help: "Total number of failed notification events.",
		}, []string{"event"}),

		// Jobs
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_job_runs_total",
			Help: "Total number of background job runs.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_job_duration_seconds",
			Help:    "Background job duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"job"}),

		// Cache
		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "passage_directory_cache_hits_total",
			Help: "Total approver directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "passage_directory_cache_misses_total",
			Help: "Total approver directory cache misses.",
		}),

		// Templates
		TemplateWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_template_writes_total",
			Help: "Total number of template writes.",
		}, []string{"operation", "status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowDecisionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowStepDuration,
		m.WorkflowEscalationsTotal,
		m.WorkflowDelegationsTotal,
		m.WorkflowConflictsTotal,
		// Side effects
		m.EntitySyncFailuresTotal,
		m.NotifyFailuresTotal,
		// Jobs
		m.JobRunsTotal,
		m.JobDuration,
		// Cache
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
		// Templates
		m.TemplateWritesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records an instance start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordWorkflowDecision records a decision on a step and how long the step
// waited for it.
func (m *Metrics) RecordWorkflowDecision(templateID string, stepNumber int, action string, waited time.Duration) {
	step := strconv.Itoa(stepNumber)
	m.WorkflowDecisionsTotal.WithLabelValues(templateID, step, action).Inc()
	m.WorkflowStepDuration.WithLabelValues(templateID, step).Observe(waited.Seconds())
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(templateID, status string) {
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, status).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordEscalation records an overdue step being escalated.
func (m *Metrics) RecordEscalation(templateID string) {
	m.WorkflowEscalationsTotal.WithLabelValues(templateID).Inc()
}

// RecordDelegation records a step being delegated.
func (m *Metrics) RecordDelegation(templateID string) {
	m.WorkflowDelegationsTotal.WithLabelValues(templateID).Inc()
}

// RecordConflict records an operation that lost a race on a pending row.
func (m *Metrics) RecordConflict(operation string) {
	m.WorkflowConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordEntitySyncFailure records a failed entity status update.
func (m *Metrics) RecordEntitySyncFailure(entityType string) {
	m.EntitySyncFailuresTotal.WithLabelValues(entityType).Inc()
}

// RecordNotifyFailure records a failed notification.
func (m *Metrics) RecordNotifyFailure(event string) {
	m.NotifyFailuresTotal.WithLabelValues(event).Inc()
}

// RecordJobRun records one run of a background job.
func (m *Metrics) RecordJobRun(job, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordDirectoryCacheHit records an approver directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records an approver directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	m.DirectoryCacheMissesTotal.Inc()
}

// RecordTemplateWrite records a template create, update or deactivation.
func (m *Metrics) RecordTemplateWrite(operation, status string) {
	m.TemplateWritesTotal.WithLabelValues(operation, status).Inc()
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
	// Mounted sub-routers leave a /* segment at every join.
	pattern = strings.TrimSuffix(strings.ReplaceAll(pattern, "/*/", "/"), "/*")
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
