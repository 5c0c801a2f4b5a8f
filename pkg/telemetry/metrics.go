package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for botgate.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Stack metrics
	stackOperations *prometheus.CounterVec
	stackWait       *prometheus.HistogramVec
	stackEvents     prometheus.Counter

	// Shared infrastructure metrics
	sharedEnsures  *prometheus.CounterVec
	orphanCleanups *prometheus.CounterVec

	// Resize metrics
	resizes *prometheus.CounterVec

	// Sandbox metrics
	sandboxDetections *prometheus.CounterVec
	sandboxInstalls   *prometheus.CounterVec

	// Target metrics
	targetOperations *prometheus.CounterVec
	targetDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stackOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_operations_total",
				Help:      "Stack service calls issued by the reconciler",
			},
			[]string{"operation", "outcome"},
		),
		stackWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stack_wait_duration_seconds",
				Help:      "Time spent waiting for a stack to reach a terminal status",
				Buckets:   buckets,
			},
			[]string{"final_status"},
		),
		stackEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_events_observed_total",
				Help:      "Distinct stack events streamed to observers",
			},
		),
		sharedEnsures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shared_infra_ensure_total",
				Help:      "Shared infrastructure ensure calls by outcome",
			},
			[]string{"outcome"},
		),
		orphanCleanups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shared_infra_cleanup_total",
				Help:      "Orphaned shared infrastructure cleanup attempts by outcome",
			},
			[]string{"outcome"},
		),
		resizes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resize_operations_total",
				Help:      "Resize attempts by outcome",
			},
			[]string{"outcome"},
		),
		sandboxDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_detections_total",
				Help:      "Uncached sandbox runtime detections",
			},
			[]string{"platform", "availability"},
		),
		sandboxInstalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_installs_total",
				Help:      "Sandbox runtime install attempts by outcome",
			},
			[]string{"platform", "outcome"},
		),
		targetOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_operations_total",
				Help:      "Deployment target operations by kind and result",
			},
			[]string{"kind", "operation", "success"},
		),
		targetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "target_operation_duration_seconds",
				Help:      "Duration of deployment target operations",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
	}

	registry.MustRegister(
		m.stackOperations,
		m.stackWait,
		m.stackEvents,
		m.sharedEnsures,
		m.orphanCleanups,
		m.resizes,
		m.sandboxDetections,
		m.sandboxInstalls,
		m.targetOperations,
		m.targetDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordStackOperation counts a stack service call.
func (m *Metrics) RecordStackOperation(operation string, err error) {
	if !m.enabled() {
		return
	}
	m.stackOperations.WithLabelValues(operation, outcome(err)).Inc()
}

// RecordStackWait records how long a wait took and where it ended.
func (m *Metrics) RecordStackWait(finalStatus string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stackWait.WithLabelValues(finalStatus).Observe(duration.Seconds())
}

// RecordStackEvent counts a streamed stack event.
func (m *Metrics) RecordStackEvent() {
	if !m.enabled() {
		return
	}
	m.stackEvents.Inc()
}

// RecordSharedEnsure counts a shared infrastructure ensure call.
func (m *Metrics) RecordSharedEnsure(err error) {
	if !m.enabled() {
		return
	}
	m.sharedEnsures.WithLabelValues(outcome(err)).Inc()
}

// RecordOrphanCleanup counts an orphan cleanup decision (kept, deleted, failed).
func (m *Metrics) RecordOrphanCleanup(result string) {
	if !m.enabled() {
		return
	}
	m.orphanCleanups.WithLabelValues(result).Inc()
}

// RecordResize counts a resize attempt (success, rejected, failed, recovered).
func (m *Metrics) RecordResize(result string) {
	if !m.enabled() {
		return
	}
	m.resizes.WithLabelValues(result).Inc()
}

// RecordSandboxDetection counts an uncached detection.
func (m *Metrics) RecordSandboxDetection(platform, availability string) {
	if !m.enabled() {
		return
	}
	m.sandboxDetections.WithLabelValues(platform, availability).Inc()
}

// RecordSandboxInstall counts an install attempt.
func (m *Metrics) RecordSandboxInstall(platform, result string) {
	if !m.enabled() {
		return
	}
	m.sandboxInstalls.WithLabelValues(platform, result).Inc()
}

// RecordTargetOperation records a target operation with its duration.
func (m *Metrics) RecordTargetOperation(kind, operation string, success bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	s := "false"
	if success {
		s = "true"
	}
	m.targetOperations.WithLabelValues(kind, operation, s).Inc()
	m.targetDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
