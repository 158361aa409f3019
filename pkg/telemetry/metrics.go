package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Metrics provides Prometheus metrics for the scheduler, the lease manager
// and the resource plugins. A disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	eventDispatches *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	pendingEvents   prometheus.Gauge

	leaseOperations *prometheus.CounterVec
	leaseDuration   *prometheus.HistogramVec

	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	healed         *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics creates a collector on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		eventDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_dispatches_total",
				Help:      "Scheduler event dispatches by event type and outcome",
			},
			[]string{"event_type", "status"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_dispatch_duration_seconds",
				Help:      "Duration of scheduler event dispatches in seconds",
				Buckets:   buckets,
			},
			[]string{"event_type"},
		),
		pendingEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_events",
				Help:      "Due events found by the last scheduler sweep",
			},
		),
		leaseOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_operations_total",
				Help:      "Lease create, update and delete calls by outcome",
			},
			[]string{"operation", "status"},
		),
		leaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lease_operation_duration_seconds",
				Help:      "Duration of lease operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Resource plugin calls by resource type, operation and outcome",
			},
			[]string{"resource_type", "operation", "status"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of resource plugin calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		healed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "healed_reservations_total",
				Help:      "Reservations touched by healing, by outcome",
			},
			[]string{"resource_type", "outcome"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	m.registry.MustRegister(
		m.eventDispatches,
		m.eventDuration,
		m.pendingEvents,
		m.leaseOperations,
		m.leaseDuration,
		m.pluginCalls,
		m.pluginDuration,
		m.healed,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

func (m *Metrics) RecordEventDispatch(eventType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.eventDispatches.WithLabelValues(eventType, status).Inc()
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordLeaseOperation(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.leaseOperations.WithLabelValues(operation, status).Inc()
	m.leaseDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) SetPendingEvents(count float64) {
	if !m.enabled() {
		return
	}
	m.pendingEvents.Set(count)
}

// RecordPluginCall records one resource plugin call.
func (m *Metrics) RecordPluginCall(resourceType, operation string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			m.RecordError(string(ee.Class), ee.Code)
		}
	}
	m.pluginCalls.WithLabelValues(resourceType, operation, status).Inc()
	m.pluginDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordHealFlags counts the outcome of every flagged reservation.
func (m *Metrics) RecordHealFlags(resourceType string, flags map[string]engine.HealFlags) {
	if !m.enabled() {
		return
	}
	for _, f := range flags {
		if f.ResourcesChanged {
			m.healed.WithLabelValues(resourceType, "resources_changed").Inc()
		}
		if f.MissingResources {
			m.healed.WithLabelValues(resourceType, "missing_resources").Inc()
		}
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer serves the metrics endpoint in the background and
// returns the server for shutdown. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}
