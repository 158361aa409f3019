package telemetry

import (
	"context"
	"errors"
	"net/http"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// service instance.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

// NewTelemetry creates every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventPublisher(cfg.Events, cfg.ServiceName)
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events").Zerolog()), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// StartMetricsServer serves /metrics until Shutdown.
func (t *Telemetry) StartMetricsServer() {
	t.metricsServer = t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
}

// Shutdown stops the components in reverse order of creation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsServer != nil {
		errs = append(errs, t.metricsServer.Shutdown(ctx))
	}
	errs = append(errs, t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx), t.Logger.Close())
	return errors.Join(errs...)
}
