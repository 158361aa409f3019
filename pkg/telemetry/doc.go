// Package telemetry provides the observability stack of the reservoir
// service: a zerolog Logger, Prometheus Metrics on a private registry, an
// OpenTelemetry Tracer, and an EventPublisher that delivers lease
// notifications to subscribers.
//
// Metrics implements engine.Metrics and EventPublisher implements
// engine.Notifier, so both plug straight into the lease manager, the
// scheduler and the monitor. InstrumentPlugins and InstrumentHandlers wrap
// resource plugins and scheduler handlers in spans:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	plugins := telemetry.InstrumentPlugins(base.All(), tel.Tracer, tel.Metrics)
//	handlers := telemetry.InstrumentHandlers(manager.Handlers(), tel.Tracer)
package telemetry
