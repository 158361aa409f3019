package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservoir/reservoir/pkg/engine"
)

// InstrumentPlugin wraps p so that every call gets a span and is counted.
// Either tracer or metrics may be nil.
func InstrumentPlugin(p engine.ResourcePlugin, tracer *Tracer, metrics *Metrics) engine.ResourcePlugin {
	return &instrumentedPlugin{next: p, tracer: tracer, metrics: metrics}
}

// InstrumentPlugins wraps every plugin of plugins.
func InstrumentPlugins(plugins []engine.ResourcePlugin, tracer *Tracer, metrics *Metrics) []engine.ResourcePlugin {
	out := make([]engine.ResourcePlugin, len(plugins))
	for i, p := range plugins {
		out[i] = InstrumentPlugin(p, tracer, metrics)
	}
	return out
}

type instrumentedPlugin struct {
	next    engine.ResourcePlugin
	tracer  *Tracer
	metrics *Metrics
}

func (p *instrumentedPlugin) ResourceType() string {
	return p.next.ResourceType()
}

// observe runs fn inside a plugin span and records its outcome.
func (p *instrumentedPlugin) observe(ctx context.Context, operation string, attrs []attribute.KeyValue, fn func(context.Context) error) (err error) {
	rt := p.next.ResourceType()
	start := time.Now()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.StartPluginSpan(ctx, rt, operation, attrs...)
		defer func() {
			RecordError(span, err)
			span.End()
		}()
	}

	err = fn(ctx)
	p.metrics.RecordPluginCall(rt, operation, err, time.Since(start))
	return err
}

func (p *instrumentedPlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) (string, error) {
	var detailID string
	err := p.observe(ctx, "reserve", leaseAttrs(lease, reservationID), func(ctx context.Context) error {
		var err error
		detailID, err = p.next.Reserve(ctx, reservationID, values, lease)
		return err
	})
	return detailID, err
}

func (p *instrumentedPlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) error {
	return p.observe(ctx, "update_reservation", leaseAttrs(lease, reservationID), func(ctx context.Context) error {
		return p.next.UpdateReservation(ctx, reservationID, values, lease)
	})
}

func (p *instrumentedPlugin) OnStart(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	return p.observe(ctx, "on_start", leaseAttrs(lease, resourceID), func(ctx context.Context) error {
		return p.next.OnStart(ctx, resourceID, lease)
	})
}

func (p *instrumentedPlugin) OnEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	return p.observe(ctx, "on_end", leaseAttrs(lease, resourceID), func(ctx context.Context) error {
		return p.next.OnEnd(ctx, resourceID, lease)
	})
}

func (p *instrumentedPlugin) BeforeEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	return p.observe(ctx, "before_end", leaseAttrs(lease, resourceID), func(ctx context.Context) error {
		return p.next.BeforeEnd(ctx, resourceID, lease)
	})
}

func (p *instrumentedPlugin) HealReservations(ctx context.Context, failedUnits []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	var flags map[string]engine.HealFlags
	attrs := []attribute.KeyValue{attribute.StringSlice("reservoir.failed_units", failedUnits)}
	err := p.observe(ctx, "heal_reservations", attrs, func(ctx context.Context) error {
		var err error
		flags, err = p.next.HealReservations(ctx, failedUnits, begin, end)
		return err
	})
	p.metrics.RecordHealFlags(p.next.ResourceType(), flags)
	return flags, err
}

func leaseAttrs(lease engine.LeaseWindow, id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLeaseID.String(lease.LeaseID),
		AttrResourceID.String(id),
	}
}

// InstrumentHandlers wraps every scheduler handler in an event span. tracer
// must not be nil.
func InstrumentHandlers(handlers map[engine.EventType]engine.EventHandler, tracer *Tracer) map[engine.EventType]engine.EventHandler {
	out := make(map[engine.EventType]engine.EventHandler, len(handlers))
	for typ, h := range handlers {
		out[typ] = func(ctx context.Context, event *engine.Event) error {
			ctx, span := tracer.StartEventSpan(ctx, event)
			defer span.End()
			err := h(ctx, event)
			RecordError(span, err)
			return err
		}
	}
	return out
}
