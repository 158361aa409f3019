package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// PluginRegistry holds the resource plugins of one deployment. It is built
// once at start-up and passed to whatever needs it.
type PluginRegistry struct {
	plugins map[string]ResourcePlugin
}

// NewPluginRegistry registers plugins. Empty or duplicate resource types are rejected.
func NewPluginRegistry(plugins ...ResourcePlugin) (*PluginRegistry, error) {
	r := &PluginRegistry{plugins: make(map[string]ResourcePlugin, len(plugins))}
	for _, p := range plugins {
		if p == nil {
			return nil, NewPermanentError("nil resource plugin", nil).WithCode(ErrCodeValidation)
		}
		rt := p.ResourceType()
		if rt == "" {
			return nil, NewPermanentError("resource plugin has empty resource type", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := r.plugins[rt]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate resource plugin: %s", rt), nil).
				WithCode(ErrCodeAlreadyExists)
		}
		r.plugins[rt] = p
	}
	return r, nil
}

// Get returns the plugin for a resource type.
func (r *PluginRegistry) Get(resourceType string) (ResourcePlugin, error) {
	p, ok := r.plugins[resourceType]
	if !ok {
		return nil, NewMalformedParameterError("resource_type",
			fmt.Errorf("unsupported resource type %q", resourceType))
	}
	return p, nil
}

// Types returns the registered resource types in sorted order.
func (r *PluginRegistry) Types() []string {
	types := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Operation names a plugin entry point in the dispatch table.
type Operation string

const (
	OpReserve   Operation = "reserve"
	OpUpdate    Operation = "update"
	OpOnStart   Operation = "on_start"
	OpOnEnd     Operation = "on_end"
	OpBeforeEnd Operation = "before_end"
	OpHeal      Operation = "heal"
)

// AllOperations lists every operation a resource type must provide.
var AllOperations = []Operation{OpReserve, OpUpdate, OpOnStart, OpOnEnd, OpBeforeEnd, OpHeal}

// ReserveFunc books units for a new reservation.
type ReserveFunc func(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) (string, error)

// UpdateFunc re-books units for an existing reservation.
type UpdateFunc func(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) error

// HookFunc is a lifecycle hook run against a reservation's detail record.
type HookFunc func(ctx context.Context, resourceID string, lease LeaseWindow) error

// HealFunc reallocates reservations away from failed units.
type HealFunc func(ctx context.Context, failedUnits []string, begin, end time.Time) (map[string]HealFlags, error)

type dispatchKey struct {
	resourceType string
	op           Operation
}

// DispatchTable maps (resource type, operation) to the function serving it.
type DispatchTable struct {
	types   []string
	reserve map[string]ReserveFunc
	update  map[string]UpdateFunc
	hooks   map[dispatchKey]HookFunc
	heal    map[string]HealFunc
}

// NewDispatchTable builds the table from a registry and checks that every
// enabled resource type has all operations. With no enabled types given,
// every registered type is enabled.
func NewDispatchTable(registry *PluginRegistry, enabled ...string) (*DispatchTable, error) {
	d := &DispatchTable{
		reserve: make(map[string]ReserveFunc),
		update:  make(map[string]UpdateFunc),
		hooks:   make(map[dispatchKey]HookFunc),
		heal:    make(map[string]HealFunc),
	}

	for _, rt := range registry.Types() {
		p := registry.plugins[rt]
		d.reserve[rt] = p.Reserve
		d.update[rt] = p.UpdateReservation
		d.hooks[dispatchKey{rt, OpOnStart}] = p.OnStart
		d.hooks[dispatchKey{rt, OpOnEnd}] = p.OnEnd
		d.hooks[dispatchKey{rt, OpBeforeEnd}] = p.BeforeEnd
		d.heal[rt] = p.HealReservations
	}

	if len(enabled) == 0 {
		enabled = registry.Types()
	}
	if err := d.validate(enabled); err != nil {
		return nil, err
	}
	d.types = append([]string(nil), enabled...)
	sort.Strings(d.types)

	return d, nil
}

func (d *DispatchTable) validate(types []string) error {
	for _, rt := range types {
		for _, op := range AllOperations {
			if !d.has(rt, op) {
				return NewPermanentError(
					fmt.Sprintf("resource type %s has no %s operation", rt, op), nil,
				).WithCode(ErrCodeValidation).WithResource(rt)
			}
		}
	}
	return nil
}

func (d *DispatchTable) has(rt string, op Operation) bool {
	switch op {
	case OpReserve:
		return d.reserve[rt] != nil
	case OpUpdate:
		return d.update[rt] != nil
	case OpHeal:
		return d.heal[rt] != nil
	default:
		return d.hooks[dispatchKey{rt, op}] != nil
	}
}

// Types returns the enabled resource types.
func (d *DispatchTable) Types() []string {
	return append([]string(nil), d.types...)
}

// Supports reports whether a resource type is enabled.
func (d *DispatchTable) Supports(resourceType string) bool {
	return containsStatus(d.types, resourceType)
}

func (d *DispatchTable) unsupported(resourceType string) error {
	return NewMalformedParameterError("resource_type",
		fmt.Errorf("unsupported resource type %q", resourceType))
}

// Reserve returns the reserve function of a resource type.
func (d *DispatchTable) Reserve(resourceType string) (ReserveFunc, error) {
	if !d.Supports(resourceType) {
		return nil, d.unsupported(resourceType)
	}
	return d.reserve[resourceType], nil
}

// Update returns the update function of a resource type.
func (d *DispatchTable) Update(resourceType string) (UpdateFunc, error) {
	if !d.Supports(resourceType) {
		return nil, d.unsupported(resourceType)
	}
	return d.update[resourceType], nil
}

// Hook returns a lifecycle hook of a resource type.
func (d *DispatchTable) Hook(resourceType string, op Operation) (HookFunc, error) {
	if !d.Supports(resourceType) {
		return nil, d.unsupported(resourceType)
	}
	fn, ok := d.hooks[dispatchKey{resourceType, op}]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown lifecycle operation %s", op), nil).
			WithCode(ErrCodeValidation)
	}
	return fn, nil
}

// HealReservations fans healing out over every enabled resource type and
// merges the returned flags per reservation.
func (d *DispatchTable) HealReservations(ctx context.Context, failedUnits []string, begin, end time.Time) (map[string]HealFlags, error) {
	merged := make(map[string]HealFlags)
	for _, rt := range d.types {
		flags, err := d.heal[rt](ctx, failedUnits, begin, end)
		for id, f := range flags {
			merged[id] = merged[id].Merge(f)
		}
		if err != nil {
			return merged, fmt.Errorf("failed to heal %s reservations: %w", rt, err)
		}
	}
	return merged, nil
}
