package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reservoir/reservoir/pkg/allocation"
	"github.com/reservoir/reservoir/pkg/engine"
)

// ResourceTypeFloatingIP books addresses from an external network.
const ResourceTypeFloatingIP = "virtual:floatingip"

// Floating IP unit attributes.
const (
	AttrNetworkID = "network_id"
	AttrAddress   = "address"
)

type floatingIPSpec struct {
	NetworkID           string   `json:"network_id" validate:"required"`
	Amount              int      `json:"amount" validate:"required,min=1"`
	RequiredFloatingIPs []string `json:"required_floatingips,omitempty" validate:"omitempty,dive,ip"`

	// Objects maps an allocated unit to its live floating IP object.
	Objects map[string]string `json:"objects,omitempty"`
}

// FloatingIPPlugin reserves floating IPs. The addresses are created as
// external objects when the lease starts and deleted when it ends.
type FloatingIPPlugin struct {
	*Base
}

var _ engine.ResourcePlugin = (*FloatingIPPlugin)(nil)

func NewFloatingIPPlugin(b *Base) *FloatingIPPlugin {
	return &FloatingIPPlugin{Base: b}
}

func (p *FloatingIPPlugin) ResourceType() string { return ResourceTypeFloatingIP }

func (p *FloatingIPPlugin) decodeSpec(values map[string]interface{}) (floatingIPSpec, error) {
	var spec floatingIPSpec
	if err := p.decode(values, &spec); err != nil {
		return spec, err
	}
	if len(spec.RequiredFloatingIPs) > spec.Amount {
		return spec, engine.NewMalformedParameterError("required_floatingips",
			fmt.Errorf("%d addresses required but amount is %d", len(spec.RequiredFloatingIPs), spec.Amount))
	}
	return spec, nil
}

// candidates returns the free addresses of the spec's network for window,
// required addresses first.
func (p *FloatingIPPlugin) candidates(ctx context.Context, spec floatingIPSpec, window allocation.Period, exclude string, skip map[string]bool) ([]engine.ResourceUnit, error) {
	units, bookings, err := p.inventory(ctx, engine.UnitKindFloatingIP, exclude, skip)
	if err != nil {
		return nil, err
	}
	preds := []allocation.Predicate{{Field: AttrNetworkID, Op: "==", Value: spec.NetworkID}}
	free, err := allocation.SelectCandidates(units, preds, 0, 0, window, 0, bookings)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string]engine.ResourceUnit, len(free))
	for _, u := range free {
		byAddress[u.Attributes[AttrAddress]] = u
	}

	required := make(map[string]bool, len(spec.RequiredFloatingIPs))
	ordered := make([]engine.ResourceUnit, 0, len(free))
	for _, addr := range spec.RequiredFloatingIPs {
		u, ok := byAddress[addr]
		if !ok {
			return nil, engine.NewNotEnoughResourcesError(engine.UnitKindFloatingIP, len(ordered), len(spec.RequiredFloatingIPs)).
				WithDetail("unavailable_address", addr)
		}
		required[u.ID] = true
		ordered = append(ordered, u)
	}
	for _, u := range free {
		if !required[u.ID] {
			ordered = append(ordered, u)
		}
	}
	return ordered, nil
}

func (p *FloatingIPPlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) (string, error) {
	spec, err := p.decodeSpec(values)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.createDetail(ctx, reservationID, ResourceTypeFloatingIP, spec)
	if err != nil {
		return "", err
	}
	window := allocation.Period{Start: lease.Start, End: lease.End}
	err = retryBooking(func() error {
		free, err := p.candidates(ctx, spec, window, "", nil)
		if err != nil {
			return err
		}
		if len(free) < spec.Amount {
			return engine.NewNotEnoughResourcesError(engine.UnitKindFloatingIP, len(free), spec.Amount)
		}
		_, err = p.allocate(ctx, reservationID, idsOf(free[:spec.Amount]), true, nil, window, exclusiveCheck)
		return err
	})
	if err != nil {
		p.discard(ctx, d)
		return "", err
	}
	return d.ID, nil
}

func (p *FloatingIPPlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) error {
	spec, err := p.decodeSpec(values)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var prev floatingIPSpec
	r, d, err := p.detailOf(ctx, reservationID, &prev)
	if err != nil {
		return err
	}
	if spec.NetworkID != prev.NetworkID {
		return engine.NewInvalidStateUpdateError("cannot change the network of a floating IP reservation")
	}
	spec.Objects = prev.Objects

	window := allocation.Period{Start: lease.Start, End: lease.End}
	active := r.Status == engine.ReservationStatusActive

	var diff allocation.Diff
	err = retryBooking(func() error {
		allocs, err := p.store.ListAllocations(ctx, reservationID)
		if err != nil {
			return err
		}
		free, err := p.candidates(ctx, spec, window, reservationID, nil)
		if err != nil {
			return err
		}
		if diff, err = allocation.Reallocate(unitIDsOf(allocs), idsOf(free), spec.Amount, active); err != nil {
			return err
		}
		return p.applyDiff(ctx, reservationID, allocs, diff, true, nil, window, exclusiveCheck)
	})
	if err != nil {
		return err
	}
	if active {
		for _, unitID := range diff.Added {
			if err := p.createObject(ctx, d, &spec, unitID, lease); err != nil {
				return err
			}
		}
	}
	return p.saveDetail(ctx, d, spec)
}

// createObject brings up the floating IP of unitID unless it already exists.
func (p *FloatingIPPlugin) createObject(ctx context.Context, d *engine.ReservationDetail, spec *floatingIPSpec, unitID string, lease engine.LeaseWindow) error {
	if _, ok := spec.Objects[unitID]; ok {
		return nil
	}
	unit, err := p.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	id, err := p.provisioner.CreateObject(ctx, "floatingip", unitID, map[string]string{
		AttrNetworkID:    spec.NetworkID,
		AttrAddress:      unit.Attributes[AttrAddress],
		"owner":          lease.Owner,
		"reservation_id": d.ReservationID,
	})
	if err != nil {
		return provisioningError(d.ID, "on_start", "cannot create floating IP "+unit.Attributes[AttrAddress], err)
	}
	if spec.Objects == nil {
		spec.Objects = make(map[string]string)
	}
	spec.Objects[unitID] = id
	return nil
}

func (p *FloatingIPPlugin) deleteObject(ctx context.Context, d *engine.ReservationDetail, spec *floatingIPSpec, unitID, operation string) error {
	id, ok := spec.Objects[unitID]
	if !ok {
		return nil
	}
	if err := p.provisioner.DeleteObject(ctx, id); err != nil {
		return provisioningError(d.ID, operation, "cannot delete floating IP", err)
	}
	delete(spec.Objects, unitID)
	return nil
}

// OnStart creates the floating IPs. Progress is saved after every address so
// a retried start only creates what is missing.
func (p *FloatingIPPlugin) OnStart(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec floatingIPSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil {
		return err
	}
	if !found {
		return engine.NewNotFoundError("reservation detail", resourceID)
	}
	allocs, err := p.store.ListAllocations(ctx, d.ReservationID)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if err := p.createObject(ctx, d, &spec, a.UnitID, lease); err != nil {
			return err
		}
		if err := p.saveDetail(ctx, d, spec); err != nil {
			return err
		}
	}
	return nil
}

func (p *FloatingIPPlugin) OnEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec floatingIPSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	for unitID := range spec.Objects {
		if err := p.deleteObject(ctx, d, &spec, unitID, "on_end"); err != nil {
			return errors.Join(err, p.saveDetail(ctx, d, spec))
		}
	}
	if err := p.saveDetail(ctx, d, spec); err != nil {
		return err
	}
	_, err = p.release(ctx, d.ReservationID)
	return err
}

// BeforeEnd has nothing to do for addresses.
func (p *FloatingIPPlugin) BeforeEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	return nil
}

func (p *FloatingIPPlugin) HealReservations(ctx context.Context, failed []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	return p.heal(ctx, healOps{
		resourceType: ResourceTypeFloatingIP,
		replace:      p.replacement,
		swapLive:     p.swapLive,
		dropLive:     p.dropLive,
	}, failed, begin, end)
}

func (p *FloatingIPPlugin) replacement(ctx context.Context, bk engine.Booking, r *engine.Reservation, exclude map[string]bool) (string, error) {
	var spec floatingIPSpec
	if _, _, err := p.detailOf(ctx, r.ID, &spec); err != nil {
		return "", err
	}
	// Required addresses cannot be substituted.
	spec.RequiredFloatingIPs = nil
	free, err := p.candidates(ctx, spec, allocation.Period{Start: bk.Start, End: bk.End}, "", exclude)
	if err != nil {
		return "", err
	}
	if len(free) == 0 {
		return "", nil
	}
	return free[0].ID, nil
}

func (p *FloatingIPPlugin) swapLive(ctx context.Context, r *engine.Reservation, oldUnit, newUnit string) error {
	var spec floatingIPSpec
	_, d, err := p.detailOf(ctx, r.ID, &spec)
	if err != nil {
		return err
	}
	lease, err := p.store.GetLease(ctx, r.LeaseID)
	if err != nil {
		return err
	}
	if err := p.createObject(ctx, d, &spec, newUnit, lease.Window()); err != nil {
		return err
	}
	if err := p.deleteObject(ctx, d, &spec, oldUnit, "heal"); err != nil {
		p.logger.Error().Err(err).Str("reservation_id", r.ID).Str("unit_id", oldUnit).Msg("failed to delete floating IP on failed unit")
	}
	return p.saveDetail(ctx, d, spec)
}

func (p *FloatingIPPlugin) dropLive(ctx context.Context, r *engine.Reservation, unit string) error {
	var spec floatingIPSpec
	_, d, err := p.detailOf(ctx, r.ID, &spec)
	if err != nil {
		return err
	}
	if err := p.deleteObject(ctx, d, &spec, unit, "heal"); err != nil {
		return err
	}
	return p.saveDetail(ctx, d, spec)
}
