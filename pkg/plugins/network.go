package plugins

import (
	"context"
	"time"

	"github.com/reservoir/reservoir/pkg/allocation"
	"github.com/reservoir/reservoir/pkg/engine"
)

// ResourceTypeNetwork books an isolated network segment.
const ResourceTypeNetwork = "network"

type networkSpec struct {
	NetworkName        string `json:"network_name" validate:"required"`
	NetworkProperties  string `json:"network_properties,omitempty"`
	ResourceProperties string `json:"resource_properties,omitempty"`
	BeforeEnd          string `json:"before_end,omitempty" validate:"omitempty,oneof=default snapshot"`

	// NetworkID is the live virtual network.
	NetworkID string `json:"network_id,omitempty"`
}

// NetworkPlugin reserves one network segment per reservation and creates a
// virtual network on it for the lease.
type NetworkPlugin struct {
	*Base
}

var _ engine.ResourcePlugin = (*NetworkPlugin)(nil)

func NewNetworkPlugin(b *Base) *NetworkPlugin {
	return &NetworkPlugin{Base: b}
}

func (p *NetworkPlugin) ResourceType() string { return ResourceTypeNetwork }

func (p *NetworkPlugin) candidates(ctx context.Context, spec networkSpec, window allocation.Period, exclude string, skip map[string]bool, min, max int) ([]engine.ResourceUnit, error) {
	preds, err := filter(spec.NetworkProperties, spec.ResourceProperties)
	if err != nil {
		return nil, err
	}
	units, bookings, err := p.inventory(ctx, engine.UnitKindNetwork, exclude, skip)
	if err != nil {
		return nil, err
	}
	return allocation.SelectCandidates(units, preds, min, max, window, p.margin, bookings)
}

func (p *NetworkPlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) (string, error) {
	var spec networkSpec
	if err := p.decode(values, &spec); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.createDetail(ctx, reservationID, ResourceTypeNetwork, spec)
	if err != nil {
		return "", err
	}
	window := allocation.Period{Start: lease.Start, End: lease.End}
	err = retryBooking(func() error {
		segments, err := p.candidates(ctx, spec, window, "", nil, 1, 1)
		if err != nil {
			return err
		}
		_, err = p.allocate(ctx, reservationID, idsOf(segments), true, nil, p.checked(lease), exclusiveCheck)
		return err
	})
	if err != nil {
		p.discard(ctx, d)
		return "", err
	}
	return d.ID, nil
}

func (p *NetworkPlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) error {
	var spec networkSpec
	if err := p.decode(values, &spec); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var prev networkSpec
	r, d, err := p.detailOf(ctx, reservationID, &prev)
	if err != nil {
		return err
	}
	active := r.Status == engine.ReservationStatusActive
	if active && spec.NetworkName != prev.NetworkName {
		return engine.NewInvalidStateUpdateError("cannot rename the network of an active reservation")
	}
	spec.NetworkID = prev.NetworkID

	window := allocation.Period{Start: lease.Start, End: lease.End}
	err = retryBooking(func() error {
		allocs, err := p.store.ListAllocations(ctx, reservationID)
		if err != nil {
			return err
		}
		segments, err := p.candidates(ctx, spec, window, reservationID, nil, 0, 0)
		if err != nil {
			return err
		}
		diff, err := allocation.Reallocate(unitIDsOf(allocs), idsOf(segments), 1, active)
		if err != nil {
			return err
		}
		return p.applyDiff(ctx, reservationID, allocs, diff, true, nil, p.checked(lease), exclusiveCheck)
	})
	if err != nil {
		return err
	}
	return p.saveDetail(ctx, d, spec)
}

func (p *NetworkPlugin) createNetwork(ctx context.Context, d *engine.ReservationDetail, spec *networkSpec, unitID string, lease engine.LeaseWindow) error {
	if spec.NetworkID != "" {
		return nil
	}
	id, err := p.provisionNetwork(ctx, d, *spec, unitID, lease, "on_start")
	if err != nil {
		return err
	}
	spec.NetworkID = id
	return p.saveDetail(ctx, d, *spec)
}

// provisionNetwork creates the network object on a segment and returns its ID.
func (p *NetworkPlugin) provisionNetwork(ctx context.Context, d *engine.ReservationDetail, spec networkSpec, unitID string, lease engine.LeaseWindow, operation string) (string, error) {
	segment, err := p.store.GetUnit(ctx, unitID)
	if err != nil {
		return "", err
	}
	props := map[string]string{
		"name":           spec.NetworkName,
		"owner":          lease.Owner,
		"reservation_id": d.ReservationID,
	}
	for k, v := range segment.Attributes {
		props[k] = v
	}
	id, err := p.provisioner.CreateObject(ctx, "network", unitID, props)
	if err != nil {
		return "", provisioningError(d.ID, operation, "cannot create network "+spec.NetworkName, err)
	}
	return id, nil
}

func (p *NetworkPlugin) deleteNetwork(ctx context.Context, d *engine.ReservationDetail, spec *networkSpec, operation string) error {
	if spec.NetworkID == "" {
		return nil
	}
	if err := p.provisioner.DeleteObject(ctx, spec.NetworkID); err != nil {
		return provisioningError(d.ID, operation, "cannot delete network "+spec.NetworkName, err)
	}
	spec.NetworkID = ""
	return p.saveDetail(ctx, d, *spec)
}

func (p *NetworkPlugin) OnStart(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec networkSpec
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
	if len(allocs) == 0 {
		p.logger.Warn().Str("reservation_id", d.ReservationID).Msg("network reservation has no segment")
		return nil
	}
	return p.createNetwork(ctx, d, &spec, allocs[0].UnitID, lease)
}

func (p *NetworkPlugin) OnEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec networkSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	if err := p.deleteNetwork(ctx, d, &spec, "on_end"); err != nil {
		return err
	}
	_, err = p.release(ctx, d.ReservationID)
	return err
}

// BeforeEnd validates the configured action. Networks keep no state worth
// snapshotting, so both actions leave the network untouched.
func (p *NetworkPlugin) BeforeEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec networkSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	action, err := p.action(ctx, spec.BeforeEnd, ResourceTypeNetwork, lease)
	if err != nil {
		return err
	}
	p.logger.Debug().Str("reservation_id", d.ReservationID).Str("action", action).Msg("network before-end")
	return nil
}

func (p *NetworkPlugin) HealReservations(ctx context.Context, failed []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	return p.heal(ctx, healOps{
		resourceType: ResourceTypeNetwork,
		replace:      p.replacement,
		swapLive:     p.swapLive,
		dropLive:     p.dropLive,
	}, failed, begin, end)
}

func (p *NetworkPlugin) replacement(ctx context.Context, bk engine.Booking, r *engine.Reservation, exclude map[string]bool) (string, error) {
	var spec networkSpec
	if _, _, err := p.detailOf(ctx, r.ID, &spec); err != nil {
		return "", err
	}
	window := allocation.Period{Start: bk.Start, End: bk.End}
	picked, err := p.candidates(ctx, spec, window, "", exclude, 1, 1)
	if engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return picked[0].ID, nil
}

func (p *NetworkPlugin) swapLive(ctx context.Context, r *engine.Reservation, oldUnit, newUnit string) error {
	var spec networkSpec
	_, d, err := p.detailOf(ctx, r.ID, &spec)
	if err != nil {
		return err
	}
	lease, err := p.store.GetLease(ctx, r.LeaseID)
	if err != nil {
		return err
	}
	// The old network stays up until the new one exists.
	id, err := p.provisionNetwork(ctx, d, spec, newUnit, lease.Window(), "heal")
	if err != nil {
		return err
	}
	oldID := spec.NetworkID
	spec.NetworkID = id
	if err := p.saveDetail(ctx, d, spec); err != nil {
		p.dropObject(ctx, id)
		return err
	}
	if oldID != "" {
		p.dropObject(ctx, oldID)
	}
	return nil
}

func (p *NetworkPlugin) dropLive(ctx context.Context, r *engine.Reservation, unit string) error {
	var spec networkSpec
	_, d, err := p.detailOf(ctx, r.ID, &spec)
	if err != nil {
		return err
	}
	return p.deleteNetwork(ctx, d, &spec, "heal")
}
