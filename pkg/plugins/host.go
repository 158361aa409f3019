package plugins

import (
	"context"
	"time"

	"github.com/reservoir/reservoir/pkg/allocation"
	"github.com/reservoir/reservoir/pkg/engine"
)

// ResourceTypeHost books whole hosts.
const ResourceTypeHost = "physical:host"

type hostSpec struct {
	Min                  int    `json:"min" validate:"required,min=1"`
	Max                  int    `json:"max" validate:"required,gtefield=Min"`
	HypervisorProperties string `json:"hypervisor_properties,omitempty"`
	ResourceProperties   string `json:"resource_properties,omitempty"`
	BeforeEnd            string `json:"before_end,omitempty" validate:"omitempty,oneof=default snapshot"`
}

// HostPlugin reserves hosts exclusively. Reserved hosts are admitted into a
// per-reservation aggregate when the lease starts.
type HostPlugin struct {
	*Base
}

var _ engine.ResourcePlugin = (*HostPlugin)(nil)

func NewHostPlugin(b *Base) *HostPlugin {
	return &HostPlugin{Base: b}
}

func (p *HostPlugin) ResourceType() string { return ResourceTypeHost }

// candidates returns every host that could serve spec in the lease window,
// in preference order. Bookings of exclude do not count.
func (p *HostPlugin) candidates(ctx context.Context, spec hostSpec, lease engine.LeaseWindow, exclude string, min, max int) ([]engine.ResourceUnit, error) {
	preds, err := filter(spec.HypervisorProperties, spec.ResourceProperties)
	if err != nil {
		return nil, err
	}
	units, bookings, err := p.inventory(ctx, engine.UnitKindHost, exclude, nil)
	if err != nil {
		return nil, err
	}
	window := allocation.Period{Start: lease.Start, End: lease.End}
	return allocation.SelectCandidates(units, preds, min, max, window, p.margin, bookings)
}

func (p *HostPlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) (string, error) {
	var spec hostSpec
	if err := p.decode(values, &spec); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.createDetail(ctx, reservationID, ResourceTypeHost, spec)
	if err != nil {
		return "", err
	}
	var hosts []engine.ResourceUnit
	err = retryBooking(func() error {
		var err error
		if hosts, err = p.candidates(ctx, spec, lease, "", spec.Min, spec.Max); err != nil {
			return err
		}
		_, err = p.allocate(ctx, reservationID, idsOf(hosts), true, nil, p.checked(lease), exclusiveCheck)
		return err
	})
	if err != nil {
		p.discard(ctx, d)
		return "", err
	}

	groupID, err := p.provisioner.CreateGroup(ctx, "aggregate", "reservation:"+reservationID, map[string]string{
		"lease_id":       lease.LeaseID,
		"reservation_id": reservationID,
	})
	if err != nil {
		p.discard(ctx, d)
		return "", provisioningError(d.ID, "reserve", "cannot create aggregate", err)
	}
	d.GroupID = groupID
	if err := p.saveDetail(ctx, d, spec); err != nil {
		p.dropGroup(ctx, groupID)
		p.discard(ctx, d)
		return "", err
	}

	p.logger.Info().
		Str("reservation_id", reservationID).
		Int("hosts", len(hosts)).
		Msg("hosts reserved")
	return d.ID, nil
}

func (p *HostPlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) error {
	var spec hostSpec
	if err := p.decode(values, &spec); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, d, err := p.detailOf(ctx, reservationID, &hostSpec{})
	if err != nil {
		return err
	}
	active := r.Status == engine.ReservationStatusActive

	var diff allocation.Diff
	err = retryBooking(func() error {
		allocs, err := p.store.ListAllocations(ctx, reservationID)
		if err != nil {
			return err
		}
		old := unitIDsOf(allocs)

		hosts, err := p.candidates(ctx, spec, lease, reservationID, 0, 0)
		if err != nil {
			return err
		}

		desired := clamp(len(old), spec.Min, spec.Max)
		if len(hosts) < desired && len(hosts) >= spec.Min {
			desired = len(hosts)
		}

		if diff, err = allocation.Reallocate(old, idsOf(hosts), desired, active); err != nil {
			return err
		}
		return p.applyDiff(ctx, reservationID, allocs, diff, true, nil, p.checked(lease), exclusiveCheck)
	})
	if err != nil {
		return err
	}
	if active && len(diff.Added) > 0 {
		if err := p.admit(ctx, d, diff.Added, ""); err != nil {
			return err
		}
	}
	return p.saveDetail(ctx, d, spec)
}

func (p *HostPlugin) OnStart(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec hostSpec
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
	return p.admit(ctx, d, distinct(unitIDsOf(allocs)), lease.Owner)
}

func (p *HostPlugin) OnEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec hostSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	allocs, err := p.store.ListAllocations(ctx, d.ReservationID)
	if err != nil {
		return err
	}
	if d.GroupID != "" {
		if err := p.teardown(ctx, d, distinct(unitIDsOf(allocs)), lease.Owner); err != nil {
			return err
		}
		if err := p.saveDetail(ctx, d, spec); err != nil {
			return err
		}
	}
	_, err = p.release(ctx, d.ReservationID)
	return err
}

func (p *HostPlugin) BeforeEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec hostSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	action, err := p.action(ctx, spec.BeforeEnd, ResourceTypeHost, lease)
	if err != nil {
		return err
	}
	if action != ActionSnapshot || d.GroupID == "" {
		return nil
	}
	if err := p.provisioner.RunAction(ctx, d.GroupID, ActionSnapshot); err != nil {
		return provisioningError(d.ID, "before_end", "cannot snapshot hosts", err)
	}
	return nil
}

func (p *HostPlugin) HealReservations(ctx context.Context, failed []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	return p.heal(ctx, healOps{
		resourceType: ResourceTypeHost,
		replace:      p.replacement,
		swapLive:     p.swapGroupUnit,
		dropLive:     p.dropGroupUnit,
	}, failed, begin, end)
}

func (p *HostPlugin) replacement(ctx context.Context, bk engine.Booking, r *engine.Reservation, exclude map[string]bool) (string, error) {
	var spec hostSpec
	if _, _, err := p.detailOf(ctx, r.ID, &spec); err != nil {
		return "", err
	}
	preds, err := filter(spec.HypervisorProperties, spec.ResourceProperties)
	if err != nil {
		return "", err
	}
	units, bookings, err := p.inventory(ctx, engine.UnitKindHost, "", exclude)
	if err != nil {
		return "", err
	}
	window := allocation.Period{Start: bk.Start, End: bk.End}
	picked, err := allocation.SelectCandidates(units, preds, 1, 1, window, p.margin, bookings)
	if engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return picked[0].ID, nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if hi > 0 && n > hi {
		return hi
	}
	return n
}
