package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reservoir/reservoir/pkg/allocation"
	"github.com/reservoir/reservoir/pkg/engine"
)

// ResourceTypeInstance books instance slots on shared hosts.
const ResourceTypeInstance = "virtual:instance"

type instanceSpec struct {
	VCPUs              int64  `json:"vcpus" validate:"required,min=1"`
	MemoryMB           int64  `json:"memory_mb" validate:"required,min=1"`
	DiskGB             int64  `json:"disk_gb" validate:"min=0"`
	Amount             int    `json:"amount" validate:"required,min=1"`
	Affinity           string `json:"affinity,omitempty" validate:"omitempty,oneof=same spread none"`
	ResourceProperties string `json:"resource_properties,omitempty"`
	BeforeEnd          string `json:"before_end,omitempty" validate:"omitempty,oneof=default snapshot"`

	// FlavorID is the provisioned flavor object.
	FlavorID string `json:"flavor_id,omitempty"`
}

func (s instanceSpec) usage() engine.Resources {
	return engine.Resources{
		engine.ResourceVCPUs:    s.VCPUs,
		engine.ResourceMemoryMB: s.MemoryMB,
		engine.ResourceDiskGB:   s.DiskGB,
	}
}

func (s instanceSpec) affinity() allocation.Affinity {
	switch s.Affinity {
	case "same":
		return allocation.AffinitySame
	case "spread":
		return allocation.AffinitySpread
	default:
		return allocation.AffinityNone
	}
}

func (s instanceSpec) sameShape(o instanceSpec) bool {
	return s.VCPUs == o.VCPUs && s.MemoryMB == o.MemoryMB && s.DiskGB == o.DiskGB &&
		s.ResourceProperties == o.ResourceProperties && s.Affinity == o.Affinity
}

// InstancePlugin reserves capacity slots on hosts shared between
// reservations. Each reservation gets a flavor and an aggregate.
type InstancePlugin struct {
	*Base
}

var _ engine.ResourcePlugin = (*InstancePlugin)(nil)

func NewInstancePlugin(b *Base) *InstancePlugin {
	return &InstancePlugin{Base: b}
}

func (p *InstancePlugin) ResourceType() string { return ResourceTypeInstance }

// hosts returns the hosts instances may land on in window together with the
// capacity bookings on them. Hosts booked exclusively during window widened
// by the margin are left out.
func (p *InstancePlugin) hosts(ctx context.Context, window allocation.Period, exclude string, skip map[string]bool) ([]engine.ResourceUnit, []engine.Booking, error) {
	units, bookings, err := p.inventory(ctx, engine.UnitKindHost, exclude, skip)
	if err != nil {
		return nil, nil, err
	}

	widened := window.Widen(p.margin)
	blocked := make(map[string]bool)
	var shared []engine.Booking
	for _, bk := range bookings {
		if bk.Exclusive {
			if (allocation.Period{Start: bk.Start, End: bk.End}).Overlaps(widened) {
				blocked[bk.UnitID] = true
			}
			continue
		}
		shared = append(shared, bk)
	}

	open := units[:0]
	for _, u := range units {
		if !blocked[u.ID] {
			open = append(open, u)
		}
	}
	return open, shared, nil
}

func (p *InstancePlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) (string, error) {
	var spec instanceSpec
	if err := p.decode(values, &spec); err != nil {
		return "", err
	}
	preds, err := filter(spec.ResourceProperties)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.createDetail(ctx, reservationID, ResourceTypeInstance, spec)
	if err != nil {
		return "", err
	}
	window := allocation.Period{Start: lease.Start, End: lease.End}
	var placed []engine.ResourceUnit
	err = retryBooking(func() error {
		units, bookings, err := p.hosts(ctx, window, "", nil)
		if err != nil {
			return err
		}
		placed, err = allocation.SelectSharedCandidates(units, preds, allocation.SlotRequest{
			Usage:    spec.usage(),
			Amount:   spec.Amount,
			Affinity: spec.affinity(),
		}, window, bookings)
		if err != nil {
			return err
		}
		slots := idsOf(placed)
		_, err = p.allocate(ctx, reservationID, slots, false, spec.usage(), p.checked(lease),
			p.capacityCheck(units, slots, spec.usage(), window))
		return err
	})
	if err != nil {
		p.discard(ctx, d)
		return "", err
	}

	name := "reservation:" + reservationID
	groupID, err := p.provisioner.CreateGroup(ctx, "aggregate", name, map[string]string{
		"lease_id":       lease.LeaseID,
		"reservation_id": reservationID,
	})
	if err != nil {
		p.discard(ctx, d)
		return "", provisioningError(d.ID, "reserve", "cannot create aggregate", err)
	}
	d.GroupID = groupID

	flavorID, err := p.provisioner.CreateObject(ctx, "flavor", "", map[string]string{
		"name":                  name,
		"aggregate_id":          groupID,
		engine.ResourceVCPUs:    strconv.FormatInt(spec.VCPUs, 10),
		engine.ResourceMemoryMB: strconv.FormatInt(spec.MemoryMB, 10),
		engine.ResourceDiskGB:   strconv.FormatInt(spec.DiskGB, 10),
	})
	if err != nil {
		p.dropGroup(ctx, groupID)
		p.discard(ctx, d)
		return "", provisioningError(d.ID, "reserve", "cannot create flavor", err)
	}
	spec.FlavorID = flavorID

	if err := p.saveDetail(ctx, d, spec); err != nil {
		p.dropObject(ctx, flavorID)
		p.dropGroup(ctx, groupID)
		p.discard(ctx, d)
		return "", err
	}

	p.logger.Info().
		Str("reservation_id", reservationID).
		Int("slots", len(placed)).
		Str("usage", spec.usage().String()).
		Msg("instance slots reserved")
	return d.ID, nil
}

// slot tokens let Reallocate diff multisets: the n-th slot on a host is
// "<host>#<n>".
func slotTokens(unitIDs []string) []string {
	seen := make(map[string]int)
	out := make([]string, len(unitIDs))
	for i, id := range unitIDs {
		out[i] = fmt.Sprintf("%s#%d", id, seen[id])
		seen[id]++
	}
	return out
}

func tokenUnits(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t[:strings.LastIndex(t, "#")]
	}
	return out
}

func (p *InstancePlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease engine.LeaseWindow) error {
	var spec instanceSpec
	if err := p.decode(values, &spec); err != nil {
		return err
	}
	preds, err := filter(spec.ResourceProperties)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var prev instanceSpec
	r, d, err := p.detailOf(ctx, reservationID, &prev)
	if err != nil {
		return err
	}
	spec.FlavorID = prev.FlavorID
	window := allocation.Period{Start: lease.Start, End: lease.End}
	active := r.Status == engine.ReservationStatusActive

	var diff allocation.Diff
	err = retryBooking(func() error {
		allocs, err := p.store.ListAllocations(ctx, reservationID)
		if err != nil {
			return err
		}
		old := unitIDsOf(allocs)

		units, bookings, err := p.hosts(ctx, window, reservationID, nil)
		if err != nil {
			return err
		}

		// Keep as many existing slots as still fit next to everyone else.
		var kept []string
		var keptBookings []engine.Booking
		if spec.sameShape(prev) {
			byUnit := allocation.BookingsByUnit(bookings, nil)
			counts := make(map[string]int)
			for _, id := range old {
				counts[id]++
			}
			for _, u := range units {
				n := counts[u.ID]
				if n == 0 || !u.Reservable || !allocation.MatchAll(preds, u.Attributes) {
					continue
				}
				used := allocation.PeakUsage(byUnit[u.ID], window)
				for k := 0; k < n && len(kept) < spec.Amount; k++ {
					used = used.Add(spec.usage())
					if !used.Fits(u.Capacity) {
						break
					}
					kept = append(kept, u.ID)
					keptBookings = append(keptBookings, engine.Booking{
						UnitID: u.ID, ReservationID: reservationID,
						Start: lease.Start, End: lease.End, Usage: spec.usage(),
					})
				}
			}
		}

		candidates := append([]string(nil), kept...)
		if need := spec.Amount - len(kept); need > 0 {
			placed, err := allocation.SelectSharedCandidates(units, preds, allocation.SlotRequest{
				Usage:    spec.usage(),
				Amount:   need,
				Affinity: spec.affinity(),
			}, window, append(bookings, keptBookings...))
			if err != nil {
				return err
			}
			candidates = append(candidates, idsOf(placed)...)
		}

		tokenDiff, err := allocation.Reallocate(slotTokens(old), slotTokens(candidates), spec.Amount, active)
		if err != nil {
			return err
		}
		diff = allocation.Diff{
			Kept:    tokenUnits(tokenDiff.Kept),
			Removed: tokenUnits(tokenDiff.Removed),
			Added:   tokenUnits(tokenDiff.Added),
		}
		slots := append(append([]string(nil), diff.Kept...), diff.Added...)
		return p.applyDiff(ctx, reservationID, allocs, diff, false, spec.usage(), p.checked(lease),
			p.capacityCheck(units, slots, spec.usage(), window))
	})
	if err != nil {
		return err
	}
	if active && len(diff.Added) > 0 {
		if err := p.admit(ctx, d, distinct(diff.Added), ""); err != nil {
			return err
		}
	}
	return p.saveDetail(ctx, d, spec)
}

// capacityCheck accepts a slot write when no other reservation holds one of
// the hosts exclusively and the slots of the reservation still fit next to
// the shared bookings in window. slots lists every slot the reservation will
// hold once the write lands.
func (p *InstancePlugin) capacityCheck(units []engine.ResourceUnit, slots []string, usage engine.Resources, window allocation.Period) engine.BookingCheck {
	capacity := make(map[string]engine.Resources, len(units))
	for _, u := range units {
		capacity[u.ID] = u.Capacity
	}
	counts := make(map[string]int)
	for _, id := range slots {
		counts[id]++
	}
	return func(existing []engine.Booking) error {
		var shared []engine.Booking
		for _, bk := range existing {
			if bk.Exclusive {
				return engine.NewBookingConflictError(bk.UnitID, bk.ReservationID)
			}
			shared = append(shared, bk)
		}
		byUnit := allocation.BookingsByUnit(shared, nil)
		for _, id := range distinct(slots) {
			used := allocation.PeakUsage(byUnit[id], window)
			for k := 0; k < counts[id]; k++ {
				used = used.Add(usage)
			}
			if !used.Fits(capacity[id]) {
				holder := ""
				if on := byUnit[id]; len(on) > 0 {
					holder = on[len(on)-1].ReservationID
				}
				return engine.NewBookingConflictError(id, holder)
			}
		}
		return nil
	}
}

func (p *InstancePlugin) OnStart(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec instanceSpec
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

// OnEnd deletes servers still running in the aggregate, then tears down the
// aggregate and the flavor.
func (p *InstancePlugin) OnEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec instanceSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	allocs, err := p.store.ListAllocations(ctx, d.ReservationID)
	if err != nil {
		return err
	}

	if d.GroupID != "" {
		servers, err := p.provisioner.CountObjects(ctx, d.GroupID)
		if err != nil {
			return provisioningError(d.ID, "on_end", "cannot count servers", err)
		}
		if servers > 0 {
			p.logger.Info().Str("reservation_id", d.ReservationID).Int("servers", servers).Msg("deleting remaining servers")
			if err := p.provisioner.RunAction(ctx, d.GroupID, "delete_servers"); err != nil {
				return provisioningError(d.ID, "on_end", "cannot delete servers", err)
			}
		}
		if err := p.teardown(ctx, d, distinct(unitIDsOf(allocs)), lease.Owner); err != nil {
			return err
		}
	}
	if spec.FlavorID != "" {
		if err := p.provisioner.DeleteObject(ctx, spec.FlavorID); err != nil {
			return provisioningError(d.ID, "on_end", "cannot delete flavor", err)
		}
		spec.FlavorID = ""
	}
	if err := p.saveDetail(ctx, d, spec); err != nil {
		return err
	}
	_, err = p.release(ctx, d.ReservationID)
	return err
}

func (p *InstancePlugin) BeforeEnd(ctx context.Context, resourceID string, lease engine.LeaseWindow) error {
	var spec instanceSpec
	d, found, err := p.loadDetail(ctx, resourceID, &spec)
	if err != nil || !found {
		return err
	}
	action, err := p.action(ctx, spec.BeforeEnd, ResourceTypeInstance, lease)
	if err != nil {
		return err
	}
	if action != ActionSnapshot || d.GroupID == "" {
		return nil
	}
	if err := p.provisioner.RunAction(ctx, d.GroupID, ActionSnapshot); err != nil {
		return provisioningError(d.ID, "before_end", "cannot snapshot servers", err)
	}
	return nil
}

func (p *InstancePlugin) HealReservations(ctx context.Context, failed []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	return p.heal(ctx, healOps{
		resourceType: ResourceTypeInstance,
		replace:      p.replacement,
		swapLive:     p.swapGroupUnit,
		dropLive:     p.dropGroupUnit,
	}, failed, begin, end)
}

func (p *InstancePlugin) replacement(ctx context.Context, bk engine.Booking, r *engine.Reservation, exclude map[string]bool) (string, error) {
	var spec instanceSpec
	if _, _, err := p.detailOf(ctx, r.ID, &spec); err != nil {
		return "", err
	}
	preds, err := filter(spec.ResourceProperties)
	if err != nil {
		return "", err
	}
	window := allocation.Period{Start: bk.Start, End: bk.End}
	units, bookings, err := p.hosts(ctx, window, "", exclude)
	if err != nil {
		return "", err
	}
	placed, err := allocation.SelectSharedCandidates(units, preds, allocation.SlotRequest{
		Usage:  spec.usage(),
		Amount: 1,
	}, window, bookings)
	if engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return placed[0].ID, nil
}
