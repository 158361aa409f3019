package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// healOps adapts the shared healing loop to one resource kind.
type healOps struct {
	resourceType string

	// replace returns a substitute unit for the booking, or "" when none
	// fits. Units in exclude must not be chosen.
	replace func(ctx context.Context, bk engine.Booking, r *engine.Reservation, exclude map[string]bool) (string, error)

	// swapLive moves a running reservation from oldUnit to newUnit.
	swapLive func(ctx context.Context, r *engine.Reservation, oldUnit, newUnit string) error

	// dropLive takes unit out of a running reservation. Optional.
	dropLive func(ctx context.Context, r *engine.Reservation, unit string) error
}

// heal walks the bookings on failed units that overlap [begin, end] and
// either moves each to a replacement or drops it.
func (b *Base) heal(ctx context.Context, ops healOps, failed []string, begin, end time.Time) (map[string]engine.HealFlags, error) {
	flags := make(map[string]engine.HealFlags)
	if len(failed) == 0 {
		return flags, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bookings, err := b.store.GetBookingsByUnitIDs(ctx, failed, begin, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings on failed units: %w", err)
	}

	exclude := make(map[string]bool, len(failed))
	for _, id := range failed {
		exclude[id] = true
	}

	var errs []error
	reservations := make(map[string]*engine.Reservation)
	for _, bk := range bookings {
		r, ok := reservations[bk.ReservationID]
		if !ok {
			r, err = b.store.GetReservation(ctx, bk.ReservationID)
			if err != nil {
				return flags, fmt.Errorf("failed to load reservation %s: %w", bk.ReservationID, err)
			}
			reservations[bk.ReservationID] = r
		}
		if r.ResourceType != ops.resourceType {
			continue
		}
		active := r.Status == engine.ReservationStatusActive

		logger := b.logger.With().
			Str("reservation_id", r.ID).
			Str("failed_unit", bk.UnitID).
			Logger()

		replacement, err := ops.replace(ctx, bk, r, exclude)
		if err != nil {
			return flags, err
		}

		f := flags[r.ID]
		if replacement != "" {
			if err := b.move(ctx, ops, bk, r, replacement, active); err != nil {
				// The allocation stays on the failed unit.
				f.MissingResources = true
				flags[r.ID] = f
				logger.Error().Err(err).Str("replacement", replacement).Msg("cannot move allocation off failed unit")
				errs = append(errs, err)
				continue
			}
			if active {
				f.ResourcesChanged = true
			}
			logger.Info().Str("replacement", replacement).Bool("active", active).Msg("allocation moved off failed unit")
		} else {
			f.MissingResources = true
			flags[r.ID] = f
			if err := b.store.DeleteAllocations(ctx, []string{bk.AllocationID}); err != nil {
				errs = append(errs, fmt.Errorf("failed to drop allocation %s: %w", bk.AllocationID, err))
				continue
			}
			if active && ops.dropLive != nil {
				if err := ops.dropLive(ctx, r, bk.UnitID); err != nil {
					errs = append(errs, err)
					continue
				}
			}
			logger.Warn().Bool("active", active).Msg("no replacement for failed unit, allocation dropped")
		}
		flags[r.ID] = f
	}

	return flags, errors.Join(errs...)
}

// move puts the allocation of bk on replacement. A running reservation is
// moved live first and the allocation row follows only once that worked. A
// failed row update puts the live side back.
func (b *Base) move(ctx context.Context, ops healOps, bk engine.Booking, r *engine.Reservation, replacement string, active bool) error {
	if active {
		if err := ops.swapLive(ctx, r, bk.UnitID, replacement); err != nil {
			return err
		}
	}
	err := b.store.SwapAllocation(ctx, bk.AllocationID, replacement)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("failed to swap allocation %s: %w", bk.AllocationID, err)
	if active {
		if rerr := ops.swapLive(ctx, r, replacement, bk.UnitID); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to move reservation %s back to %s: %w", r.ID, bk.UnitID, rerr))
		}
	}
	return err
}

// swapGroupUnit moves a unit in the live group of r. Nothing changes when the
// replacement cannot be added.
func (b *Base) swapGroupUnit(ctx context.Context, r *engine.Reservation, oldUnit, newUnit string) error {
	d, err := b.store.GetDetail(ctx, r.ResourceID)
	if err != nil {
		return fmt.Errorf("failed to load detail %s: %w", r.ResourceID, err)
	}
	if d.GroupID == "" {
		return nil
	}
	if err := b.provisioner.AddUnits(ctx, d.GroupID, []string{newUnit}); err != nil {
		return provisioningError(d.ID, "heal", "cannot add replacement unit", err)
	}
	// The replacement is live at this point. A failed unit left behind in the
	// group is only logged.
	if err := b.provisioner.RemoveUnits(ctx, d.GroupID, []string{oldUnit}); err != nil {
		b.logger.Error().Err(err).Str("group_id", d.GroupID).Str("unit_id", oldUnit).Msg("failed to remove unit from group")
	}
	return nil
}

// dropGroupUnit removes a unit from the live group of r.
func (b *Base) dropGroupUnit(ctx context.Context, r *engine.Reservation, unit string) error {
	d, err := b.store.GetDetail(ctx, r.ResourceID)
	if err != nil {
		return fmt.Errorf("failed to load detail %s: %w", r.ResourceID, err)
	}
	if d.GroupID == "" {
		return nil
	}
	if err := b.provisioner.RemoveUnits(ctx, d.GroupID, []string{unit}); err != nil {
		return provisioningError(d.ID, "heal", "cannot remove failed unit", err)
	}
	return nil
}
