package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/allocation"
	"github.com/reservoir/reservoir/pkg/engine"
)

// Before-end actions.
const (
	ActionDefault  = "default"
	ActionSnapshot = "snapshot"
)

// ActionPolicy picks the before-end action for reservations that do not
// name one.
type ActionPolicy interface {
	BeforeEndAction(ctx context.Context, resourceType string, lease engine.LeaseWindow) (string, error)
}

// StaticAction is an ActionPolicy that always returns the same action.
type StaticAction string

func (a StaticAction) BeforeEndAction(context.Context, string, engine.LeaseWindow) (string, error) {
	if a == "" {
		return ActionDefault, nil
	}
	return string(a), nil
}

// Options configures the shared plugin base.
type Options struct {
	Store       engine.Store
	Provisioner engine.Provisioner
	Logger      zerolog.Logger

	// Margin widens the window checked for exclusive units, leaving room
	// for cleaning between consecutive leases.
	Margin time.Duration

	// Actions chooses before-end actions. Defaults to StaticAction("default").
	Actions ActionPolicy
}

// Base holds what every plugin needs: the store, the provisioner and the
// booking lock.
type Base struct {
	store       engine.Store
	provisioner engine.Provisioner
	logger      zerolog.Logger
	margin      time.Duration
	actions     ActionPolicy
	validate    *validator.Validate

	// mu serializes candidate checks and allocation writes in this process.
	// Writers in other processes are caught by the booking check.
	mu sync.Mutex
}

// NewBase creates the shared base for a set of plugins.
func NewBase(opts Options) (*Base, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if opts.Actions == nil {
		opts.Actions = StaticAction(ActionDefault)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Base{
		store:       opts.Store,
		provisioner: opts.Provisioner,
		logger:      opts.Logger.With().Str("component", "plugins").Logger(),
		margin:      opts.Margin,
		actions:     opts.Actions,
		validate:    v,
	}, nil
}

// All returns every plugin built on this base.
func (b *Base) All() []engine.ResourcePlugin {
	return []engine.ResourcePlugin{
		NewHostPlugin(b),
		NewInstancePlugin(b),
		NewFloatingIPPlugin(b),
		NewNetworkPlugin(b),
	}
}

// decode converts request values into a typed spec and validates it.
func (b *Base) decode(values map[string]interface{}, spec interface{}) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return engine.NewMalformedParameterError("values", err)
	}
	if err := json.Unmarshal(raw, spec); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return engine.NewMalformedParameterError(typeErr.Field, err)
		}
		return engine.NewMalformedParameterError("values", err)
	}

	if err := b.validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return engine.NewMalformedParameterError("values", err)
		}
		fe := verrs[0]
		if fe.Tag() == "required" {
			return engine.NewMissingParameterError(fe.Field())
		}
		return engine.NewMalformedParameterError(fe.Field(),
			fmt.Errorf("failed %s=%s validation", fe.Tag(), fe.Param()))
	}
	return nil
}

// filter parses and joins requirement expressions.
func filter(exprs ...string) ([]allocation.Predicate, error) {
	var out []allocation.Predicate
	for _, expr := range exprs {
		preds, err := allocation.ParseRequirements(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, preds...)
	}
	return out, nil
}

// forever bounds booking queries that need every commitment on a unit.
var forever = allocation.Period{
	Start: time.Unix(0, 0).UTC(),
	End:   time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
}

// inventory loads the units of kind and all their bookings, leaving out those
// of the reservation named by exclude. Units in skip are dropped.
func (b *Base) inventory(ctx context.Context, kind, exclude string, skip map[string]bool) ([]engine.ResourceUnit, []engine.Booking, error) {
	all, err := b.store.ListUnits(ctx, engine.UnitFilter{Kind: kind})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s units: %w", kind, err)
	}
	units := all[:0]
	for _, u := range all {
		if !skip[u.ID] {
			units = append(units, u)
		}
	}
	if len(units) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	booked, err := b.store.GetBookingsByUnitIDs(ctx, ids, forever.Start, forever.End)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	bookings := booked[:0]
	for _, bk := range booked {
		if bk.ReservationID != exclude {
			bookings = append(bookings, bk)
		}
	}
	return units, bookings, nil
}

// createDetail stores spec as the reservation's detail record.
func (b *Base) createDetail(ctx context.Context, reservationID, resourceType string, spec interface{}) (*engine.ReservationDetail, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s spec: %w", resourceType, err)
	}
	now := time.Now().UTC()
	d := &engine.ReservationDetail{
		ID:            uuid.New().String(),
		ReservationID: reservationID,
		ResourceType:  resourceType,
		Spec:          raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.store.CreateDetail(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create detail: %w", err)
	}
	return d, nil
}

// saveDetail re-encodes spec into d and persists it.
func (b *Base) saveDetail(ctx context.Context, d *engine.ReservationDetail, spec interface{}) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode %s spec: %w", d.ResourceType, err)
	}
	d.Spec = raw
	d.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateDetail(ctx, d); err != nil {
		return fmt.Errorf("failed to update detail: %w", err)
	}
	return nil
}

// loadDetail fetches a detail and decodes its spec. found is false when the
// detail no longer exists.
func (b *Base) loadDetail(ctx context.Context, resourceID string, spec interface{}) (d *engine.ReservationDetail, found bool, err error) {
	d, err = b.store.GetDetail(ctx, resourceID)
	if engine.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load detail %s: %w", resourceID, err)
	}
	if err := json.Unmarshal(d.Spec, spec); err != nil {
		return nil, false, fmt.Errorf("corrupt spec in detail %s: %w", resourceID, err)
	}
	return d, true, nil
}

// detailOf returns the detail of a reservation.
func (b *Base) detailOf(ctx context.Context, reservationID string, spec interface{}) (*engine.Reservation, *engine.ReservationDetail, error) {
	r, err := b.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	d, found, err := b.loadDetail(ctx, r.ResourceID, spec)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, engine.NewNotFoundError("reservation detail", r.ResourceID)
	}
	return r, d, nil
}

// bookingAttempts bounds how often a booking is reselected after another
// writer took one of its units.
const bookingAttempts = 3

// retryBooking runs book again while it loses units to other writers.
func retryBooking(book func() error) error {
	var err error
	for i := 0; i < bookingAttempts; i++ {
		if err = book(); !engine.HasCode(err, engine.ErrCodeBookingConflict) {
			return err
		}
	}
	return err
}

// exclusiveCheck refuses a write when any other reservation holds one of the
// units during the checked window.
func exclusiveCheck(existing []engine.Booking) error {
	if len(existing) == 0 {
		return nil
	}
	return engine.NewBookingConflictError(existing[0].UnitID, existing[0].ReservationID)
}

// checked is the lease window widened by the margin, the span an exclusive
// write is checked against.
func (b *Base) checked(lease engine.LeaseWindow) allocation.Period {
	return allocation.Period{Start: lease.Start, End: lease.End}.Widen(b.margin)
}

// allocate writes one allocation per unit. Units may repeat for shared slots.
// check sees the bookings other reservations hold on the units during window
// at the time of the write.
func (b *Base) allocate(ctx context.Context, reservationID string, unitIDs []string, exclusive bool, usage engine.Resources, window allocation.Period, check engine.BookingCheck) ([]engine.Allocation, error) {
	now := time.Now().UTC()
	allocs := make([]engine.Allocation, len(unitIDs))
	for i, id := range unitIDs {
		allocs[i] = engine.Allocation{
			ID:            uuid.New().String(),
			ReservationID: reservationID,
			UnitID:        id,
			Exclusive:     exclusive,
			Usage:         usage.Clone(),
			CreatedAt:     now,
		}
	}
	if len(allocs) == 0 {
		return nil, nil
	}
	if err := b.store.BookAllocations(ctx, allocs, window.Start, window.End, check); err != nil {
		return nil, fmt.Errorf("failed to create allocations: %w", err)
	}
	return allocs, nil
}

// release deletes every allocation of a reservation and returns their units.
func (b *Base) release(ctx context.Context, reservationID string) ([]string, error) {
	allocs, err := b.store.ListAllocations(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	if len(allocs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(allocs))
	units := make([]string, len(allocs))
	for i, a := range allocs {
		ids[i] = a.ID
		units[i] = a.UnitID
	}
	if err := b.store.DeleteAllocations(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to delete allocations: %w", err)
	}
	return units, nil
}

// discard undoes a partially created reservation.
func (b *Base) discard(ctx context.Context, d *engine.ReservationDetail) {
	if _, err := b.release(ctx, d.ReservationID); err != nil {
		b.logger.Error().Err(err).Str("reservation_id", d.ReservationID).Msg("failed to release allocations")
	}
	if err := b.store.DeleteDetail(ctx, d.ID); err != nil && !engine.IsNotFound(err) {
		b.logger.Error().Err(err).Str("detail_id", d.ID).Msg("failed to delete detail")
	}
}

// dropGroup deletes a group created by a reserve that failed later on.
func (b *Base) dropGroup(ctx context.Context, groupID string) {
	if err := b.provisioner.DeleteGroup(ctx, groupID); err != nil {
		b.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to delete group")
	}
}

// dropObject deletes an object created by a reserve that failed later on.
func (b *Base) dropObject(ctx context.Context, objectID string) {
	if err := b.provisioner.DeleteObject(ctx, objectID); err != nil {
		b.logger.Error().Err(err).Str("object_id", objectID).Msg("failed to delete object")
	}
}

// applyDiff creates one allocation per added unit and then deletes one per
// removed unit. A refused write leaves the reservation as it was.
func (b *Base) applyDiff(ctx context.Context, reservationID string, allocs []engine.Allocation, diff allocation.Diff, exclusive bool, usage engine.Resources, window allocation.Period, check engine.BookingCheck) error {
	if _, err := b.allocate(ctx, reservationID, diff.Added, exclusive, usage, window, check); err != nil {
		return err
	}
	if len(diff.Removed) == 0 {
		return nil
	}
	pending := make(map[string]int, len(diff.Removed))
	for _, id := range diff.Removed {
		pending[id]++
	}
	var ids []string
	for _, a := range allocs {
		if pending[a.UnitID] > 0 {
			pending[a.UnitID]--
			ids = append(ids, a.ID)
		}
	}
	if err := b.store.DeleteAllocations(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete allocations: %w", err)
	}
	return nil
}

// unitIDsOf returns the unit IDs of allocations in order.
func unitIDsOf(allocs []engine.Allocation) []string {
	out := make([]string, len(allocs))
	for i, a := range allocs {
		out[i] = a.UnitID
	}
	return out
}

func idsOf(units []engine.ResourceUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

// distinct returns the sorted set of ids.
func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func provisioningError(resourceID, operation, message string, err error) error {
	return engine.NewProvisioningError(message, err).
		WithResource(resourceID).
		WithOperation(operation)
}

// action resolves the before-end action for a reservation.
func (b *Base) action(ctx context.Context, override, resourceType string, lease engine.LeaseWindow) (string, error) {
	action := override
	if action == "" {
		var err error
		action, err = b.actions.BeforeEndAction(ctx, resourceType, lease)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate before-end policy: %w", err)
		}
	}
	switch action {
	case "", ActionDefault:
		return ActionDefault, nil
	case ActionSnapshot:
		return ActionSnapshot, nil
	default:
		return "", engine.NewMalformedParameterError("before_end", fmt.Errorf("unknown action %q", action))
	}
}

// admit adds units to the group of d and grants owner access to it.
func (b *Base) admit(ctx context.Context, d *engine.ReservationDetail, units []string, owner string) error {
	if d.GroupID == "" {
		return nil
	}
	if len(units) > 0 {
		if err := b.provisioner.AddUnits(ctx, d.GroupID, units); err != nil {
			return provisioningError(d.ID, "on_start", "cannot add units", err)
		}
	}
	if owner != "" {
		if err := b.provisioner.GrantAccess(ctx, d.GroupID, owner); err != nil {
			return provisioningError(d.ID, "on_start", "cannot grant access", err)
		}
	}
	return nil
}

// teardown revokes access, empties and deletes the group of d.
func (b *Base) teardown(ctx context.Context, d *engine.ReservationDetail, units []string, owner string) error {
	if d.GroupID == "" {
		return nil
	}
	if owner != "" {
		if err := b.provisioner.RevokeAccess(ctx, d.GroupID, owner); err != nil {
			return provisioningError(d.ID, "on_end", "cannot revoke access", err)
		}
	}
	if len(units) > 0 {
		if err := b.provisioner.RemoveUnits(ctx, d.GroupID, units); err != nil {
			return provisioningError(d.ID, "on_end", "cannot remove units", err)
		}
	}
	if err := b.provisioner.DeleteGroup(ctx, d.GroupID); err != nil {
		return provisioningError(d.ID, "on_end", "cannot delete group", err)
	}
	d.GroupID = ""
	return nil
}
