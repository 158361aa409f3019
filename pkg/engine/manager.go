package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStartGrace is how far in the past a requested start may lie before
// it is rejected instead of moved to now.
const DefaultStartGrace = time.Minute

// LeaseRequest describes a lease to create.
type LeaseRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`

	// StartDate is a date or StartNow.
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	// BeforeEndDate overrides the computed before_end_lease time.
	BeforeEndDate string `json:"before_end_date,omitempty"`

	Reservations []ReservationRequest `json:"reservations"`
}

// ReservationRequest describes one reservation of a new lease.
type ReservationRequest struct {
	ResourceType string                 `json:"resource_type"`
	Values       map[string]interface{} `json:"values"`
}

// LeaseUpdate describes changes to an existing lease. Empty fields are left alone.
type LeaseUpdate struct {
	Name          string `json:"name,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	ProlongFor    string `json:"prolong_for,omitempty"`
	ReduceBy      string `json:"reduce_by,omitempty"`
	BeforeEndDate string `json:"before_end_date,omitempty"`

	Reservations []ReservationUpdate `json:"reservations,omitempty"`
}

// ReservationUpdate carries new values for one reservation.
type ReservationUpdate struct {
	ID     string                 `json:"id"`
	Values map[string]interface{} `json:"values"`
}

// LeaseManagerOptions configure a LeaseManager.
type LeaseManagerOptions struct {
	// BeforeEndDelta schedules before_end_lease this long before the end.
	// Zero disables the automatic event.
	BeforeEndDelta time.Duration

	// StartGrace defaults to DefaultStartGrace.
	StartGrace time.Duration

	Policy   LeasePolicy
	Notifier Notifier
	Metrics  Metrics
	Clock    Clock
	Logger   zerolog.Logger
}

// LeaseManager is the entry point for lease mutations. Every mutation runs
// under a TransitionGuard. It also serves the scheduler's event handlers.
type LeaseManager struct {
	store    Store
	model    *StatusModel
	dispatch *DispatchTable
	opts     LeaseManagerOptions
	metrics  Metrics
	now      Clock
	logger   zerolog.Logger
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(store Store, dispatch *DispatchTable, opts LeaseManagerOptions) *LeaseManager {
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	m := &LeaseManager{
		store:    store,
		dispatch: dispatch,
		opts:     opts,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		logger:   opts.Logger.With().Str("component", "lease_manager").Logger(),
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.model = NewStatusModel(store, opts.Logger)
	return m
}

// StatusModel returns the status model used by the manager.
func (m *LeaseManager) StatusModel() *StatusModel {
	return m.model
}

// GetLease returns a lease with its reservations and events.
func (m *LeaseManager) GetLease(ctx context.Context, id string) (*Lease, error) {
	return m.store.GetLease(ctx, id)
}

// ListLeases returns leases matching filter.
func (m *LeaseManager) ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error) {
	return m.store.ListLeases(ctx, filter)
}

// CreateLease validates the request, books every reservation and leaves the
// lease PENDING. Nothing is left behind when any step fails.
func (m *LeaseManager) CreateLease(ctx context.Context, req LeaseRequest) (lease *Lease, err error) {
	timer := time.Now()
	defer func() { m.recordOperation("create", timer, err) }()

	if req.Name == "" {
		return nil, NewMissingParameterError("name")
	}
	if req.StartDate == "" {
		return nil, NewMissingParameterError("start_date")
	}
	if req.EndDate == "" {
		return nil, NewMissingParameterError("end_date")
	}
	if len(req.Reservations) == 0 {
		return nil, NewMissingParameterError("reservations")
	}

	now := m.now().UTC()
	start, err := m.resolveStart(req.StartDate, now)
	if err != nil {
		return nil, err
	}
	end, err := ParseLeaseDate(req.EndDate, now)
	if err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, NewInvalidDateError("start date must be earlier than end date")
	}

	lease = &Lease{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Owner:     req.Owner,
		StartDate: start,
		EndDate:   end,
		Status:    LeaseStatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, rr := range req.Reservations {
		if rr.ResourceType == "" {
			return nil, NewMissingParameterError("resource_type")
		}
		if !m.dispatch.Supports(rr.ResourceType) {
			return nil, m.dispatch.unsupported(rr.ResourceType)
		}
		lease.Reservations = append(lease.Reservations, Reservation{
			ID:           uuid.New().String(),
			LeaseID:      lease.ID,
			ResourceType: rr.ResourceType,
			Status:       ReservationStatusPending,
			Values:       rr.Values,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	lease.Events = []Event{
		m.newEvent(lease.ID, EventTypeStartLease, start, now),
		m.newEvent(lease.ID, EventTypeEndLease, end, now),
	}
	beforeEnd, ok, err := m.beforeEndTime(req.BeforeEndDate, start, end, now)
	if err != nil {
		return nil, err
	}
	if ok {
		lease.Events = append(lease.Events, m.newEvent(lease.ID, EventTypeBeforeEndLease, beforeEnd, now))
	}

	if err := m.checkPolicy(ctx, "create", lease); err != nil {
		return nil, err
	}

	if err := m.store.CreateLease(ctx, lease); err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	window := lease.Window()
	for i := range lease.Reservations {
		r := &lease.Reservations[i]
		reserve, _ := m.dispatch.Reserve(r.ResourceType)
		resourceID, err := reserve(ctx, r.ID, r.Values, window)
		if err != nil {
			m.logger.Error().Err(err).
				Str("lease_id", lease.ID).
				Str("resource_type", r.ResourceType).
				Msg("Reservation failed, destroying lease")
			m.destroyCreating(ctx, lease)
			return nil, err
		}
		r.ResourceID = resourceID
		r.UpdatedAt = m.now().UTC()
		if err := m.store.UpdateReservation(ctx, r); err != nil {
			m.destroyCreating(ctx, lease)
			return nil, fmt.Errorf("failed to update reservation: %w", err)
		}
	}

	guard := m.model.Guard(lease.ID, GuardOptions{
		Target:     LeaseStatusCreating,
		Acceptable: []LeaseStatus{LeaseStatusPending},
	})
	if err := guard.Attach(ctx); err != nil {
		return nil, err
	}
	if _, err := guard.Commit(ctx); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("lease_id", lease.ID).
		Str("name", lease.Name).
		Time("start", start).
		Time("end", end).
		Msg("Lease created")
	m.notify(ctx, NotificationLeaseCreated, lease.ID, "", fmt.Sprintf("Lease %s created", lease.Name), "info")

	return m.store.GetLease(ctx, lease.ID)
}

// destroyCreating releases whatever a failed create already booked and
// removes the lease.
func (m *LeaseManager) destroyCreating(ctx context.Context, lease *Lease) {
	window := lease.Window()
	for _, r := range lease.Reservations {
		if r.ResourceID == "" {
			continue
		}
		onEnd, _ := m.dispatch.Hook(r.ResourceType, OpOnEnd)
		if err := onEnd(ctx, r.ResourceID, window); err != nil {
			m.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("Failed to release reservation")
		}
	}
	if err := m.store.DeleteLease(ctx, lease.ID); err != nil && !IsNotFound(err) {
		m.logger.Error().Err(err).Str("lease_id", lease.ID).Msg("Failed to delete lease")
	}
}

// UpdateLease applies name, date and per-reservation changes. UNDONE events
// move with the dates. ACTIVE reservations may only grow.
func (m *LeaseManager) UpdateLease(ctx context.Context, id string, upd LeaseUpdate) (result *Lease, err error) {
	timer := time.Now()
	defer func() { m.recordOperation("update", timer, err) }()

	lease, err := m.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	startEvent, _ := lease.EventOfType(EventTypeStartLease)
	endEvent, _ := lease.EventOfType(EventTypeEndLease)
	started := startEvent != nil && startEvent.Status != EventStatusUndone

	newStart := lease.StartDate
	if upd.StartDate != "" {
		if started {
			return nil, NewInvalidStateUpdateError("cannot modify the start date of a started lease")
		}
		newStart, err = m.resolveStart(upd.StartDate, now)
		if err != nil {
			return nil, err
		}
	}

	newEnd, err := m.resolveEnd(lease, upd, now)
	if err != nil {
		return nil, err
	}
	if !newEnd.Equal(lease.EndDate) && endEvent != nil && endEvent.Status != EventStatusUndone {
		return nil, NewInvalidStateUpdateError("cannot modify the end date of a terminating lease")
	}
	if !newStart.Before(newEnd) {
		return nil, NewInvalidDateError("start date must be earlier than end date")
	}

	values := make(map[string]map[string]interface{}, len(upd.Reservations))
	for _, ru := range upd.Reservations {
		found := false
		for _, r := range lease.Reservations {
			if r.ID == ru.ID {
				found = true
				break
			}
		}
		if !found {
			return nil, NewNotFoundError("reservation", ru.ID)
		}
		values[ru.ID] = ru.Values
	}

	candidate := *lease
	if upd.Name != "" {
		candidate.Name = upd.Name
	}
	candidate.StartDate = newStart
	candidate.EndDate = newEnd
	if err := m.checkPolicy(ctx, "update", &candidate); err != nil {
		return nil, err
	}

	datesChanged := !newStart.Equal(lease.StartDate) || !newEnd.Equal(lease.EndDate)

	guard := m.model.Guard(id, GuardOptions{
		Target:     LeaseStatusUpdating,
		Acceptable: []LeaseStatus{LeaseStatusPending, LeaseStatusActive},
		NonFatal: NonFatalCodes(
			ErrCodeNotEnoughResources, ErrCodeInvalidStateUpdate, ErrCodeMissingParameter,
			ErrCodeMalformedParameter, ErrCodeMalformedRequirements, ErrCodeInvalidDate,
		),
	})

	_, err = guard.Run(ctx, func(ctx context.Context) error {
		window := candidate.Window()
		for i := range lease.Reservations {
			r := &lease.Reservations[i]
			if r.Status == ReservationStatusDeleted {
				continue
			}
			newValues, changed := values[r.ID]
			if !changed && !datesChanged {
				continue
			}
			merged := mergeValues(r.Values, newValues)
			update, err := m.dispatch.Update(r.ResourceType)
			if err != nil {
				return err
			}
			if err := update(ctx, r.ID, merged, window); err != nil {
				return err
			}
			r.Values = merged
			r.UpdatedAt = now
			if err := m.store.UpdateReservation(ctx, r); err != nil {
				return fmt.Errorf("failed to update reservation: %w", err)
			}
		}

		if err := m.shiftEvents(ctx, lease, upd.BeforeEndDate, newStart, newEnd, now); err != nil {
			return err
		}

		candidate.UpdatedAt = now
		if err := m.store.UpdateLease(ctx, &candidate); err != nil {
			return fmt.Errorf("failed to update lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("lease_id", id).Msg("Lease updated")
	m.notify(ctx, NotificationLeaseUpdated, id, "", fmt.Sprintf("Lease %s updated", candidate.Name), "info")

	return m.store.GetLease(ctx, id)
}

// DeleteLease tears down every reservation and removes the lease.
func (m *LeaseManager) DeleteLease(ctx context.Context, id string) (err error) {
	timer := time.Now()
	defer func() { m.recordOperation("delete", timer, err) }()

	lease, err := m.store.GetLease(ctx, id)
	if err != nil {
		return err
	}

	guard := m.model.Guard(id, GuardOptions{
		Target:     LeaseStatusDeleting,
		Acceptable: []LeaseStatus{LeaseStatusTerminated},
	})

	_, err = guard.Run(ctx, func(ctx context.Context) error {
		window := lease.Window()
		for _, r := range lease.Reservations {
			if r.Status == ReservationStatusDeleted || r.ResourceID == "" {
				continue
			}
			onEnd, err := m.dispatch.Hook(r.ResourceType, OpOnEnd)
			if err != nil {
				return err
			}
			if err := onEnd(ctx, r.ResourceID, window); err != nil {
				return err
			}
		}
		return m.store.DeleteLease(ctx, id)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("lease_id", id).Msg("Lease deleted")
	m.notify(ctx, NotificationLeaseDeleted, id, "", fmt.Sprintf("Lease %s deleted", lease.Name), "info")
	return nil
}

// Handlers returns the scheduler's event handler table.
func (m *LeaseManager) Handlers() map[EventType]EventHandler {
	return map[EventType]EventHandler{
		EventTypeStartLease:     m.StartLease,
		EventTypeEndLease:       m.EndLease,
		EventTypeBeforeEndLease: m.BeforeEnd,
	}
}

// StartLease runs OnStart for every pending reservation and marks the event
// DONE. Retryable failures leave the event IN_PROGRESS for another attempt.
func (m *LeaseManager) StartLease(ctx context.Context, event *Event) error {
	guard := m.model.Guard(event.LeaseID, GuardOptions{
		Target:     LeaseStatusStarting,
		Acceptable: []LeaseStatus{LeaseStatusActive},
		NonFatal:   IsRetryable,
		Resume:     true,
	})
	if err := guard.Begin(ctx); err != nil {
		return err
	}

	lease, err := m.store.GetLease(ctx, event.LeaseID)
	if err != nil {
		return guard.Rollback(ctx, err)
	}

	window := lease.Window()
	for i := range lease.Reservations {
		r := &lease.Reservations[i]
		if r.Status != ReservationStatusPending {
			continue
		}
		if err := m.runHook(ctx, r, OpOnStart, window); err != nil {
			if !IsRetryable(err) {
				m.setReservationStatus(ctx, r, ReservationStatusError)
			}
			return guard.Rollback(ctx, err)
		}
		m.setReservationStatus(ctx, r, ReservationStatusActive)
	}

	if err := m.completeEvent(ctx, event); err != nil {
		return guard.Rollback(ctx, err)
	}

	status, err := guard.Commit(ctx)
	if err != nil {
		return err
	}
	m.logger.Info().Str("lease_id", event.LeaseID).Str("status", string(status)).Msg("Lease started")
	return nil
}

// EndLease runs OnEnd for every remaining reservation and marks the event
// DONE. A lease whose start failed terminates into ERROR.
func (m *LeaseManager) EndLease(ctx context.Context, event *Event) error {
	guard := m.model.Guard(event.LeaseID, GuardOptions{
		Target:     LeaseStatusTerminating,
		Acceptable: []LeaseStatus{LeaseStatusTerminated, LeaseStatusError},
		NonFatal:   IsRetryable,
		Resume:     true,
	})
	if err := guard.Begin(ctx); err != nil {
		return err
	}

	lease, err := m.store.GetLease(ctx, event.LeaseID)
	if err != nil {
		return guard.Rollback(ctx, err)
	}

	var fatal error
	window := lease.Window()
	for i := range lease.Reservations {
		r := &lease.Reservations[i]
		if r.Status == ReservationStatusDeleted {
			continue
		}
		if err := m.runHook(ctx, r, OpOnEnd, window); err != nil {
			if IsRetryable(err) {
				return guard.Rollback(ctx, err)
			}
			m.setReservationStatus(ctx, r, ReservationStatusError)
			if fatal == nil {
				fatal = err
			}
			continue
		}
		m.setReservationStatus(ctx, r, ReservationStatusDeleted)
	}
	if fatal != nil {
		return guard.Rollback(ctx, fatal)
	}

	if err := m.completeEvent(ctx, event); err != nil {
		return guard.Rollback(ctx, err)
	}

	status, err := guard.Commit(ctx)
	if err != nil {
		return err
	}
	m.logger.Info().Str("lease_id", event.LeaseID).Str("status", string(status)).Msg("Lease ended")
	return nil
}

// BeforeEnd runs the pre-teardown action of every active reservation. The
// lease status does not change.
func (m *LeaseManager) BeforeEnd(ctx context.Context, event *Event) error {
	lease, err := m.store.GetLease(ctx, event.LeaseID)
	if err != nil {
		return err
	}

	window := lease.Window()
	for i := range lease.Reservations {
		r := &lease.Reservations[i]
		if r.Status != ReservationStatusActive {
			continue
		}
		if err := m.runHook(ctx, r, OpBeforeEnd, window); err != nil {
			return err
		}
	}

	return m.completeEvent(ctx, event)
}

func (m *LeaseManager) runHook(ctx context.Context, r *Reservation, op Operation, window LeaseWindow) error {
	hook, err := m.dispatch.Hook(r.ResourceType, op)
	if err != nil {
		return err
	}
	if err := hook(ctx, r.ResourceID, window); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			ee.WithOperation(string(op))
			if ee.Resource == "" {
				ee.WithResource(r.ID)
			}
			return ee
		}
		return NewPermanentError(fmt.Sprintf("%s failed", op), err).
			WithCode(ErrCodeInternal).
			WithResource(r.ID).
			WithOperation(string(op))
	}
	return nil
}

func (m *LeaseManager) setReservationStatus(ctx context.Context, r *Reservation, status ReservationStatus) {
	r.Status = status
	r.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateReservation(ctx, r); err != nil {
		m.logger.Error().Err(err).
			Str("reservation_id", r.ID).
			Str("status", string(status)).
			Msg("Failed to update reservation status")
	}
}

func (m *LeaseManager) completeEvent(ctx context.Context, event *Event) error {
	event.Status = EventStatusDone
	event.LastError = ""
	event.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to mark event done: %w", err)
	}
	return nil
}

func (m *LeaseManager) newEvent(leaseID string, t EventType, at, now time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		LeaseID:   leaseID,
		EventType: t,
		Time:      at,
		Status:    EventStatusUndone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// resolveStart parses a start date, moving a start within the grace period
// into the past up to now.
func (m *LeaseManager) resolveStart(value string, now time.Time) (time.Time, error) {
	start, err := ParseLeaseDate(value, now)
	if err != nil {
		return time.Time{}, err
	}
	if start.Before(now) {
		if now.Sub(start) > m.opts.StartGrace {
			return time.Time{}, NewInvalidDateError("start date must be later than current date")
		}
		start = now
	}
	return start, nil
}

func (m *LeaseManager) resolveEnd(lease *Lease, upd LeaseUpdate, now time.Time) (time.Time, error) {
	set := 0
	for _, v := range []string{upd.EndDate, upd.ProlongFor, upd.ReduceBy} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return time.Time{}, NewMalformedParameterError("end_date",
			fmt.Errorf("end_date, prolong_for and reduce_by are mutually exclusive"))
	}

	end := lease.EndDate
	switch {
	case upd.EndDate != "":
		parsed, err := ParseLeaseDate(upd.EndDate, now)
		if err != nil {
			return time.Time{}, err
		}
		end = parsed
	case upd.ProlongFor != "":
		d, err := ParseLeaseDuration("prolong_for", upd.ProlongFor)
		if err != nil {
			return time.Time{}, err
		}
		end = end.Add(d)
	case upd.ReduceBy != "":
		d, err := ParseLeaseDuration("reduce_by", upd.ReduceBy)
		if err != nil {
			return time.Time{}, err
		}
		end = end.Add(-d)
	default:
		return end, nil
	}

	if end.Before(now) {
		return time.Time{}, NewInvalidDateError("end date must be later than current date")
	}
	return end, nil
}

// beforeEndTime computes the before_end_lease time: an explicit date,
// otherwise end minus the configured delta clipped to start.
func (m *LeaseManager) beforeEndTime(explicit string, start, end, now time.Time) (time.Time, bool, error) {
	if explicit != "" {
		t, err := ParseLeaseDate(explicit, now)
		if err != nil {
			return time.Time{}, false, err
		}
		if t.Before(start) || t.After(end) {
			return time.Time{}, false, NewInvalidDateError("before end date must be within the lease window")
		}
		return t, true, nil
	}
	if m.opts.BeforeEndDelta <= 0 {
		return time.Time{}, false, nil
	}
	t := end.Add(-m.opts.BeforeEndDelta)
	if t.Before(start) {
		t = start
	}
	return t, true, nil
}

// shiftEvents moves UNDONE events to the new dates.
func (m *LeaseManager) shiftEvents(ctx context.Context, lease *Lease, explicitBeforeEnd string, start, end, now time.Time) error {
	hasBeforeEnd := false
	for i := range lease.Events {
		e := &lease.Events[i]
		if e.EventType == EventTypeBeforeEndLease {
			hasBeforeEnd = true
		}
		if e.Status != EventStatusUndone {
			continue
		}

		at := e.Time
		switch e.EventType {
		case EventTypeStartLease:
			at = start
		case EventTypeEndLease:
			at = end
		case EventTypeBeforeEndLease:
			t, ok, err := m.beforeEndTime(explicitBeforeEnd, start, end, now)
			if err != nil {
				return err
			}
			if ok {
				at = t
			} else {
				at = clipTime(e.Time.Add(end.Sub(lease.EndDate)), start, end)
			}
		}
		if at.Equal(e.Time) {
			continue
		}
		e.Time = at
		e.UpdatedAt = now
		if err := m.store.UpdateEvent(ctx, e); err != nil {
			return fmt.Errorf("failed to shift event: %w", err)
		}
	}

	if !hasBeforeEnd && explicitBeforeEnd != "" {
		t, _, err := m.beforeEndTime(explicitBeforeEnd, start, end, now)
		if err != nil {
			return err
		}
		e := m.newEvent(lease.ID, EventTypeBeforeEndLease, t, now)
		if err := m.store.CreateEvent(ctx, &e); err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}
	}
	return nil
}

func (m *LeaseManager) checkPolicy(ctx context.Context, op string, lease *Lease) error {
	if m.opts.Policy == nil {
		return nil
	}
	return m.opts.Policy.CheckLease(ctx, op, lease)
}

func (m *LeaseManager) recordOperation(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		m.metrics.RecordError(string(ClassOf(err)), ErrorCode(err))
	}
	m.metrics.RecordLeaseOperation(op, status, time.Since(start))
}

func (m *LeaseManager) notify(ctx context.Context, typ, leaseID, eventID, message, level string) {
	publish(ctx, m.opts.Notifier, m.logger, &Notification{
		Type:    typ,
		LeaseID: leaseID,
		EventID: eventID,
		Message: message,
		Level:   level,
		Time:    m.now().UTC(),
	})
}

// publish delivers a notification asynchronously. Failures are logged only.
func publish(ctx context.Context, n Notifier, logger zerolog.Logger, notification *Notification) {
	if n == nil {
		return
	}
	go func() {
		if err := n.Notify(context.WithoutCancel(ctx), notification); err != nil {
			logger.Warn().Err(err).Str("type", notification.Type).Msg("Failed to publish notification")
		}
	}()
}

func mergeValues(old, upd map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(old)+len(upd))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range upd {
		out[k] = v
	}
	return out
}

func clipTime(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
