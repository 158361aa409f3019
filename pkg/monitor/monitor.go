package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// AttrHealth is set to HealthFailed on units the monitor disabled. Only those
// units are re-enabled on recovery; units an operator disabled stay disabled.
const (
	AttrHealth   = "health"
	HealthFailed = "failed"
)

// Monitor defaults.
const (
	DefaultInterval = time.Minute

	// unboundedWindow stands in for a zero healing window.
	unboundedWindow = 100 * 365 * 24 * time.Hour
)

// Options configure a Monitor.
type Options struct {
	// Interval is the time between polls.
	Interval time.Duration

	// HealingWindow limits healing to allocations starting before now+window.
	// Zero heals every future allocation.
	HealingWindow time.Duration

	Notifier engine.Notifier
	Clock    engine.Clock
	Logger   zerolog.Logger
}

// PollResult summarises one Poll.
type PollResult struct {
	Checked   int                         `json:"checked"`
	Failed    []string                    `json:"failed,omitempty"`
	Recovered []string                    `json:"recovered,omitempty"`
	Flags     map[string]engine.HealFlags `json:"flags,omitempty"`
}

// Monitor polls units and heals reservations on the ones that fail.
type Monitor struct {
	store   engine.Store
	healer  engine.Healer
	checker Checker
	opts    Options
	now     engine.Clock
	logger  zerolog.Logger

	// healMu serialises healing passes.
	healMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a monitor. healer is normally the dispatch table, which fans
// healing out over every resource plugin.
func New(store engine.Store, healer engine.Healer, checker Checker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	m := &Monitor{
		store:   store,
		healer:  healer,
		checker: checker,
		opts:    opts,
		now:     opts.Clock,
		logger:  opts.Logger.With().Str("component", "monitor").Logger(),
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start runs the poll loop until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return engine.NewConflictError("monitor already running", nil).WithCode(engine.ErrCodeValidation)
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx, m.stopCh, m.doneCh)

	m.logger.Info().Dur("interval", m.opts.Interval).Msg("Monitor started")
	return nil
}

// Stop stops the poll loop and waits for the current poll.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("Monitor stopped")
}

func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Health poll failed")
		}

		select {
		case <-ticker.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Poll checks every unit once. Newly failed units are disabled and healed,
// recovered ones are enabled again.
func (m *Monitor) Poll(ctx context.Context) (*PollResult, error) {
	units, err := m.store.ListUnits(ctx, engine.UnitFilter{})
	if err != nil {
		return nil, err
	}

	result := &PollResult{Checked: len(units)}
	for _, u := range units {
		checkErr := m.checker.Check(ctx, u)
		failedByUs := u.Attributes[AttrHealth] == HealthFailed

		switch {
		case checkErr != nil && !failedByUs && u.Reservable:
			m.logger.Warn().Str("unit_id", u.ID).Err(checkErr).Msg("Unit failed health check")
			result.Failed = append(result.Failed, u.ID)
		case checkErr == nil && failedByUs:
			result.Recovered = append(result.Recovered, u.ID)
		}
	}

	if len(result.Recovered) > 0 {
		if err := m.ReportRecovery(ctx, result.Recovered...); err != nil {
			return result, err
		}
	}
	if len(result.Failed) > 0 {
		flags, err := m.ReportFailure(ctx, result.Failed...)
		result.Flags = flags
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// ReportFailure disables the given units and heals the reservations that
// hold them inside the healing window.
func (m *Monitor) ReportFailure(ctx context.Context, unitIDs ...string) (map[string]engine.HealFlags, error) {
	for _, id := range unitIDs {
		changed, err := m.setHealth(ctx, id, false)
		if err != nil {
			return nil, err
		}
		if changed {
			m.notify(ctx, engine.NotificationUnitFailed, "", "Resource unit "+id+" failed", "warning",
				map[string]interface{}{"unit_id": id})
		}
	}
	return m.Heal(ctx, unitIDs)
}

// ReportRecovery makes units the monitor had disabled reservable again.
// Reservations still allocated on them get their resources back.
func (m *Monitor) ReportRecovery(ctx context.Context, unitIDs ...string) error {
	var recovered []string
	for _, id := range unitIDs {
		changed, err := m.setHealth(ctx, id, true)
		if err != nil {
			return err
		}
		if changed {
			recovered = append(recovered, id)
			m.logger.Info().Str("unit_id", id).Msg("Unit recovered")
			m.notify(ctx, engine.NotificationUnitRecovered, "", "Resource unit "+id+" recovered", "info",
				map[string]interface{}{"unit_id": id})
		}
	}
	if len(recovered) == 0 {
		return nil
	}
	return m.restore(ctx, recovered)
}

// restore clears the missing-resources flag of reservations that still hold
// one of unitIDs, and the degraded mark of leases left without missing
// resources.
func (m *Monitor) restore(ctx context.Context, unitIDs []string) error {
	m.healMu.Lock()
	defer m.healMu.Unlock()

	begin := m.now().UTC()
	bookings, err := m.store.GetBookingsByUnitIDs(ctx, unitIDs, begin, begin.Add(unboundedWindow))
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	touched := make(map[string]bool)
	var leases []string
	for _, bk := range bookings {
		if seen[bk.ReservationID] {
			continue
		}
		seen[bk.ReservationID] = true

		r, err := m.store.GetReservation(ctx, bk.ReservationID)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !r.MissingResources {
			continue
		}
		r.MissingResources = false
		if err := m.store.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if !touched[r.LeaseID] {
			touched[r.LeaseID] = true
			leases = append(leases, r.LeaseID)
		}
	}

	for _, leaseID := range leases {
		lease, err := m.store.GetLease(ctx, leaseID)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !lease.Degraded || missingResources(lease) {
			continue
		}
		if err := m.store.SetLeaseDegraded(ctx, leaseID, false); err != nil {
			return err
		}
		m.logger.Info().Str("lease_id", leaseID).Msg("Lease no longer degraded")
	}
	return nil
}

func missingResources(lease *engine.Lease) bool {
	for _, r := range lease.Reservations {
		if r.MissingResources {
			return true
		}
	}
	return false
}

// setHealth flips a unit between failed and healthy and reports whether
// anything changed.
func (m *Monitor) setHealth(ctx context.Context, unitID string, healthy bool) (bool, error) {
	u, err := m.store.GetUnit(ctx, unitID)
	if err != nil {
		return false, err
	}
	failedByUs := u.Attributes[AttrHealth] == HealthFailed

	if healthy {
		if !failedByUs {
			return false, nil
		}
		delete(u.Attributes, AttrHealth)
		u.Reservable = true
	} else {
		if failedByUs && !u.Reservable {
			return false, nil
		}
		if u.Attributes == nil {
			u.Attributes = make(map[string]string)
		}
		u.Attributes[AttrHealth] = HealthFailed
		u.Reservable = false
	}
	return true, m.store.UpdateUnit(ctx, u)
}

// Heal reallocates reservations away from unitIDs and persists the outcome.
// Flags are ORed into the reservations and every touched lease is marked
// degraded.
func (m *Monitor) Heal(ctx context.Context, unitIDs []string) (map[string]engine.HealFlags, error) {
	m.healMu.Lock()
	defer m.healMu.Unlock()

	begin := m.now().UTC()
	window := m.opts.HealingWindow
	if window <= 0 {
		window = unboundedWindow
	}

	flags, err := m.healer.HealReservations(ctx, unitIDs, begin, begin.Add(window))
	// Partial results are persisted even when one resource type failed.
	if perr := m.persist(ctx, flags); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		return flags, err
	}

	m.logger.Info().
		Strs("units", unitIDs).
		Int("reservations", len(flags)).
		Msg("Healing pass finished")
	return flags, nil
}

func (m *Monitor) persist(ctx context.Context, flags map[string]engine.HealFlags) error {
	ids := make([]string, 0, len(flags))
	for id, f := range flags {
		if f.Any() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	degraded := make(map[string]bool)
	var leases []string
	for _, id := range ids {
		r, err := m.store.GetReservation(ctx, id)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		f := flags[id]
		r.MissingResources = r.MissingResources || f.MissingResources
		r.ResourcesChanged = r.ResourcesChanged || f.ResourcesChanged
		if err := m.store.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if !degraded[r.LeaseID] {
			degraded[r.LeaseID] = true
			leases = append(leases, r.LeaseID)
		}
	}

	for _, leaseID := range leases {
		lease, err := m.store.GetLease(ctx, leaseID)
		if err != nil {
			return err
		}
		if lease.Degraded {
			continue
		}
		if err := m.store.SetLeaseDegraded(ctx, leaseID, true); err != nil {
			return err
		}
		m.logger.Warn().Str("lease_id", leaseID).Msg("Lease degraded by healing")
		m.notify(ctx, engine.NotificationLeaseDegraded, leaseID, "Lease "+lease.Name+" is degraded", "warning", nil)
	}
	return nil
}

func (m *Monitor) notify(ctx context.Context, typ, leaseID, message, level string, data map[string]interface{}) {
	if m.opts.Notifier == nil {
		return
	}
	n := &engine.Notification{
		Type:    typ,
		LeaseID: leaseID,
		Message: message,
		Level:   level,
		Time:    m.now().UTC(),
		Data:    data,
	}
	if err := m.opts.Notifier.Notify(ctx, n); err != nil {
		m.logger.Warn().Err(err).Str("type", typ).Msg("Failed to publish notification")
	}
}
