package engine

import (
	"context"
	"time"
)

// Store is the persistence layer consumed by the core. Implementations live in
// pkg/stores. Not-found conditions are reported with NewNotFoundError.
type Store interface {
	// CreateLease inserts the lease together with its reservations and events.
	CreateLease(ctx context.Context, lease *Lease) error

	// GetLease returns the lease with its reservations and events loaded.
	GetLease(ctx context.Context, id string) (*Lease, error)

	// ListLeases returns leases without children.
	ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error)

	// UpdateLease persists name and dates.
	UpdateLease(ctx context.Context, lease *Lease) error

	// UpdateLeaseStatus persists a lease status.
	UpdateLeaseStatus(ctx context.Context, id string, status LeaseStatus) error

	// UpdateLeaseStatusIf moves a lease from one status to another in a single
	// compare-and-set. It returns false when the lease no longer holds from.
	UpdateLeaseStatusIf(ctx context.Context, id string, from, to LeaseStatus) (bool, error)

	// SetLeaseDegraded writes the degraded flag and nothing else.
	SetLeaseDegraded(ctx context.Context, id string, degraded bool) error

	// DeleteLease removes the lease and everything it owns.
	DeleteLease(ctx context.Context, id string) error

	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListReservations(ctx context.Context, leaseID string) ([]Reservation, error)
	UpdateReservation(ctx context.Context, r *Reservation) error

	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, leaseID string) ([]Event, error)
	UpdateEvent(ctx context.Context, e *Event) error

	// ListDueEvents returns UNDONE events with time <= now, oldest first.
	ListDueEvents(ctx context.Context, now time.Time) ([]Event, error)

	// ListStaleEvents returns IN_PROGRESS events claimed before the given instant.
	ListStaleEvents(ctx context.Context, claimedBefore time.Time) ([]Event, error)

	// ClaimEvent atomically flips an UNDONE event to IN_PROGRESS. It returns
	// false when the event was no longer UNDONE.
	ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error)

	// ReclaimEvent atomically refreshes the claim of an IN_PROGRESS event
	// whose previous claim is older than staleBefore.
	ReclaimEvent(ctx context.Context, id string, staleBefore, now time.Time) (bool, error)

	CreateDetail(ctx context.Context, d *ReservationDetail) error
	GetDetail(ctx context.Context, id string) (*ReservationDetail, error)
	UpdateDetail(ctx context.Context, d *ReservationDetail) error
	DeleteDetail(ctx context.Context, id string) error

	// CreateAllocations inserts all allocations or none.
	CreateAllocations(ctx context.Context, allocations []Allocation) error

	// BookAllocations inserts allocations once check has accepted the
	// bookings other reservations hold on the same units over [start, end).
	// The read and the insert share one write transaction.
	BookAllocations(ctx context.Context, allocations []Allocation, start, end time.Time, check BookingCheck) error

	ListAllocations(ctx context.Context, reservationID string) ([]Allocation, error)
	ListAllocationsByUnit(ctx context.Context, unitID string) ([]Allocation, error)
	DeleteAllocations(ctx context.Context, ids []string) error

	// SwapAllocation moves an allocation to another unit.
	SwapAllocation(ctx context.Context, allocationID, unitID string) error

	// GetBookingsByUnitIDs returns the bookings on the given units whose lease
	// window overlaps [start, end). Deleted reservations are skipped.
	GetBookingsByUnitIDs(ctx context.Context, unitIDs []string, start, end time.Time) ([]Booking, error)

	CreateUnit(ctx context.Context, u *ResourceUnit) error
	GetUnit(ctx context.Context, id string) (*ResourceUnit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]ResourceUnit, error)
	UpdateUnit(ctx context.Context, u *ResourceUnit) error
	DeleteUnit(ctx context.Context, id string) error

	Close() error
}

// BookingCheck vetoes an allocation write by returning an error. It runs
// inside a store transaction and must not call back into the store.
type BookingCheck func(existing []Booking) error

// Provisioner is the back end that turns allocations into live resources.
// Calls are synchronous; failures are wrapped as provisioning errors by the
// caller. Deleting or removing something that no longer exists succeeds.
type Provisioner interface {
	// CreateGroup creates a logical pool (aggregate, flavor) and returns its ID.
	CreateGroup(ctx context.Context, kind, name string, props map[string]string) (string, error)
	DeleteGroup(ctx context.Context, groupID string) error

	// AddUnits admits units into the live pool of a group.
	AddUnits(ctx context.Context, groupID string, unitIDs []string) error
	RemoveUnits(ctx context.Context, groupID string, unitIDs []string) error

	GrantAccess(ctx context.Context, groupID, owner string) error
	RevokeAccess(ctx context.Context, groupID, owner string) error

	// CreateObject creates an externally visible object (virtual network,
	// floating IP) backed by a unit and returns its ID.
	CreateObject(ctx context.Context, kind, unitID string, props map[string]string) (string, error)
	DeleteObject(ctx context.Context, objectID string) error

	// RunAction performs a named action against a group, e.g. "snapshot".
	RunAction(ctx context.Context, groupID, action string) error

	// CountObjects returns how many live objects (servers) remain in a group.
	CountObjects(ctx context.Context, groupID string) (int, error)
}

// ResourcePlugin implements booking and lifecycle hooks for one resource kind.
type ResourcePlugin interface {
	// ResourceType returns the registry tag, e.g. "physical:host".
	ResourceType() string

	// Reserve books units for a new reservation and returns the detail ID.
	Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) (string, error)

	// UpdateReservation re-books units for new values or a new window.
	UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) error

	// OnStart admits the allocated units and grants access. Idempotent.
	OnStart(ctx context.Context, resourceID string, lease LeaseWindow) error

	// OnEnd revokes access, tears down and releases allocations. Idempotent.
	OnEnd(ctx context.Context, resourceID string, lease LeaseWindow) error

	// BeforeEnd runs the pre-teardown action. Idempotent.
	BeforeEnd(ctx context.Context, resourceID string, lease LeaseWindow) error

	Healer
}

// Healer reallocates reservations away from failed units.
type Healer interface {
	HealReservations(ctx context.Context, failedUnits []string, begin, end time.Time) (map[string]HealFlags, error)
}

// LeasePolicy enforces deployment rules on lease creation and update.
type LeasePolicy interface {
	CheckLease(ctx context.Context, operation string, lease *Lease) error
}

// Notifier publishes lease lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Metrics records scheduler and lease manager measurements.
type Metrics interface {
	RecordEventDispatch(eventType, status string, duration time.Duration)
	RecordLeaseOperation(operation, status string, duration time.Duration)
	RecordError(class, code string)
	SetPendingEvents(count float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordEventDispatch(string, string, time.Duration)  {}
func (noopMetrics) RecordLeaseOperation(string, string, time.Duration) {}
func (noopMetrics) RecordError(string, string)                         {}
func (noopMetrics) SetPendingEvents(float64)                           {}

// Notification is a lease lifecycle notification.
type Notification struct {
	Type    string                 `json:"type"`
	LeaseID string                 `json:"lease_id,omitempty"`
	EventID string                 `json:"event_id,omitempty"`
	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Notification types.
const (
	NotificationLeaseCreated  = "lease.created"
	NotificationLeaseUpdated  = "lease.updated"
	NotificationLeaseDeleted  = "lease.deleted"
	NotificationEventDone     = "event.done"
	NotificationEventFailed   = "event.failed"
	NotificationEventRetry    = "event.retry"
	NotificationLeaseDegraded = "lease.degraded"
	NotificationUnitFailed    = "unit.failed"
	NotificationUnitRecovered = "unit.recovered"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
