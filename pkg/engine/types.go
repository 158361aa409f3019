package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType identifies a lease lifecycle trigger.
type EventType string

const (
	// EventTypeStartLease brings the reserved resources into service.
	EventTypeStartLease EventType = "start_lease"

	// EventTypeEndLease releases the reserved resources.
	EventTypeEndLease EventType = "end_lease"

	// EventTypeBeforeEndLease runs the pre-teardown action.
	EventTypeBeforeEndLease EventType = "before_end_lease"
)

// Validate checks if the event type is valid.
func (t EventType) Validate() error {
	switch t {
	case EventTypeStartLease, EventTypeEndLease, EventTypeBeforeEndLease:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", t)
	}
}

// Lease is a client's booking of one or more resource kinds over a time window.
type Lease struct {
	// ID is the unique identifier for this lease.
	ID string `json:"id"`

	// Name is the human-readable name of the lease.
	Name string `json:"name"`

	// Owner is the project the lease is booked for.
	Owner string `json:"owner"`

	// StartDate is when the reserved resources become available.
	StartDate time.Time `json:"start_date"`

	// EndDate is when the reserved resources are released.
	EndDate time.Time `json:"end_date"`

	// Status is the current lease status.
	Status LeaseStatus `json:"status"`

	// Degraded is set once healing has changed or dropped any of its allocations.
	Degraded bool `json:"degraded"`

	// Reservations are the per-kind bookings owned by the lease.
	Reservations []Reservation `json:"reservations,omitempty"`

	// Events are the lifecycle triggers owned by the lease.
	Events []Event `json:"events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Window returns the lease window passed to resource plugins.
func (l *Lease) Window() LeaseWindow {
	return LeaseWindow{
		LeaseID: l.ID,
		Name:    l.Name,
		Owner:   l.Owner,
		Start:   l.StartDate,
		End:     l.EndDate,
	}
}

// EventOfType returns the first event of the given type, if any.
func (l *Lease) EventOfType(t EventType) (*Event, bool) {
	for i := range l.Events {
		if l.Events[i].EventType == t {
			return &l.Events[i], true
		}
	}
	return nil, false
}

// Reservation is a single resource-kind booking within a lease.
type Reservation struct {
	ID      string `json:"id"`
	LeaseID string `json:"lease_id"`

	// ResourceType selects the resource plugin, e.g. "physical:host".
	ResourceType string `json:"resource_type"`

	// ResourceID points to the plugin-owned detail record.
	ResourceID string `json:"resource_id"`

	Status ReservationStatus `json:"status"`

	// MissingResources is set when healing dropped an allocation without replacement.
	MissingResources bool `json:"missing_resources"`

	// ResourcesChanged is set when healing swapped a live unit.
	ResourcesChanged bool `json:"resources_changed"`

	// Values holds the request properties the reservation was created with.
	Values map[string]interface{} `json:"values,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a scheduled lifecycle trigger for a lease.
type Event struct {
	ID        string      `json:"id"`
	LeaseID   string      `json:"lease_id"`
	EventType EventType   `json:"event_type"`
	Time      time.Time   `json:"time"`
	Status    EventStatus `json:"status"`

	// ClaimedAt is when the scheduler last flipped the event to IN_PROGRESS.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Attempts counts dispatches of this event.
	Attempts int `json:"attempts"`

	// LastError is the message of the most recent failed dispatch.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allocation binds a reservation to a concrete resource unit.
type Allocation struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservation_id"`
	UnitID        string `json:"unit_id"`

	// Exclusive allocations take the whole unit; shared ones consume Usage.
	Exclusive bool      `json:"exclusive"`
	Usage     Resources `json:"usage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Unit kinds.
const (
	UnitKindHost       = "host"
	UnitKindNetwork    = "network"
	UnitKindFloatingIP = "floatingip"
)

// ResourceUnit is a host, network segment or floating IP owned by the deployment.
type ResourceUnit struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`

	// Attributes are matched by requirement filters.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Capacity is the shareable capacity of the unit (hosts only).
	Capacity Resources `json:"capacity,omitempty"`

	// Reservable is false while the unit is reported failed.
	Reservable bool `json:"reservable"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReservationDetail is the plugin-owned record a reservation's ResourceID points to.
type ReservationDetail struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservation_id"`
	ResourceType  string `json:"resource_type"`

	// Spec is the plugin-specific request, serialized by the plugin.
	Spec json.RawMessage `json:"spec"`

	// GroupID is the provisioning-side pool or group, if any.
	GroupID string `json:"group_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Booking is an allocation joined with its reservation and lease window.
type Booking struct {
	AllocationID  string            `json:"allocation_id"`
	UnitID        string            `json:"unit_id"`
	ReservationID string            `json:"reservation_id"`
	LeaseID       string            `json:"lease_id"`
	Status        ReservationStatus `json:"status"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Exclusive     bool              `json:"exclusive"`
	Usage         Resources         `json:"usage,omitempty"`
}

// LeaseWindow is the lease context handed to resource plugins.
type LeaseWindow struct {
	LeaseID string
	Name    string
	Owner   string
	Start   time.Time
	End     time.Time
}

// Resource class names.
const (
	ResourceVCPUs    = "vcpus"
	ResourceMemoryMB = "memory_mb"
	ResourceDiskGB   = "disk_gb"
)

// Resources maps a resource class to an amount.
type Resources map[string]int64

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	out := r.Clone()
	for k, v := range o {
		out[k] += v
	}
	return out
}

// Scale returns r multiplied by n.
func (r Resources) Scale(n int64) Resources {
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v * n
	}
	return out
}

// Clone returns a copy of r.
func (r Resources) Clone() Resources {
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fits reports whether every class of r is within capacity.
// Classes absent from capacity are unbounded.
func (r Resources) Fits(capacity Resources) bool {
	for k, v := range r {
		limit, ok := capacity[k]
		if !ok {
			continue
		}
		if v > limit {
			return false
		}
	}
	return true
}

// String renders r with classes in sorted order.
func (r Resources) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", k, r[k])
	}
	return out + "}"
}

// HealFlags report what healing did to a reservation.
type HealFlags struct {
	MissingResources bool `json:"missing_resources,omitempty"`
	ResourcesChanged bool `json:"resources_changed,omitempty"`
}

// Any returns true if any flag is set.
func (f HealFlags) Any() bool {
	return f.MissingResources || f.ResourcesChanged
}

// Merge combines two flag sets.
func (f HealFlags) Merge(o HealFlags) HealFlags {
	return HealFlags{
		MissingResources: f.MissingResources || o.MissingResources,
		ResourcesChanged: f.ResourcesChanged || o.ResourcesChanged,
	}
}

// LeaseFilter narrows ListLeases.
type LeaseFilter struct {
	Owner  string
	Status LeaseStatus
}

// UnitFilter narrows ListUnits.
type UnitFilter struct {
	Kind           string
	ReservableOnly bool
}
