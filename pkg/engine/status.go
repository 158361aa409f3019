package engine

import (
	"encoding/json"
	"fmt"
)

// EventStatus is the status of a lease lifecycle event.
type EventStatus string

const (
	// EventStatusUndone indicates the event has not been picked up yet.
	EventStatusUndone EventStatus = "UNDONE"

	// EventStatusInProgress indicates the scheduler claimed the event.
	EventStatusInProgress EventStatus = "IN_PROGRESS"

	// EventStatusDone indicates the event ran successfully.
	EventStatusDone EventStatus = "DONE"

	// EventStatusError indicates the event failed permanently.
	EventStatusError EventStatus = "ERROR"
)

// AllEventStatuses lists every event status.
var AllEventStatuses = []EventStatus{
	EventStatusUndone, EventStatusInProgress, EventStatusDone, EventStatusError,
}

var eventTransitions = map[EventStatus][]EventStatus{
	EventStatusUndone:     {EventStatusInProgress},
	EventStatusInProgress: {EventStatusDone, EventStatusError},
	EventStatusDone:       {},
	EventStatusError:      {},
}

// IsTerminal returns true if the event status is final.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusDone || s == EventStatusError
}

// IsValidTransition reports whether s may move to next.
func (s EventStatus) IsValidTransition(next EventStatus) bool {
	return containsStatus(eventTransitions[s], next)
}

// Validate checks if the event status is valid.
func (s EventStatus) Validate() error {
	if _, ok := eventTransitions[s]; !ok {
		return fmt.Errorf("invalid event status: %s", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s EventStatus) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *EventStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := EventStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// ReservationStatus is the status of a single reservation within a lease.
type ReservationStatus string

const (
	// ReservationStatusPending indicates resources are booked but not yet in use.
	ReservationStatusPending ReservationStatus = "PENDING"

	// ReservationStatusActive indicates the reserved resources are live.
	ReservationStatusActive ReservationStatus = "ACTIVE"

	// ReservationStatusDeleted indicates the reservation was released.
	ReservationStatusDeleted ReservationStatus = "DELETED"

	// ReservationStatusError indicates starting or ending the reservation failed.
	ReservationStatusError ReservationStatus = "ERROR"
)

// AllReservationStatuses lists every reservation status.
var AllReservationStatuses = []ReservationStatus{
	ReservationStatusPending, ReservationStatusActive,
	ReservationStatusDeleted, ReservationStatusError,
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending: {ReservationStatusActive, ReservationStatusDeleted, ReservationStatusError},
	ReservationStatusActive:  {ReservationStatusDeleted, ReservationStatusError},
	ReservationStatusError:   {ReservationStatusDeleted},
	ReservationStatusDeleted: {},
}

// IsTerminal returns true if the reservation status is final.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusDeleted
}

// IsValidTransition reports whether s may move to next.
func (s ReservationStatus) IsValidTransition(next ReservationStatus) bool {
	return containsStatus(reservationTransitions[s], next)
}

// Validate checks if the reservation status is valid.
func (s ReservationStatus) Validate() error {
	if _, ok := reservationTransitions[s]; !ok {
		return fmt.Errorf("invalid reservation status: %s", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s ReservationStatus) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ReservationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ReservationStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// LeaseStatus is the status of a lease. Stable statuses describe a lease at
// rest; transitional statuses are held only while a mutation runs.
type LeaseStatus string

const (
	// Stable statuses.
	LeaseStatusPending    LeaseStatus = "PENDING"
	LeaseStatusActive     LeaseStatus = "ACTIVE"
	LeaseStatusTerminated LeaseStatus = "TERMINATED"
	LeaseStatusError      LeaseStatus = "ERROR"

	// Transitional statuses.
	LeaseStatusCreating    LeaseStatus = "CREATING"
	LeaseStatusStarting    LeaseStatus = "STARTING"
	LeaseStatusUpdating    LeaseStatus = "UPDATING"
	LeaseStatusTerminating LeaseStatus = "TERMINATING"
	LeaseStatusDeleting    LeaseStatus = "DELETING"
)

// AllLeaseStatuses lists every lease status.
var AllLeaseStatuses = []LeaseStatus{
	LeaseStatusPending, LeaseStatusActive, LeaseStatusTerminated, LeaseStatusError,
	LeaseStatusCreating, LeaseStatusStarting, LeaseStatusUpdating,
	LeaseStatusTerminating, LeaseStatusDeleting,
}

var leaseTransitions = map[LeaseStatus][]LeaseStatus{
	LeaseStatusCreating:    {LeaseStatusPending, LeaseStatusDeleting, LeaseStatusError},
	LeaseStatusPending:     {LeaseStatusStarting, LeaseStatusUpdating, LeaseStatusDeleting},
	LeaseStatusStarting:    {LeaseStatusActive, LeaseStatusError, LeaseStatusDeleting},
	LeaseStatusActive:      {LeaseStatusTerminating, LeaseStatusUpdating, LeaseStatusDeleting},
	LeaseStatusUpdating:    {LeaseStatusPending, LeaseStatusActive, LeaseStatusError, LeaseStatusDeleting},
	LeaseStatusTerminating: {LeaseStatusTerminated, LeaseStatusError, LeaseStatusDeleting},
	LeaseStatusTerminated:  {LeaseStatusDeleting},
	LeaseStatusDeleting:    {LeaseStatusError},
	LeaseStatusError:       {LeaseStatusTerminating, LeaseStatusDeleting},
}

// IsTransitional returns true if the lease is in the middle of a mutation.
func (s LeaseStatus) IsTransitional() bool {
	switch s {
	case LeaseStatusCreating, LeaseStatusStarting, LeaseStatusUpdating,
		LeaseStatusTerminating, LeaseStatusDeleting:
		return true
	default:
		return false
	}
}

// IsStable returns true if the lease is at rest.
func (s LeaseStatus) IsStable() bool {
	switch s {
	case LeaseStatusPending, LeaseStatusActive, LeaseStatusTerminated, LeaseStatusError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further lifecycle event will change the lease.
func (s LeaseStatus) IsTerminal() bool {
	return s == LeaseStatusTerminated
}

// IsValidTransition reports whether the transition table allows s -> next.
// It does not look at child statuses; see StatusModel for the full check.
func (s LeaseStatus) IsValidTransition(next LeaseStatus) bool {
	return containsStatus(leaseTransitions[s], next)
}

// Validate checks if the lease status is valid.
func (s LeaseStatus) Validate() error {
	if _, ok := leaseTransitions[s]; !ok {
		return fmt.Errorf("invalid lease status: %s", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s LeaseStatus) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *LeaseStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := LeaseStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Combination lists the child statuses a lease status may coexist with.
type Combination struct {
	Reservations []ReservationStatus
	StartLease   []EventStatus
	EndLease     []EventStatus
}

// allows reports whether the given child statuses satisfy the combination.
func (c Combination) allows(reservations []ReservationStatus, start, end EventStatus) bool {
	for _, r := range reservations {
		if !containsStatus(c.Reservations, r) {
			return false
		}
	}
	return containsStatus(c.StartLease, start) && containsStatus(c.EndLease, end)
}

// leaseCombinations is keyed by lease status.
var leaseCombinations = map[LeaseStatus]Combination{
	LeaseStatusCreating: {
		Reservations: []ReservationStatus{ReservationStatusPending},
		StartLease:   []EventStatus{EventStatusUndone},
		EndLease:     []EventStatus{EventStatusUndone},
	},
	LeaseStatusPending: {
		Reservations: []ReservationStatus{ReservationStatusPending},
		StartLease:   []EventStatus{EventStatusUndone},
		EndLease:     []EventStatus{EventStatusUndone},
	},
	LeaseStatusStarting: {
		Reservations: []ReservationStatus{ReservationStatusPending, ReservationStatusActive, ReservationStatusError},
		StartLease:   []EventStatus{EventStatusInProgress},
		EndLease:     []EventStatus{EventStatusUndone},
	},
	LeaseStatusActive: {
		Reservations: []ReservationStatus{ReservationStatusActive},
		StartLease:   []EventStatus{EventStatusDone},
		EndLease:     []EventStatus{EventStatusUndone},
	},
	LeaseStatusUpdating: {
		Reservations: []ReservationStatus{ReservationStatusPending, ReservationStatusActive, ReservationStatusError},
		StartLease:   []EventStatus{EventStatusUndone, EventStatusDone},
		EndLease:     []EventStatus{EventStatusUndone},
	},
	LeaseStatusTerminating: {
		// A failed start can leave sibling reservations PENDING.
		Reservations: []ReservationStatus{
			ReservationStatusPending, ReservationStatusActive,
			ReservationStatusDeleted, ReservationStatusError,
		},
		StartLease:   []EventStatus{EventStatusDone, EventStatusError},
		EndLease:     []EventStatus{EventStatusInProgress},
	},
	LeaseStatusTerminated: {
		Reservations: []ReservationStatus{ReservationStatusDeleted},
		StartLease:   []EventStatus{EventStatusDone},
		EndLease:     []EventStatus{EventStatusDone},
	},
	LeaseStatusDeleting: {
		Reservations: AllReservationStatuses,
		StartLease:   AllEventStatuses,
		EndLease:     AllEventStatuses,
	},
	LeaseStatusError: {
		Reservations: AllReservationStatuses,
		StartLease:   AllEventStatuses,
		EndLease:     AllEventStatuses,
	},
}

// CombinationFor returns the combination entry for a lease status.
func CombinationFor(status LeaseStatus) (Combination, bool) {
	c, ok := leaseCombinations[status]
	return c, ok
}

// StableStatusFor maps the start/end event pair to a candidate stable status.
func StableStatusFor(start, end EventStatus) LeaseStatus {
	switch {
	case start == EventStatusUndone && end == EventStatusUndone:
		return LeaseStatusPending
	case start == EventStatusDone && end == EventStatusUndone:
		return LeaseStatusActive
	case start == EventStatusDone && end == EventStatusDone:
		return LeaseStatusTerminated
	default:
		return LeaseStatusError
	}
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
