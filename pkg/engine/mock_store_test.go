package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// mockStore is an in-memory Store for engine tests.
type mockStore struct {
	mu           sync.Mutex
	leases       map[string]Lease
	reservations map[string]Reservation
	events       map[string]Event
	details      map[string]ReservationDetail
	allocations  map[string]Allocation
	units        map[string]ResourceUnit

	// statusWrites records every lease status write in order.
	statusWrites []LeaseStatus

	// beforeStatusCAS, when set, runs once at the start of the next
	// UpdateLeaseStatusIf, outside the store lock.
	beforeStatusCAS func()
}

func newMockStore() *mockStore {
	return &mockStore{
		leases:       make(map[string]Lease),
		reservations: make(map[string]Reservation),
		events:       make(map[string]Event),
		details:      make(map[string]ReservationDetail),
		allocations:  make(map[string]Allocation),
		units:        make(map[string]ResourceUnit),
	}
}

func (s *mockStore) CreateLease(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[lease.ID]; ok {
		return NewPermanentError("lease exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	l := *lease
	l.Reservations = nil
	l.Events = nil
	s.leases[lease.ID] = l
	for _, r := range lease.Reservations {
		s.reservations[r.ID] = r
	}
	for _, e := range lease.Events {
		s.events[e.ID] = e
	}
	return nil
}

func (s *mockStore) GetLease(ctx context.Context, id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, NewNotFoundError("lease", id)
	}
	for _, r := range s.sortedReservations(id) {
		l.Reservations = append(l.Reservations, r)
	}
	for _, e := range s.sortedEvents(id) {
		l.Events = append(l.Events, e)
	}
	return &l, nil
}

func (s *mockStore) ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Lease
	for _, l := range s.leases {
		if filter.Owner != "" && l.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		copied := l
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *mockStore) UpdateLease(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[lease.ID]
	if !ok {
		return NewNotFoundError("lease", lease.ID)
	}
	l.Name = lease.Name
	l.StartDate = lease.StartDate
	l.EndDate = lease.EndDate
	s.leases[lease.ID] = l
	return nil
}

func (s *mockStore) UpdateLeaseStatus(ctx context.Context, id string, status LeaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return NewNotFoundError("lease", id)
	}
	l.Status = status
	s.leases[id] = l
	s.statusWrites = append(s.statusWrites, status)
	return nil
}

func (s *mockStore) UpdateLeaseStatusIf(ctx context.Context, id string, from, to LeaseStatus) (bool, error) {
	s.mu.Lock()
	hook := s.beforeStatusCAS
	s.beforeStatusCAS = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return false, NewNotFoundError("lease", id)
	}
	if l.Status != from {
		return false, nil
	}
	l.Status = to
	s.leases[id] = l
	s.statusWrites = append(s.statusWrites, to)
	return true, nil
}

func (s *mockStore) SetLeaseDegraded(ctx context.Context, id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return NewNotFoundError("lease", id)
	}
	l.Degraded = degraded
	s.leases[id] = l
	return nil
}

func (s *mockStore) DeleteLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[id]; !ok {
		return NewNotFoundError("lease", id)
	}
	delete(s.leases, id)
	for rid, r := range s.reservations {
		if r.LeaseID == id {
			delete(s.reservations, rid)
		}
	}
	for eid, e := range s.events {
		if e.LeaseID == id {
			delete(s.events, eid)
		}
	}
	return nil
}

func (s *mockStore) CreateReservation(ctx context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = *r
	return nil
}

func (s *mockStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, NewNotFoundError("reservation", id)
	}
	return &r, nil
}

func (s *mockStore) ListReservations(ctx context.Context, leaseID string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedReservations(leaseID), nil
}

func (s *mockStore) UpdateReservation(ctx context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; !ok {
		return NewNotFoundError("reservation", r.ID)
	}
	s.reservations[r.ID] = *r
	return nil
}

func (s *mockStore) CreateEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = *e
	return nil
}

func (s *mockStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, NewNotFoundError("event", id)
	}
	return &e, nil
}

func (s *mockStore) ListEvents(ctx context.Context, leaseID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedEvents(leaseID), nil
}

func (s *mockStore) UpdateEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return NewNotFoundError("event", e.ID)
	}
	s.events[e.ID] = *e
	return nil
}

func (s *mockStore) ListDueEvents(ctx context.Context, now time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == EventStatusUndone && !e.Time.After(now) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *mockStore) ListStaleEvents(ctx context.Context, claimedBefore time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == EventStatusInProgress && e.ClaimedAt != nil && e.ClaimedAt.Before(claimedBefore) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *mockStore) ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != EventStatusUndone {
		return false, nil
	}
	e.Status = EventStatusInProgress
	e.ClaimedAt = &now
	s.events[id] = e
	return true, nil
}

func (s *mockStore) ReclaimEvent(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != EventStatusInProgress || e.ClaimedAt == nil || !e.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	e.ClaimedAt = &now
	s.events[id] = e
	return true, nil
}

func (s *mockStore) CreateDetail(ctx context.Context, d *ReservationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.ID] = *d
	return nil
}

func (s *mockStore) GetDetail(ctx context.Context, id string) (*ReservationDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[id]
	if !ok {
		return nil, NewNotFoundError("detail", id)
	}
	return &d, nil
}

func (s *mockStore) UpdateDetail(ctx context.Context, d *ReservationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.ID] = *d
	return nil
}

func (s *mockStore) DeleteDetail(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.details, id)
	return nil
}

func (s *mockStore) CreateAllocations(ctx context.Context, allocations []Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range allocations {
		s.allocations[a.ID] = a
	}
	return nil
}

func (s *mockStore) BookAllocations(ctx context.Context, allocations []Allocation, start, end time.Time, check BookingCheck) error {
	if err := check(nil); err != nil {
		return err
	}
	return s.CreateAllocations(ctx, allocations)
}

func (s *mockStore) ListAllocations(ctx context.Context, reservationID string) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Allocation
	for _, a := range s.allocations {
		if a.ReservationID == reservationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *mockStore) ListAllocationsByUnit(ctx context.Context, unitID string) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Allocation
	for _, a := range s.allocations {
		if a.UnitID == unitID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *mockStore) DeleteAllocations(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.allocations, id)
	}
	return nil
}

func (s *mockStore) SwapAllocation(ctx context.Context, allocationID, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[allocationID]
	if !ok {
		return NewNotFoundError("allocation", allocationID)
	}
	a.UnitID = unitID
	s.allocations[allocationID] = a
	return nil
}

func (s *mockStore) GetBookingsByUnitIDs(ctx context.Context, unitIDs []string, start, end time.Time) ([]Booking, error) {
	return nil, nil
}

func (s *mockStore) CreateUnit(ctx context.Context, u *ResourceUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = *u
	return nil
}

func (s *mockStore) GetUnit(ctx context.Context, id string) (*ResourceUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, NewNotFoundError("unit", id)
	}
	return &u, nil
}

func (s *mockStore) ListUnits(ctx context.Context, filter UnitFilter) ([]ResourceUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ResourceUnit
	for _, u := range s.units {
		out = append(out, u)
	}
	return out, nil
}

func (s *mockStore) UpdateUnit(ctx context.Context, u *ResourceUnit) error {
	return s.CreateUnit(ctx, u)
}

func (s *mockStore) DeleteUnit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.units, id)
	return nil
}

func (s *mockStore) Close() error { return nil }

func (s *mockStore) sortedReservations(leaseID string) []Reservation {
	var out []Reservation
	for _, r := range s.reservations {
		if r.LeaseID == leaseID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *mockStore) sortedEvents(leaseID string) []Event {
	var out []Event
	for _, e := range s.events {
		if e.LeaseID == leaseID {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Time.Equal(events[j].Time) {
			return events[i].ID < events[j].ID
		}
		return events[i].Time.Before(events[j].Time)
	})
}

// seedLease stores a lease with one reservation per status and the given
// start/end event statuses.
func (s *mockStore) seedLease(id string, status LeaseStatus, start, end EventStatus, reservations ...ReservationStatus) *Lease {
	base := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	lease := &Lease{
		ID:        id,
		Name:      "lease-" + id,
		StartDate: base,
		EndDate:   base.Add(4 * time.Hour),
		Status:    status,
	}
	for i, rs := range reservations {
		lease.Reservations = append(lease.Reservations, Reservation{
			ID:           id + "-r" + string(rune('0'+i)),
			LeaseID:      id,
			ResourceType: "fake",
			ResourceID:   id + "-d" + string(rune('0'+i)),
			Status:       rs,
		})
	}
	lease.Events = []Event{
		{ID: id + "-start", LeaseID: id, EventType: EventTypeStartLease, Time: base, Status: start},
		{ID: id + "-end", LeaseID: id, EventType: EventTypeEndLease, Time: base.Add(4 * time.Hour), Status: end},
	}
	_ = s.CreateLease(context.Background(), lease)
	return lease
}

func (s *mockStore) leaseStatus(id string) LeaseStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[id].Status
}

func (s *mockStore) eventStatus(id string) EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Status
}

func (s *mockStore) reservationStatus(id string) ReservationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[id].Status
}
