package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/reservoir/reservoir/pkg/engine"
)

var (
	bucketLeases       = []byte("leases")
	bucketReservations = []byte("reservations")
	bucketEvents       = []byte("events")
	bucketDetails      = []byte("reservation_details")
	bucketAllocations  = []byte("allocations")
	bucketUnits        = []byte("resource_units")
)

// BoltStore implements engine.Store on a single bbolt file. Records are JSON
// documents keyed by ID; relations are resolved by scanning, which suits the
// few thousand records a single site holds.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketLeases, bucketReservations, bucketEvents,
			bucketDetails, bucketAllocations, bucketUnits,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database file is still usable.
func (s *BoltStore) HealthCheck(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketLeases) == nil {
			return fmt.Errorf("health check failed: leases bucket missing")
		}
		return nil
	})
}

func put(tx *bolt.Tx, bucket []byte, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func exists(tx *bolt.Tx, bucket []byte, id string) bool {
	return tx.Bucket(bucket).Get([]byte(id)) != nil
}

// get decodes the record at id. It returns NOT_FOUND when absent.
func get[T any](tx *bolt.Tx, bucket []byte, kind, id string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return nil, engine.NewNotFoundError(kind, id)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return &v, nil
}

// scan decodes every record in bucket for which keep returns true.
func scan[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]T, error) {
	var out []T
	err := tx.Bucket(bucket).ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", k, err)
		}
		if keep == nil || keep(&v) {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Leases

// CreateLease stores the lease, its reservations and its events in one transaction.
func (s *BoltStore) CreateLease(ctx context.Context, lease *engine.Lease) error {
	now := time.Now().UTC()
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = now
	}
	lease.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if exists(tx, bucketLeases, lease.ID) {
			return alreadyExists("lease", lease.ID)
		}
		record := *lease
		record.Reservations = nil
		record.Events = nil
		if err := put(tx, bucketLeases, lease.ID, &record); err != nil {
			return err
		}
		for i := range lease.Reservations {
			if err := insertBoltReservation(tx, &lease.Reservations[i]); err != nil {
				return err
			}
		}
		for i := range lease.Events {
			if err := insertBoltEvent(tx, &lease.Events[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLease returns a lease with its reservations and events.
func (s *BoltStore) GetLease(ctx context.Context, id string) (*engine.Lease, error) {
	var lease *engine.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		if lease, err = get[engine.Lease](tx, bucketLeases, "lease", id); err != nil {
			return err
		}
		if lease.Reservations, err = leaseReservations(tx, id); err != nil {
			return err
		}
		lease.Events, err = leaseEvents(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ListLeases returns leases ordered by ID, without children.
func (s *BoltStore) ListLeases(ctx context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error) {
	var leases []engine.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		leases, err = scan(tx, bucketLeases, func(l *engine.Lease) bool {
			if filter.Owner != "" && l.Owner != filter.Owner {
				return false
			}
			return filter.Status == "" || l.Status == filter.Status
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// bbolt iterates in key order, so the result is already sorted by ID.
	out := make([]*engine.Lease, len(leases))
	for i := range leases {
		out[i] = &leases[i]
	}
	return out, nil
}

// UpdateLease persists name and dates. Status and the degraded flag have
// their own writers.
func (s *BoltStore) UpdateLease(ctx context.Context, lease *engine.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Lease](tx, bucketLeases, "lease", lease.ID)
		if err != nil {
			return err
		}
		stored.Name = lease.Name
		stored.StartDate = lease.StartDate
		stored.EndDate = lease.EndDate
		stored.UpdatedAt = time.Now().UTC()
		lease.UpdatedAt = stored.UpdatedAt
		return put(tx, bucketLeases, lease.ID, stored)
	})
}

// UpdateLeaseStatus persists a lease status.
func (s *BoltStore) UpdateLeaseStatus(ctx context.Context, id string, status engine.LeaseStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Lease](tx, bucketLeases, "lease", id)
		if err != nil {
			return err
		}
		stored.Status = status
		stored.UpdatedAt = time.Now().UTC()
		return put(tx, bucketLeases, id, stored)
	})
}

// UpdateLeaseStatusIf moves a lease from one status to another only while it
// still holds from.
func (s *BoltStore) UpdateLeaseStatusIf(ctx context.Context, id string, from, to engine.LeaseStatus) (bool, error) {
	var moved bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Lease](tx, bucketLeases, "lease", id)
		if err != nil {
			return err
		}
		if stored.Status != from {
			return nil
		}
		stored.Status = to
		stored.UpdatedAt = time.Now().UTC()
		moved = true
		return put(tx, bucketLeases, id, stored)
	})
	return moved, err
}

// SetLeaseDegraded writes the degraded flag alone.
func (s *BoltStore) SetLeaseDegraded(ctx context.Context, id string, degraded bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Lease](tx, bucketLeases, "lease", id)
		if err != nil {
			return err
		}
		stored.Degraded = degraded
		stored.UpdatedAt = time.Now().UTC()
		return put(tx, bucketLeases, id, stored)
	})
}

// DeleteLease removes the lease and everything it owns.
func (s *BoltStore) DeleteLease(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLeases, id) {
			return engine.NewNotFoundError("lease", id)
		}

		reservations, err := leaseReservations(tx, id)
		if err != nil {
			return err
		}
		owned := make(map[string]bool, len(reservations))
		for _, r := range reservations {
			owned[r.ID] = true
			if err := tx.Bucket(bucketReservations).Delete([]byte(r.ID)); err != nil {
				return err
			}
		}

		if err := deleteWhere(tx, bucketDetails, func(d *engine.ReservationDetail) bool {
			return owned[d.ReservationID]
		}); err != nil {
			return err
		}
		if err := deleteWhere(tx, bucketAllocations, func(a *engine.Allocation) bool {
			return owned[a.ReservationID]
		}); err != nil {
			return err
		}
		if err := deleteWhere(tx, bucketEvents, func(e *engine.Event) bool {
			return e.LeaseID == id
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Delete([]byte(id))
	})
}

// deleteWhere removes every record of bucket matching match. Keys are
// collected first since bbolt forbids mutation during ForEach.
func deleteWhere[T any](tx *bolt.Tx, bucket []byte, match func(*T) bool) error {
	var keys [][]byte
	err := tx.Bucket(bucket).ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if match(&v) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Bucket(bucket).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Reservations

func insertBoltReservation(tx *bolt.Tx, r *engine.Reservation) error {
	if exists(tx, bucketReservations, r.ID) {
		return alreadyExists("reservation", r.ID)
	}
	if !exists(tx, bucketLeases, r.LeaseID) {
		return engine.NewNotFoundError("lease", r.LeaseID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return put(tx, bucketReservations, r.ID, r)
}

func leaseReservations(tx *bolt.Tx, leaseID string) ([]engine.Reservation, error) {
	return scan(tx, bucketReservations, func(r *engine.Reservation) bool { return r.LeaseID == leaseID })
}

// CreateReservation inserts a reservation for an existing lease.
func (s *BoltStore) CreateReservation(ctx context.Context, r *engine.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return insertBoltReservation(tx, r)
	})
}

// GetReservation returns a reservation by ID.
func (s *BoltStore) GetReservation(ctx context.Context, id string) (*engine.Reservation, error) {
	var r *engine.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = get[engine.Reservation](tx, bucketReservations, "reservation", id)
		return err
	})
	return r, err
}

// ListReservations returns the reservations of a lease ordered by ID.
func (s *BoltStore) ListReservations(ctx context.Context, leaseID string) ([]engine.Reservation, error) {
	var out []engine.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = leaseReservations(tx, leaseID)
		return err
	})
	return out, err
}

// UpdateReservation persists every mutable reservation field.
func (s *BoltStore) UpdateReservation(ctx context.Context, r *engine.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Reservation](tx, bucketReservations, "reservation", r.ID)
		if err != nil {
			return err
		}
		r.LeaseID = stored.LeaseID
		r.CreatedAt = stored.CreatedAt
		r.UpdatedAt = time.Now().UTC()
		return put(tx, bucketReservations, r.ID, r)
	})
}

// Events

func insertBoltEvent(tx *bolt.Tx, e *engine.Event) error {
	if exists(tx, bucketEvents, e.ID) {
		return alreadyExists("event", e.ID)
	}
	if !exists(tx, bucketLeases, e.LeaseID) {
		return engine.NewNotFoundError("lease", e.LeaseID)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return put(tx, bucketEvents, e.ID, e)
}

func leaseEvents(tx *bolt.Tx, leaseID string) ([]engine.Event, error) {
	events, err := scan(tx, bucketEvents, func(e *engine.Event) bool { return e.LeaseID == leaseID })
	sortByTime(events)
	return events, err
}

func sortByTime(events []engine.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Time.Equal(events[j].Time) {
			return events[i].ID < events[j].ID
		}
		return events[i].Time.Before(events[j].Time)
	})
}

// CreateEvent inserts an event for an existing lease.
func (s *BoltStore) CreateEvent(ctx context.Context, e *engine.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return insertBoltEvent(tx, e)
	})
}

// GetEvent returns an event by ID.
func (s *BoltStore) GetEvent(ctx context.Context, id string) (*engine.Event, error) {
	var e *engine.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = get[engine.Event](tx, bucketEvents, "event", id)
		return err
	})
	return e, err
}

// ListEvents returns the events of a lease in time order.
func (s *BoltStore) ListEvents(ctx context.Context, leaseID string) ([]engine.Event, error) {
	var out []engine.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = leaseEvents(tx, leaseID)
		return err
	})
	return out, err
}

// UpdateEvent persists status, time, claim and attempt bookkeeping.
func (s *BoltStore) UpdateEvent(ctx context.Context, e *engine.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.Event](tx, bucketEvents, "event", e.ID)
		if err != nil {
			return err
		}
		e.LeaseID = stored.LeaseID
		e.EventType = stored.EventType
		e.CreatedAt = stored.CreatedAt
		e.UpdatedAt = time.Now().UTC()
		return put(tx, bucketEvents, e.ID, e)
	})
}

func (s *BoltStore) listEvents(keep func(*engine.Event) bool) ([]engine.Event, error) {
	var out []engine.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scan(tx, bucketEvents, keep)
		return err
	})
	sortByTime(out)
	return out, err
}

// ListDueEvents returns UNDONE events with time <= now, oldest first.
func (s *BoltStore) ListDueEvents(ctx context.Context, now time.Time) ([]engine.Event, error) {
	return s.listEvents(func(e *engine.Event) bool {
		return e.Status == engine.EventStatusUndone && !e.Time.After(now)
	})
}

// ListStaleEvents returns IN_PROGRESS events claimed before claimedBefore.
func (s *BoltStore) ListStaleEvents(ctx context.Context, claimedBefore time.Time) ([]engine.Event, error) {
	return s.listEvents(func(e *engine.Event) bool {
		return e.Status == engine.EventStatusInProgress && e.ClaimedAt != nil && e.ClaimedAt.Before(claimedBefore)
	})
}

// ClaimEvent flips an UNDONE event to IN_PROGRESS. bbolt serializes writers,
// so only one caller wins.
func (s *BoltStore) ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		e, err := get[engine.Event](tx, bucketEvents, "event", id)
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Status != engine.EventStatusUndone {
			return nil
		}
		at := now.UTC()
		e.Status = engine.EventStatusInProgress
		e.ClaimedAt = &at
		e.UpdatedAt = at
		claimed = true
		return put(tx, bucketEvents, id, e)
	})
	return claimed, err
}

// ReclaimEvent refreshes a stale IN_PROGRESS claim.
func (s *BoltStore) ReclaimEvent(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		e, err := get[engine.Event](tx, bucketEvents, "event", id)
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Status != engine.EventStatusInProgress || e.ClaimedAt == nil || !e.ClaimedAt.Before(staleBefore) {
			return nil
		}
		at := now.UTC()
		e.ClaimedAt = &at
		e.UpdatedAt = at
		claimed = true
		return put(tx, bucketEvents, id, e)
	})
	return claimed, err
}

// Reservation details

// CreateDetail inserts a plugin detail record.
func (s *BoltStore) CreateDetail(ctx context.Context, d *engine.ReservationDetail) error {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		if exists(tx, bucketDetails, d.ID) {
			return alreadyExists("detail", d.ID)
		}
		if !exists(tx, bucketReservations, d.ReservationID) {
			return engine.NewNotFoundError("reservation", d.ReservationID)
		}
		return put(tx, bucketDetails, d.ID, d)
	})
}

// GetDetail returns a detail record by ID.
func (s *BoltStore) GetDetail(ctx context.Context, id string) (*engine.ReservationDetail, error) {
	var d *engine.ReservationDetail
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = get[engine.ReservationDetail](tx, bucketDetails, "detail", id)
		return err
	})
	return d, err
}

// UpdateDetail persists the spec and group of a detail record.
func (s *BoltStore) UpdateDetail(ctx context.Context, d *engine.ReservationDetail) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.ReservationDetail](tx, bucketDetails, "detail", d.ID)
		if err != nil {
			return err
		}
		stored.Spec = d.Spec
		stored.GroupID = d.GroupID
		stored.UpdatedAt = time.Now().UTC()
		d.UpdatedAt = stored.UpdatedAt
		return put(tx, bucketDetails, d.ID, stored)
	})
}

// DeleteDetail removes a detail record. Missing records are ignored.
func (s *BoltStore) DeleteDetail(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDetails).Delete([]byte(id))
	})
}

// Allocations

// CreateAllocations inserts all allocations or none.
func (s *BoltStore) CreateAllocations(ctx context.Context, allocations []engine.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return insertBoltAllocations(tx, allocations)
	})
}

// BookAllocations checks the bookings other reservations hold on the units of
// allocations and inserts them in the same update transaction.
func (s *BoltStore) BookAllocations(ctx context.Context, allocations []engine.Allocation, start, end time.Time, check engine.BookingCheck) error {
	if len(allocations) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := bookingsIn(tx, unitsOf(allocations), start, end)
		if err != nil {
			return err
		}
		if err := check(othersOf(existing, allocations)); err != nil {
			return err
		}
		return insertBoltAllocations(tx, allocations)
	})
}

func insertBoltAllocations(tx *bolt.Tx, allocations []engine.Allocation) error {
	now := time.Now().UTC()
	for i := range allocations {
		a := &allocations[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if exists(tx, bucketAllocations, a.ID) {
			return alreadyExists("allocation", a.ID)
		}
		if !exists(tx, bucketReservations, a.ReservationID) {
			return engine.NewNotFoundError("reservation", a.ReservationID)
		}
		if !exists(tx, bucketUnits, a.UnitID) {
			return engine.NewNotFoundError("unit", a.UnitID)
		}
		if err := put(tx, bucketAllocations, a.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) listAllocations(keep func(*engine.Allocation) bool) ([]engine.Allocation, error) {
	var out []engine.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scan(tx, bucketAllocations, keep)
		return err
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// ListAllocations returns the allocations of a reservation.
func (s *BoltStore) ListAllocations(ctx context.Context, reservationID string) ([]engine.Allocation, error) {
	return s.listAllocations(func(a *engine.Allocation) bool { return a.ReservationID == reservationID })
}

// ListAllocationsByUnit returns every allocation on a unit.
func (s *BoltStore) ListAllocationsByUnit(ctx context.Context, unitID string) ([]engine.Allocation, error) {
	return s.listAllocations(func(a *engine.Allocation) bool { return a.UnitID == unitID })
}

// DeleteAllocations removes allocations by ID. Missing IDs are ignored.
func (s *BoltStore) DeleteAllocations(ctx context.Context, ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SwapAllocation moves an allocation to another unit.
func (s *BoltStore) SwapAllocation(ctx context.Context, allocationID, unitID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := get[engine.Allocation](tx, bucketAllocations, "allocation", allocationID)
		if err != nil {
			return err
		}
		a.UnitID = unitID
		return put(tx, bucketAllocations, allocationID, a)
	})
}

// GetBookingsByUnitIDs returns the bookings on the given units whose lease
// window overlaps [start, end), skipping deleted reservations.
func (s *BoltStore) GetBookingsByUnitIDs(ctx context.Context, unitIDs []string, start, end time.Time) ([]engine.Booking, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	var out []engine.Booking
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = bookingsIn(tx, unitIDs, start, end)
		return err
	})
	return out, err
}

func bookingsIn(tx *bolt.Tx, unitIDs []string, start, end time.Time) ([]engine.Booking, error) {
	wanted := make(map[string]bool, len(unitIDs))
	for _, id := range unitIDs {
		wanted[id] = true
	}

	allocations, err := scan(tx, bucketAllocations, func(a *engine.Allocation) bool { return wanted[a.UnitID] })
	if err != nil {
		return nil, err
	}
	var out []engine.Booking
	for _, a := range allocations {
		r, err := get[engine.Reservation](tx, bucketReservations, "reservation", a.ReservationID)
		if err != nil {
			return nil, err
		}
		if r.Status == engine.ReservationStatusDeleted {
			continue
		}
		l, err := get[engine.Lease](tx, bucketLeases, "lease", r.LeaseID)
		if err != nil {
			return nil, err
		}
		if !l.StartDate.Before(end) || !l.EndDate.After(start) {
			continue
		}
		out = append(out, engine.Booking{
			AllocationID:  a.ID,
			UnitID:        a.UnitID,
			ReservationID: r.ID,
			LeaseID:       l.ID,
			Status:        r.Status,
			Start:         l.StartDate,
			End:           l.EndDate,
			Exclusive:     a.Exclusive,
			Usage:         a.Usage,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].AllocationID < out[j].AllocationID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// Resource units

func unitNameTaken(tx *bolt.Tx, u *engine.ResourceUnit) (bool, error) {
	clash, err := scan(tx, bucketUnits, func(o *engine.ResourceUnit) bool {
		return o.ID != u.ID && o.Kind == u.Kind && o.Name == u.Name
	})
	return len(clash) > 0, err
}

// CreateUnit registers a resource unit. Kind and name must be unique.
func (s *BoltStore) CreateUnit(ctx context.Context, u *engine.ResourceUnit) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		if exists(tx, bucketUnits, u.ID) {
			return alreadyExists("unit", u.ID)
		}
		taken, err := unitNameTaken(tx, u)
		if err != nil {
			return err
		}
		if taken {
			return alreadyExists("unit", u.Kind+"/"+u.Name)
		}
		return put(tx, bucketUnits, u.ID, u)
	})
}

// GetUnit returns a unit by ID.
func (s *BoltStore) GetUnit(ctx context.Context, id string) (*engine.ResourceUnit, error) {
	var u *engine.ResourceUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = get[engine.ResourceUnit](tx, bucketUnits, "unit", id)
		return err
	})
	return u, err
}

// ListUnits returns units ordered by kind and name.
func (s *BoltStore) ListUnits(ctx context.Context, filter engine.UnitFilter) ([]engine.ResourceUnit, error) {
	var out []engine.ResourceUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scan(tx, bucketUnits, func(u *engine.ResourceUnit) bool {
			if filter.Kind != "" && u.Kind != filter.Kind {
				return false
			}
			return !filter.ReservableOnly || u.Reservable
		})
		return err
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind == out[j].Kind {
			return out[i].Name < out[j].Name
		}
		return out[i].Kind < out[j].Kind
	})
	return out, err
}

// UpdateUnit persists name, attributes, capacity and reservability.
func (s *BoltStore) UpdateUnit(ctx context.Context, u *engine.ResourceUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := get[engine.ResourceUnit](tx, bucketUnits, "unit", u.ID)
		if err != nil {
			return err
		}
		u.Kind = stored.Kind
		taken, err := unitNameTaken(tx, u)
		if err != nil {
			return err
		}
		if taken {
			return alreadyExists("unit", u.Kind+"/"+u.Name)
		}
		u.CreatedAt = stored.CreatedAt
		u.UpdatedAt = time.Now().UTC()
		return put(tx, bucketUnits, u.ID, u)
	})
}

// DeleteUnit removes a unit that holds no allocations.
func (s *BoltStore) DeleteUnit(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketUnits, id) {
			return engine.NewNotFoundError("unit", id)
		}
		held, err := scan(tx, bucketAllocations, func(a *engine.Allocation) bool { return a.UnitID == id })
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return inUse(id)
		}
		return tx.Bucket(bucketUnits).Delete([]byte(id))
	})
}

var _ engine.Store = (*BoltStore)(nil)
