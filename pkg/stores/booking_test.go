package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoir/reservoir/pkg/engine"
)

// refuseAny is the check of an exclusive booking.
func refuseAny(existing []engine.Booking) error {
	if len(existing) > 0 {
		return engine.NewBookingConflictError(existing[0].UnitID, existing[0].ReservationID)
	}
	return nil
}

func TestStore_LeaseStatusCompareAndSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLease(ctx, testLease("l1", 0)))

		moved, err := s.UpdateLeaseStatusIf(ctx, "l1", engine.LeaseStatusPending, engine.LeaseStatusUpdating)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = s.UpdateLeaseStatusIf(ctx, "l1", engine.LeaseStatusPending, engine.LeaseStatusDeleting)
		require.NoError(t, err)
		assert.False(t, moved, "the lease no longer holds PENDING")

		got, err := s.GetLease(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, engine.LeaseStatusUpdating, got.Status)

		_, err = s.UpdateLeaseStatusIf(ctx, "missing", engine.LeaseStatusPending, engine.LeaseStatusUpdating)
		assert.True(t, engine.IsNotFound(err))
	})
}

func TestStore_SetLeaseDegraded(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLease(ctx, testLease("l1", 0, "r1")))
		require.NoError(t, s.UpdateLeaseStatus(ctx, "l1", engine.LeaseStatusActive))

		require.NoError(t, s.SetLeaseDegraded(ctx, "l1", true))
		got, err := s.GetLease(ctx, "l1")
		require.NoError(t, err)
		assert.True(t, got.Degraded)
		assert.Equal(t, engine.LeaseStatusActive, got.Status, "status is left alone")

		require.NoError(t, s.SetLeaseDegraded(ctx, "l1", false))
		got, err = s.GetLease(ctx, "l1")
		require.NoError(t, err)
		assert.False(t, got.Degraded)

		assert.True(t, engine.IsNotFound(s.SetLeaseDegraded(ctx, "missing", true)))
	})
}

func TestStore_BookAllocations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateUnit(ctx, testUnit("u1", engine.UnitKindHost)))
		require.NoError(t, s.CreateUnit(ctx, testUnit("u2", engine.UnitKindHost)))
		require.NoError(t, s.CreateLease(ctx, testLease("l1", 0, "r1")))
		require.NoError(t, s.CreateLease(ctx, testLease("l2", 2*time.Hour, "r2")))
		require.NoError(t, s.CreateAllocations(ctx, []engine.Allocation{
			{ID: "a-held", ReservationID: "r1", UnitID: "u1", Exclusive: true},
		}))

		window := [2]time.Time{base.Add(2 * time.Hour), base.Add(6 * time.Hour)}

		var seen []engine.Booking
		err := s.BookAllocations(ctx, []engine.Allocation{
			{ID: "a-new", ReservationID: "r2", UnitID: "u1", Exclusive: true},
		}, window[0], window[1], func(existing []engine.Booking) error {
			seen = existing
			return refuseAny(existing)
		})
		assert.True(t, engine.HasCode(err, engine.ErrCodeBookingConflict), "got %v", err)
		require.Len(t, seen, 1)
		assert.Equal(t, "r1", seen[0].ReservationID)
		allocs, err := s.ListAllocations(ctx, "r2")
		require.NoError(t, err)
		assert.Empty(t, allocs, "a refused booking writes nothing")

		// The check only sees units being written, and never the
		// reservation's own bookings.
		require.NoError(t, s.BookAllocations(ctx, []engine.Allocation{
			{ID: "a-u2", ReservationID: "r2", UnitID: "u2", Exclusive: true},
		}, window[0], window[1], refuseAny))
		require.NoError(t, s.BookAllocations(ctx, []engine.Allocation{
			{ID: "a-u2-again", ReservationID: "r2", UnitID: "u2", Exclusive: true},
		}, window[0], window[1], refuseAny))
		allocs, err = s.ListAllocations(ctx, "r2")
		require.NoError(t, err)
		assert.Len(t, allocs, 2)

		// Bookings outside the window do not reach the check.
		require.NoError(t, s.CreateLease(ctx, testLease("l3", 8*time.Hour, "r3")))
		require.NoError(t, s.BookAllocations(ctx, []engine.Allocation{
			{ID: "a-late", ReservationID: "r3", UnitID: "u1", Exclusive: true},
		}, base.Add(8*time.Hour), base.Add(12*time.Hour), refuseAny))
	})
}

// contend books u1 for n reservations from n goroutines spread over the
// given stores and returns how many bookings went through.
func contend(t *testing.T, n int, stores ...Store) int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, stores[0].CreateUnit(ctx, testUnit("u1", engine.UnitKindHost)))
	for i := 0; i < n; i++ {
		require.NoError(t, stores[0].CreateLease(ctx, testLease(fmt.Sprintf("l%d", i), 0, fmt.Sprintf("r%d", i))))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := stores[i%len(stores)]
			errs[i] = s.BookAllocations(ctx, []engine.Allocation{
				{ID: fmt.Sprintf("a%d", i), ReservationID: fmt.Sprintf("r%d", i), UnitID: "u1", Exclusive: true},
			}, base, base.Add(4*time.Hour), refuseAny)
		}(i)
	}
	wg.Wait()

	booked := 0
	for _, err := range errs {
		if err == nil {
			booked++
			continue
		}
		assert.True(t, engine.HasCode(err, engine.ErrCodeBookingConflict), "got %v", err)
	}

	onUnit, err := stores[0].ListAllocationsByUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, onUnit, booked)
	return booked
}

func TestStore_BookAllocationsConcurrentWriters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		assert.Equal(t, 1, contend(t, 8, s))
	})
}

func TestSQLiteStore_BookAllocationsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reservoir.db")

	// Two stores on one file stand in for two scheduler processes.
	first, err := OpenSQLite(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := OpenSQLite(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, 1, contend(t, 8, first, second))
}
