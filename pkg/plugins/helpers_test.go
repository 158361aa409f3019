package plugins

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/provisioning"
	"github.com/reservoir/reservoir/pkg/stores"
)

var t0 = time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

// env wires plugins to a real store and the in-process provisioner.
type env struct {
	t     *testing.T
	ctx   context.Context
	store *stores.SQLiteStore
	prov  *provisioning.Memory
	base  *Base
	seq   int
}

func newEnv(t *testing.T, opts ...func(*Options)) *env {
	t.Helper()
	ctx := context.Background()
	store, err := stores.OpenSQLite(ctx, stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	prov := provisioning.NewMemory(logger)
	o := Options{Store: store, Provisioner: prov, Logger: logger}
	for _, fn := range opts {
		fn(&o)
	}
	base, err := NewBase(o)
	require.NoError(t, err)

	return &env{t: t, ctx: ctx, store: store, prov: prov, base: base}
}

func (e *env) unit(id, kind string, attrs map[string]string, capacity engine.Resources) {
	e.t.Helper()
	require.NoError(e.t, e.store.CreateUnit(e.ctx, &engine.ResourceUnit{
		ID: id, Kind: kind, Name: "name-" + id,
		Attributes: attrs, Capacity: capacity, Reservable: true,
	}))
}

func (e *env) hosts(ids ...string) {
	for _, id := range ids {
		e.unit(id, engine.UnitKindHost, map[string]string{"zone": "a"}, engine.Resources{
			engine.ResourceVCPUs: 8, engine.ResourceMemoryMB: 16384, engine.ResourceDiskGB: 100,
		})
	}
}

// booking is a reservation made through a plugin the way the lease manager
// makes it: lease and reservation rows first, then Reserve, then ResourceID.
type booking struct {
	LeaseID       string
	ReservationID string
	DetailID      string
	Window        engine.LeaseWindow
}

func (e *env) newLease(rt string, values map[string]interface{}, start, end time.Time) booking {
	e.t.Helper()
	e.seq++
	leaseID := fmt.Sprintf("lease-%d", e.seq)
	resID := fmt.Sprintf("res-%d", e.seq)
	lease := &engine.Lease{
		ID: leaseID, Name: leaseID, Owner: "project-a",
		StartDate: start, EndDate: end, Status: engine.LeaseStatusPending,
		Reservations: []engine.Reservation{{
			ID: resID, LeaseID: leaseID, ResourceType: rt,
			Status: engine.ReservationStatusPending, Values: values,
		}},
	}
	require.NoError(e.t, e.store.CreateLease(e.ctx, lease))
	return booking{LeaseID: leaseID, ReservationID: resID, Window: lease.Window()}
}

// reserve books values through p and records the detail on the reservation.
func (e *env) reserve(p engine.ResourcePlugin, values map[string]interface{}, start, end time.Time) (booking, error) {
	e.t.Helper()
	b := e.newLease(p.ResourceType(), values, start, end)
	detailID, err := p.Reserve(e.ctx, b.ReservationID, values, b.Window)
	if err != nil {
		return b, err
	}
	b.DetailID = detailID

	r, err := e.store.GetReservation(e.ctx, b.ReservationID)
	require.NoError(e.t, err)
	r.ResourceID = detailID
	require.NoError(e.t, e.store.UpdateReservation(e.ctx, r))
	return b, nil
}

func (e *env) mustReserve(p engine.ResourcePlugin, values map[string]interface{}, start, end time.Time) booking {
	e.t.Helper()
	b, err := e.reserve(p, values, start, end)
	require.NoError(e.t, err)
	return b
}

func (e *env) activate(b booking) {
	e.t.Helper()
	r, err := e.store.GetReservation(e.ctx, b.ReservationID)
	require.NoError(e.t, err)
	r.Status = engine.ReservationStatusActive
	require.NoError(e.t, e.store.UpdateReservation(e.ctx, r))
}

func (e *env) disable(unitID string) {
	e.t.Helper()
	u, err := e.store.GetUnit(e.ctx, unitID)
	require.NoError(e.t, err)
	u.Reservable = false
	require.NoError(e.t, e.store.UpdateUnit(e.ctx, u))
}

// allocated returns the sorted unit IDs held by a reservation, one per allocation.
func (e *env) allocated(b booking) []string {
	e.t.Helper()
	allocs, err := e.store.ListAllocations(e.ctx, b.ReservationID)
	require.NoError(e.t, err)
	ids := unitIDsOf(allocs)
	sort.Strings(ids)
	return ids
}

func (e *env) groupOf(b booking) string {
	e.t.Helper()
	d, err := e.store.GetDetail(e.ctx, b.DetailID)
	require.NoError(e.t, err)
	return d.GroupID
}

func hostValues(min, max int) map[string]interface{} {
	return map[string]interface{}{"min": min, "max": max}
}
