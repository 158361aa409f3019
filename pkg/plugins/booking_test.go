package plugins

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/provisioning"
	"github.com/reservoir/reservoir/pkg/stores"
)

// hookStore runs beforeBook once, just before the next allocation write.
type hookStore struct {
	engine.Store
	beforeBook func()
}

func (s *hookStore) BookAllocations(ctx context.Context, allocations []engine.Allocation, start, end time.Time, check engine.BookingCheck) error {
	if hook := s.beforeBook; hook != nil {
		s.beforeBook = nil
		hook()
	}
	return s.Store.BookAllocations(ctx, allocations, start, end, check)
}

// twoWriters opens two stores on one database file, as two scheduler
// processes would, and builds a plugin base on each. The env's base writes
// through the returned hookStore; the second base writes directly.
func twoWriters(t *testing.T) (*env, *Base, *hookStore) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reservoir.db")

	first, err := stores.OpenSQLite(ctx, stores.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := stores.OpenSQLite(ctx, stores.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	prov := provisioning.NewMemory(logger)
	hooked := &hookStore{Store: first}

	own, err := NewBase(Options{Store: hooked, Provisioner: prov, Logger: logger})
	require.NoError(t, err)
	other, err := NewBase(Options{Store: second, Provisioner: prov, Logger: logger})
	require.NoError(t, err)

	return &env{t: t, ctx: ctx, store: first, prov: prov, base: own}, other, hooked
}

// assertSingleHolder fails when two reservations hold the same unit.
func assertSingleHolder(t *testing.T, e *env, bookings ...booking) {
	t.Helper()
	holder := make(map[string]string)
	for _, b := range bookings {
		for _, id := range e.allocated(b) {
			if prev, ok := holder[id]; ok && prev != b.ReservationID {
				t.Errorf("unit %s held by %s and %s", id, prev, b.ReservationID)
			}
			holder[id] = b.ReservationID
		}
	}
}

func TestHostPlugin_ConcurrentWriterTakesLastHost(t *testing.T) {
	e, other, hooked := twoWriters(t)
	e.hosts("h1")
	mine := NewHostPlugin(e.base)
	theirs := NewHostPlugin(other)

	// The other process books h1 after this one picked it and before it
	// writes.
	var rival booking
	hooked.beforeBook = func() {
		rival = e.mustReserve(theirs, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	}

	b, err := e.reserve(mine, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources), "got %v", err)
	assert.Equal(t, []string{"h1"}, e.allocated(rival))
	assert.Empty(t, e.allocated(b))
}

func TestHostPlugin_ConcurrentWriterForcesReselection(t *testing.T) {
	e, other, hooked := twoWriters(t)
	e.hosts("h1", "h2")
	mine := NewHostPlugin(e.base)
	theirs := NewHostPlugin(other)

	var rival booking
	hooked.beforeBook = func() {
		rival = e.mustReserve(theirs, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	}

	b := e.mustReserve(mine, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	assert.Equal(t, []string{"h1"}, e.allocated(rival))
	assert.Equal(t, []string{"h2"}, e.allocated(b))
	assertSingleHolder(t, e, b, rival)
}

func TestHostPlugin_ConcurrentWriterDuringUpdate(t *testing.T) {
	e, other, hooked := twoWriters(t)
	e.hosts("h1", "h2", "h3")
	mine := NewHostPlugin(e.base)
	theirs := NewHostPlugin(other)

	b := e.mustReserve(mine, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	require.Equal(t, []string{"h1"}, e.allocated(b))

	// Growing to two hosts picks h2, which the other process takes first.
	var rival booking
	hooked.beforeBook = func() {
		rival = e.mustReserve(theirs, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	}
	require.NoError(t, mine.UpdateReservation(e.ctx, b.ReservationID, hostValues(2, 2), b.Window))
	assert.Equal(t, []string{"h2"}, e.allocated(rival))
	assert.Equal(t, []string{"h1", "h3"}, e.allocated(b))
	assertSingleHolder(t, e, b, rival)
}

func TestInstancePlugin_ConcurrentWriterFillsHost(t *testing.T) {
	e, other, hooked := twoWriters(t)
	e.hosts("h1")
	mine := NewInstancePlugin(e.base)
	theirs := NewInstancePlugin(other)

	// Each request fits h1 alone; together they exceed its 8 vCPUs.
	var rival booking
	hooked.beforeBook = func() {
		rival = e.mustReserve(theirs, instanceValues(6, 1), t0, t0.Add(4*time.Hour))
	}

	_, err := e.reserve(mine, instanceValues(6, 1), t0, t0.Add(4*time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources), "got %v", err)
	assert.Equal(t, []string{"h1"}, e.allocated(rival))
}

func TestInstancePlugin_ConcurrentExclusiveHost(t *testing.T) {
	e, other, hooked := twoWriters(t)
	e.hosts("h1", "h2")
	mine := NewInstancePlugin(e.base)
	theirs := NewHostPlugin(other)

	var rival booking
	hooked.beforeBook = func() {
		rival = e.mustReserve(theirs, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	}

	b := e.mustReserve(mine, instanceValues(2, 2), t0, t0.Add(4*time.Hour))
	assert.Equal(t, []string{"h1"}, e.allocated(rival))
	assert.Equal(t, []string{"h2", "h2"}, e.allocated(b))
}

func TestInstancePlugin_MarginAroundExclusiveHosts(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Margin = 30 * time.Minute })
	e.hosts("h1", "h2")
	hosts := NewHostPlugin(e.base)
	instances := NewInstancePlugin(e.base)

	held := e.mustReserve(hosts, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	require.Equal(t, []string{"h1"}, e.allocated(held))

	// Ten minutes after the host lease ends h1 is still being cleaned.
	soon := e.mustReserve(instances, instanceValues(1, 2), t0.Add(4*time.Hour+10*time.Minute), t0.Add(6*time.Hour))
	assert.Equal(t, []string{"h2", "h2"}, e.allocated(soon))

	later := e.mustReserve(instances, instanceValues(1, 2), t0.Add(5*time.Hour), t0.Add(6*time.Hour))
	assert.Equal(t, []string{"h2", "h2"}, e.allocated(later), "the most used host is preferred")

	// With h2 out of the way, the margin still keeps h1 off limits.
	e.disable("h2")
	_, err := e.reserve(instances, instanceValues(1, 1), t0.Add(4*time.Hour+10*time.Minute), t0.Add(6*time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources), "got %v", err)

	outside := e.mustReserve(instances, instanceValues(1, 1), t0.Add(5*time.Hour), t0.Add(6*time.Hour))
	assert.Equal(t, []string{"h1"}, e.allocated(outside))
}

func TestHostPlugin_HealKeepsAllocationWhenPoolRefusesReplacement(t *testing.T) {
	e := newEnv(t)
	e.hosts("h1", "h2")
	p := NewHostPlugin(e.base)

	b := e.mustReserve(p, hostValues(1, 1), t0, t0.Add(4*time.Hour))
	require.Equal(t, []string{"h1"}, e.allocated(b))
	e.activate(b)
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))
	e.disable("h1")

	e.prov.FailNext("add_units", errors.New("pool unavailable"))
	flags, err := p.HealReservations(e.ctx, []string{"h1"}, t0, t0.Add(4*time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeProvisioningFailed), "got %v", err)
	assert.True(t, flags[b.ReservationID].MissingResources)
	assert.False(t, flags[b.ReservationID].ResourcesChanged)
	assert.Equal(t, []string{"h1"}, e.allocated(b), "the allocation stays where the pool has it")
	g, _ := e.prov.Group(e.groupOf(b))
	assert.Equal(t, []string{"h1"}, g.Units)

	// The next pass succeeds.
	flags, err = p.HealReservations(e.ctx, []string{"h1"}, t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, flags[b.ReservationID].ResourcesChanged)
	assert.Equal(t, []string{"h2"}, e.allocated(b))
	g, _ = e.prov.Group(e.groupOf(b))
	assert.Equal(t, []string{"h2"}, g.Units)
}

func TestNetworkPlugin_HealKeepsNetworkWhenRebuildFails(t *testing.T) {
	e := newEnv(t)
	e.segments("s1", "s2")
	p := NewNetworkPlugin(e.base)

	b := e.mustReserve(p, map[string]interface{}{"network_name": "blue"}, t0, t0.Add(4*time.Hour))
	e.activate(b)
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))
	e.disable("s1")

	e.prov.FailNext("create_object", errors.New("api down"))
	flags, err := p.HealReservations(e.ctx, []string{"s1"}, t0, t0.Add(4*time.Hour))
	require.Error(t, err)
	assert.True(t, flags[b.ReservationID].MissingResources)
	assert.Equal(t, []string{"s1"}, e.allocated(b))
	nets := e.prov.Objects("network")
	require.Len(t, nets, 1)
	assert.Equal(t, "s1", nets[0].UnitID, "the old network is left up")
}

func TestFloatingIPPlugin_OnEndSavesProgress(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1", "f2")
	p := NewFloatingIPPlugin(e.base)

	b := e.mustReserve(p, fipValues("net-1", 2), t0, t0.Add(4*time.Hour))
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))
	require.Len(t, liveAddresses(e), 2)

	// The first delete works and the second fails.
	e.prov.FailNext("delete_object", nil)
	e.prov.FailNext("delete_object", errors.New("api down"))
	err := p.OnEnd(e.ctx, b.DetailID, b.Window)
	assert.True(t, engine.HasCode(err, engine.ErrCodeProvisioningFailed), "got %v", err)
	assert.Len(t, liveAddresses(e), 1)

	require.NoError(t, p.OnEnd(e.ctx, b.DetailID, b.Window))
	assert.Empty(t, liveAddresses(e))
	assert.Equal(t, 3, e.prov.CallCount("delete_object"), "the deleted address is not deleted again")
	assert.Empty(t, e.allocated(b))
}
