package plugins

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoir/reservoir/pkg/engine"
)

func (e *env) addresses(network string, ids ...string) {
	for i, id := range ids {
		e.unit(id, engine.UnitKindFloatingIP, map[string]string{
			AttrNetworkID: network,
			AttrAddress:   "10.0.0." + string(rune('1'+i)),
		}, nil)
	}
}

func fipValues(network string, amount int, required ...string) map[string]interface{} {
	v := map[string]interface{}{"network_id": network, "amount": amount}
	if len(required) > 0 {
		v["required_floatingips"] = required
	}
	return v
}

func liveAddresses(e *env) []string {
	var out []string
	for _, o := range e.prov.Objects("floatingip") {
		out = append(out, o.Props[AttrAddress])
	}
	sort.Strings(out)
	return out
}

func TestFloatingIPPlugin_Lifecycle(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1", "f2", "f3")
	e.unit("other", engine.UnitKindFloatingIP, map[string]string{AttrNetworkID: "net-2", AttrAddress: "10.9.9.9"}, nil)
	p := NewFloatingIPPlugin(e.base)

	b := e.mustReserve(p, fipValues("net-1", 2, "10.0.0.3"), t0, t0.Add(4*time.Hour))
	assert.Equal(t, []string{"f1", "f3"}, e.allocated(b), "the required address plus the first free one")
	assert.Empty(t, e.prov.Objects("floatingip"), "addresses go live at start")

	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, liveAddresses(e))
	assert.Equal(t, 2, e.prov.CallCount("create_object"), "a repeated start creates nothing new")

	require.NoError(t, p.BeforeEnd(e.ctx, b.DetailID, b.Window))

	require.NoError(t, p.OnEnd(e.ctx, b.DetailID, b.Window))
	require.NoError(t, p.OnEnd(e.ctx, b.DetailID, b.Window))
	assert.Empty(t, e.prov.Objects("floatingip"))
	assert.Empty(t, e.allocated(b))
}

func TestFloatingIPPlugin_Availability(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1", "f2")
	p := NewFloatingIPPlugin(e.base)

	e.mustReserve(p, fipValues("net-1", 1, "10.0.0.2"), t0, t0.Add(4*time.Hour))

	_, err := e.reserve(p, fipValues("net-1", 1, "10.0.0.2"), t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources), "got %v", err)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "10.0.0.2", ee.Details["unavailable_address"])

	_, err = e.reserve(p, fipValues("net-1", 2), t0.Add(time.Hour), t0.Add(2*time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources))

	_, err = e.reserve(p, fipValues("net-2", 1), t0, t0.Add(time.Hour))
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotEnoughResources), "no addresses on net-2")

	b := e.mustReserve(p, fipValues("net-1", 1), t0.Add(time.Hour), t0.Add(2*time.Hour))
	assert.Equal(t, []string{"f1"}, e.allocated(b))
}

func TestFloatingIPPlugin_Validation(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1")
	p := NewFloatingIPPlugin(e.base)

	tests := []struct {
		name   string
		values map[string]interface{}
		code   string
	}{
		{"missing network", map[string]interface{}{"amount": 1}, engine.ErrCodeMissingParameter},
		{"missing amount", map[string]interface{}{"network_id": "net-1"}, engine.ErrCodeMissingParameter},
		{"bad address", fipValues("net-1", 1, "not-an-ip"), engine.ErrCodeMalformedParameter},
		{"too many required", fipValues("net-1", 1, "10.0.0.1", "10.0.0.2"), engine.ErrCodeMalformedParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.reserve(p, tt.values, t0, t0.Add(time.Hour))
			assert.True(t, engine.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestFloatingIPPlugin_Update(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1", "f2", "f3")
	p := NewFloatingIPPlugin(e.base)

	b := e.mustReserve(p, fipValues("net-1", 1), t0, t0.Add(4*time.Hour))

	err := p.UpdateReservation(e.ctx, b.ReservationID, fipValues("net-2", 1), b.Window)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidStateUpdate))

	e.activate(b)
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))

	require.NoError(t, p.UpdateReservation(e.ctx, b.ReservationID, fipValues("net-1", 2), b.Window))
	assert.Equal(t, []string{"f1", "f2"}, e.allocated(b))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, liveAddresses(e), "added addresses go live at once")

	err = p.UpdateReservation(e.ctx, b.ReservationID, fipValues("net-1", 1), b.Window)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidStateUpdate))

	require.NoError(t, p.OnEnd(e.ctx, b.DetailID, b.Window))
	assert.Empty(t, liveAddresses(e))
}

func TestFloatingIPPlugin_Heal(t *testing.T) {
	e := newEnv(t)
	e.addresses("net-1", "f1", "f2", "f3")
	p := NewFloatingIPPlugin(e.base)

	b := e.mustReserve(p, fipValues("net-1", 2), t0, t0.Add(4*time.Hour))
	require.Equal(t, []string{"f1", "f2"}, e.allocated(b))
	e.activate(b)
	require.NoError(t, p.OnStart(e.ctx, b.DetailID, b.Window))

	e.disable("f1")
	flags, err := p.HealReservations(e.ctx, []string{"f1"}, t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, flags[b.ReservationID].ResourcesChanged)
	assert.Equal(t, []string{"f2", "f3"}, e.allocated(b))
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, liveAddresses(e))

	e.disable("f3")
	flags, err = p.HealReservations(e.ctx, []string{"f3"}, t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, flags[b.ReservationID].MissingResources)
	assert.Equal(t, []string{"f2"}, e.allocated(b))
	assert.Equal(t, []string{"10.0.0.2"}, liveAddresses(e))
}
