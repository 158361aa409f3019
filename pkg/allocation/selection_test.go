package allocation

import (
	"testing"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

func host(id, name string, attrs map[string]string) engine.ResourceUnit {
	return engine.ResourceUnit{ID: id, Kind: engine.UnitKindHost, Name: name, Attributes: attrs, Reservable: true}
}

func names(units []engine.ResourceUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}

func TestSelectCandidates_TouchedBeforeIdle(t *testing.T) {
	units := []engine.ResourceUnit{
		host("1", "c-idle", nil),
		host("2", "a-idle", nil),
		host("3", "b-touched", nil),
		host("4", "d-busy", nil),
	}
	bookings := []engine.Booking{
		booking("3", at(1, 0), at(2, 0)),
		booking("4", at(10, 0), at(11, 0)),
	}
	window := Period{Start: at(9, 0), End: at(12, 0)}

	got, err := SelectCandidates(units, nil, 1, 3, window, 0, bookings)
	if err != nil {
		t.Fatalf("SelectCandidates failed: %v", err)
	}
	want := []string{"b-touched", "a-idle", "c-idle"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", names(got), want)
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].Name, want[i])
		}
	}
}

func TestSelectCandidates_MarginAndFilter(t *testing.T) {
	units := []engine.ResourceUnit{
		host("1", "h1", map[string]string{"zone": "east"}),
		host("2", "h2", map[string]string{"zone": "west"}),
	}
	// h1 is busy until 08:30; a 1h margin around 09:00 collides.
	bookings := []engine.Booking{booking("1", at(7, 0), at(8, 30))}
	window := Period{Start: at(9, 0), End: at(10, 0)}
	east, _ := ParseRequirements(`["==", "$zone", "east"]`)

	if _, err := SelectCandidates(units, east, 1, 1, window, time.Hour, bookings); !engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
		t.Errorf("expected NOT_ENOUGH_RESOURCES with margin, got %v", err)
	}
	got, err := SelectCandidates(units, east, 1, 1, window, 0, bookings)
	if err != nil || len(got) != 1 || got[0].Name != "h1" {
		t.Errorf("expected h1 without margin, got %v, %v", names(got), err)
	}
}

func TestSelectCandidates_SkipsUnreservable(t *testing.T) {
	failed := host("1", "h1", nil)
	failed.Reservable = false
	window := Period{Start: at(9, 0), End: at(10, 0)}

	_, err := SelectCandidates([]engine.ResourceUnit{failed}, nil, 1, 1, window, 0, nil)
	if !engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
		t.Errorf("expected NOT_ENOUGH_RESOURCES, got %v", err)
	}
}

func sharedHost(id, name string, vcpus, mem int64) engine.ResourceUnit {
	u := host(id, name, nil)
	u.Capacity = engine.Resources{engine.ResourceVCPUs: vcpus, engine.ResourceMemoryMB: mem}
	return u
}

func TestSelectSharedCandidates(t *testing.T) {
	units := []engine.ResourceUnit{
		sharedHost("1", "empty", 8, 8192),
		sharedHost("2", "busy", 8, 8192),
	}
	bookings := []engine.Booking{{
		UnitID: "2",
		Start:  at(8, 0),
		End:    at(12, 0),
		Usage:  engine.Resources{engine.ResourceVCPUs: 4, engine.ResourceMemoryMB: 4096},
	}}
	window := Period{Start: at(9, 0), End: at(10, 0)}
	slot := engine.Resources{engine.ResourceVCPUs: 2, engine.ResourceMemoryMB: 2048}

	tests := []struct {
		name string
		req  SlotRequest
		want []string
		err  bool
	}{
		{"packs busiest first", SlotRequest{Usage: slot, Amount: 3}, []string{"busy", "busy", "empty"}, false},
		{"spread", SlotRequest{Usage: slot, Amount: 2, Affinity: AffinitySpread}, []string{"busy", "empty"}, false},
		{"same host", SlotRequest{Usage: slot, Amount: 3, Affinity: AffinitySame}, []string{"empty", "empty", "empty"}, false},
		{"spread too wide", SlotRequest{Usage: slot, Amount: 3, Affinity: AffinitySpread}, nil, true},
		{"too much", SlotRequest{Usage: slot, Amount: 7}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSharedCandidates(units, nil, tt.req, window, bookings)
			if tt.err {
				if !engine.HasCode(err, engine.ErrCodeNotEnoughResources) {
					t.Errorf("expected NOT_ENOUGH_RESOURCES, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectSharedCandidates failed: %v", err)
			}
			gotNames := names(got)
			if len(gotNames) != len(tt.want) {
				t.Fatalf("got %v, want %v", gotNames, tt.want)
			}
			for i := range tt.want {
				if gotNames[i] != tt.want[i] {
					t.Errorf("got %v, want %v", gotNames, tt.want)
					break
				}
			}
		})
	}
}
