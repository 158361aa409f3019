package engine

import (
	"strings"
	"testing"
	"time"
)

func ev(id, lease string, t EventType) Event {
	return Event{ID: id, LeaseID: lease, EventType: t, Time: time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func waveIDs(waves [][]Event) [][]string {
	out := make([][]string, len(waves))
	for i, w := range waves {
		for _, e := range w {
			out[i] = append(out[i], e.ID)
		}
	}
	return out
}

func TestBuildEventWaves_EndingLeaseBeforeStartingLease(t *testing.T) {
	events := []Event{
		ev("start-l1", "l1", EventTypeStartLease),
		ev("before-l2", "l2", EventTypeBeforeEndLease),
		ev("end-l2", "l2", EventTypeEndLease),
	}

	waves := waveIDs(BuildEventWaves(events))
	want := [][]string{{"before-l2"}, {"end-l2"}, {"start-l1"}}

	if len(waves) != len(want) {
		t.Fatalf("expected %d waves, got %v", len(want), waves)
	}
	for i := range want {
		if strings.Join(waves[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("wave %d: got %v, want %v", i, waves[i], want[i])
		}
	}
}

func TestBuildEventWaves_SameLeaseStartAndEnd(t *testing.T) {
	events := []Event{
		ev("end-l1", "l1", EventTypeEndLease),
		ev("before-l1", "l1", EventTypeBeforeEndLease),
		ev("start-l1", "l1", EventTypeStartLease),
		ev("end-l2", "l2", EventTypeEndLease),
	}

	waves := waveIDs(BuildEventWaves(events))
	want := [][]string{{"end-l2"}, {"start-l1"}, {"before-l1"}, {"end-l1"}}

	if len(waves) != len(want) {
		t.Fatalf("expected %d waves, got %v", len(want), waves)
	}
	for i := range want {
		if strings.Join(waves[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("wave %d: got %v, want %v", i, waves[i], want[i])
		}
	}
}

func TestBuildEventWaves_NoLeaseSharesAWave(t *testing.T) {
	events := []Event{
		ev("s1", "l1", EventTypeStartLease),
		ev("b1", "l1", EventTypeBeforeEndLease),
		ev("e1", "l1", EventTypeEndLease),
		ev("s2", "l2", EventTypeStartLease),
		ev("e3", "l3", EventTypeEndLease),
		ev("b3", "l3", EventTypeBeforeEndLease),
	}

	for i, wave := range BuildEventWaves(events) {
		seen := make(map[string]bool)
		for _, e := range wave {
			if seen[e.LeaseID] {
				t.Errorf("wave %d holds two events of lease %s", i, e.LeaseID)
			}
			seen[e.LeaseID] = true
		}
	}
}

func TestBuildEventWaves_Empty(t *testing.T) {
	if waves := BuildEventWaves(nil); len(waves) != 0 {
		t.Errorf("expected no waves, got %d", len(waves))
	}
}

func TestWavesToDOT(t *testing.T) {
	waves := BuildEventWaves([]Event{
		ev("s1", "l1", EventTypeStartLease),
		ev("e1", "l1", EventTypeEndLease),
	})

	dot := WavesToDOT(waves)
	for _, want := range []string{"digraph EventWaves", "cluster_wave_0", "cluster_wave_1", `"s1" -> "e1"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
