package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func newTestMemory() *Memory {
	return NewMemory(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestMemoryGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	id, err := m.CreateGroup(ctx, "aggregate", "reservation:r1", map[string]string{"lease": "l1"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if err := m.AddUnits(ctx, id, []string{"h2", "h1", "h2"}); err != nil {
		t.Fatalf("AddUnits failed: %v", err)
	}
	if err := m.GrantAccess(ctx, id, "project-a"); err != nil {
		t.Fatalf("GrantAccess failed: %v", err)
	}
	if err := m.RunAction(ctx, id, "snapshot"); err != nil {
		t.Fatalf("RunAction failed: %v", err)
	}

	g, ok := m.Group(id)
	if !ok {
		t.Fatal("group missing")
	}
	if len(g.Units) != 2 || g.Units[0] != "h1" || g.Units[1] != "h2" {
		t.Errorf("unexpected units: %v", g.Units)
	}
	if len(g.Owners) != 1 || g.Owners[0] != "project-a" {
		t.Errorf("unexpected owners: %v", g.Owners)
	}
	if len(g.Actions) != 1 || g.Actions[0] != "snapshot" {
		t.Errorf("unexpected actions: %v", g.Actions)
	}

	if err := m.RevokeAccess(ctx, id, "project-a"); err != nil {
		t.Fatalf("RevokeAccess failed: %v", err)
	}
	if err := m.RemoveUnits(ctx, id, []string{"h1"}); err != nil {
		t.Fatalf("RemoveUnits failed: %v", err)
	}
	g, _ = m.Group(id)
	if len(g.Units) != 1 || len(g.Owners) != 0 {
		t.Errorf("unexpected group after removal: %+v", g)
	}

	if err := m.DeleteGroup(ctx, id); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if m.Groups() != 0 {
		t.Errorf("expected no groups, got %d", m.Groups())
	}
}

func TestMemoryIdempotentRemovals(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	if err := m.DeleteGroup(ctx, "ghost"); err != nil {
		t.Errorf("DeleteGroup of missing group: %v", err)
	}
	if err := m.RemoveUnits(ctx, "ghost", []string{"h1"}); err != nil {
		t.Errorf("RemoveUnits of missing group: %v", err)
	}
	if err := m.RevokeAccess(ctx, "ghost", "p"); err != nil {
		t.Errorf("RevokeAccess of missing group: %v", err)
	}
	if err := m.DeleteObject(ctx, "ghost"); err != nil {
		t.Errorf("DeleteObject of missing object: %v", err)
	}

	if err := m.AddUnits(ctx, "ghost", []string{"h1"}); err == nil {
		t.Error("AddUnits to a missing group should fail")
	}
}

func TestMemoryObjects(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	gid, _ := m.CreateGroup(ctx, "flavor", "reservation:r2", nil)
	for i := 0; i < 2; i++ {
		if _, err := m.CreateObject(ctx, "server", "h1", map[string]string{PropGroupID: gid}); err != nil {
			t.Fatalf("CreateObject failed: %v", err)
		}
	}
	fip, err := m.CreateObject(ctx, "floatingip", "fip-1", nil)
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	n, err := m.CountObjects(ctx, gid)
	if err != nil || n != 2 {
		t.Errorf("CountObjects = %d, %v; want 2", n, err)
	}
	if got := len(m.Objects("floatingip")); got != 1 {
		t.Errorf("expected 1 floating ip, got %d", got)
	}

	if err := m.DeleteObject(ctx, fip); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if got := len(m.Objects("")); got != 2 {
		t.Errorf("expected 2 objects left, got %d", got)
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	boom := errors.New("boom")

	m.FailNext("create_group", boom)

	if _, err := m.CreateGroup(ctx, "aggregate", "a", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := m.CreateGroup(ctx, "aggregate", "a", nil); err != nil {
		t.Fatalf("failure should only apply once, got %v", err)
	}
	if m.CallCount("create_group") != 2 {
		t.Errorf("expected 2 recorded calls, got %d", m.CallCount("create_group"))
	}
	if m.Groups() != 1 {
		t.Errorf("expected 1 group, got %d", m.Groups())
	}
}
