package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

func testLease(name string, hours int, reservations int) *engine.Lease {
	start := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	lease := &engine.Lease{
		ID:        "lease-1",
		Name:      name,
		Owner:     "project-a",
		StartDate: start,
		EndDate:   start.Add(time.Duration(hours) * time.Hour),
	}
	for i := 0; i < reservations; i++ {
		lease.Reservations = append(lease.Reservations, engine.Reservation{
			ID:           "res-" + string(rune('a'+i)),
			ResourceType: "physical:host",
			Values:       map[string]interface{}{"min": 1, "max": 1},
		})
	}
	return lease
}

func newTestEngine(t *testing.T, limits Limits) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled), limits)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Limits{})

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := "lease-duration,lease-naming,lease-owner,reservation-count"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected built-in policies %s, got %s", want, got)
	}
}

func TestNewEngine_InvalidLimits(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	if _, err := NewEngine(logger, Limits{NamePattern: "([a-z"}); err == nil {
		t.Error("Expected error for invalid name pattern")
	}
	if _, err := NewEngine(logger, Limits{MaxReservations: -1}); err == nil {
		t.Error("Expected error for negative reservation limit")
	}
}

func TestCheckLease_Limits(t *testing.T) {
	eng := newTestEngine(t, Limits{
		MaxLeaseDuration: 24 * time.Hour,
		NamePattern:      "^[a-z][a-z0-9-]*$",
		MaxReservations:  2,
	})

	tests := []struct {
		name       string
		lease      *engine.Lease
		wantPolicy string
	}{
		{name: "within limits", lease: testLease("lab-1", 24, 2)},
		{name: "too long", lease: testLease("lab-1", 25, 1), wantPolicy: "lease-duration"},
		{name: "bad name", lease: testLease("Lab_1", 1, 1), wantPolicy: "lease-naming"},
		{name: "too many reservations", lease: testLease("lab-1", 1, 3), wantPolicy: "reservation-count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.CheckLease(context.Background(), "create", tt.lease)
			if tt.wantPolicy == "" {
				if err != nil {
					t.Fatalf("Expected lease to be allowed, got %v", err)
				}
				return
			}
			if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
				t.Fatalf("Expected POLICY_VIOLATION, got %v", err)
			}
			ee := err.(*engine.EngineError)
			policies, _ := ee.Details["policies"].([]string)
			if len(policies) != 1 || policies[0] != tt.wantPolicy {
				t.Errorf("Expected violation of %s, got %v", tt.wantPolicy, policies)
			}
			if ee.Operation != "create" || ee.Resource != "lease-1" {
				t.Errorf("Unexpected error context: %+v", ee)
			}
		})
	}
}

func TestCheckLease_ZeroLimitsAllowEverything(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	if err := eng.CheckLease(context.Background(), "update", testLease("ANY name", 24*365, 10)); err != nil {
		t.Errorf("Expected no violation without limits, got %v", err)
	}
}

func TestEvaluate_WarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	lease := testLease("lab", 1, 1)
	lease.Owner = ""

	result, err := eng.Evaluate(context.Background(), &Input{
		Lease:   NewLeaseInput(lease),
		Context: &Context{Operation: "create"},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected warnings not to block, got %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "lease-owner" {
		t.Errorf("Expected one lease-owner warning, got %+v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}

	if err := eng.CheckLease(context.Background(), "create", lease); err != nil {
		t.Errorf("CheckLease should pass with only warnings: %v", err)
	}
}

func TestEvaluate_RequiresLease(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	if _, err := eng.Evaluate(context.Background(), &Input{}); err == nil {
		t.Error("Expected error for input without lease")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Limits{MaxReservations: 1})
	lease := testLease("lab", 1, 2)

	if err := eng.CheckLease(context.Background(), "create", lease); err == nil {
		t.Fatal("Expected violation before disabling")
	}
	if err := eng.DisablePolicy("reservation-count"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := eng.CheckLease(context.Background(), "create", lease); err != nil {
		t.Errorf("Expected no violation after disabling, got %v", err)
	}

	p, err := eng.GetPolicy("reservation-count")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("Policy should be disabled")
	}

	if err := eng.EnablePolicy("reservation-count"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.CheckLease(context.Background(), "create", lease); err == nil {
		t.Error("Expected violation after re-enabling")
	}

	if err := eng.EnablePolicy("nope"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found for unknown policy, got %v", err)
	}
}

const weekendRego = `package custom.weekend

import rego.v1

# No leases may start on a Sunday.
deny contains msg if {
	input.context.operation == "create"
	time.weekday(time.parse_rfc3339_ns(input.lease.start_date)) == "Sunday"
	msg := "leases cannot start on Sunday"
}
`

func TestLoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "weekend.rego"), []byte(weekendRego), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t, Limits{})
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if err := eng.LoadPolicies(context.Background(), loader, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("weekend")
	if err != nil {
		t.Fatalf("Custom policy not loaded: %v", err)
	}
	if p.Description != "No leases may start on a Sunday." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	// 2030-01-06 is a Sunday.
	lease := testLease("lab", 1, 1)
	lease.StartDate = time.Date(2030, 1, 6, 8, 0, 0, 0, time.UTC)
	lease.EndDate = lease.StartDate.Add(time.Hour)

	err = eng.CheckLease(context.Background(), "create", lease)
	if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Fatalf("Expected POLICY_VIOLATION, got %v", err)
	}
	if !strings.Contains(err.Error(), "Sunday") {
		t.Errorf("Expected message from custom policy, got %v", err)
	}
	if err := eng.CheckLease(context.Background(), "update", lease); err != nil {
		t.Errorf("Updates are not restricted, got %v", err)
	}
}

func TestReplaceCustom(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	ctx := context.Background()

	good := Policy{Name: "always", Rego: "package custom.always\n\nimport rego.v1\n\ndeny contains \"no\" if { true }\n", Severity: SeverityError, Enabled: true}
	if err := eng.ReplaceCustom(ctx, []Policy{good}); err != nil {
		t.Fatalf("Failed to add custom policy: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected 5 policies, got %d", len(eng.ListPolicies()))
	}

	broken := Policy{Name: "broken", Rego: "package custom.broken\n\ndeny contains", Enabled: true}
	if err := eng.ReplaceCustom(ctx, []Policy{broken}); err == nil {
		t.Error("Expected compile error")
	}
	if _, err := eng.GetPolicy("always"); err != nil {
		t.Error("A failed replace must keep the previous policies")
	}

	shadow := Policy{Name: "lease-naming", Rego: "package custom.shadow\n", Enabled: true}
	if err := eng.ReplaceCustom(ctx, []Policy{shadow}); err == nil {
		t.Error("Expected error when shadowing a built-in policy")
	}

	if err := eng.ReplaceCustom(ctx, nil); err != nil {
		t.Fatalf("Failed to clear custom policies: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-ins, got %d", len(eng.ListPolicies()))
	}
}
