package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// run executes the CLI with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "never")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("reservoir %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// workspace writes a config using the exec backend with a hook that logs
// every call, and returns the config path and the hook log path.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "hook.log")
	hook := filepath.Join(dir, "hook.sh")
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\n[ \"$1\" = count_objects ] && echo 0\nexit 0\n", logPath)
	if err := os.WriteFile(hook, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := fmt.Sprintf(`storage:
  driver: sqlite
  path: %s
provisioning:
  backend: exec
  hook_command: %s
  state_dir: %s
telemetry:
  logging:
    level: error
`, filepath.Join(dir, "reservoir.db"), hook, filepath.Join(dir, "state"))
	path := filepath.Join(dir, "reservoir.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, logPath
}

func TestLeaseLifecycle(t *testing.T) {
	cfg, hookLog := workspace(t)

	mustRun(t, "-c", cfg, "unit", "add", "host", "--id", "h1", "--attr", "zone=a",
		"--capacity", "vcpus=8,memory_mb=16384,disk_gb=100")
	mustRun(t, "-c", cfg, "unit", "add", "host", "--id", "h2", "--attr", "zone=b",
		"--capacity", "vcpus=8,memory_mb=16384,disk_gb=100")

	end := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
	out := mustRun(t, "-c", cfg, "--json", "lease", "create", "demo", "--owner", "project-a", "--end", end,
		"-r", `{"resource_type":"physical:host","min":1,"max":1,"hypervisor_properties":"[\"==\", \"$zone\", \"b\"]"}`)
	var lease engine.Lease
	if err := json.Unmarshal([]byte(out), &lease); err != nil {
		t.Fatalf("bad lease JSON: %v\n%s", err, out)
	}
	if lease.Status != engine.LeaseStatusPending {
		t.Errorf("new lease status = %s, want PENDING", lease.Status)
	}

	out = mustRun(t, "-c", cfg, "events", "waves")
	if !strings.Contains(out, "start_lease") {
		t.Errorf("waves should list the due start_lease:\n%s", out)
	}

	out = mustRun(t, "-c", cfg, "--json", "events", "process")
	var sweep engine.SweepResult
	if err := json.Unmarshal([]byte(out), &sweep); err != nil {
		t.Fatalf("bad sweep JSON: %v\n%s", err, out)
	}
	if sweep.Succeeded != 1 {
		t.Errorf("sweep = %+v, want one success", sweep)
	}

	out = mustRun(t, "-c", cfg, "--json", "lease", "show", lease.ID)
	if err := json.Unmarshal([]byte(out), &lease); err != nil {
		t.Fatal(err)
	}
	if lease.Status != engine.LeaseStatusActive {
		t.Errorf("lease status after start = %s, want ACTIVE", lease.Status)
	}

	out = mustRun(t, "-c", cfg, "lease", "show", lease.ID)
	if !strings.Contains(out, "h2") {
		t.Errorf("show should list the allocated host h2:\n%s", out)
	}

	if _, err := run(t, "-c", cfg, "unit", "remove", "h2"); !engine.IsConflict(err) {
		t.Errorf("removing a held unit should conflict, got %v", err)
	}

	mustRun(t, "-c", cfg, "lease", "delete", lease.ID)

	data, err := os.ReadFile(hookLog)
	if err != nil {
		t.Fatal(err)
	}
	for _, verb := range []string{"create_group", "add_units", "grant_access", "revoke_access", "delete_group"} {
		if !strings.Contains(string(data), verb+" ") {
			t.Errorf("hook never ran %s:\n%s", verb, data)
		}
	}

	mustRun(t, "-c", cfg, "unit", "remove", "h2")
}

func TestHealMovesReservation(t *testing.T) {
	cfg, _ := workspace(t)
	mustRun(t, "-c", cfg, "unit", "add", "host", "--id", "h1", "--capacity", "vcpus=8,memory_mb=16384,disk_gb=100")

	start := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	end := time.Now().UTC().Add(26 * time.Hour).Format(time.RFC3339)
	out := mustRun(t, "-c", cfg, "--json", "lease", "create", "later", "--owner", "p", "--start", start, "--end", end,
		"-r", `{"resource_type":"physical:host","min":1,"max":1}`)
	var lease engine.Lease
	if err := json.Unmarshal([]byte(out), &lease); err != nil {
		t.Fatal(err)
	}

	// h2 only arrives after the booking, so the reservation sits on h1.
	mustRun(t, "-c", cfg, "unit", "add", "host", "--id", "h2", "--capacity", "vcpus=8,memory_mb=16384,disk_gb=100")

	out = mustRun(t, "-c", cfg, "--json", "heal", "fail", "h1")
	var flags map[string]engine.HealFlags
	if err := json.Unmarshal([]byte(out), &flags); err != nil {
		t.Fatalf("bad flags JSON: %v\n%s", err, out)
	}
	if len(flags) != 1 {
		t.Fatalf("flags = %v, want one healed reservation", flags)
	}

	out = mustRun(t, "-c", cfg, "lease", "show", lease.ID)
	if !strings.Contains(out, "h2") {
		t.Errorf("reservation should have moved to h2:\n%s", out)
	}

	out = mustRun(t, "-c", cfg, "unit", "list", "--reservable")
	if strings.Contains(out, "h1") {
		t.Errorf("failed unit listed as reservable:\n%s", out)
	}
	mustRun(t, "-c", cfg, "heal", "recover", "h1")
	out = mustRun(t, "-c", cfg, "unit", "list", "--reservable")
	if !strings.Contains(out, "h1") {
		t.Errorf("recovered unit should be reservable:\n%s", out)
	}
}

func TestPolicyCheck(t *testing.T) {
	cfg, _ := workspace(t)
	out := mustRun(t, "-c", cfg, "policy", "list")
	if !strings.Contains(out, "built-in") {
		t.Errorf("expected built-in policies:\n%s", out)
	}

	mustRun(t, "-c", cfg, "unit", "add", "network", "--id", "s1",
		"--attr", "physical_network=physnet1,network_type=vlan,segmentation_id=100")
	end := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	out = mustRun(t, "-c", cfg, "--json", "lease", "create", "net", "--owner", "p", "--end", end,
		"-r", `{"resource_type":"network","network_name":"blue"}`)
	var lease engine.Lease
	if err := json.Unmarshal([]byte(out), &lease); err != nil {
		t.Fatal(err)
	}
	out = mustRun(t, "-c", cfg, "policy", "check", lease.ID)
	if !strings.Contains(out, "passes") {
		t.Errorf("lease should pass:\n%s", out)
	}
}

func TestLeaseCreateRejectsTooLong(t *testing.T) {
	cfg, _ := workspace(t)
	mustRun(t, "-c", cfg, "unit", "add", "floatingip", "--id", "f1", "--attr", "network_id=public,address=203.0.113.10")

	end := time.Now().UTC().Add(90 * 24 * time.Hour).Format(time.RFC3339)
	_, err := run(t, "-c", cfg, "lease", "create", "long", "--owner", "p", "--end", end,
		"-r", `{"resource_type":"virtual:floatingip","network_id":"public","amount":1}`)
	if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Errorf("expected a policy violation, got %v", err)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reservoir.yaml")

	out := mustRun(t, "-c", path, "init", "--data-dir", dir)
	if !strings.Contains(out, "Created config file") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "reservoir.db")); err != nil {
		t.Errorf("store not created: %v", err)
	}

	out = mustRun(t, "config", "validate", path)
	if !strings.Contains(out, "is valid") {
		t.Errorf("generated config should validate:\n%s", out)
	}

	if _, err := run(t, "-c", path, "init", "--data-dir", dir); err == nil {
		t.Error("init should refuse to overwrite without --force")
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  max_parallel: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "config", "validate", path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "scheduler.max_parallel") {
		t.Errorf("output should name the field:\n%s", out)
	}
}

func TestParseValues(t *testing.T) {
	v, err := parseValues(`{"resource_type":"physical:host","min":2,"ratio":1.5,"tags":["a"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if v["min"] != int64(2) {
		t.Errorf("min = %#v, want int64(2)", v["min"])
	}
	if v["ratio"] != 1.5 {
		t.Errorf("ratio = %#v", v["ratio"])
	}

	r, err := reservationRequest(v)
	if err != nil {
		t.Fatal(err)
	}
	if r.ResourceType != "physical:host" {
		t.Errorf("resource type = %q", r.ResourceType)
	}
	if _, ok := r.Values["resource_type"]; ok {
		t.Error("resource_type should not stay in the values")
	}

	if _, err := parseValues(`{"min":`); err == nil {
		t.Error("expected an error for truncated JSON")
	}
	if _, err := reservationRequest(map[string]interface{}{"min": 1}); !engine.HasCode(err, engine.ErrCodeMissingParameter) {
		t.Errorf("expected missing resource_type, got %v", err)
	}
}

func TestNewUnit(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		attrs    map[string]string
		capacity map[string]int64
		code     string
	}{
		{"host", engine.UnitKindHost, nil, map[string]int64{"vcpus": 1, "memory_mb": 1, "disk_gb": 1}, ""},
		{"host without capacity", engine.UnitKindHost, nil, map[string]int64{"vcpus": 1}, engine.ErrCodeMissingParameter},
		{"floating ip", engine.UnitKindFloatingIP, map[string]string{"network_id": "n", "address": "10.0.0.1"}, nil, ""},
		{"bad address", engine.UnitKindFloatingIP, map[string]string{"network_id": "n", "address": "x"}, nil, engine.ErrCodeMalformedParameter},
		{"network", engine.UnitKindNetwork, map[string]string{"segmentation_id": "100"}, nil, ""},
		{"network without segment", engine.UnitKindNetwork, nil, nil, engine.ErrCodeMalformedParameter},
		{"unknown kind", "volume", nil, nil, engine.ErrCodeMalformedParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := newUnit("", tt.kind, "", tt.attrs, tt.capacity)
			if tt.code != "" {
				if !engine.HasCode(err, tt.code) {
					t.Errorf("expected %s, got %v", tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.ID == "" || u.Name != u.ID || !u.Reservable {
				t.Errorf("unexpected unit: %+v", u)
			}
		})
	}
}
