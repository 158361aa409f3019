package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestParse_CUE(t *testing.T) {
	src := `
storage: {
	driver: "bolt"
	path:   "/tmp/reservoir.bolt"
}
scheduler: {
	poll_interval: "5s"
	max_parallel:  2
}
allocation: margin: "30m"
policy: {
	max_lease_duration: "168h"
	name_pattern:       "^[a-z-]+$"
}
telemetry: logging: level: "debug"
`
	cfg, err := Parse("reservoir.cue", []byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Storage.Driver != DriverBolt || cfg.Storage.Path != "/tmp/reservoir.bolt" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Errorf("max parallel = %d, want 2", cfg.Scheduler.MaxParallel)
	}
	if cfg.Scheduler.MaxAttempts != DefaultConfig().Scheduler.MaxAttempts {
		t.Errorf("unset max attempts should keep its default, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Allocation.Margin != 30*time.Minute {
		t.Errorf("margin = %v", cfg.Allocation.Margin)
	}
	if cfg.Policy.Limits.MaxLeaseDuration != 168*time.Hour {
		t.Errorf("max lease duration = %v", cfg.Policy.Limits.MaxLeaseDuration)
	}
	if cfg.Policy.Limits.NamePattern != "^[a-z-]+$" {
		t.Errorf("name pattern = %q", cfg.Policy.Limits.NamePattern)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestParse_CUESchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		path string
	}{
		{"unknown driver", `storage: driver: "postgres"`, "storage.driver"},
		{"unknown key", `scheduler: tick: "1s"`, "scheduler.tick"},
		{"bad duration", `scheduler: poll_interval: "soon"`, "scheduler.poll_interval"},
		{"parallel below one", `scheduler: max_parallel: 0`, "scheduler.max_parallel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			var errs Errors
			if !errors.As(err, &errs) {
				t.Fatalf("expected Errors, got %v", err)
			}
			found := false
			for _, e := range errs {
				if e.Path == tt.path {
					found = true
					if e.File == "" {
						t.Errorf("expected a file position, got %+v", e)
					}
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.path, errs)
			}
		})
	}
}

func TestParse_CUESyntaxError(t *testing.T) {
	_, err := Parse("broken.cue", []byte("storage: {"))
	if err == nil {
		t.Fatal("expected a syntax error")
	}
}

func TestParse_YAML(t *testing.T) {
	src := `
storage:
  path: /data/reservoir.db
monitor:
  interval: 30s
  healing_window: 48h
  checker: ssh
  ssh:
    user: ops
    port: 2222
provisioning:
  backend: local
policy:
  max_reservations: 3
`
	cfg, err := Parse("reservoir.yaml", []byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("driver should default to sqlite, got %q", cfg.Storage.Driver)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.HealingWindow != 48*time.Hour {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Monitor.SSH.User != "ops" || cfg.Monitor.SSH.Port != 2222 {
		t.Errorf("monitor ssh = %+v", cfg.Monitor.SSH)
	}
	if cfg.Monitor.SSH.ConnectionTimeout == 0 {
		t.Error("unset ssh fields should keep their defaults")
	}
	if cfg.Policy.Limits.MaxReservations != 3 {
		t.Errorf("max reservations = %d", cfg.Policy.Limits.MaxReservations)
	}
}

func TestParse_YAMLErrors(t *testing.T) {
	_, err := Parse("bad.yml", []byte("storage:\n  drvier: bolt\n"))
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("expected Errors, got %v", err)
	}
	if errs[0].Line != 2 || !strings.Contains(errs[0].Message, "drvier") {
		t.Errorf("unexpected error %+v", errs[0])
	}
}

func TestParse_EmptyYAML(t *testing.T) {
	cfg, err := Parse("empty.yaml", nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Scheduler.PollInterval != DefaultConfig().Scheduler.PollInterval {
		t.Error("an empty file should give the defaults")
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse("reservoir.toml", nil); err == nil {
		t.Fatal("expected an error for .toml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }, "scheduler.poll_interval"},
		{"negative margin", func(c *Config) { c.Allocation.Margin = -time.Minute }, "allocation.margin"},
		{"bad default action", func(c *Config) { c.Allocation.DefaultAction = "reboot" }, "allocation.default_action"},
		{"watch without dir", func(c *Config) { c.Policy.Watch = true }, "policy.watch"},
		{"bad name pattern", func(c *Config) { c.Policy.Limits.NamePattern = "(" }, "policy"},
		{"ssh checker without user", func(c *Config) {
			c.Monitor.Checker = CheckerSSH
			c.Monitor.SSH.User = ""
		}, "monitor.ssh.user"},
		{"ssh backend without hook", func(c *Config) {
			c.Provisioning.Backend = BackendSSH
			c.Provisioning.HookCommand = ""
		}, "provisioning.hook_command"},
		{"exec backend without hook", func(c *Config) {
			c.Provisioning.Backend = BackendExec
		}, "provisioning.hook_command"},
		{"unknown resource type", func(c *Config) {
			c.Allocation.ResourceTypes = []string{"physical:host", "virtual:volume"}
		}, "allocation.resource_types[1]"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var errs Errors
			if !errors.As(err, &errs) {
				t.Fatalf("expected Errors, got %v", err)
			}
			for _, e := range errs {
				if e.Path == tt.path {
					return
				}
			}
			t.Errorf("no error for %s in %v", tt.path, errs)
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reservoir.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  max_parallel: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("expected Errors, got %v", err)
	}
	if errs[0].File != path {
		t.Errorf("errors should name the file, got %+v", errs[0])
	}

	if _, err := Load(filepath.Join(dir, "missing.cue")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
