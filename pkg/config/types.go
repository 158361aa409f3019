package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/reservoir/reservoir/pkg/policy"
	"github.com/reservoir/reservoir/pkg/telemetry"
	"github.com/reservoir/reservoir/pkg/transports/ssh"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Provisioning backends.
const (
	BackendLocal = "local"
	BackendExec  = "exec"
	BackendSSH   = "ssh"
)

// Health checkers.
const (
	CheckerStatic = "static"
	CheckerSSH    = "ssh"
)

// Config is the reservoir service configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Allocation   AllocationConfig   `yaml:"allocation"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Policy       PolicyConfig       `yaml:"policy"`
	Telemetry    telemetry.Config   `yaml:"telemetry" validate:"-"`
}

// StorageConfig selects the Store implementation.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite bolt"`
	Path   string `yaml:"path" validate:"required"`
}

// SchedulerConfig tunes the event scheduler.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxParallel  int           `yaml:"max_parallel" validate:"gte=1"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`

	// RetryWindow is how long an IN_PROGRESS claim is honoured.
	RetryWindow   time.Duration `yaml:"retry_window" validate:"gte=0"`
	EventDeadline time.Duration `yaml:"event_deadline" validate:"gte=0"`
}

// AllocationConfig holds the booking rules shared by every plugin.
type AllocationConfig struct {
	// Margin is the cleaning time kept free after every booking.
	Margin time.Duration `yaml:"margin" validate:"gte=0"`

	// BeforeEndDelta places before_end_lease ahead of the end. Zero disables it.
	BeforeEndDelta time.Duration `yaml:"before_end_delta" validate:"gte=0"`

	StartGrace time.Duration `yaml:"start_grace" validate:"gte=0"`

	// DefaultAction is used when a reservation names no before_end action
	// and no script is configured.
	DefaultAction string `yaml:"default_action" validate:"oneof=default snapshot"`

	// BeforeEndScript is a Starlark file that picks the before-end action.
	BeforeEndScript string `yaml:"before_end_script"`

	// ResourceTypes limits the enabled plugins. Empty enables all of them.
	ResourceTypes []string `yaml:"resource_types" validate:"dive,oneof=physical:host virtual:instance virtual:floatingip network"`
}

// MonitorConfig configures unit health polling.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// HealingWindow bounds how far ahead reservations are repaired. Zero
	// heals every future reservation.
	HealingWindow time.Duration `yaml:"healing_window" validate:"gte=0"`

	Checker string `yaml:"checker" validate:"oneof=static ssh"`

	// SSH is the connection template for the ssh checker. Host comes from
	// each unit.
	SSH ssh.Config `yaml:"ssh" validate:"-"`
}

// ProvisioningConfig selects how pools and objects are realized. The local
// backend keeps state in process; exec runs the hook on this machine and ssh
// runs it on a remote endpoint.
type ProvisioningConfig struct {
	Backend string `yaml:"backend" validate:"oneof=local exec ssh"`

	SSH         ssh.Config `yaml:"ssh" validate:"-"`
	HookCommand string     `yaml:"hook_command" validate:"required_unless=Backend local"`
	StateDir    string     `yaml:"state_dir" validate:"required_unless=Backend local"`
}

// PolicyConfig configures lease policy enforcement.
type PolicyConfig struct {
	// Dir holds custom .rego and .yaml policies.
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`

	Limits policy.Limits `yaml:",inline" validate:"-"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	monitorSSH := ssh.DefaultConfig("", "root")
	provisioningSSH := ssh.DefaultConfig("", "root")

	tel := telemetry.DefaultConfig()

	return &Config{
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "reservoir.db",
		},
		Scheduler: SchedulerConfig{
			PollInterval:  10 * time.Second,
			MaxParallel:   8,
			MaxAttempts:   3,
			RetryWindow:   5 * time.Minute,
			EventDeadline: time.Hour,
		},
		Allocation: AllocationConfig{
			StartGrace:    time.Minute,
			DefaultAction: "default",
		},
		Monitor: MonitorConfig{
			Enabled:       true,
			Interval:      time.Minute,
			HealingWindow: 0,
			Checker:       CheckerStatic,
			SSH:           *monitorSSH,
		},
		Provisioning: ProvisioningConfig{
			Backend:  BackendLocal,
			SSH:      *provisioningSSH,
			StateDir: "/var/lib/reservoir",
		},
		Policy: PolicyConfig{
			Limits: policy.Limits{MaxLeaseDuration: 30 * 24 * time.Hour},
		},
		Telemetry: *tel,
	}
}

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the dotted key of the offending setting, e.g. "scheduler.max_parallel".
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Errors collects every ValidationError of one load.
type Errors []ValidationError

func (e Errors) Error() string {
	if len(e) == 1 {
		return "invalid configuration: " + e[0].String()
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e), strings.Join(parts, "; "))
}
