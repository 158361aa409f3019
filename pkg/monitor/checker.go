package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/transports/ssh"
)

// Checker checks one unit. A nil error means the unit is healthy.
type Checker interface {
	Check(ctx context.Context, unit engine.ResourceUnit) error
}

// StaticChecker reports the units it was told about as failed. It backs the
// local mode and operator-driven healing.
type StaticChecker struct {
	mu     sync.RWMutex
	failed map[string]error
}

func NewStaticChecker() *StaticChecker {
	return &StaticChecker{failed: make(map[string]error)}
}

// Fail marks unitID as failed with reason.
func (c *StaticChecker) Fail(unitID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[unitID] = fmt.Errorf("%s", reason)
}

// Recover clears a failure.
func (c *StaticChecker) Recover(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failed, unitID)
}

func (c *StaticChecker) Check(ctx context.Context, unit engine.ResourceUnit) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed[unit.ID]
}

// Pinger is a connected endpoint that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
	Close() error
}

// Unit attributes read by the SSH checker.
const (
	AttrSSHHost = "ssh_host"
	AttrSSHPort = "ssh_port"
)

// SSHChecker checks hosts by running a no-op command over SSH. Units of
// other kinds are always healthy.
type SSHChecker struct {
	template ssh.Config
	dial     func(ctx context.Context, cfg *ssh.Config) (Pinger, error)
}

// NewSSHChecker returns a checker that copies template for every host,
// replacing the address with the unit's ssh_host attribute (or its name)
// and the port with ssh_port when set.
func NewSSHChecker(template ssh.Config) *SSHChecker {
	return &SSHChecker{
		template: template,
		dial: func(ctx context.Context, cfg *ssh.Config) (Pinger, error) {
			return ssh.Dial(ctx, cfg)
		},
	}
}

func (c *SSHChecker) configFor(unit engine.ResourceUnit) (*ssh.Config, error) {
	cfg := c.template
	cfg.Host = unit.Name
	if h := unit.Attributes[AttrSSHHost]; h != "" {
		cfg.Host = h
	}
	if p := unit.Attributes[AttrSSHPort]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("unit %s has invalid %s %q: %w", unit.ID, AttrSSHPort, p, err)
		}
		cfg.Port = port
	}
	return &cfg, nil
}

func (c *SSHChecker) Check(ctx context.Context, unit engine.ResourceUnit) error {
	if unit.Kind != engine.UnitKindHost {
		return nil
	}
	cfg, err := c.configFor(unit)
	if err != nil {
		return err
	}
	client, err := c.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", cfg.Address(), err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s failed: %w", cfg.Address(), err)
	}
	return nil
}
