package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Runner executes hook commands and manages files on the hook endpoint.
// *ssh.Client from pkg/transports/ssh satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Remove(ctx context.Context, remotePath string) error
}

// SSHOptions configures the SSH hook back end.
type SSHOptions struct {
	// HookCommand is invoked as "<HookCommand> <verb> <args...>".
	HookCommand string

	// StateDir receives one <group>.json manifest per live group.
	StateDir string

	Logger zerolog.Logger
}

// SSH is a Provisioner that drives a remote hook command. Every group is
// mirrored as a manifest under StateDir so the hook side can inspect the
// current pool membership and grants.
type SSH struct {
	runner Runner
	opts   SSHOptions
	logger zerolog.Logger

	mu sync.Mutex
}

var _ engine.Provisioner = (*SSH)(nil)

// NewSSH creates an SSH provisioner on top of runner.
func NewSSH(runner Runner, opts SSHOptions) (*SSH, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.HookCommand == "" {
		return nil, fmt.Errorf("hook command is required")
	}
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/reservoir"
	}
	return &SSH{
		runner: runner,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provisioner").Str("backend", "ssh").Logger(),
	}, nil
}

func (p *SSH) manifestPath(groupID string) string {
	return path.Join(p.opts.StateDir, "groups", groupID+".json")
}

// hook runs one hook verb and returns its trimmed stdout.
func (p *SSH) hook(ctx context.Context, verb string, args ...string) (string, error) {
	parts := []string{p.opts.HookCommand, verb}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	cmd := strings.Join(parts, " ")

	stdout, stderr, err := p.runner.Run(ctx, cmd)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("verb", verb).
			Str("stderr", strings.TrimSpace(stderr)).
			Msg("hook failed")
		return "", fmt.Errorf("hook %s failed: %w", verb, err)
	}
	return strings.TrimSpace(stdout), nil
}

// loadGroup reads the group's manifest. The manifest is the only record of
// the group, so several processes can share one state directory. Callers
// hold p.mu.
func (p *SSH) loadGroup(ctx context.Context, groupID string) (*Group, error) {
	data, err := p.runner.Download(ctx, p.manifestPath(groupID))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for group %s: %w", groupID, err)
	}
	var g Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("corrupt manifest for group %s: %w", groupID, err)
	}
	return &g, nil
}

// saveGroup uploads the manifest. Callers hold p.mu.
func (p *SSH) saveGroup(ctx context.Context, g *Group) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := p.runner.Upload(ctx, data, p.manifestPath(g.ID), 0644); err != nil {
		return fmt.Errorf("failed to upload manifest for group %s: %w", g.ID, err)
	}
	return nil
}

func (p *SSH) CreateGroup(ctx context.Context, kind, name string, props map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := &Group{ID: uuid.New().String(), Kind: kind, Name: name, Props: copyProps(props)}
	args := append([]string{g.ID, kind, name}, propArgs(props)...)
	if _, err := p.hook(ctx, "create_group", args...); err != nil {
		return "", err
	}
	if err := p.saveGroup(ctx, g); err != nil {
		return "", err
	}

	p.logger.Info().Str("group_id", g.ID).Str("kind", kind).Str("name", name).Msg("group created")
	return g.ID, nil
}

func (p *SSH) DeleteGroup(ctx context.Context, groupID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.hook(ctx, "delete_group", groupID); err != nil {
		return err
	}
	if err := p.runner.Remove(ctx, p.manifestPath(groupID)); err != nil {
		return fmt.Errorf("failed to remove manifest for group %s: %w", groupID, err)
	}
	return nil
}

func (p *SSH) AddUnits(ctx context.Context, groupID string, unitIDs []string) error {
	return p.updateGroup(ctx, groupID, "add_units", unitIDs, false, func(g *Group) {
		g.Units = union(g.Units, unitIDs)
	})
}

func (p *SSH) RemoveUnits(ctx context.Context, groupID string, unitIDs []string) error {
	return p.updateGroup(ctx, groupID, "remove_units", unitIDs, true, func(g *Group) {
		g.Units = without(g.Units, unitIDs)
	})
}

func (p *SSH) GrantAccess(ctx context.Context, groupID, owner string) error {
	return p.updateGroup(ctx, groupID, "grant_access", []string{owner}, false, func(g *Group) {
		g.Owners = union(g.Owners, []string{owner})
	})
}

func (p *SSH) RevokeAccess(ctx context.Context, groupID, owner string) error {
	return p.updateGroup(ctx, groupID, "revoke_access", []string{owner}, true, func(g *Group) {
		g.Owners = without(g.Owners, []string{owner})
	})
}

func (p *SSH) RunAction(ctx context.Context, groupID, action string) error {
	return p.updateGroup(ctx, groupID, "run_action", []string{action}, false, func(g *Group) {
		g.Actions = append(g.Actions, action)
	})
}

// updateGroup runs verb and rewrites the manifest. Removals against a group
// whose manifest is gone succeed, matching the hook's idempotent deletes.
func (p *SSH) updateGroup(ctx context.Context, groupID, verb string, args []string, removal bool, apply func(*Group)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.hook(ctx, verb, append([]string{groupID}, args...)...); err != nil {
		return err
	}

	g, err := p.loadGroup(ctx, groupID)
	if removal && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	apply(g)
	return p.saveGroup(ctx, g)
}

func (p *SSH) CreateObject(ctx context.Context, kind, unitID string, props map[string]string) (string, error) {
	id := uuid.New().String()
	args := append([]string{id, kind, unitID}, propArgs(props)...)
	if _, err := p.hook(ctx, "create_object", args...); err != nil {
		return "", err
	}
	return id, nil
}

func (p *SSH) DeleteObject(ctx context.Context, objectID string) error {
	_, err := p.hook(ctx, "delete_object", objectID)
	return err
}

// CountObjects expects the hook to print a single integer.
func (p *SSH) CountObjects(ctx context.Context, groupID string) (int, error) {
	out, err := p.hook(ctx, "count_objects", groupID)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("hook count_objects printed %q: %w", out, err)
	}
	return n, nil
}

// propArgs renders props as sorted key=value arguments.
func propArgs(props map[string]string) []string {
	out := make([]string, 0, len(props))
	for k, v := range props {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
