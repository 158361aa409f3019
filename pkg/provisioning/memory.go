package provisioning

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Object property naming the group an object belongs to.
const PropGroupID = "group_id"

// Group is a provisioned pool with its admitted units and granted owners.
type Group struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Name    string            `json:"name"`
	Props   map[string]string `json:"props,omitempty"`
	Units   []string          `json:"units"`
	Owners  []string          `json:"owners"`
	Actions []string          `json:"actions,omitempty"`
}

// Object is an externally visible resource backed by a unit.
type Object struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	UnitID string            `json:"unit_id"`
	Props  map[string]string `json:"props,omitempty"`
}

// Call is one recorded provisioner invocation.
type Call struct {
	Op   string
	Args []string
}

// Memory is an in-process Provisioner.
type Memory struct {
	logger zerolog.Logger

	mu       sync.Mutex
	groups   map[string]*Group
	objects  map[string]*Object
	calls    []Call
	failures map[string][]error
}

var _ engine.Provisioner = (*Memory)(nil)

// NewMemory creates an empty in-process provisioner.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		logger:   logger.With().Str("component", "provisioner").Str("backend", "local").Logger(),
		groups:   make(map[string]*Group),
		objects:  make(map[string]*Object),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns a copy of the recorded calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Group returns a snapshot of a group.
func (m *Memory) Group(id string) (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, false
	}
	out := *g
	out.Units = append([]string(nil), g.Units...)
	out.Owners = append([]string(nil), g.Owners...)
	out.Actions = append([]string(nil), g.Actions...)
	return out, true
}

// Groups returns the number of live groups.
func (m *Memory) Groups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Objects returns snapshots of live objects of the given kind, sorted by ID.
// An empty kind returns all objects.
func (m *Memory) Objects(kind string) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for _, o := range m.objects {
		if kind == "" || o.Kind == kind {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// enter records the call and pops a queued failure. Callers hold m.mu.
func (m *Memory) enter(op string, args ...string) error {
	m.calls = append(m.calls, Call{Op: op, Args: args})
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) CreateGroup(ctx context.Context, kind, name string, props map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_group", kind, name); err != nil {
		return "", err
	}

	g := &Group{ID: uuid.New().String(), Kind: kind, Name: name, Props: copyProps(props)}
	m.groups[g.ID] = g
	m.logger.Debug().Str("group_id", g.ID).Str("kind", kind).Str("name", name).Msg("group created")
	return g.ID, nil
}

func (m *Memory) DeleteGroup(ctx context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_group", groupID); err != nil {
		return err
	}
	delete(m.groups, groupID)
	return nil
}

func (m *Memory) AddUnits(ctx context.Context, groupID string, unitIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("add_units", append([]string{groupID}, unitIDs...)...); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s does not exist", groupID)
	}
	g.Units = union(g.Units, unitIDs)
	return nil
}

func (m *Memory) RemoveUnits(ctx context.Context, groupID string, unitIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("remove_units", append([]string{groupID}, unitIDs...)...); err != nil {
		return err
	}
	if g, ok := m.groups[groupID]; ok {
		g.Units = without(g.Units, unitIDs)
	}
	return nil
}

func (m *Memory) GrantAccess(ctx context.Context, groupID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("grant_access", groupID, owner); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s does not exist", groupID)
	}
	g.Owners = union(g.Owners, []string{owner})
	return nil
}

func (m *Memory) RevokeAccess(ctx context.Context, groupID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("revoke_access", groupID, owner); err != nil {
		return err
	}
	if g, ok := m.groups[groupID]; ok {
		g.Owners = without(g.Owners, []string{owner})
	}
	return nil
}

func (m *Memory) CreateObject(ctx context.Context, kind, unitID string, props map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_object", kind, unitID); err != nil {
		return "", err
	}
	o := &Object{ID: uuid.New().String(), Kind: kind, UnitID: unitID, Props: copyProps(props)}
	m.objects[o.ID] = o
	return o.ID, nil
}

func (m *Memory) DeleteObject(ctx context.Context, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_object", objectID); err != nil {
		return err
	}
	delete(m.objects, objectID)
	return nil
}

func (m *Memory) RunAction(ctx context.Context, groupID, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("run_action", groupID, action); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s does not exist", groupID)
	}
	g.Actions = append(g.Actions, action)
	return nil
}

func (m *Memory) CountObjects(ctx context.Context, groupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("count_objects", groupID); err != nil {
		return 0, err
	}
	n := 0
	for _, o := range m.objects {
		if o.Props[PropGroupID] == groupID {
			n++
		}
	}
	return n, nil
}

func copyProps(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func union(set, add []string) []string {
	seen := make(map[string]bool, len(set))
	for _, s := range set {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			set = append(set, s)
			seen[s] = true
		}
	}
	sort.Strings(set)
	return set
}

func without(set, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	out := set[:0]
	for _, s := range set {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
