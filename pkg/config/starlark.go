package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/plugins"
)

// DefaultScriptTimeout bounds one script run.
const DefaultScriptTimeout = 5 * time.Second

var scriptOptions = &syntax.FileOptions{TopLevelControl: true, Set: true}

// StarlarkEvaluator runs Starlark scripts under a deadline.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout uses DefaultScriptTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Script is a compiled program together with the names it expects as input.
type Script struct {
	name    string
	program *starlark.Program
	inputs  []string
}

// Compile parses and resolves src. Every name in inputs is predeclared, so
// references to anything else fail here rather than at run time.
func (se *StarlarkEvaluator) Compile(name, src string, inputs ...string) (*Script, error) {
	declared := map[string]bool{"struct": true}
	for _, in := range inputs {
		declared[in] = true
	}
	_, prog, err := starlark.SourceProgramOptions(scriptOptions, name, src, func(n string) bool { return declared[n] })
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return &Script{name: name, program: prog, inputs: inputs}, nil
}

// Run executes s with input bound to its declared names and returns the
// public globals: no functions, nothing starting with an underscore.
func (se *StarlarkEvaluator) Run(ctx context.Context, s *Script, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for _, name := range s.inputs {
		v, err := toStarlark(input[name])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		predeclared[name] = v
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	thread := &starlark.Thread{Name: s.name, Print: func(*starlark.Thread, string) {}}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := s.program.Init(thread, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", s.name, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	out := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if _, fn := v.(starlark.Callable); fn || name[0] == '_' {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("%s: global %s: %w", s.name, name, err)
		}
		out[name] = gv
	}
	return out, nil
}

// Evaluate compiles and runs src in one step, predeclaring the keys of input.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, src string, input map[string]interface{}) (map[string]interface{}, error) {
	inputs := make([]string, 0, len(input))
	for k := range input {
		inputs = append(inputs, k)
	}
	sort.Strings(inputs)

	s, err := se.Compile(name, src, inputs...)
	if err != nil {
		return nil, err
	}
	return se.Run(ctx, s, input)
}

// ScriptPolicy picks before-end actions with a Starlark script. The script
// sees resource_type and a lease dict (id, name, owner, start, end,
// duration_hours) and must set action.
type ScriptPolicy struct {
	eval   *StarlarkEvaluator
	script *Script
}

var _ plugins.ActionPolicy = (*ScriptPolicy)(nil)

// LoadScriptPolicy reads a policy script from path.
func LoadScriptPolicy(path string, timeout time.Duration) (*ScriptPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read before-end script: %w", err)
	}
	return NewScriptPolicy(path, string(src), timeout)
}

// NewScriptPolicy compiles src and dry-runs it against a one-hour host
// lease, so a script that never sets a valid action fails at start-up.
func NewScriptPolicy(name, src string, timeout time.Duration) (*ScriptPolicy, error) {
	eval := NewStarlarkEvaluator(timeout)
	script, err := eval.Compile(name, src, "resource_type", "lease")
	if err != nil {
		return nil, err
	}
	p := &ScriptPolicy{eval: eval, script: script}

	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	sample := engine.LeaseWindow{LeaseID: "sample", Name: "sample", Owner: "sample", Start: start, End: start.Add(time.Hour)}
	if _, err := p.BeforeEndAction(context.Background(), plugins.ResourceTypeHost, sample); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ScriptPolicy) BeforeEndAction(ctx context.Context, resourceType string, lease engine.LeaseWindow) (string, error) {
	out, err := p.eval.Run(ctx, p.script, map[string]interface{}{
		"resource_type": resourceType,
		"lease": map[string]interface{}{
			"id":             lease.LeaseID,
			"name":           lease.Name,
			"owner":          lease.Owner,
			"start":          lease.Start.UTC().Format(time.RFC3339),
			"end":            lease.End.UTC().Format(time.RFC3339),
			"duration_hours": lease.End.Sub(lease.Start).Hours(),
		},
	})
	if err != nil {
		return "", err
	}

	switch action := out["action"].(type) {
	case string:
		if action == plugins.ActionDefault || action == plugins.ActionSnapshot {
			return action, nil
		}
		return "", fmt.Errorf("%s: unknown action %q", p.script.name, action)
	case nil:
		return "", fmt.Errorf("%s: the script must set action", p.script.name)
	default:
		return "", fmt.Errorf("%s: action must be a string, got %T", p.script.name, action)
	}
}

// ActionPolicy returns the before-end policy the allocation settings describe.
func (c AllocationConfig) ActionPolicy(timeout time.Duration) (plugins.ActionPolicy, error) {
	if c.BeforeEndScript == "" {
		return plugins.StaticAction(c.DefaultAction), nil
	}
	return LoadScriptPolicy(c.BeforeEndScript, timeout)
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []string:
		items := make([]starlark.Value, len(v))
		for i, s := range v {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(v))
		for i := range v {
			sv, err := toStarlark(v[i])
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(v))
		for k, item := range v {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", v)
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.Dict:
		m := make(map[string]interface{}, v.Len())
		for _, kv := range v.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			gv, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			m[k] = gv
		}
		return m, nil
	case *starlarkstruct.Struct:
		m := make(map[string]interface{})
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			if m[name], err = fromStarlark(attr); err != nil {
				return nil, err
			}
		}
		return m, nil
	case starlark.Indexable:
		// list, tuple
		out := make([]interface{}, v.Len())
		for i := range out {
			gv, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
}
