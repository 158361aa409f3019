package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Engine evaluates Rego lease policies. It implements engine.LeasePolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.LeasePolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	builtin  bool
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, limits Limits) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	data, err := limits.data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode limits: %w", err)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   limits,
		store:    inmem.NewFromObject(data),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i], true); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Limits returns the limits the built-in policies enforce.
func (e *Engine) Limits() Limits {
	return e.limits
}

// CheckLease evaluates the lease and returns a POLICY_VIOLATION error when
// any blocking violation is found.
func (e *Engine) CheckLease(ctx context.Context, operation string, lease *engine.Lease) error {
	result, err := e.Evaluate(ctx, &Input{
		Lease:   NewLeaseInput(lease),
		Context: &Context{Operation: operation, Timestamp: e.now().UTC()},
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("lease_id", lease.ID).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	names := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, v.Message)
		names = append(names, v.Policy)
	}
	return engine.NewPolicyViolationError(strings.Join(messages, "; ")).
		WithResource(lease.ID).
		WithOperation(operation).
		WithDetail("policies", names)
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported in Result.Errors and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil || input.Lease == nil {
		return nil, fmt.Errorf("policy input requires a lease")
	}
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: e.now().UTC()}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("lease", input.Lease.Name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("lease", input.Lease.Name).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Lease policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// newViolation converts one deny entry.
func newViolation(policy *Policy, entry interface{}, input *Input) Violation {
	v := Violation{
		Policy:   policy.Name,
		Lease:    input.Lease.ID,
		Severity: policy.Severity,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		for k, val := range d {
			if k == "message" || k == "severity" {
				continue
			}
			if v.Details == nil {
				v.Details = make(map[string]interface{})
			}
			v.Details[k] = val
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// compileAndStore prepares the deny query of a policy. The caller holds mu
// or owns e exclusively.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy, builtin bool) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		builtin:  builtin,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads .rego and .yaml policy files from paths. A custom
// policy may not reuse the name of a built-in one.
func (e *Engine) LoadPolicies(ctx context.Context, loader *Loader, paths []string) error {
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceCustom(ctx, policies)
}

// ReplaceCustom swaps the set of non-built-in policies. Nothing changes when
// any of them fails to compile.
func (e *Engine) ReplaceCustom(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		p := &policies[i]
		if existing, ok := e.policies[p.Name]; ok && existing.builtin {
			e.policies = previous
			return fmt.Errorf("policy %s conflicts with a built-in policy", p.Name)
		}
		if err := e.compileAndStore(ctx, p, false); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Custom policies loaded")

	return nil
}

// Watch reloads the custom policies whenever a file under paths changes.
// It returns once the watcher is running.
func (e *Engine) Watch(ctx context.Context, loader *Loader, paths []string) error {
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustom(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
