package policy

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Mode controls what the gate does with blocking violations.
type Mode string

const (
	// ModeEnforce rejects sets with blocking violations.
	ModeEnforce Mode = "enforce"

	// ModeAdvisory logs blocking violations and lets the set through.
	ModeAdvisory Mode = "advisory"
)

// ErrPolicyNotFound is returned when a policy name is unknown.
var ErrPolicyNotFound = errors.New("policy not found")

// externalDataPath is where SetData places documents for policies to read
// as data.external.
var externalDataPath = storage.MustParsePath("/external")

// Engine evaluates Rego policies against configuration sets. It implements
// engine.Gate.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	logger      zerolog.Logger
	loader      *Loader
	mode        Mode
	environment string
	user        string
}

var _ engine.Gate = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the enforcement mode. The default is ModeEnforce.
func WithMode(mode Mode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

// WithEnvironment sets the environment name policies see as
// input.context.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) {
		e.environment = env
	}
}

// WithUser overrides the user name policies see as input.context.user.
func WithUser(name string) Option {
	return func(e *Engine) {
		e.user = name
	}
}

// NewEngine creates a new policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		mode:     ModeEnforce,
	}
	e.loader = NewLoader(e.logger)

	for _, opt := range opts {
		opt(e)
	}

	if e.user == "" {
		if u, err := user.Current(); err == nil {
			e.user = u.Username
		}
	}

	switch e.mode {
	case ModeEnforce, ModeAdvisory:
	default:
		return nil, fmt.Errorf("unknown policy mode %q", e.mode)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate implements engine.Gate. In enforce mode blocking violations
// produce a *DeniedError.
func (e *Engine) Evaluate(ctx context.Context, set *engine.ConfigurationSet) error {
	result, err := e.EvaluateSet(ctx, set)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("unit", w.Unit).
			Str("severity", string(w.Severity)).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	if e.mode == ModeAdvisory {
		for _, v := range result.Violations {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("unit", v.Unit).
				Str("severity", string(v.Severity)).
				Msg("Advisory policy violation: " + v.Message)
		}
		return nil
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil && tel.Metrics != nil {
		seen := make(map[string]bool)
		for _, v := range result.Violations {
			if !seen[v.Policy] {
				seen[v.Policy] = true
				tel.Metrics.RecordPolicyDenial(v.Policy)
			}
		}
	}

	return &DeniedError{Violations: result.Violations}
}

// EvaluateSet evaluates all enabled policies against a set. Policies that
// fail to evaluate are reported in PolicyResult.Errors and do not block.
func (e *Engine) EvaluateSet(ctx context.Context, set *engine.ConfigurationSet) (*PolicyResult, error) {
	if set == nil {
		return nil, engine.ErrNilSet
	}

	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &PolicyInput{
		Set: newSetInput(set),
		Context: &PolicyContext{
			User:        e.user,
			Environment: e.environment,
			Timestamp:   startTime.UTC(),
		},
	}

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: []string{},
	}

	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("set", set.Name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("set", set.Name).
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Set policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a PolicyViolation from a deny entry. Entries are
// either plain messages or objects with message, severity, unit and
// remediation keys.
func createViolation(policy *Policy, entry interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
		if unit, ok := v["unit"].(string); ok {
			violation.Unit = unit
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies compiles the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// AddPolicy compiles and adds a single policy, replacing any policy with the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compilePolicy(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = cp
	return nil
}

// LoadPolicies loads policy files and directories. Either every policy
// compiles and is added, or none is.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceLoaded drops every non-built-in policy and adds policies in its
// place. Built-in enablement is preserved.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")

	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		cp, err := e.compilePolicy(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}
	return compiled, nil
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceLoaded(ctx, policies)
	})
}

// StopWatching stops a running Watch.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// SetData replaces the external data document policies read as
// data.external.
func (e *Engine) SetData(ctx context.Context, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}

	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("failed to open policy data transaction: %w", err)
	}

	op := storage.ReplaceOp
	if _, err := e.store.Read(ctx, txn, externalDataPath); storage.IsNotFound(err) {
		op = storage.AddOp
	}

	if err := e.store.Write(ctx, txn, op, externalDataPath, data); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("failed to write policy data: %w", err)
	}

	if err := e.store.Commit(ctx, txn); err != nil {
		return fmt.Errorf("failed to commit policy data: %w", err)
	}
	return nil
}

// GetPolicy returns a copy of a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedPolicies() {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// ReloadPolicies drops loaded policies and restores the built-ins to their
// defaults.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	e.loader.ClearCache()
	return e.loadBuiltinPolicies(ctx)
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
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedPolicies returns compiled policies ordered by name. Callers hold mu.
func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].policy.Name < out[j].policy.Name
	})
	return out
}
