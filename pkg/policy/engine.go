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

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Config configures an Engine.
type Config struct {
	// Mode decides whether blocking violations veto a plan.
	Mode Mode

	// MaxDeletions is passed to policies as params.max_deletions.
	MaxDeletions int

	// Environment and BuildNumber are passed as context.
	Environment string
	BuildNumber string

	// DryRun marks evaluations made for previews.
	DryRun bool
}

// Engine evaluates Rego policies against reconciliation plans. It
// implements engine.PlanGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.PlanGuard = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforcing
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, engine.NewValidationError(err.Error(), nil)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Mode returns the configured mode.
func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// CheckPlan evaluates plan and, in enforcing mode, returns a
// POLICY_DENIED error when a blocking violation is found.
func (e *Engine) CheckPlan(ctx context.Context, ws engine.WorkspaceHandle, plan *engine.ReconciliationPlan) error {
	result, err := e.EvaluatePlan(ctx, ws, plan)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Str("workspace", ws.Name).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	if e.cfg.Mode == ModeAdvisory {
		for _, v := range result.Violations {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("resource", v.Resource).
				Str("severity", string(v.Severity)).
				Str("workspace", ws.Name).
				Msg("Advisory policy violation: " + v.Message)
		}
		return nil
	}

	return DeniedError(result)
}

// DeniedError converts a disallowed result into a POLICY_DENIED error.
func DeniedError(result *PolicyResult) error {
	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, v.String())
	}
	err := engine.NewPermanentError("plan rejected by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied)
	if len(result.Violations) > 0 {
		err = err.WithDetail("violations", result.Violations)
	}
	return err
}

// EvaluatePlan evaluates every enabled policy against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, ws engine.WorkspaceHandle, plan *engine.ReconciliationPlan) (*PolicyResult, error) {
	wi, pi := NewPlanInput(ws, plan)
	operation := "deploy"
	if e.cfg.DryRun {
		operation = "plan"
	}
	input := &PolicyInput{
		Workspace: wi,
		Plan:      pi,
		Context: &PolicyContext{
			Environment: e.cfg.Environment,
			BuildNumber: e.cfg.BuildNumber,
			Operation:   operation,
			Timestamp:   e.now(),
			DryRun:      e.cfg.DryRun,
		},
		Params: PolicyParams{MaxDeletions: e.cfg.MaxDeletions},
	}
	return e.Evaluate(ctx, input)
}

// Evaluate evaluates every enabled policy against input, in name order.
// A policy that fails to evaluate is reported in Failures and blocks the
// result.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	startTime := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			result.Violations = append(result.Violations, PolicyViolation{
				Policy:   name,
				Message:  "policy could not be evaluated",
				Severity: SeverityError,
			})
			result.Allowed = false
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

	result.EvaluatedAt = e.now()
	result.Duration = result.EvaluatedAt.Sub(startTime)

	e.logger.Debug().
		Str("workspace", input.Workspace.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

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

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set member.
func createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: e.now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", cp.module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies. Callers hold mu or own e.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files next to the policies already present.
// Nothing is replaced when any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// LoadBundle adds the policies of a JSON bundle file.
func (e *Engine) LoadBundle(ctx context.Context, path string) error {
	bundle, err := NewLoader(e.logger).LoadBundle(ctx, path)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("failed to load policy bundle %s", path), err)
	}
	return e.AddPolicies(ctx, bundle.Policies)
}

// AddPolicies compiles and adds policies, replacing any with the same name.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return engine.NewValidationError(fmt.Sprintf("failed to compile policy %s", p.Name), err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non-builtin policy for policies. It is the
// reload callback used by Watch. Disabled policies stay disabled.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return engine.NewValidationError(fmt.Sprintf("failed to compile policy %s", p.Name), err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
		if next, ok := compiled[name]; ok && !cp.policy.Enabled {
			next.policy.Enabled = false
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
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

// DisablePolicy stops a policy from being evaluated. The policy stays
// disabled when its files are reloaded.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name), nil).WithResource(name)
	}
	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
