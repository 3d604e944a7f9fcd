package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func artifact(name string, t engine.ArtifactType) *engine.ArtifactDescriptor {
	return &engine.ArtifactDescriptor{
		DisplayName: name,
		Type:        t,
		LogicalID:   "11111111-1111-1111-1111-111111111111",
		Source:      name + "." + string(t),
	}
}

func deletions(n int) []*engine.ArtifactDescriptor {
	out := make([]*engine.ArtifactDescriptor, n)
	for i := range out {
		a := artifact("stale-"+string(rune('a'+i)), engine.ArtifactTypeNotebook)
		a.RemoteID = "id-" + string(rune('a'+i))
		out[i] = a
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Config{})

	if eng.Mode() != ModeEnforcing {
		t.Errorf("Expected enforcing mode by default, got %s", eng.Mode())
	}

	policies := eng.ListPolicies()
	expected := []string{PolicyArtifactNaming, PolicyDeletionLimit, PolicyPipelineIdentity, PolicyProtectedEnv}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Expected policy %s at %d, got %s", expected[i], i, p.Name)
		}
		if !p.Builtin {
			t.Errorf("Expected %s to be marked built-in", p.Name)
		}
	}
}

func TestNewEngine_InvalidMode(t *testing.T) {
	_, err := NewEngine(Config{Mode: "strict"}, zerolog.Nop())
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestDeletionLimit(t *testing.T) {
	tests := []struct {
		name         string
		maxDeletions int
		deletes      int
		created      bool
		allowed      bool
	}{
		{name: "disabled", maxDeletions: -1, deletes: 50, allowed: true},
		{name: "under the limit", maxDeletions: 3, deletes: 3, allowed: true},
		{name: "over the limit", maxDeletions: 3, deletes: 4, allowed: false},
		{name: "zero limit", maxDeletions: 0, deletes: 1, allowed: false},
		{name: "new workspace", maxDeletions: -1, deletes: 1, created: true, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, Config{MaxDeletions: tt.maxDeletions})
			plan := &engine.ReconciliationPlan{ToDelete: deletions(tt.deletes)}
			ws := engine.WorkspaceHandle{Name: "ws", ID: "w-1", Created: tt.created}

			result, err := eng.EvaluatePlan(context.Background(), ws, plan)
			if err != nil {
				t.Fatalf("Failed to evaluate plan: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations %v)", tt.allowed, result.Allowed, result.Violations)
			}
			if !tt.allowed && result.Violations[0].Policy != PolicyDeletionLimit {
				t.Errorf("Expected a %s violation, got %v", PolicyDeletionLimit, result.Violations)
			}
		})
	}
}

func TestArtifactNaming(t *testing.T) {
	tests := []struct {
		name    string
		display string
		allowed bool
	}{
		{name: "plain", display: "Load Sales", allowed: true},
		{name: "blank", display: "   ", allowed: false},
		{name: "padded", display: " Load", allowed: false},
		{name: "slash", display: "Load/Sales", allowed: false},
		{name: "quote", display: `Load "Sales"`, allowed: false},
		{name: "too long", display: strings.Repeat("x", 257), allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, Config{MaxDeletions: -1})
			plan := &engine.ReconciliationPlan{
				ToCreate: []*engine.ArtifactDescriptor{artifact(tt.display, engine.ArtifactTypeNotebook)},
			}
			result, err := eng.EvaluatePlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, plan)
			if err != nil {
				t.Fatalf("Failed to evaluate plan: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations %v)", tt.allowed, result.Allowed, result.Violations)
			}
		})
	}
}

func TestPipelineIdentityWarns(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: -1})
	pipeline := artifact("Load", engine.ArtifactTypePipeline)
	pipeline.LogicalID = ""

	result, err := eng.EvaluatePlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{pipeline},
	})
	if err != nil {
		t.Fatalf("Failed to evaluate plan: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected warnings not to block, got %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicyPipelineIdentity {
		t.Fatalf("Expected one identity warning, got %v", result.Warnings)
	}
	if result.Warnings[0].Resource != "Load.DataPipeline" {
		t.Errorf("Expected the warning to name the folder, got %s", result.Warnings[0].Resource)
	}
}

func TestProtectedEnvironment(t *testing.T) {
	plan := &engine.ReconciliationPlan{ToDelete: deletions(2)}
	ws := engine.WorkspaceHandle{Name: "ws", ID: "w-1"}

	eng := newTestEngine(t, Config{MaxDeletions: -1, Environment: "PROD"})
	result, err := eng.EvaluatePlan(context.Background(), ws, plan)
	if err != nil {
		t.Fatalf("Failed to evaluate plan: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 2 {
		t.Errorf("Expected two non-blocking warnings, got allowed=%v warnings=%v", result.Allowed, result.Warnings)
	}

	preview := newTestEngine(t, Config{MaxDeletions: -1, Environment: "prod", DryRun: true})
	result, err = preview.EvaluatePlan(context.Background(), ws, plan)
	if err != nil {
		t.Fatalf("Failed to evaluate plan: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings for a dry run, got %v", result.Warnings)
	}
}

func TestCheckPlan_Modes(t *testing.T) {
	plan := &engine.ReconciliationPlan{ToDelete: deletions(5)}
	ws := engine.WorkspaceHandle{Name: "ws", ID: "w-1"}

	enforcing := newTestEngine(t, Config{Mode: ModeEnforcing, MaxDeletions: 2})
	err := enforcing.CheckPlan(context.Background(), ws, plan)
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}
	if !strings.Contains(err.Error(), "plan deletes 5 artifacts, limit is 2") {
		t.Errorf("Expected the violation in the message, got %v", err)
	}

	advisory := newTestEngine(t, Config{Mode: ModeAdvisory, MaxDeletions: 2})
	if err := advisory.CheckPlan(context.Background(), ws, plan); err != nil {
		t.Errorf("Expected advisory mode to allow the plan, got %v", err)
	}
}

func TestCheckPlan_EmptyPlan(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: 0})
	if err := eng.CheckPlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, &engine.ReconciliationPlan{}); err != nil {
		t.Errorf("Expected an empty plan to pass, got %v", err)
	}
	if err := eng.CheckPlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, nil); err != nil {
		t.Errorf("Expected a nil plan to pass, got %v", err)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: 0})
	plan := &engine.ReconciliationPlan{ToDelete: deletions(1)}
	ws := engine.WorkspaceHandle{Name: "ws", ID: "w-1"}

	if err := eng.CheckPlan(context.Background(), ws, plan); err == nil {
		t.Fatal("Expected the deletion limit to block")
	}
	if err := eng.DisablePolicy(PolicyDeletionLimit); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := eng.CheckPlan(context.Background(), ws, plan); err != nil {
		t.Errorf("Expected a disabled policy not to block, got %v", err)
	}

	if err := eng.DisablePolicy("non-existent"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func hasPolicy(eng *Engine, name string) (Policy, bool) {
	for _, p := range eng.ListPolicies() {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

const customPolicy = `package custom.notebooks

import rego.v1

deny contains violation if {
	some a in input.plan.create
	startswith(a.name, "tmp_")
	violation := {"message": sprintf("temporary notebook %s", [a.name]), "resource": a.source}
}`

func TestAddAndReplacePolicies(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: -1})
	plan := &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{artifact("tmp_scratch", engine.ArtifactTypeNotebook)},
	}
	ws := engine.WorkspaceHandle{Name: "ws"}

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name: "no-temp", Rego: customPolicy, Severity: SeverityError, Enabled: true,
	}})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	result, err := eng.EvaluatePlan(context.Background(), ws, plan)
	if err != nil {
		t.Fatalf("Failed to evaluate plan: %v", err)
	}
	if result.Allowed || result.Violations[0].Policy != "no-temp" || result.Violations[0].Severity != SeverityError {
		t.Fatalf("Expected the custom policy to block with its default severity, got %+v", result)
	}

	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if _, ok := hasPolicy(eng, "no-temp"); ok {
		t.Error("Expected the custom policy to be removed")
	}
	if _, ok := hasPolicy(eng, PolicyDeletionLimit); !ok {
		t.Error("Expected built-ins to survive a replace")
	}
}

func TestReplacePoliciesKeepsDisabledState(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: -1})
	custom := Policy{Name: "no-temp", Rego: customPolicy, Severity: SeverityError, Enabled: true}
	ctx := context.Background()

	if err := eng.AddPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}
	if err := eng.DisablePolicy("no-temp"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}

	p, ok := hasPolicy(eng, "no-temp")
	if !ok || p.Enabled {
		t.Errorf("Expected the reloaded policy to stay disabled, got %+v", p)
	}
}

func TestEngineLoadBundle(t *testing.T) {
	eng := newTestEngine(t, Config{MaxDeletions: -1})
	path := filepath.Join(t.TempDir(), "bundle.json")
	data, err := json.Marshal(PolicyBundle{
		Name: "team",
		Policies: []Policy{
			{Name: "no-temp", Rego: customPolicy, Severity: SeverityError, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write bundle: %v", err)
	}

	if err := eng.LoadBundle(context.Background(), path); err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	plan := &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{artifact("tmp_scratch", engine.ArtifactTypeNotebook)},
	}
	if err := eng.CheckPlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, plan); !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected the bundled policy to deny, got %v", err)
	}

	if err := eng.LoadBundle(context.Background(), filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("Expected a validation error for a missing bundle, got %v", err)
	}
}

func TestAddPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t, Config{})
	err := eng.AddPolicies(context.Background(), []Policy{{Name: "broken", Rego: "package x\n deny contains if {", Enabled: true}})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("Expected a failed add to leave the policy set unchanged")
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.EvaluatePlan(ctx, engine.WorkspaceHandle{Name: "ws"}, &engine.ReconciliationPlan{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestNewPlanInput(t *testing.T) {
	nb := artifact("Clean", engine.ArtifactTypeNotebook)
	plan := &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{nb},
		ToUpdate: []engine.PlannedUpdate{{Artifact: artifact("Load", engine.ArtifactTypePipeline), RemoteID: "r-1"}},
		ToDelete: deletions(2),
	}
	wi, pi := NewPlanInput(engine.WorkspaceHandle{Name: "ws", ID: "w-1"}, plan)

	if wi.Name != "ws" || wi.ID != "w-1" || wi.Created {
		t.Errorf("Unexpected workspace input %+v", wi)
	}
	if pi.Counts != (PlanCounts{Create: 1, Update: 1, Delete: 2}) {
		t.Errorf("Unexpected counts %+v", pi.Counts)
	}
	if pi.Update[0].RemoteID != "r-1" || pi.Delete[1].RemoteID != "id-b" {
		t.Errorf("Expected remote ids to be carried, got %+v %+v", pi.Update, pi.Delete)
	}
}
