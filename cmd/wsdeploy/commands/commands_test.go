package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/config"
	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/policy"
	"github.com/openfroyo/wsdeploy/pkg/stores"
)

const (
	childID  = "6f1c2a57-3c1e-4b7e-9a55-2b8d3e9f0a01"
	parentID = "0e4d7c9a-8b2f-4f61-b3a4-5c6d7e8f9a02"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func writePipeline(t *testing.T, dir, name, logicalID, body string) {
	t.Helper()
	folder := filepath.Join(dir, name+".DataPipeline")
	writeFile(t, filepath.Join(folder, ".platform"), `{
  "metadata": {"type": "DataPipeline", "displayName": "`+name+`"},
  "config": {"version": "2.0", "logicalId": "`+logicalID+`"}
}`)
	writeFile(t, filepath.Join(folder, "pipeline-content.json"), body)
}

func invokeBody(logicalID string) string {
	return `{"properties": {"activities": [
  {"name": "run child", "type": "InvokePipeline", "typeProperties": {"pipelineId": "` + logicalID + `"}}
]}}`
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOrderCommand(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	// Parent sorts first by name but must be deployed after Child.
	writePipeline(t, ws, "A Parent", parentID, invokeBody(childID))
	writePipeline(t, ws, "B Child", childID, `{"properties": {"activities": []}}`)

	out, err := execute(t, "order", "ws", "--root", root)
	if err != nil {
		t.Fatalf("failed to order pipelines: %v", err)
	}
	if !strings.Contains(out, "1. B Child") || !strings.Contains(out, "2. A Parent") {
		t.Errorf("unexpected order output:\n%s", out)
	}

	out, err = execute(t, "order", "ws", "--root", root, "--json")
	if err != nil {
		t.Fatalf("failed to order pipelines: %v", err)
	}
	var result orderResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if result.Artifacts != 2 || len(result.Edges) != 1 || result.Edges[0].From != "A Parent" || result.Edges[0].To != "B Child" {
		t.Errorf("unexpected result %+v", result)
	}

	out, err = execute(t, "order", "ws", "--root", root, "--dot")
	if err != nil {
		t.Fatalf("failed to render graph: %v", err)
	}
	if !strings.Contains(out, `"A Parent" -> "B Child";`) {
		t.Errorf("expected edge in DOT output:\n%s", out)
	}
}

func TestOrderCommandCycle(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	writePipeline(t, ws, "One", parentID, invokeBody(childID))
	writePipeline(t, ws, "Two", childID, invokeBody(parentID))

	_, err := execute(t, "order", "ws", "--root", root)
	if !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("expected a cyclic dependency error, got %v", err)
	}
	if ExitCode(err) != exitFailure {
		t.Errorf("expected exit code %d, got %d", exitFailure, ExitCode(err))
	}
}

func TestOrderCommandMissingFolder(t *testing.T) {
	_, err := execute(t, "order", "missing", "--root", t.TempDir())
	if ExitCode(err) != exitInvalid {
		t.Errorf("expected exit code %d, got %d (%v)", exitInvalid, ExitCode(err), err)
	}
}

func TestHistoryCommand(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := stores.Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	started := time.Now().Add(-time.Minute)
	if err := store.StartRun(ctx, "run-1", "sales-dev", started); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if err := store.AppendRecord(ctx, "run-1", engine.DeploymentRecord{
		ArtifactType: engine.ArtifactTypeNotebook,
		ArtifactName: "Clean",
		ArtifactID:   "nb-1",
		Action:       engine.ActionCreate,
		RecordedAt:   started.Add(time.Second),
	}); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	if err := store.FinishRun(ctx, "run-1", engine.RunStatusSucceeded, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close ledger: %v", err)
	}

	out, err := execute(t, "history", "--ledger", path)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "sales-dev") || !strings.Contains(out, "succeeded") {
		t.Errorf("unexpected history output:\n%s", out)
	}

	out, err = execute(t, "history", "run-1", "--ledger", path, "--json")
	if err != nil {
		t.Fatalf("failed to show run: %v", err)
	}
	var detail runDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if detail.Run.ID != "run-1" || len(detail.Records) != 1 || detail.Records[0].ArtifactName != "Clean" {
		t.Errorf("unexpected detail %+v", detail)
	}

	_, err = execute(t, "history", "nope", "--ledger", path)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewPolicyEngineBundleAndDisabled(t *testing.T) {
	ctx := context.Background()
	bundle := filepath.Join(t.TempDir(), "team.json")
	writeFile(t, bundle, `{"name": "team", "version": "1", "policies": [
  {"name": "no-temp", "severity": "error", "enabled": true,
   "rego": "package team.temp\nimport rego.v1\ndeny contains msg if {\n some a in input.plan.create\n startswith(a.name, \"tmp_\")\n msg := \"temporary artifact\"\n}"}
]}`)

	cfg := config.Default()
	cfg.Policy.Bundle = bundle
	cfg.Policy.Disabled = []string{policy.PolicyDeletionLimit}

	eng, err := newPolicyEngine(ctx, cfg, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	states := make(map[string]bool)
	for _, p := range eng.ListPolicies() {
		states[p.Name] = p.Enabled
	}
	if enabled, ok := states["no-temp"]; !ok || !enabled {
		t.Errorf("expected the bundled policy to be loaded and enabled, got %v", states)
	}
	if states[policy.PolicyDeletionLimit] {
		t.Errorf("expected %s to be disabled", policy.PolicyDeletionLimit)
	}
	if got := policySources(cfg); len(got) != 1 || got[0] != bundle {
		t.Errorf("expected the bundle to be watched, got %v", got)
	}

	cfg.Policy.Disabled = []string{"nope"}
	if _, err := newPolicyEngine(ctx, cfg, true, zerolog.Nop()); ExitCode(err) != exitInvalid {
		t.Errorf("expected an unknown disabled policy to be invalid, got %v", err)
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace.Name = "sales-dev"
	cfg.Profile.DeploymentEnv = "prod"
	cfg.Telemetry.LogOutput = "stdout"
	cfg.Telemetry.Tracing.Headers = map[string]string{"api-key": "secret"}

	tc := telemetryConfig(cfg, "1.2.3")
	if err := tc.Validate(); err != nil {
		t.Fatalf("expected a valid telemetry config: %v", err)
	}
	if tc.ServiceVersion != "1.2.3" || tc.Environment != "prod" {
		t.Errorf("unexpected service identity %s/%s", tc.ServiceVersion, tc.Environment)
	}
	if tc.Logging.Output != "stdout" {
		t.Errorf("expected stdout logging, got %q", tc.Logging.Output)
	}
	if tc.Tracing.Headers["api-key"] != "secret" {
		t.Errorf("expected exporter headers to be passed on, got %v", tc.Tracing.Headers)
	}
	if tc.ResourceAttributes["workspace.name"] != "sales-dev" {
		t.Errorf("expected the workspace resource attribute, got %v", tc.ResourceAttributes)
	}

	cfg.Telemetry.LogOutput = ""
	if got := telemetryConfig(cfg, "").Logging.Output; got != "stderr" {
		t.Errorf("expected stderr by default, got %q", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"cancelled", context.Canceled, exitCancelled},
		{"policy", engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePolicyDenied), exitPolicyDenied},
		{"validation", engine.NewValidationError("bad", nil), exitInvalid},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
