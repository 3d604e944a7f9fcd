package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

const headerPolicy = `# Notebooks must not be created with a tmp_ prefix.
# severity: error
# tags: notebooks, hygiene

package custom.tmp

import rego.v1

deny contains msg if {
	some a in input.plan.create
	startswith(a.name, "tmp_")
	msg := "temporary artifact"
}`

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "no-temp.rego")
	writePolicy(t, policyFile, headerPolicy)

	loaded, err := loader.readFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(loaded))
	}
	policy := loaded[0]

	if policy.Name != "no-temp" {
		t.Errorf("Expected name 'no-temp', got '%s'", policy.Name)
	}
	if policy.Rego != headerPolicy {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Builtin {
		t.Errorf("Expected an enabled, non-builtin policy, got %+v", policy)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity from the header, got %s", policy.Severity)
	}
	if len(policy.Tags) != 2 || policy.Tags[0] != "notebooks" || policy.Tags[1] != "hygiene" {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
	if policy.Description != "Notebooks must not be created with a tmp_ prefix." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "p.json")

	data, err := json.Marshal(Policy{
		Name:    "json-policy",
		Rego:    headerPolicy,
		Enabled: true,
		Builtin: true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.readFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(loaded))
	}
	policy := loaded[0]
	if policy.Name != "json-policy" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if policy.Builtin {
		t.Error("Expected files never to load as built-in")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected the file to be recorded as source, got %v", policy.Metadata)
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	for name, content := range map[string]string{
		"garbage.json": "{not json",
		"empty.json":   `{"name": "x"}`,
	} {
		path := filepath.Join(dir, name)
		writePolicy(t, path, content)
		if _, err := loader.readFile(path); err == nil {
			t.Errorf("Expected %s to fail", name)
		}
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "policy.txt")
	writePolicy(t, path, "package x")

	if _, err := loader.readFile(path); err == nil {
		t.Error("Expected unsupported file type to fail")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), headerPolicy)
	writePolicy(t, filepath.Join(dir, "nested", "b.rego"), headerPolicy)
	writePolicy(t, filepath.Join(dir, "nested", "readme.md"), "ignored")
	writePolicy(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("Unexpected policy names %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/non/existent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")
	data, err := json.Marshal(PolicyBundle{
		Name:    "team",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "one", Rego: headerPolicy, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writePolicy(t, path, string(data))

	bundle, err := loader.LoadBundle(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if bundle.Name != "team" || len(bundle.Policies) != 1 || bundle.Policies[0].Severity != SeverityWarning {
		t.Errorf("Unexpected bundle %+v", bundle)
	}
}

func writeBundle(t *testing.T, path string, names ...string) {
	t.Helper()
	bundle := PolicyBundle{Name: "team", Version: "1.0.0"}
	for _, name := range names {
		bundle.Policies = append(bundle.Policies, Policy{Name: name, Rego: headerPolicy, Enabled: true})
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writePolicy(t, path, string(data))
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "no comments",
			content:     "package x",
			description: "",
			severity:    SeverityWarning,
		},
		{
			name:        "multi-line description",
			content:     "# first line\n# second line\npackage x\n# trailing",
			description: "first line second line",
			severity:    SeverityWarning,
		},
		{
			name:        "unknown severity keeps the default",
			content:     "# severity: fatal\npackage x",
			description: "",
			severity:    SeverityWarning,
		},
		{
			name:        "critical",
			content:     "# Severity: CRITICAL\n# blocks everything\npackage x",
			description: "blocks everything",
			severity:    SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHeader(tt.content)
			if h.description != tt.description {
				t.Errorf("Expected description %q, got %q", tt.description, h.description)
			}
			if h.severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, h.severity)
			}
		})
	}
}

func TestLoadFromPaths_BundleInDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, "team.json"), "team-a", "team-b")
	writePolicy(t, filepath.Join(dir, "local.rego"), headerPolicy)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Name
	}
	if strings.Join(names, ",") != "local,team-a,team-b" {
		t.Errorf("Unexpected policies %v", names)
	}
}

func TestLoadFromPaths_DuplicateNames(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "one", "no-temp.rego"), headerPolicy)
	writePolicy(t, filepath.Join(dir, "two", "no-temp.rego"), headerPolicy)

	_, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "one"), filepath.Join(dir, "two")})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("Expected a validation error for a duplicate name, got %v", err)
	}
}

func TestLoadBundle_Empty(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")
	writePolicy(t, path, `{"name": "team", "policies": []}`)

	if _, err := loader.LoadBundle(context.Background(), path); err == nil {
		t.Error("Expected an empty bundle to fail")
	}
}

func TestIsPolicyFile(t *testing.T) {
	tests := map[string]bool{
		"a.rego":           true,
		"dir/b.json":       true,
		"dir/.hidden.rego": false,
		"notes.md":         false,
		"policy":           false,
	}
	for path, want := range tests {
		if got := isPolicyFile(path); got != want {
			t.Errorf("isPolicyFile(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestEngineWatchReloads(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, Config{MaxDeletions: -1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writePolicy(t, filepath.Join(dir, "no-temp.rego"), headerPolicy)

	plan := &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{{DisplayName: "tmp_x", Type: engine.ArtifactTypeNotebook}},
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		result, err := eng.EvaluatePlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, plan)
		if err != nil {
			t.Fatalf("Failed to evaluate plan: %v", err)
		}
		if !result.Allowed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the watched policy to be loaded")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestEngineWatchFollowsReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-temp.rego")
	writePolicy(t, path, "package custom.tmp\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}")

	eng := newTestEngine(t, Config{MaxDeletions: -1})
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loader, err := eng.Watch(ctx, []string{path})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	// Editors save by writing a new file and renaming it over the old one.
	tmp := filepath.Join(dir, ".no-temp.rego.tmp")
	writePolicy(t, tmp, headerPolicy)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to replace policy: %v", err)
	}

	plan := &engine.ReconciliationPlan{
		ToCreate: []*engine.ArtifactDescriptor{{DisplayName: "tmp_x", Type: engine.ArtifactTypeNotebook}},
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		result, err := eng.EvaluatePlan(context.Background(), engine.WorkspaceHandle{Name: "ws"}, plan)
		if err != nil {
			t.Fatalf("Failed to evaluate plan: %v", err)
		}
		if !result.Allowed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the replaced policy to be reloaded")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
