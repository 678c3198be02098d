package manifest

import (
	"os"
	"testing"

	"github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func TestParseProject(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: Project
metadata:
  name: test-project
  labels:
    env: dev
spec:
  description: "A test project"
  path: "/tmp/test"
`)
	resources, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	proj, ok := resources[0].(*v1alpha1.Project)
	if !ok {
		t.Fatalf("expected *v1alpha1.Project, got %T", resources[0])
	}
	if proj.APIVersion != "ironclaw.dev/v1alpha1" {
		t.Errorf("expected apiVersion ironclaw.dev/v1alpha1, got %s", proj.APIVersion)
	}
	if proj.Kind != "Project" {
		t.Errorf("expected kind Project, got %s", proj.Kind)
	}
	if proj.Metadata.Name != "test-project" {
		t.Errorf("expected name test-project, got %s", proj.Metadata.Name)
	}
	if proj.Metadata.Labels["env"] != "dev" {
		t.Errorf("expected label env=dev, got %s", proj.Metadata.Labels["env"])
	}
	if proj.Spec.Description != "A test project" {
		t.Errorf("expected description 'A test project', got %s", proj.Spec.Description)
	}
	if proj.Spec.Path != "/tmp/test" {
		t.Errorf("expected path /tmp/test, got %s", proj.Spec.Path)
	}
}

func TestParseToolBackend(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: fs-tools
  project: my-project
spec:
  command: /usr/local/bin/fs-server
  args:
    - --stdio
  env:
    FS_ROOT: /workspace
  protocolVersion: "2024-11-05"
  initTimeoutSeconds: 5
  callTimeoutSeconds: 20
  tools:
    - name: read_file
      description: "Read a file"
      tier: safe
    - name: write_file
      tier: privileged
`)
	resources, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	backend, ok := resources[0].(*v1alpha1.ToolBackend)
	if !ok {
		t.Fatalf("expected *v1alpha1.ToolBackend, got %T", resources[0])
	}
	if backend.Metadata.Name != "fs-tools" {
		t.Errorf("expected name fs-tools, got %s", backend.Metadata.Name)
	}
	if backend.Metadata.Project != "my-project" {
		t.Errorf("expected project my-project, got %s", backend.Metadata.Project)
	}
	if backend.Spec.Command != "/usr/local/bin/fs-server" {
		t.Errorf("expected command /usr/local/bin/fs-server, got %s", backend.Spec.Command)
	}
	if len(backend.Spec.Args) != 1 || backend.Spec.Args[0] != "--stdio" {
		t.Errorf("expected args [--stdio], got %v", backend.Spec.Args)
	}
	if backend.Spec.Env["FS_ROOT"] != "/workspace" {
		t.Errorf("expected env FS_ROOT=/workspace, got %s", backend.Spec.Env["FS_ROOT"])
	}
	if backend.Spec.ProtocolVersion != "2024-11-05" {
		t.Errorf("expected protocolVersion 2024-11-05, got %s", backend.Spec.ProtocolVersion)
	}
	if backend.Spec.InitTimeoutSeconds != 5 {
		t.Errorf("expected initTimeoutSeconds 5, got %d", backend.Spec.InitTimeoutSeconds)
	}
	if backend.Spec.CallTimeoutSeconds != 20 {
		t.Errorf("expected callTimeoutSeconds 20, got %d", backend.Spec.CallTimeoutSeconds)
	}
	if len(backend.Spec.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(backend.Spec.Tools))
	}
	if backend.Spec.Tools[0].Name != "read_file" {
		t.Errorf("expected tool[0] read_file, got %s", backend.Spec.Tools[0].Name)
	}
	if backend.Spec.Tools[0].Tier != v1alpha1.TierSafe {
		t.Errorf("expected tool[0] tier safe, got %s", backend.Spec.Tools[0].Tier)
	}
	if backend.Spec.Tools[1].Name != "write_file" {
		t.Errorf("expected tool[1] write_file, got %s", backend.Spec.Tools[1].Name)
	}
	if backend.Spec.Tools[1].Tier != v1alpha1.TierPrivileged {
		t.Errorf("expected tool[1] tier privileged, got %s", backend.Spec.Tools[1].Tier)
	}
}

func TestParseAgentRun(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: AgentRun
metadata:
  name: audit-config
  project: my-project
  labels:
    priority: high
spec:
  task: |
    call read_file {"path": "config.yaml"}
  tools:
    - read_file
    - search_code
  backend: fs-tools
  maxIterations: 25
  timeoutSeconds: 120
  approvalMode: deny
`)
	resources, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	run, ok := resources[0].(*v1alpha1.AgentRun)
	if !ok {
		t.Fatalf("expected *v1alpha1.AgentRun, got %T", resources[0])
	}
	if run.Metadata.Name != "audit-config" {
		t.Errorf("expected name audit-config, got %s", run.Metadata.Name)
	}
	if run.Metadata.Project != "my-project" {
		t.Errorf("expected project my-project, got %s", run.Metadata.Project)
	}
	if run.Metadata.Labels["priority"] != "high" {
		t.Errorf("expected label priority=high, got %s", run.Metadata.Labels["priority"])
	}
	if run.Spec.Task == "" {
		t.Error("expected non-empty task")
	}
	if len(run.Spec.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(run.Spec.Tools))
	}
	if run.Spec.Tools[0] != "read_file" {
		t.Errorf("expected tool[0] read_file, got %s", run.Spec.Tools[0])
	}
	if run.Spec.Backend != "fs-tools" {
		t.Errorf("expected backend fs-tools, got %s", run.Spec.Backend)
	}
	if run.Spec.MaxIterations != 25 {
		t.Errorf("expected maxIterations 25, got %d", run.Spec.MaxIterations)
	}
	if run.Spec.TimeoutSeconds != 120 {
		t.Errorf("expected timeoutSeconds 120, got %d", run.Spec.TimeoutSeconds)
	}
	if run.Spec.ApprovalMode != "deny" {
		t.Errorf("expected approvalMode deny, got %s", run.Spec.ApprovalMode)
	}
}

func TestParseMultiDocument(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: Project
metadata:
  name: multi-project
spec:
  description: "Project in multi-doc"
---
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: multi-backend
spec:
  command: /usr/bin/tool-server
---
apiVersion: ironclaw.dev/v1alpha1
kind: AgentRun
metadata:
  name: multi-run
spec:
  task: "Do something"
`)
	resources, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(resources))
	}

	proj, ok := resources[0].(*v1alpha1.Project)
	if !ok {
		t.Fatalf("expected resource[0] to be *v1alpha1.Project, got %T", resources[0])
	}
	if proj.Metadata.Name != "multi-project" {
		t.Errorf("expected project name multi-project, got %s", proj.Metadata.Name)
	}

	backend, ok := resources[1].(*v1alpha1.ToolBackend)
	if !ok {
		t.Fatalf("expected resource[1] to be *v1alpha1.ToolBackend, got %T", resources[1])
	}
	if backend.Metadata.Name != "multi-backend" {
		t.Errorf("expected backend name multi-backend, got %s", backend.Metadata.Name)
	}

	run, ok := resources[2].(*v1alpha1.AgentRun)
	if !ok {
		t.Fatalf("expected resource[2] to be *v1alpha1.AgentRun, got %T", resources[2])
	}
	if run.Metadata.Name != "multi-run" {
		t.Errorf("expected run name multi-run, got %s", run.Metadata.Name)
	}
}

func TestParseDefaultAPIVersion(t *testing.T) {
	yaml := []byte(`
kind: Project
metadata:
  name: no-version-project
spec:
  description: "No apiVersion specified"
`)
	resources, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	proj, ok := resources[0].(*v1alpha1.Project)
	if !ok {
		t.Fatalf("expected *v1alpha1.Project, got %T", resources[0])
	}
	if proj.APIVersion != v1alpha1.APIVersion {
		t.Errorf("expected default apiVersion %s, got %s", v1alpha1.APIVersion, proj.APIVersion)
	}
	if proj.Metadata.Name != "no-version-project" {
		t.Errorf("expected name no-version-project, got %s", proj.Metadata.Name)
	}
}

func TestParseEmptyName(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: Project
metadata:
  name: ""
spec:
  description: "No name"
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for empty name, got nil")
	}
}

func TestParseBackendWithoutCommand(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: no-command
spec:
  tools:
    - name: read_file
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for missing command, got nil")
	}
}

func TestParseRunWithoutTask(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: AgentRun
metadata:
  name: no-task
spec:
  maxIterations: 10
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for missing task, got nil")
	}
}

func TestParseRunBadApprovalMode(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: AgentRun
metadata:
  name: bad-mode
spec:
  task: "Do something"
  approvalMode: sometimes
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for unknown approvalMode, got nil")
	}
}

func TestParseBackendBadTier(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: bad-tier
spec:
  command: /usr/bin/tool-server
  tools:
    - name: read_file
      tier: medium
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for unknown tier, got nil")
	}
}

func TestParseUnknownKind(t *testing.T) {
	yaml := []byte(`
apiVersion: ironclaw.dev/v1alpha1
kind: UnknownThing
metadata:
  name: test
`)
	_, err := ParseBytes(yaml)
	if err == nil {
		t.Fatal("expected error for unknown kind, got nil")
	}
}

func TestParseFile(t *testing.T) {
	content := []byte(`apiVersion: ironclaw.dev/v1alpha1
kind: Project
metadata:
  name: file-project
spec:
  description: "Parsed from file"
---
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: file-backend
spec:
  command: /usr/bin/tool-server
`)

	tmpFile, err := os.CreateTemp("", "ironclaw-manifest-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}

	resources, err := ParseFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}

	proj, ok := resources[0].(*v1alpha1.Project)
	if !ok {
		t.Fatalf("expected resource[0] to be *v1alpha1.Project, got %T", resources[0])
	}
	if proj.Metadata.Name != "file-project" {
		t.Errorf("expected name file-project, got %s", proj.Metadata.Name)
	}
	if proj.Spec.Description != "Parsed from file" {
		t.Errorf("expected description 'Parsed from file', got %s", proj.Spec.Description)
	}

	backend, ok := resources[1].(*v1alpha1.ToolBackend)
	if !ok {
		t.Fatalf("expected resource[1] to be *v1alpha1.ToolBackend, got %T", resources[1])
	}
	if backend.Metadata.Name != "file-backend" {
		t.Errorf("expected name file-backend, got %s", backend.Metadata.Name)
	}
	if backend.Spec.Command != "/usr/bin/tool-server" {
		t.Errorf("expected command /usr/bin/tool-server, got %s", backend.Spec.Command)
	}
}
