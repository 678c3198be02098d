package scheduler

import (
	"testing"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// ---------------------------------------------------------------------------
// Helper builders
// ---------------------------------------------------------------------------

// backendBuilder provides a fluent API for constructing test ToolBackends.
type backendBuilder struct {
	backend v1alpha1.ToolBackend
}

func newBackend(name, project string) *backendBuilder {
	return &backendBuilder{
		backend: v1alpha1.ToolBackend{
			TypeMeta: v1alpha1.TypeMeta{
				APIVersion: v1alpha1.APIVersion,
				Kind:       v1alpha1.KindToolBackend,
			},
			Metadata: v1alpha1.ObjectMeta{
				Name:    name,
				Project: project,
			},
			Spec: v1alpha1.ToolBackendSpec{
				Command: "/usr/local/bin/tool-server",
			},
			Status: v1alpha1.ToolBackendStatus{
				Phase: v1alpha1.BackendAvailable,
			},
		},
	}
}

func (b *backendBuilder) phase(p v1alpha1.ToolBackendPhase) *backendBuilder {
	b.backend.Status.Phase = p
	return b
}

func (b *backendBuilder) tools(names ...string) *backendBuilder {
	b.backend.Spec.Tools = nil
	for _, n := range names {
		b.backend.Spec.Tools = append(b.backend.Spec.Tools, v1alpha1.ToolOffering{Name: n})
	}
	return b
}

func (b *backendBuilder) activeRuns(n int) *backendBuilder {
	b.backend.Status.ActiveRuns = n
	return b
}

func (b *backendBuilder) build() *v1alpha1.ToolBackend {
	be := b.backend // copy
	return &be
}

// runBuilder provides a fluent API for constructing test AgentRuns.
type runBuilder struct {
	run v1alpha1.AgentRun
}

func newRun(name, project string) *runBuilder {
	return &runBuilder{
		run: v1alpha1.AgentRun{
			TypeMeta: v1alpha1.TypeMeta{
				APIVersion: v1alpha1.APIVersion,
				Kind:       v1alpha1.KindAgentRun,
			},
			Metadata: v1alpha1.ObjectMeta{
				Name:    name,
				Project: project,
			},
			Spec: v1alpha1.AgentRunSpec{
				Task: "test task",
			},
		},
	}
}

func (b *runBuilder) tools(names ...string) *runBuilder {
	b.run.Spec.Tools = names
	return b
}

func (b *runBuilder) pinned(backend string) *runBuilder {
	b.run.Spec.Backend = backend
	return b
}

func (b *runBuilder) build() *v1alpha1.AgentRun {
	r := b.run // copy
	return &r
}

// addBackendToStore is a convenience function that stores a ToolBackend
// using the canonical key convention.
func addBackendToStore(t *testing.T, s store.Store, backend *v1alpha1.ToolBackend) {
	t.Helper()
	key := store.ResourceKey(v1alpha1.KindToolBackend, backend.Metadata.Project, backend.Metadata.Name)
	if err := s.Create(key, backend); err != nil {
		t.Fatalf("failed to add backend %q to store: %v", backend.Metadata.Name, err)
	}
}

// =========================================================================
// Predicate tests
// =========================================================================

func TestBackendIsAvailable(t *testing.T) {
	run := newRun("run", "default").build()

	tests := []struct {
		phase v1alpha1.ToolBackendPhase
		want  bool
	}{
		{v1alpha1.BackendAvailable, true},
		{v1alpha1.BackendDegraded, false},
		{v1alpha1.BackendUnreachable, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.phase), func(t *testing.T) {
			backend := newBackend("b", "default").phase(tc.phase).build()
			if got := BackendIsAvailable(backend, run); got != tc.want {
				t.Errorf("BackendIsAvailable(phase=%s) = %v, want %v", tc.phase, got, tc.want)
			}
		})
	}
}

func TestBackendOffersTools(t *testing.T) {
	tests := []struct {
		name     string
		offered  []string
		required []string
		want     bool
	}{
		{"no requirements", []string{"read_file"}, nil, true},
		{"exact match", []string{"read_file", "write_file"}, []string{"read_file", "write_file"}, true},
		{"subset", []string{"read_file", "write_file", "run_command"}, []string{"read_file"}, true},
		{"missing tool", []string{"read_file"}, []string{"read_file", "write_file"}, false},
		{"nothing offered", nil, []string{"read_file"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend("b", "default").tools(tc.offered...).build()
			run := newRun("r", "default").tools(tc.required...).build()
			if got := BackendOffersTools(backend, run); got != tc.want {
				t.Errorf("BackendOffersTools(offered=%v, required=%v) = %v, want %v",
					tc.offered, tc.required, got, tc.want)
			}
		})
	}
}

func TestBackendMatchesPin(t *testing.T) {
	backend := newBackend("fs-tools", "default").build()

	if !BackendMatchesPin(backend, newRun("r", "default").build()) {
		t.Error("unpinned run must match any backend")
	}
	if !BackendMatchesPin(backend, newRun("r", "default").pinned("fs-tools").build()) {
		t.Error("pin to this backend must match")
	}
	if BackendMatchesPin(backend, newRun("r", "default").pinned("other").build()) {
		t.Error("pin to another backend must not match")
	}
}

func TestBackendInSameProject(t *testing.T) {
	backend := newBackend("b", "proj-a").build()

	if !BackendInSameProject(backend, newRun("r", "proj-a").build()) {
		t.Error("same project must match")
	}
	if BackendInSameProject(backend, newRun("r", "proj-b").build()) {
		t.Error("different project must not match")
	}
}

// =========================================================================
// Priority tests
// =========================================================================

func TestLeastLoaded(t *testing.T) {
	run := newRun("r", "default").build()

	tests := []struct {
		active int
		want   int
	}{
		{0, 100},
		{1, 90},
		{5, 50},
		{10, 0},
		{15, 0},
	}

	for _, tc := range tests {
		backend := newBackend("b", "default").activeRuns(tc.active).build()
		if got := LeastLoaded(backend, run); got != tc.want {
			t.Errorf("LeastLoaded(activeRuns=%d) = %d, want %d", tc.active, got, tc.want)
		}
	}
}

func TestToolCoverage(t *testing.T) {
	tests := []struct {
		name     string
		offered  []string
		required []string
		want     int
	}{
		{"no requirements", []string{"a", "b"}, nil, 50},
		{"nothing offered", nil, []string{"a"}, 50},
		{"tight fit", []string{"a", "b"}, []string{"a", "b"}, 100},
		{"half surplus", []string{"a", "b", "c", "d"}, []string{"a", "b"}, 50},
		{"large surplus", []string{"a", "b", "c", "d", "e"}, []string{"a"}, 20},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend("b", "default").tools(tc.offered...).build()
			run := newRun("r", "default").tools(tc.required...).build()
			if got := ToolCoverage(backend, run); got != tc.want {
				t.Errorf("ToolCoverage = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPinPreference(t *testing.T) {
	backend := newBackend("fs-tools", "default").build()

	if got := PinPreference(backend, newRun("r", "default").build()); got != 50 {
		t.Errorf("no pin: got %d, want 50", got)
	}
	if got := PinPreference(backend, newRun("r", "default").pinned("fs-tools").build()); got != 100 {
		t.Errorf("matching pin: got %d, want 100", got)
	}
}

// =========================================================================
// Scheduler tests
// =========================================================================

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return NewScheduler(s, zap.NewNop()), s
}

func TestScheduleSuccess(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("fs-tools", "default").tools("read_file", "write_file").build())

	run := newRun("survey", "default").tools("read_file").build()
	backend, err := sched.Schedule(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.Metadata.Name != "fs-tools" {
		t.Errorf("scheduled to %q, want fs-tools", backend.Metadata.Name)
	}
}

func TestSchedulePrefersLeastLoaded(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("busy", "default").tools("read_file").activeRuns(5).build())
	addBackendToStore(t, s, newBackend("idle", "default").tools("read_file").build())

	run := newRun("r", "default").tools("read_file").build()
	backend, err := sched.Schedule(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.Metadata.Name != "idle" {
		t.Errorf("scheduled to %q, want idle", backend.Metadata.Name)
	}
}

func TestScheduleHonorsPin(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("idle", "default").tools("read_file").build())
	addBackendToStore(t, s, newBackend("pinned", "default").tools("read_file").activeRuns(8).build())

	run := newRun("r", "default").tools("read_file").pinned("pinned").build()
	backend, err := sched.Schedule(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.Metadata.Name != "pinned" {
		t.Errorf("scheduled to %q, want pinned despite load", backend.Metadata.Name)
	}
}

func TestScheduleNoBackends(t *testing.T) {
	sched, _ := newTestScheduler(t)

	run := newRun("r", "default").build()
	if _, err := sched.Schedule(run); err == nil {
		t.Fatal("expected error when no backends exist")
	}
}

func TestScheduleNoMatchingBackends_MissingTool(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("fs-tools", "default").tools("read_file").build())

	run := newRun("r", "default").tools("run_command").build()
	if _, err := sched.Schedule(run); err == nil {
		t.Fatal("expected error when no backend offers the required tool")
	}
}

func TestScheduleNoMatchingBackends_Unreachable(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("down", "default").
		tools("read_file").
		phase(v1alpha1.BackendUnreachable).
		build())

	run := newRun("r", "default").tools("read_file").build()
	if _, err := sched.Schedule(run); err == nil {
		t.Fatal("expected error when the only backend is unreachable")
	}
}

func TestScheduleProjectIsolation(t *testing.T) {
	sched, s := newTestScheduler(t)

	addBackendToStore(t, s, newBackend("other-project", "proj-b").tools("read_file").build())

	run := newRun("r", "proj-a").tools("read_file").build()
	if _, err := sched.Schedule(run); err == nil {
		t.Fatal("expected error: backends in other projects must not be used")
	}
}

func TestScheduleDeterministicTiebreak(t *testing.T) {
	sched, s := newTestScheduler(t)

	// Identical score: the lexicographically first name wins.
	addBackendToStore(t, s, newBackend("beta", "default").tools("read_file").build())
	addBackendToStore(t, s, newBackend("alpha", "default").tools("read_file").build())

	run := newRun("r", "default").tools("read_file").build()
	for i := 0; i < 5; i++ {
		backend, err := sched.Schedule(run)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if backend.Metadata.Name != "alpha" {
			t.Fatalf("attempt %d: scheduled to %q, want alpha", i, backend.Metadata.Name)
		}
	}
}
