package controller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/agent"
	"github.com/anchapin/ironclaw/internal/config"
	"github.com/anchapin/ironclaw/internal/scheduler"
	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// TestHelperProcess is re-executed as the stub tool backend for launch
// tests. It answers initialize and echoes a result for every tool call.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("IRONCLAW_CTRL_STUB") != "1" {
		return
	}
	defer os.Exit(0)

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req struct {
			ID     *uint64 `json:"id"`
			Method string  `json:"method"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if req.Method == "shutdown" {
			return
		}
		if req.ID == nil {
			continue
		}
		switch req.Method {
		case "initialize":
			fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"stub","version":"0.0.1"}}}`+"\n", *req.ID)
		case "tools/call":
			fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`+"\n", *req.ID)
		}
		out.Flush()
	}
}

func TestWorkQueueAddGetDone(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	q.Add("/AgentRun/default/a")
	q.Add("/AgentRun/default/a") // duplicate while queued: collapsed
	q.Add("/AgentRun/default/b")

	if q.Len() != 2 {
		t.Fatalf("queue length = %d, want 2", q.Len())
	}

	first, ok := q.Get()
	if !ok {
		t.Fatal("Get returned closed")
	}
	second, ok := q.Get()
	if !ok {
		t.Fatal("Get returned closed")
	}
	if first == second {
		t.Errorf("got the same key twice: %q", first)
	}
	q.Done(first)
	q.Done(second)

	if q.Len() != 0 {
		t.Errorf("queue length = %d after draining, want 0", q.Len())
	}
}

func TestWorkQueueRedirtyWhileProcessing(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	q.Add("/AgentRun/default/a")
	key, _ := q.Get()

	// Event arrives while the key is being processed.
	q.Add(key)
	if q.Len() != 0 {
		t.Fatalf("in-process key must not be double-queued, length = %d", q.Len())
	}

	q.Done(key)
	if q.Len() != 1 {
		t.Fatalf("re-dirtied key must be requeued on Done, length = %d", q.Len())
	}
}

func TestWorkQueueRequeueBacksOff(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	q.Add("/AgentRun/default/a")
	key, _ := q.Get()
	q.Requeue(key)

	// The retry is delayed, so an immediate Get must block.
	got := make(chan string, 1)
	go func() {
		k, ok := q.Get()
		if ok {
			got <- k
		}
	}()

	select {
	case k := <-got:
		// First backoff is one second; anything sooner is a bug, but
		// allow the read itself some slack.
		t.Fatalf("requeued key %q delivered without backoff", k)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case k := <-got:
		if k != key {
			t.Errorf("got %q, want %q", k, key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("requeued key never delivered")
	}
}

func TestWorkQueueCloseUnblocksGet(t *testing.T) {
	q := NewWorkQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Get on closed queue must report not-ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock on Close")
	}
}

func seedController(t *testing.T) (*RunController, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	sched := scheduler.NewScheduler(s, zap.NewNop())
	// The runtime is only touched on the Scheduled->Running launch; the
	// transitions under test never reach it.
	return NewRunController(s, sched, nil, zap.NewNop()), s
}

func TestReconcilePendingSchedulesRun(t *testing.T) {
	c, s := seedController(t)

	backend := &v1alpha1.ToolBackend{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindToolBackend},
		Metadata: v1alpha1.ObjectMeta{Name: "fs-tools", Project: "default"},
		Spec: v1alpha1.ToolBackendSpec{
			Command: "/usr/local/bin/tool-server",
			Tools:   []v1alpha1.ToolOffering{{Name: "read_file"}},
		},
		Status: v1alpha1.ToolBackendStatus{Phase: v1alpha1.BackendAvailable},
	}
	backendKey := store.ResourceKey(v1alpha1.KindToolBackend, "default", "fs-tools")
	if err := s.Create(backendKey, backend); err != nil {
		t.Fatal(err)
	}

	run := &v1alpha1.AgentRun{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindAgentRun},
		Metadata: v1alpha1.ObjectMeta{Name: "survey", Project: "default"},
		Spec:     v1alpha1.AgentRunSpec{Task: "noop", Tools: []string{"read_file"}},
		Status:   v1alpha1.AgentRunStatus{Phase: v1alpha1.RunPending},
	}
	runKey := store.ResourceKey(v1alpha1.KindAgentRun, "default", "survey")
	if err := s.Create(runKey, run); err != nil {
		t.Fatal(err)
	}

	if err := c.Reconcile(context.Background(), runKey); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var got v1alpha1.AgentRun
	if err := s.Get(runKey, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status.Phase != v1alpha1.RunScheduled {
		t.Errorf("phase = %s, want Scheduled", got.Status.Phase)
	}
	if got.Status.AssignedBackend != "fs-tools" {
		t.Errorf("assignedBackend = %q, want fs-tools", got.Status.AssignedBackend)
	}
}

func TestReconcilePendingNoBackendReturnsError(t *testing.T) {
	c, s := seedController(t)

	run := &v1alpha1.AgentRun{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindAgentRun},
		Metadata: v1alpha1.ObjectMeta{Name: "stuck", Project: "default"},
		Spec:     v1alpha1.AgentRunSpec{Task: "noop"},
		Status:   v1alpha1.AgentRunStatus{Phase: v1alpha1.RunPending},
	}
	runKey := store.ResourceKey(v1alpha1.KindAgentRun, "default", "stuck")
	if err := s.Create(runKey, run); err != nil {
		t.Fatal(err)
	}

	// Error triggers the work queue's backoff requeue.
	if err := c.Reconcile(context.Background(), runKey); err == nil {
		t.Fatal("expected error when no backend is available")
	}
}

func TestReconcileScheduledBackendGoneResetsToPending(t *testing.T) {
	c, s := seedController(t)

	run := &v1alpha1.AgentRun{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindAgentRun},
		Metadata: v1alpha1.ObjectMeta{Name: "orphan", Project: "default"},
		Spec:     v1alpha1.AgentRunSpec{Task: "noop"},
		Status: v1alpha1.AgentRunStatus{
			Phase:           v1alpha1.RunScheduled,
			AssignedBackend: "vanished",
		},
	}
	runKey := store.ResourceKey(v1alpha1.KindAgentRun, "default", "orphan")
	if err := s.Create(runKey, run); err != nil {
		t.Fatal(err)
	}

	if err := c.Reconcile(context.Background(), runKey); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var got v1alpha1.AgentRun
	if err := s.Get(runKey, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status.Phase != v1alpha1.RunPending {
		t.Errorf("phase = %s, want Pending", got.Status.Phase)
	}
	if got.Status.AssignedBackend != "" {
		t.Errorf("assignedBackend = %q, want cleared", got.Status.AssignedBackend)
	}
}

func TestReconcileScheduledLaunchesOnce(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	backend := &v1alpha1.ToolBackend{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindToolBackend},
		Metadata: v1alpha1.ObjectMeta{Name: "fs-tools", Project: "default"},
		Spec: v1alpha1.ToolBackendSpec{
			Command: os.Args[0],
			Args:    []string{"-test.run=TestHelperProcess", "--"},
			Env:     map[string]string{"IRONCLAW_CTRL_STUB": "1"},
			Tools:   []v1alpha1.ToolOffering{{Name: "read_file", Tier: v1alpha1.TierSafe}},
		},
		Status: v1alpha1.ToolBackendStatus{Phase: v1alpha1.BackendAvailable},
	}
	backendKey := store.ResourceKey(v1alpha1.KindToolBackend, "default", "fs-tools")
	if err := s.Create(backendKey, backend); err != nil {
		t.Fatal(err)
	}

	run := &v1alpha1.AgentRun{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindAgentRun},
		Metadata: v1alpha1.ObjectMeta{Name: "once", Project: "default"},
		Spec:     v1alpha1.AgentRunSpec{Task: `call read_file {"path": "a"}`},
		Status: v1alpha1.AgentRunStatus{
			Phase:           v1alpha1.RunScheduled,
			AssignedBackend: "fs-tools",
		},
	}
	runKey := store.ResourceKey(v1alpha1.KindAgentRun, "default", "once")
	if err := s.Create(runKey, run); err != nil {
		t.Fatal(err)
	}

	rt := agent.NewRuntime(s, config.DefaultConfig(), nil, zap.NewNop())
	defer rt.Shutdown()
	sched := scheduler.NewScheduler(s, zap.NewNop())
	c := NewRunController(s, sched, rt, zap.NewNop())

	// An update event can land while the launch goroutine is still
	// executing, re-entering reconcile with the run still Scheduled in
	// the store. The second reconcile must not launch the run again.
	if err := c.Reconcile(context.Background(), runKey); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if err := c.Reconcile(context.Background(), runKey); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	var got v1alpha1.AgentRun
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := s.Get(runKey, &got); err != nil {
			t.Fatal(err)
		}
		if got.Status.Phase.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached a terminal phase, still %s", got.Status.Phase)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got.Status.Phase != v1alpha1.RunCompleted {
		t.Fatalf("phase = %s (error %q), want Completed", got.Status.Phase, got.Status.Error)
	}
	if got.Status.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", got.Status.Iterations)
	}

	var gotBackend v1alpha1.ToolBackend
	if err := s.Get(backendKey, &gotBackend); err != nil {
		t.Fatal(err)
	}
	// A double launch executes the plan twice and doubles the counters.
	if gotBackend.Status.TotalCalls != 1 {
		t.Errorf("totalCalls = %d, want 1", gotBackend.Status.TotalCalls)
	}
	if gotBackend.Status.ActiveRuns != 0 {
		t.Errorf("activeRuns = %d after run, want 0", gotBackend.Status.ActiveRuns)
	}
}

func TestReconcileMissingRunIsNoop(t *testing.T) {
	c, _ := seedController(t)
	if err := c.Reconcile(context.Background(), "/AgentRun/default/deleted"); err != nil {
		t.Fatalf("deleted run must be a no-op, got %v", err)
	}
}
