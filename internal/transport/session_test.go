package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/approval"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// TestHelperProcess is not a real test: it is re-executed as the stub tool
// backend for the session tests. Behavior is selected via
// IRONCLAW_STUB_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("IRONCLAW_STUB") != "1" {
		return
	}
	defer os.Exit(0)
	runStub()
}

func runStub() {
	mode := os.Getenv("IRONCLAW_STUB_MODE")
	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
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
		id := *req.ID

		switch req.Method {
		case "initialize":
			if mode == "silent" {
				continue
			}
			ver := "2024-11-05"
			switch mode {
			case "bad-version":
				ver = "1999-01-01"
			case "echo-version":
				// Agree to whatever version the client announced.
				var params struct {
					ProtocolVersion string `json:"protocolVersion"`
				}
				if err := json.Unmarshal(req.Params, &params); err == nil {
					ver = params.ProtocolVersion
				}
			}
			stubReply(out, id, fmt.Sprintf(`{"protocolVersion":%q,"serverInfo":{"name":"stub","version":"0.0.1"}}`, ver))
			if mode == "close-after-init" {
				return
			}

		case "tools/call":
			switch mode {
			case "silent-calls":
				// Initialized fine, but never answers tool calls.
			case "garbage":
				fmt.Fprintln(out, "this is not json")
				out.Flush()
			case "tool-error":
				fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32002,"message":"tool exploded"}}`+"\n", id)
				out.Flush()
			case "unknown-id":
				stubReply(out, 999999, `{"ok":true}`)
				stubReply(out, id, `{"ok":true}`)
			case "slow":
				d, _ := time.ParseDuration(os.Getenv("IRONCLAW_STUB_DELAY"))
				time.Sleep(d)
				stubReply(out, id, `{"ok":true}`)
			default:
				stubReply(out, id, `{"ok":true}`)
			}
		}
	}
}

func stubReply(out *bufio.Writer, id uint64, result string) {
	fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result)
	out.Flush()
}

// stubSession spawns a session against the re-executed test binary.
func stubSession(t *testing.T, mode string, cfg Config, approver approval.Approver) *Session {
	t.Helper()

	cfg.Command = os.Args[0]
	cfg.Args = []string{"-test.run=TestHelperProcess", "--"}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	cfg.Env["IRONCLAW_STUB"] = "1"
	cfg.Env["IRONCLAW_STUB_MODE"] = mode

	s := NewSession(cfg, approver, zap.NewNop())
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func mustInit(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Spawn(); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
}

func resultOK(t *testing.T, raw json.RawMessage) {
	t.Helper()
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unparseable result %s: %v", raw, err)
	}
	if !result.OK {
		t.Errorf(`expected {"ok":true}, got %s`, raw)
	}
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestCallToolBeforeSpawn(t *testing.T) {
	s := NewSession(Config{Command: "true"}, nil, zap.NewNop())

	_, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.State != StateUnspawned {
		t.Errorf("expected state UNSPAWNED in error, got %s", se.State)
	}
}

func TestInitializeBeforeSpawn(t *testing.T) {
	s := NewSession(Config{Command: "true"}, nil, zap.NewNop())

	err := s.Initialize(context.Background())
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestCallToolBeforeInitialize(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	if err := s.Spawn(); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	// Session is SPAWNED but not INITIALIZED: the request must be rejected
	// before anything is written to the child.
	_, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.State != StateSpawned {
		t.Errorf("expected state SPAWNED in error, got %s", se.State)
	}

	// The handshake must still be possible: nothing reached the backend.
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize after rejected call failed: %v", err)
	}
}

func TestInitializeTwice(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	mustInit(t, s)

	err := s.Initialize(context.Background())
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError on second initialize, got %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("expected state INITIALIZED, got %s", s.State())
	}
}

func TestSpawnFailure(t *testing.T) {
	s := NewSession(Config{Command: "/nonexistent/ironclaw-backend"}, nil, zap.NewNop())

	err := s.Spawn()
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if s.State() != StateUnspawned {
		t.Errorf("failed spawn must leave state UNSPAWNED, got %s", s.State())
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestInitializeAndCallTool(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	mustInit(t, s)

	raw, err := s.CallTool(context.Background(), "noop", map[string]interface{}{}, v1alpha1.TierSafe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resultOK(t, raw)

	if s.State() != StateInitialized {
		t.Errorf("expected state to remain INITIALIZED, got %s", s.State())
	}
}

func TestRequestIDsIncrease(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	mustInit(t, s)

	for i := 0; i < 3; i++ {
		if _, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	// initialize took id 1, the three calls 2..4.
	if got := s.nextID.Load(); got != 4 {
		t.Errorf("expected next id counter 4, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Handshake failures
// ---------------------------------------------------------------------------

func TestInitializeVersionMismatch(t *testing.T) {
	s := stubSession(t, "bad-version", Config{}, nil)
	if err := s.Spawn(); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	err := s.Initialize(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if s.State() == StateInitialized {
		t.Error("version mismatch must not reach INITIALIZED")
	}
}

func TestInitializePinnedVersion(t *testing.T) {
	// The announced version must follow the configured pin, not the
	// package default, so a backend that agrees to the pinned version
	// handshakes successfully.
	s := stubSession(t, "echo-version", Config{ProtocolVersion: "custom-2025-01-01"}, nil)
	if err := s.Spawn(); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("pinned-version handshake failed: %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("expected state %v, got %v", StateInitialized, s.State())
	}
}

func TestInitializeTimeout(t *testing.T) {
	s := stubSession(t, "silent", Config{InitTimeout: 100 * time.Millisecond}, nil)
	if err := s.Spawn(); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}

	err := s.Initialize(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Call failures
// ---------------------------------------------------------------------------

func TestCallToolReportedFailure(t *testing.T) {
	s := stubSession(t, "tool-error", Config{}, nil)
	mustInit(t, s)

	_, err := s.CallTool(context.Background(), "explode", nil, v1alpha1.TierSafe)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Code != -32002 {
		t.Errorf("expected code -32002, got %d", toolErr.Code)
	}
	if !Recoverable(err) {
		t.Error("ToolError must be recoverable")
	}

	// A tool failure is per-call: the session survives it.
	if s.State() != StateInitialized {
		t.Errorf("expected state INITIALIZED after tool failure, got %s", s.State())
	}
}

func TestCallToolTransportBroken(t *testing.T) {
	s := stubSession(t, "close-after-init", Config{CallTimeout: 5 * time.Second}, nil)
	mustInit(t, s)

	// The stub exited right after the handshake; the call must fail with a
	// TransportError rather than hang.
	_, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	var tre *TransportError
	if !errors.As(err, &tre) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if Recoverable(err) {
		t.Error("TransportError must not be recoverable")
	}
}

func TestCallToolProtocolViolation(t *testing.T) {
	s := stubSession(t, "garbage", Config{CallTimeout: 5 * time.Second}, nil)
	mustInit(t, s)

	_, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Correlation
// ---------------------------------------------------------------------------

func TestUnknownResponseIDDiscarded(t *testing.T) {
	s := stubSession(t, "unknown-id", Config{}, nil)
	mustInit(t, s)

	// The stub emits a response with a bogus id before the real one; the
	// bogus response must be discarded without affecting the pending call.
	raw, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resultOK(t, raw)
}

func TestLateResponseAfterTimeout(t *testing.T) {
	s := stubSession(t, "slow", Config{
		CallTimeout: 5 * time.Second,
		Env:         map[string]string{"IRONCLAW_STUB_DELAY": "300ms"},
	}, nil)
	mustInit(t, s)

	// First call times out via its context deadline; its pending slot is
	// released, so the eventual late response is discarded.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.CallTool(ctx, "noop", nil, v1alpha1.TierSafe)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// Second call must correlate cleanly despite the straggler.
	raw, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	if err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	resultOK(t, raw)
}

// ---------------------------------------------------------------------------
// Approval cliff
// ---------------------------------------------------------------------------

func TestPrivilegedCallWaitsForApproval(t *testing.T) {
	broker := approval.NewBroker(1)
	s := stubSession(t, "ok", Config{}, broker)
	mustInit(t, s)

	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := s.CallTool(context.Background(), "write_file",
			map[string]interface{}{"path": "/tmp/x"}, v1alpha1.TierPrivileged)
		done <- outcome{raw, err}
	}()

	var pending *approval.Pending
	select {
	case pending = <-broker.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval request")
	}

	// The request is parked: the call must not complete (and therefore
	// cannot have been dispatched) before approval is signaled.
	select {
	case <-done:
		t.Fatal("privileged call completed before approval")
	case <-time.After(100 * time.Millisecond):
	}

	pending.Answer(approval.Approved)

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("approved call failed: %v", out.err)
		}
		resultOK(t, out.raw)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approved call")
	}
}

func TestPrivilegedCallDenied(t *testing.T) {
	s := stubSession(t, "ok", Config{}, approval.Auto(false))
	mustInit(t, s)

	_, err := s.CallTool(context.Background(), "write_file", nil, v1alpha1.TierPrivileged)
	if !errors.Is(err, approval.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}

	// Denial is per-call: a safe call on the same session still works.
	raw, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	if err != nil {
		t.Fatalf("safe call after denial failed: %v", err)
	}
	resultOK(t, raw)
}

func TestSafeCallSkipsApprover(t *testing.T) {
	// An approver that fails the test if consulted.
	s := stubSession(t, "ok", Config{}, approverFunc(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		t.Errorf("approver consulted for safe call %q", req.Tool)
		return approval.Denied, nil
	}))
	mustInit(t, s)

	if _, err := s.CallTool(context.Background(), "read_file", nil, v1alpha1.TierSafe); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type approverFunc func(ctx context.Context, req approval.Request) (approval.Decision, error)

func (f approverFunc) Approve(ctx context.Context, req approval.Request) (approval.Decision, error) {
	return f(ctx, req)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestShutdownIdempotent(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	mustInit(t, s)

	if err := s.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if s.State() != StateShutdown {
		t.Errorf("expected state SHUTDOWN, got %s", s.State())
	}
}

func TestShutdownNeverSpawned(t *testing.T) {
	s := NewSession(Config{Command: "true"}, nil, zap.NewNop())
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown of unspawned session must be a no-op, got %v", err)
	}
	if s.State() != StateUnspawned {
		t.Errorf("expected state UNSPAWNED, got %s", s.State())
	}
}

func TestCallToolAfterShutdown(t *testing.T) {
	s := stubSession(t, "ok", Config{}, nil)
	mustInit(t, s)
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := s.CallTool(context.Background(), "noop", nil, v1alpha1.TierSafe)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError after shutdown, got %v", err)
	}
}
