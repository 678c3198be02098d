// Package transport implements the client side of the stdio tool protocol.
//
// A Session owns one spawned backend process and its lifecycle state
// machine (UNSPAWNED -> SPAWNED -> INITIALIZED -> SHUTDOWN). Requests are
// written to the child's stdin under a single writer lock; a background
// reader correlates responses to pending requests by id. The pending map is
// the only structure shared between the request path and the reader and is
// guarded by the session mutex.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/approval"
	"github.com/anchapin/ironclaw/internal/protocol"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateUnspawned SessionState = iota
	StateSpawned
	StateInitialized
	StateShutdown
)

func (s SessionState) String() string {
	switch s {
	case StateUnspawned:
		return "UNSPAWNED"
	case StateSpawned:
		return "SPAWNED"
	case StateInitialized:
		return "INITIALIZED"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Config describes how to spawn and talk to a backend process.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string

	// ProtocolVersion the backend must report during the handshake.
	// Defaults to protocol.ProtocolVersion.
	ProtocolVersion string

	InitTimeout   time.Duration // default 10s
	CallTimeout   time.Duration // default 30s
	ShutdownGrace time.Duration // default 5s

	ClientName    string // default "ironclaw"
	ClientVersion string // default "0.1.0"
}

func (c *Config) applyDefaults() {
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = protocol.ProtocolVersion
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "ironclaw"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.1.0"
	}
}

// Session is one live connection to a spawned tool backend.
type Session struct {
	cfg      Config
	approver approval.Approver
	logger   *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	// writeMu serializes all writes to the child's stdin.
	writeMu sync.Mutex

	// reqMu enforces one in-flight correlated request at a time.
	reqMu sync.Mutex

	// mu guards state, pending and fatal.
	mu      sync.Mutex
	state   SessionState
	pending map[uint64]chan *protocol.Response
	fatal   error

	nextID   atomic.Uint64
	waitOnce sync.Once
	procDone chan struct{}
	exitCode int
}

// NewSession creates a session in the UNSPAWNED state. A nil approver fails
// closed: every privileged call is denied.
func NewSession(cfg Config, approver approval.Approver, logger *zap.Logger) *Session {
	cfg.applyDefaults()
	if approver == nil {
		approver = approval.Auto(false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:      cfg,
		approver: approver,
		logger:   logger,
		pending:  make(map[uint64]chan *protocol.Response),
		procDone: make(chan struct{}),
		exitCode: -1,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the session-fatal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Healthy reports whether the session is initialized and unbroken.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateInitialized && s.fatal == nil
}

// Spawn launches the backend process and wires its streams. It transitions
// UNSPAWNED -> SPAWNED and starts the response reader.
func (s *Session) Spawn() error {
	s.mu.Lock()
	if s.state != StateUnspawned {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "spawn", State: st}
	}
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Command: s.cfg.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Command: s.cfg.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Command: s.cfg.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Command: s.cfg.Command, Err: err}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stderr = newTailBuffer(4096)
	go s.stderr.consume(stderr)

	s.mu.Lock()
	s.state = StateSpawned
	s.mu.Unlock()

	s.logger.Info("backend spawned",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
	)

	go s.readLoop(stdout)
	return nil
}

// Initialize performs the protocol handshake. It must be the first request
// on the session and may only happen once; it transitions
// SPAWNED -> INITIALIZED on success.
func (s *Session) Initialize(ctx context.Context) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	if s.state != StateSpawned {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "initialize", State: st}
	}
	s.mu.Unlock()

	params := protocol.InitializeParams{
		ProtocolVersion: s.cfg.ProtocolVersion,
		ClientInfo: protocol.ClientInfo{
			Name:    s.cfg.ClientName,
			Version: s.cfg.ClientVersion,
		},
	}

	resp, err := s.roundTrip(ctx, protocol.MethodInitialize, params, s.cfg.InitTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &ProtocolError{Reason: fmt.Sprintf("initialize rejected: %s", resp.Error.Message)}
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ProtocolError{Reason: "unparseable initialize result", Err: err}
	}
	if result.ProtocolVersion != s.cfg.ProtocolVersion {
		return &ProtocolError{Reason: fmt.Sprintf(
			"backend speaks protocol %q, client requires %q",
			result.ProtocolVersion, s.cfg.ProtocolVersion,
		)}
	}

	s.mu.Lock()
	if s.state == StateSpawned {
		s.state = StateInitialized
	}
	s.mu.Unlock()

	s.logger.Info("session initialized",
		zap.String("server", result.ServerInfo.Name),
		zap.String("serverVersion", result.ServerInfo.Version),
		zap.String("protocolVersion", result.ProtocolVersion),
	)
	return nil
}

// CallTool dispatches one tool invocation and blocks until its correlated
// response, a timeout, or session failure. Privileged calls are not written
// to the backend until the approver signals approval.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]interface{}, tier v1alpha1.RiskTier) (json.RawMessage, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateInitialized {
		return nil, &StateError{Op: "tools/call", State: st}
	}

	if tier == v1alpha1.TierPrivileged {
		decision, err := s.approver.Approve(ctx, approval.Request{
			Tool:      name,
			Arguments: args,
			Tier:      tier,
		})
		if err != nil {
			return nil, fmt.Errorf("approval for %q: %w", name, err)
		}
		if decision != approval.Approved {
			s.logger.Warn("privileged call denied", zap.String("tool", name))
			return nil, fmt.Errorf("tool %q: %w", name, approval.ErrDenied)
		}
		s.logger.Info("privileged call approved", zap.String("tool", name))
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	resp, err := s.roundTrip(ctx, protocol.MethodToolsCall, protocol.ToolCallParams{
		Name:      name,
		Arguments: args,
	}, s.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ToolError{Tool: name, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Shutdown sends a best-effort termination notice, terminates the child and
// transitions to SHUTDOWN. It is idempotent: shutting down an already-shut
// or never-spawned session is a no-op.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.state == StateUnspawned || s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShutdown
	s.mu.Unlock()

	// Termination notice is fire-and-forget; the backend is not required
	// to answer it.
	if raw, err := json.Marshal(protocol.NewNotification(protocol.MethodShutdown)); err == nil {
		s.writeMu.Lock()
		s.stdin.Write(append(raw, '\n')) //nolint:errcheck
		s.writeMu.Unlock()
	}
	s.stdin.Close()

	done := make(chan struct{})
	go func() {
		s.waitProcess()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("backend did not exit within grace period, killing",
			zap.Duration("grace", s.cfg.ShutdownGrace))
		s.cmd.Process.Kill() //nolint:errcheck
		<-done
	}

	s.failPending(&TransportError{Reason: "session shut down", ExitCode: s.exitCode})
	s.logger.Info("session shut down", zap.Int("exitCode", s.exitCode))
	return nil
}

// -------------------------------------------------------
// Request path
// -------------------------------------------------------

// roundTrip sends one framed request and waits for its correlated response.
// On timeout or cancellation the pending slot is released, so an eventual
// late response is discarded by the reader instead of corrupting later
// correlation.
func (s *Session) roundTrip(ctx context.Context, method string, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	id := s.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *protocol.Response, 1)
	s.mu.Lock()
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	_, werr := s.stdin.Write(append(raw, '\n'))
	s.writeMu.Unlock()
	if werr != nil {
		s.removePending(id)
		return nil, &TransportError{
			Reason:   "writing request",
			ExitCode: s.exitCodeIfExited(),
			Stderr:   s.stderr.String(),
			Err:      werr,
		}
	}

	s.logger.Debug("request sent", zap.Uint64("id", id), zap.String("method", method))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			// Reader failed the session while we were waiting.
			s.mu.Lock()
			ferr := s.fatal
			s.mu.Unlock()
			if ferr == nil {
				ferr = &TransportError{Reason: "session closed", ExitCode: s.exitCodeIfExited()}
			}
			return nil, ferr
		}
		return resp, nil
	case <-timer.C:
		s.removePending(id)
		return nil, &TimeoutError{Method: method, ID: id, After: timeout}
	case <-ctx.Done():
		s.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, ID: id, After: timeout}
		}
		return nil, ctx.Err()
	}
}

func (s *Session) removePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// -------------------------------------------------------
// Reader
// -------------------------------------------------------

// readLoop consumes the child's stdout line by line, delivering each
// response to its pending waiter. A malformed line is a protocol violation
// that fails the session; a response with an unknown id is an anomaly that
// is logged and discarded.
func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	broken := false
	for scanner.Scan() {
		if broken {
			continue // drain until EOF after a fatal protocol violation
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp, err := protocol.ParseResponse(line)
		if err != nil {
			s.logger.Error("tearing down session on protocol violation", zap.Error(err))
			s.failPending(&ProtocolError{Reason: "unparseable response", Err: err})
			s.cmd.Process.Kill() //nolint:errcheck
			broken = true
			continue
		}
		s.dispatch(resp)
	}

	scanErr := scanner.Err()
	if broken {
		s.waitProcess()
		return
	}

	// Output stream closed underneath us. Collect the exit status and
	// stderr tail so the failure is diagnosable.
	s.cmd.Process.Kill() //nolint:errcheck
	exitCode := s.waitProcess()

	s.mu.Lock()
	shutdown := s.state == StateShutdown
	s.mu.Unlock()
	if shutdown {
		return
	}

	s.failPending(&TransportError{
		Reason:   "backend closed its output stream",
		ExitCode: exitCode,
		Stderr:   s.stderr.String(),
		Err:      scanErr,
	})
}

func (s *Session) dispatch(resp *protocol.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("discarding response with no pending request", zap.Uint64("id", resp.ID))
		return
	}
	ch <- resp
}

// failPending records the first session-fatal error and releases every
// waiting caller.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal == nil {
		s.fatal = err
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// exitCodeIfExited returns the child's exit code when it has already been
// reaped, and -1 while it is still running.
func (s *Session) exitCodeIfExited() int {
	select {
	case <-s.procDone:
		return s.exitCode
	default:
		return -1
	}
}

// waitProcess reaps the child exactly once and returns its exit code.
func (s *Session) waitProcess() int {
	s.waitOnce.Do(func() {
		s.stderr.wait()
		err := s.cmd.Wait()
		var ee *exec.ExitError
		switch {
		case err == nil:
			s.exitCode = 0
		case errors.As(err, &ee):
			s.exitCode = ee.ExitCode()
		default:
			s.exitCode = -1
		}
		close(s.procDone)
	})
	<-s.procDone
	return s.exitCode
}

// -------------------------------------------------------
// Stderr tail
// -------------------------------------------------------

// tailBuffer captures the last max bytes of the child's stderr so they can
// be surfaced in a TransportError.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	max  int
	done chan struct{}
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, done: make(chan struct{})}
}

func (t *tailBuffer) consume(r io.Reader) {
	defer close(t.done)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			if len(t.buf) > t.max {
				t.buf = t.buf[len(t.buf)-t.max:]
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *tailBuffer) wait() {
	<-t.done
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
