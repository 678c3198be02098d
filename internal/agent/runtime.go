// Package agent implements the run execution runtime: it owns the live
// transport sessions, one per ToolBackend, and drives the decision loop
// for scheduled AgentRuns, persisting every status transition and the
// full transcript through the store.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/approval"
	"github.com/anchapin/ironclaw/internal/config"
	"github.com/anchapin/ironclaw/internal/loop"
	"github.com/anchapin/ironclaw/internal/store"
	"github.com/anchapin/ironclaw/internal/tools"
	"github.com/anchapin/ironclaw/internal/transport"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// sessionApprover routes approval requests for one backend session to
// the approver of the run currently executing on it. The runtime binds
// a run before driving the loop and unbinds it after; with one run per
// session at a time there is never a conflicting binding.
type sessionApprover struct {
	mu       sync.Mutex
	run      string
	delegate approval.Approver
}

func (a *sessionApprover) Approve(ctx context.Context, req approval.Request) (approval.Decision, error) {
	a.mu.Lock()
	req.Run = a.run
	delegate := a.delegate
	a.mu.Unlock()

	if delegate == nil {
		delegate = approval.Auto(false)
	}
	return delegate.Approve(ctx, req)
}

func (a *sessionApprover) bind(run string, delegate approval.Approver) {
	a.mu.Lock()
	a.run = run
	a.delegate = delegate
	a.mu.Unlock()
}

func (a *sessionApprover) unbind() {
	a.bind("", nil)
}

type backendSession struct {
	session  *transport.Session
	approver *sessionApprover
}

// retryDispatcher retries timed-out tool calls before the loop sees the
// error. Each attempt goes out with a fresh request id, so a late
// response to a timed-out attempt cannot be misdelivered.
type retryDispatcher struct {
	sess   *transport.Session
	policy transport.RetryPolicy
	logger *zap.Logger
}

func (d *retryDispatcher) CallTool(ctx context.Context, name string, args map[string]any, tier v1alpha1.RiskTier) (json.RawMessage, error) {
	return transport.Retry(ctx, d.policy, d.logger, func(ctx context.Context) (json.RawMessage, error) {
		return d.sess.CallTool(ctx, name, args, tier)
	})
}

// Runtime manages live backend sessions and executes AgentRuns.
type Runtime struct {
	store    store.Store
	cfg      *config.Config
	approver approval.Approver // server-wide default
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*backendSession // keyed by backend store key
}

// NewRuntime creates a new run Runtime. defaultApprover handles
// privileged calls for runs that do not set their own approval mode.
func NewRuntime(s store.Store, cfg *config.Config, defaultApprover approval.Approver, logger *zap.Logger) *Runtime {
	if defaultApprover == nil {
		defaultApprover = approval.Auto(false)
	}
	return &Runtime{
		store:    s,
		cfg:      cfg,
		approver: defaultApprover,
		logger:   logger,
		sessions: make(map[string]*backendSession),
	}
}

// EnsureSession returns a live, initialized session for the backend,
// spawning and handshaking one if necessary. A session that went fatal
// since the last call is shut down and replaced.
func (r *Runtime) EnsureSession(ctx context.Context, backend *v1alpha1.ToolBackend) (*transport.Session, error) {
	key := store.ResourceKey(v1alpha1.KindToolBackend, backend.Metadata.Project, backend.Metadata.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if bs, ok := r.sessions[key]; ok {
		if bs.session.Healthy() {
			return bs.session, nil
		}
		r.logger.Warn("discarding dead backend session",
			zap.String("backend", backend.Metadata.Name),
			zap.Error(bs.session.Err()),
		)
		bs.session.Shutdown()
		delete(r.sessions, key)
	}

	cfg := transport.Config{
		Command:         backend.Spec.Command,
		Args:            backend.Spec.Args,
		Env:             backend.Spec.Env,
		ProtocolVersion: backend.Spec.ProtocolVersion,
		InitTimeout:     r.cfg.InitTimeoutDuration(),
		CallTimeout:     r.cfg.CallTimeoutDuration(),
	}
	if backend.Spec.InitTimeoutSeconds > 0 {
		cfg.InitTimeout = time.Duration(backend.Spec.InitTimeoutSeconds) * time.Second
	}
	if backend.Spec.CallTimeoutSeconds > 0 {
		cfg.CallTimeout = time.Duration(backend.Spec.CallTimeoutSeconds) * time.Second
	}

	ap := &sessionApprover{}
	sess := transport.NewSession(cfg, ap, r.logger.Named("session"))

	if err := sess.Spawn(); err != nil {
		return nil, fmt.Errorf("spawning backend %s: %w", backend.Metadata.Name, err)
	}
	if err := sess.Initialize(ctx); err != nil {
		sess.Shutdown()
		return nil, fmt.Errorf("initializing backend %s: %w", backend.Metadata.Name, err)
	}

	r.logger.Info("backend session established",
		zap.String("backend", backend.Metadata.Name),
		zap.String("command", backend.Spec.Command),
	)

	r.sessions[key] = &backendSession{session: sess, approver: ap}
	return sess, nil
}

// LiveSessions returns the number of backend sessions currently held.
func (r *Runtime) LiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionFor returns the live session for a backend key, if any.
func (r *Runtime) SessionFor(key string) (*transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bs, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	return bs.session, true
}

// ExecuteRun drives the decision loop for a scheduled run on the given
// backend and persists the outcome. Store failures are returned;
// run-level failures are recorded in the run's status instead.
func (r *Runtime) ExecuteRun(ctx context.Context, run *v1alpha1.AgentRun, backend *v1alpha1.ToolBackend) error {
	runKey := store.ResourceKey(v1alpha1.KindAgentRun, run.Metadata.Project, run.Metadata.Name)
	backendKey := store.ResourceKey(v1alpha1.KindToolBackend, backend.Metadata.Project, backend.Metadata.Name)

	r.logger.Info("executing run",
		zap.String("run", run.Metadata.Name),
		zap.String("backend", backend.Metadata.Name),
	)

	now := time.Now()
	run.Status.Phase = v1alpha1.RunRunning
	run.Status.AssignedBackend = backend.Metadata.Name
	run.Status.StartedAt = now
	run.Metadata.UpdatedAt = now
	if err := r.store.Update(runKey, run); err != nil {
		return fmt.Errorf("failed to set run Running: %w", err)
	}

	backend.Status.ActiveRuns++
	backend.Metadata.UpdatedAt = now
	if err := r.store.Update(backendKey, backend); err != nil {
		return fmt.Errorf("failed to update backend status: %w", err)
	}

	res := r.execute(ctx, run, backend, backendKey)

	finishedAt := time.Now()
	run.Status.FinishedAt = finishedAt
	run.Metadata.UpdatedAt = finishedAt

	switch {
	case res.err != nil:
		run.Status.Phase = v1alpha1.RunFailed
		run.Status.Error = res.err.Error()
	case res.result.Outcome == loop.OutcomeCompleted:
		run.Status.Phase = v1alpha1.RunCompleted
	case res.result.Outcome == loop.OutcomeExhausted:
		run.Status.Phase = v1alpha1.RunExhausted
	default:
		run.Status.Phase = v1alpha1.RunFailed
		if res.result.Err != nil {
			run.Status.Error = res.result.Err.Error()
		}
	}
	if res.result != nil && res.result.State != nil {
		run.Status.Iterations = res.result.State.Iterations
		run.Status.Transcript = res.result.State.Messages
	}

	r.logger.Info("run finished",
		zap.String("run", run.Metadata.Name),
		zap.String("phase", string(run.Status.Phase)),
		zap.Int("iterations", run.Status.Iterations),
	)

	if err := r.store.Update(runKey, run); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	backend.Status.ActiveRuns--
	backend.Status.TotalCalls += run.Status.Iterations
	backend.Metadata.UpdatedAt = finishedAt
	if err := r.store.Update(backendKey, backend); err != nil {
		return fmt.Errorf("failed to update backend status: %w", err)
	}
	return nil
}

type executeResult struct {
	result *loop.Result
	err    error
}

func (r *Runtime) execute(ctx context.Context, run *v1alpha1.AgentRun, backend *v1alpha1.ToolBackend, backendKey string) executeResult {
	requested := run.Spec.Tools
	if len(requested) == 0 {
		for _, o := range backend.Spec.Tools {
			requested = append(requested, o.Name)
		}
	}
	reg, err := tools.Resolve(requested, backend.Spec.Tools)
	if err != nil {
		return executeResult{err: fmt.Errorf("resolving tools: %w", err)}
	}

	policy, err := ParsePlan(run.Spec.Task)
	if err != nil {
		return executeResult{err: fmt.Errorf("parsing task plan: %w", err)}
	}

	runApprover, err := approval.ForMode(run.Spec.ApprovalMode, r.approver)
	if err != nil {
		return executeResult{err: err}
	}

	sess, err := r.EnsureSession(ctx, backend)
	if err != nil {
		return executeResult{err: err}
	}

	r.mu.Lock()
	bs := r.sessions[backendKey]
	r.mu.Unlock()
	bs.approver.bind(run.Metadata.Name, runApprover)
	defer bs.approver.unbind()

	ceiling := run.Spec.MaxIterations
	if ceiling <= 0 {
		ceiling = r.cfg.Runs.MaxIterations
	}

	timeout := run.Spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = r.cfg.Runs.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	retryPolicy := transport.DefaultRetryPolicy()
	if r.cfg.Runs.RetryAttempts > 0 {
		retryPolicy.MaxAttempts = r.cfg.Runs.RetryAttempts
	}
	dispatcher := &retryDispatcher{
		sess:   sess,
		policy: retryPolicy,
		logger: r.logger.Named("retry"),
	}

	runner := loop.NewRunner(policy, dispatcher, ceiling, r.logger.Named("loop"))
	result, err := runner.Run(runCtx, run.Spec.Task, reg)
	if err != nil {
		return executeResult{err: err}
	}

	// A session-fatal failure must not poison the next run.
	if !sess.Healthy() {
		r.mu.Lock()
		if cur, ok := r.sessions[backendKey]; ok && cur.session == sess {
			delete(r.sessions, backendKey)
		}
		r.mu.Unlock()
		sess.Shutdown()
	}

	return executeResult{result: result}
}

// Shutdown closes every live backend session.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*backendSession)
	r.mu.Unlock()

	for key, bs := range sessions {
		if err := bs.session.Shutdown(); err != nil {
			r.logger.Warn("session shutdown failed",
				zap.String("backend", key),
				zap.Error(err),
			)
		}
	}
}
