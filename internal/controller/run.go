package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/agent"
	"github.com/anchapin/ironclaw/internal/scheduler"
	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// RunController manages the AgentRun lifecycle.
type RunController struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	runtime   *agent.Runtime
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // run keys handed to the runtime
}

// NewRunController creates a new RunController.
func NewRunController(s store.Store, sched *scheduler.Scheduler, rt *agent.Runtime, logger *zap.Logger) *RunController {
	return &RunController{
		store:     s,
		scheduler: sched,
		runtime:   rt,
		logger:    logger,
		inFlight:  make(map[string]struct{}),
	}
}

// Reconcile manages the run lifecycle:
//
//   - Pending:   Schedule onto an available backend.
//   - Scheduled: Launch runtime.ExecuteRun() in a goroutine.
//   - Running and terminal phases: No action needed.
func (c *RunController) Reconcile(ctx context.Context, key string) error {
	// A ToolBackend event may unblock pending runs.
	if strings.HasPrefix(key, "/"+v1alpha1.KindToolBackend+"/") {
		return c.reconcileFromBackendEvent(ctx, key)
	}

	var run v1alpha1.AgentRun
	if err := c.store.Get(key, &run); err != nil {
		if err == store.ErrNotFound {
			c.logger.Debug("run not found, possibly deleted", zap.String("key", key))
			return nil
		}
		return fmt.Errorf("getting run %q: %w", key, err)
	}

	c.logger.Debug("reconciling run",
		zap.String("run", run.Metadata.Name),
		zap.String("phase", string(run.Status.Phase)),
	)

	switch run.Status.Phase {
	case "", v1alpha1.RunPending:
		return c.reconcilePending(ctx, key, &run)

	case v1alpha1.RunScheduled:
		return c.reconcileScheduled(ctx, key, &run)

	case v1alpha1.RunRunning, v1alpha1.RunCompleted, v1alpha1.RunExhausted, v1alpha1.RunFailed:
		// The runtime owns Running; terminal phases need no action.
		return nil

	default:
		c.logger.Warn("unknown run phase",
			zap.String("run", run.Metadata.Name),
			zap.String("phase", string(run.Status.Phase)),
		)
		return nil
	}
}

// reconcilePending attempts to schedule the run onto a backend.
func (c *RunController) reconcilePending(ctx context.Context, key string, run *v1alpha1.AgentRun) error {
	backend, err := c.scheduler.Schedule(run)
	if err != nil {
		c.logger.Warn("scheduling failed, will retry",
			zap.String("run", run.Metadata.Name),
			zap.Error(err),
		)
		// Return error to trigger requeue with backoff.
		return fmt.Errorf("scheduling run %q: %w", run.Metadata.Name, err)
	}

	run.Status.Phase = v1alpha1.RunScheduled
	run.Status.AssignedBackend = backend.Metadata.Name

	if err := c.store.Update(key, run); err != nil {
		return fmt.Errorf("updating run %q to Scheduled: %w", run.Metadata.Name, err)
	}

	c.logger.Info("run scheduled",
		zap.String("run", run.Metadata.Name),
		zap.String("backend", backend.Metadata.Name),
	)

	return nil
}

// reconcileScheduled launches the run on its assigned backend. The run
// stays Scheduled in the store until the runtime marks it Running, so
// the in-flight set must be claimed before the launch goroutine starts
// or a second event in that window would launch the run twice.
func (c *RunController) reconcileScheduled(ctx context.Context, key string, run *v1alpha1.AgentRun) error {
	c.mu.Lock()
	if _, launched := c.inFlight[key]; launched {
		c.mu.Unlock()
		return nil
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}

	backendKey := store.ResourceKey(v1alpha1.KindToolBackend, run.Metadata.Project, run.Status.AssignedBackend)
	var backend v1alpha1.ToolBackend
	if err := c.store.Get(backendKey, &backend); err != nil {
		release()
		if err == store.ErrNotFound {
			// Assigned backend disappeared; reset to Pending for rescheduling.
			c.logger.Warn("assigned backend not found, resetting to Pending",
				zap.String("run", run.Metadata.Name),
				zap.String("backend", run.Status.AssignedBackend),
			)
			run.Status.Phase = v1alpha1.RunPending
			run.Status.AssignedBackend = ""
			return c.store.Update(key, run)
		}
		return fmt.Errorf("getting assigned backend %q: %w", run.Status.AssignedBackend, err)
	}

	c.logger.Info("launching run",
		zap.String("run", run.Metadata.Name),
		zap.String("backend", backend.Metadata.Name),
	)

	// Launch execution in a goroutine. The runtime handles the
	// Running -> Completed/Exhausted/Failed transitions and the
	// backend's run counters.
	go func() {
		defer release()
		if err := c.runtime.ExecuteRun(ctx, run, &backend); err != nil {
			c.logger.Error("runtime.ExecuteRun returned error",
				zap.String("run", run.Metadata.Name),
				zap.Error(err),
			)
		}
	}()

	return nil
}

// reconcileFromBackendEvent handles ToolBackend events by re-evaluating
// pending runs: a backend that just became Available may unblock them.
func (c *RunController) reconcileFromBackendEvent(ctx context.Context, backendKey string) error {
	// Extract project from key: /ToolBackend/{project}/{name}
	parts := strings.Split(strings.TrimPrefix(backendKey, "/"), "/")
	if len(parts) < 3 {
		return nil
	}
	project := parts[1]

	var backend v1alpha1.ToolBackend
	if err := c.store.Get(backendKey, &backend); err != nil {
		return nil // Backend gone, nothing to do.
	}
	if backend.Status.Phase != v1alpha1.BackendAvailable {
		return nil
	}

	prefix := fmt.Sprintf("/%s/%s/", v1alpha1.KindAgentRun, project)
	objects, err := c.store.List(prefix, func() interface{} { return &v1alpha1.AgentRun{} })
	if err != nil {
		return nil
	}

	for _, obj := range objects {
		run, ok := obj.(*v1alpha1.AgentRun)
		if !ok || (run.Status.Phase != "" && run.Status.Phase != v1alpha1.RunPending) {
			continue
		}
		runKey := store.ResourceKey(v1alpha1.KindAgentRun, project, run.Metadata.Name)
		if err := c.reconcilePending(ctx, runKey, run); err != nil {
			c.logger.Debug("pending run not yet schedulable",
				zap.String("run", run.Metadata.Name),
				zap.Error(err),
			)
		}
	}

	return nil
}
