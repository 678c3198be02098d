package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/agent"
	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// BackendHealthController monitors ToolBackend liveness by probing the
// runtime's sessions and keeps backend phases honest. It also recovers
// runs stranded on a backend whose session died.
type BackendHealthController struct {
	store    store.Store
	runtime  *agent.Runtime
	interval time.Duration
	logger   *zap.Logger
}

// NewBackendHealthController creates a new BackendHealthController.
func NewBackendHealthController(s store.Store, rt *agent.Runtime, interval time.Duration, logger *zap.Logger) *BackendHealthController {
	return &BackendHealthController{
		store:    s,
		runtime:  rt,
		interval: interval,
		logger:   logger,
	}
}

// Start probes every backend on a fixed interval until ctx is done.
// Event-driven reconciles still happen through the manager; the ticker
// catches sessions that die while no events flow.
func (c *BackendHealthController) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *BackendHealthController) probeAll(ctx context.Context) {
	prefix := "/" + v1alpha1.KindToolBackend + "/"
	objects, err := c.store.List(prefix, func() interface{} { return &v1alpha1.ToolBackend{} })
	if err != nil {
		c.logger.Error("listing backends for probe", zap.Error(err))
		return
	}
	for _, obj := range objects {
		backend, ok := obj.(*v1alpha1.ToolBackend)
		if !ok {
			continue
		}
		key := store.ResourceKey(v1alpha1.KindToolBackend, backend.Metadata.Project, backend.Metadata.Name)
		if err := c.Reconcile(ctx, key); err != nil {
			c.logger.Warn("backend probe failed",
				zap.String("backend", backend.Metadata.Name),
				zap.Error(err),
			)
		}
	}
}

// Reconcile probes one backend:
//
//  1. A live, healthy session means the backend is Available.
//  2. A session that went fatal means Unreachable; runs still marked
//     Running on it are failed so they do not hang forever.
//  3. No session at all: the backend is idle, which counts as Available;
//     the next run will spawn one and surface spawn failures itself.
func (c *BackendHealthController) Reconcile(ctx context.Context, key string) error {
	var backend v1alpha1.ToolBackend
	if err := c.store.Get(key, &backend); err != nil {
		if err == store.ErrNotFound {
			c.logger.Debug("backend not found, possibly deleted", zap.String("key", key))
			return nil
		}
		return fmt.Errorf("getting backend %q: %w", key, err)
	}

	phase := v1alpha1.BackendAvailable
	message := ""
	if sess, ok := c.runtime.SessionFor(key); ok && !sess.Healthy() {
		phase = v1alpha1.BackendUnreachable
		if err := sess.Err(); err != nil {
			message = err.Error()
		}
	}

	now := time.Now()
	changed := backend.Status.Phase != phase
	backend.Status.Phase = phase
	backend.Status.Message = message
	backend.Status.LastProbe = now
	backend.Metadata.UpdatedAt = now

	if err := c.store.Update(key, &backend); err != nil {
		return fmt.Errorf("updating backend %q status: %w", backend.Metadata.Name, err)
	}

	if changed {
		c.logger.Info("backend phase changed",
			zap.String("backend", backend.Metadata.Name),
			zap.String("phase", string(phase)),
			zap.String("message", message),
		)
	}

	if phase == v1alpha1.BackendUnreachable {
		return c.failStrandedRuns(&backend)
	}
	return nil
}

// failStrandedRuns marks runs still Running on an unreachable backend as
// Failed. The runtime normally records the outcome itself; this is the
// backstop for a runtime that died mid-run.
func (c *BackendHealthController) failStrandedRuns(backend *v1alpha1.ToolBackend) error {
	prefix := fmt.Sprintf("/%s/%s/", v1alpha1.KindAgentRun, backend.Metadata.Project)
	objects, err := c.store.List(prefix, func() interface{} { return &v1alpha1.AgentRun{} })
	if err != nil {
		return fmt.Errorf("listing runs for backend %q: %w", backend.Metadata.Name, err)
	}

	// Only runs started before the last probe are stranded; a run that
	// just started may not have observed the dead session yet.
	cutoff := backend.Status.LastProbe.Add(-c.interval)

	for _, obj := range objects {
		run, ok := obj.(*v1alpha1.AgentRun)
		if !ok {
			continue
		}
		if run.Status.Phase != v1alpha1.RunRunning || run.Status.AssignedBackend != backend.Metadata.Name {
			continue
		}
		if run.Status.StartedAt.After(cutoff) {
			continue
		}

		now := time.Now()
		run.Status.Phase = v1alpha1.RunFailed
		run.Status.Error = fmt.Sprintf("backend %s unreachable", backend.Metadata.Name)
		run.Status.FinishedAt = now
		run.Metadata.UpdatedAt = now

		runKey := store.ResourceKey(v1alpha1.KindAgentRun, run.Metadata.Project, run.Metadata.Name)
		if err := c.store.Update(runKey, run); err != nil {
			return fmt.Errorf("failing stranded run %q: %w", run.Metadata.Name, err)
		}
		c.logger.Warn("failed stranded run",
			zap.String("run", run.Metadata.Name),
			zap.String("backend", backend.Metadata.Name),
		)
	}
	return nil
}
