package scheduler

import v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"

// Predicate is a filter function that returns true if a backend can accept the run.
type Predicate func(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) bool

// BackendInSameProject checks that the backend's project matches the run's project.
func BackendInSameProject(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) bool {
	return backend.Metadata.Project == run.Metadata.Project
}

// BackendIsAvailable checks that the backend is in Available phase
// (not Degraded or Unreachable).
func BackendIsAvailable(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) bool {
	return backend.Status.Phase == v1alpha1.BackendAvailable
}

// BackendOffersTools checks that every tool the run requires is among the
// backend's offerings. A run with no tool list accepts any backend.
func BackendOffersTools(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) bool {
	if len(run.Spec.Tools) == 0 {
		return true
	}

	offered := make(map[string]struct{}, len(backend.Spec.Tools))
	for _, o := range backend.Spec.Tools {
		offered[o.Name] = struct{}{}
	}

	for _, req := range run.Spec.Tools {
		if _, ok := offered[req]; !ok {
			return false
		}
	}
	return true
}

// BackendMatchesPin checks the run's explicit backend pin, if any.
// An unpinned run matches every backend.
func BackendMatchesPin(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) bool {
	if run.Spec.Backend == "" {
		return true
	}
	return backend.Metadata.Name == run.Spec.Backend
}
