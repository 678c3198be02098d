package scheduler

import v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"

// PriorityFunc scores a backend for a run. Higher score = better match. Range: 0-100.
type PriorityFunc func(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) int

// LeastLoaded gives higher score to backends with fewer active runs.
// Each active run costs 10 points; ten or more concurrent runs score 0.
func LeastLoaded(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) int {
	score := 100 - backend.Status.ActiveRuns*10
	if score < 0 {
		score = 0
	}
	return score
}

// ToolCoverage prefers the tightest-fitting backend: one whose offerings
// are mostly tools the run actually needs.
// Score = (requiredTools / offeredTools) * 100; 50 when the run lists no
// tools or the backend offers none.
func ToolCoverage(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) int {
	if len(run.Spec.Tools) == 0 || len(backend.Spec.Tools) == 0 {
		return 50
	}
	score := len(run.Spec.Tools) * 100 / len(backend.Spec.Tools)
	if score > 100 {
		score = 100
	}
	return score
}

// PinPreference gives 100 if the run explicitly pins this backend,
// 50 if it has no pin. (A mismatching pin never reaches scoring: the
// pin predicate filters it out.)
func PinPreference(backend *v1alpha1.ToolBackend, run *v1alpha1.AgentRun) int {
	if run.Spec.Backend == "" {
		return 50
	}
	if backend.Metadata.Name == run.Spec.Backend {
		return 100
	}
	return 0
}
