package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// Scheduler assigns AgentRuns to ToolBackends using Kubernetes-style
// predicate filtering and priority scoring.
type Scheduler struct {
	store      store.Store
	predicates []Predicate
	priorities []PriorityFunc
	logger     *zap.Logger
}

// scoreResult holds a backend and its total priority score.
type scoreResult struct {
	backend *v1alpha1.ToolBackend
	score   int
}

// NewScheduler creates a Scheduler with default predicates and priorities.
func NewScheduler(s store.Store, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store: s,
		predicates: []Predicate{
			BackendInSameProject,
			BackendIsAvailable,
			BackendOffersTools,
			BackendMatchesPin,
		},
		priorities: []PriorityFunc{
			LeastLoaded,
			ToolCoverage,
			PinPreference,
		},
		logger: logger,
	}
}

// Schedule finds the best backend for a run.
//
//  1. List all ToolBackends in the run's project.
//  2. Filter through all predicates (backend must pass ALL).
//  3. Score remaining backends through all priorities (sum scores).
//  4. Sort by total score descending, name ascending as tiebreak.
//  5. Return the highest-scoring backend.
//
// Returns an error if no suitable backend is found.
func (s *Scheduler) Schedule(run *v1alpha1.AgentRun) (*v1alpha1.ToolBackend, error) {
	// 1. List all ToolBackends in the run's project.
	prefix := fmt.Sprintf("/%s/%s/", v1alpha1.KindToolBackend, run.Metadata.Project)
	objects, err := s.store.List(prefix, func() interface{} {
		return &v1alpha1.ToolBackend{}
	})
	if err != nil {
		return nil, fmt.Errorf("listing backends for project %q: %w", run.Metadata.Project, err)
	}

	s.logger.Debug("scheduler: listed backends",
		zap.String("project", run.Metadata.Project),
		zap.Int("total", len(objects)),
	)

	// 2. Filter through all predicates.
	var feasible []*v1alpha1.ToolBackend
	for _, obj := range objects {
		backend, ok := obj.(*v1alpha1.ToolBackend)
		if !ok {
			continue
		}

		passed := true
		for _, pred := range s.predicates {
			if !pred(backend, run) {
				passed = false
				break
			}
		}
		if passed {
			feasible = append(feasible, backend)
		}
	}

	s.logger.Debug("scheduler: predicates applied",
		zap.Int("feasible", len(feasible)),
	)

	if len(feasible) == 0 {
		return nil, fmt.Errorf("no suitable backend found for run %q in project %q",
			run.Metadata.Name, run.Metadata.Project)
	}

	// 3. Score remaining backends through all priorities.
	results := make([]scoreResult, len(feasible))
	for i, backend := range feasible {
		total := 0
		for _, pf := range s.priorities {
			total += pf(backend, run)
		}
		results[i] = scoreResult{backend: backend, score: total}
	}

	// 4. Sort by total score descending; equal scores break on name so
	// scheduling stays deterministic.
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].backend.Metadata.Name < results[j].backend.Metadata.Name
	})

	best := results[0]
	s.logger.Info("scheduler: backend selected",
		zap.String("run", run.Metadata.Name),
		zap.String("backend", best.backend.Metadata.Name),
		zap.Int("score", best.score),
	)

	// 5. Return the highest-scoring backend.
	return best.backend, nil
}
