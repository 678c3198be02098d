// Package loop implements the agent decision loop: it owns the run's
// conversation state, repeatedly asks a pluggable policy for the next
// tool call, dispatches approved calls through a transport session,
// and appends each result to the transcript. The loop is synchronous;
// it never issues a second call before the previous result is in.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/approval"
	"github.com/anchapin/ironclaw/internal/tools"
	"github.com/anchapin/ironclaw/internal/transport"
	"github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// DefaultMaxIterations bounds a run when no explicit ceiling is set.
const DefaultMaxIterations = 100

// Message roles used in the transcript.
const (
	RoleUser = "user"
	RoleTool = "tool"
)

// State is the mutable conversation state for one loop invocation. It
// is exclusively owned by the running loop; the policy may read all of
// it and write only Context.
type State struct {
	// Task is the free-text goal that seeded the run.
	Task string

	// Messages is the transcript, append-only, in conversation order.
	Messages []v1alpha1.Message

	// Tools is the resolved tool set for this run, fixed at start.
	Tools *tools.Registry

	// Context holds auxiliary key/value state the policy may carry
	// between iterations.
	Context map[string]any

	// Iterations counts completed tool dispatches.
	Iterations int
}

func (s *State) append(role, content string) {
	s.Messages = append(s.Messages, v1alpha1.Message{Role: role, Content: content})
}

// ToolCall is the policy's chosen action for one iteration.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Tier      v1alpha1.RiskTier
}

// Policy decides the next action given the current state. Returning
// (nil, nil) signals the task is complete; this is the only success
// termination. Decide must be deterministic in state and must not
// mutate anything except state.Context.
type Policy interface {
	Decide(state *State) (*ToolCall, error)
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc func(state *State) (*ToolCall, error)

func (f PolicyFunc) Decide(state *State) (*ToolCall, error) { return f(state) }

// Dispatcher executes one tool call and returns its raw result. The
// transport session satisfies this; tests substitute fakes.
type Dispatcher interface {
	CallTool(ctx context.Context, name string, args map[string]any, tier v1alpha1.RiskTier) (json.RawMessage, error)
}

// Outcome classifies how a run ended. Completion, exhaustion, and
// failure are three distinct results; callers must be able to tell
// them apart.
type Outcome string

const (
	OutcomeCompleted Outcome = "Completed" // policy returned null
	OutcomeExhausted Outcome = "Exhausted" // iteration ceiling reached
	OutcomeFailed    Outcome = "Failed"    // policy error or fatal transport error
)

// Result is what a finished loop hands back to its caller.
type Result struct {
	Outcome Outcome
	State   *State
	Err     error // set only when Outcome is Failed
}

// Runner drives the decision loop for a single run.
type Runner struct {
	policy        Policy
	dispatcher    Dispatcher
	maxIterations int
	logger        *zap.Logger
}

// NewRunner creates a Runner. A negative ceiling selects the default;
// a ceiling of zero is honored and exhausts the run before any
// dispatch. A nil logger is replaced with a no-op one.
func NewRunner(policy Policy, dispatcher Dispatcher, maxIterations int, logger *zap.Logger) *Runner {
	if maxIterations < 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		policy:        policy,
		dispatcher:    dispatcher,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Run executes the loop for task with the given tool set. The returned
// Result always carries the final state, including on failure, so the
// transcript survives for audit. An error is returned only for invalid
// input; loop-level failures are reported through Result.Outcome.
func (r *Runner) Run(ctx context.Context, task string, reg *tools.Registry) (*Result, error) {
	if task == "" {
		return nil, fmt.Errorf("task must not be empty")
	}
	if reg == nil {
		reg = mustEmptyRegistry()
	}

	state := &State{
		Task:    task,
		Tools:   reg,
		Context: make(map[string]any),
	}
	state.append(RoleUser, task)

	for state.Iterations < r.maxIterations {
		if err := ctx.Err(); err != nil {
			return r.fail(state, fmt.Errorf("run cancelled: %w", err)), nil
		}

		call, err := r.policy.Decide(state)
		if err != nil {
			return r.fail(state, fmt.Errorf("policy: %w", err)), nil
		}
		if call == nil {
			r.logger.Debug("policy signalled completion",
				zap.Int("iterations", state.Iterations))
			return &Result{Outcome: OutcomeCompleted, State: state}, nil
		}

		def, ok := reg.Lookup(call.Name)
		if !ok {
			return r.fail(state, fmt.Errorf("policy chose tool %q outside the run's tool set", call.Name)), nil
		}

		// The registry tier is authoritative; the policy may only
		// escalate, never downgrade.
		tier := def.Tier
		if call.Tier == v1alpha1.TierPrivileged {
			tier = v1alpha1.TierPrivileged
		}

		r.logger.Debug("dispatching tool call",
			zap.String("tool", call.Name),
			zap.String("tier", string(tier)),
			zap.Int("iteration", state.Iterations))

		result, err := r.dispatcher.CallTool(ctx, call.Name, call.Arguments, tier)
		switch {
		case err == nil:
			state.append(RoleTool, string(result))
		case transport.Recoverable(err) || errors.Is(err, approval.ErrDenied):
			// Tool failures, timeouts and denied approvals go back to
			// the policy as a failed-result message; it may retry or
			// abandon.
			r.logger.Warn("tool call failed, continuing",
				zap.String("tool", call.Name),
				zap.Error(err))
			state.append(RoleTool, fmt.Sprintf("tool %s failed: %v", call.Name, err))
		default:
			return r.fail(state, fmt.Errorf("dispatching %s: %w", call.Name, err)), nil
		}
		state.Iterations++
	}

	r.logger.Warn("iteration ceiling reached",
		zap.Int("ceiling", r.maxIterations))
	return &Result{Outcome: OutcomeExhausted, State: state}, nil
}

func (r *Runner) fail(state *State, err error) *Result {
	r.logger.Error("run failed", zap.Error(err))
	return &Result{Outcome: OutcomeFailed, State: state, Err: err}
}

func mustEmptyRegistry() *tools.Registry {
	reg, _ := tools.Resolve(nil, nil)
	return reg
}
