package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anchapin/ironclaw/internal/loop"
)

// PlanStep is one scripted tool invocation extracted from a task.
type PlanStep struct {
	Tool string
	Args map[string]any
}

// PlanPolicy walks a fixed sequence of tool calls embedded in the task
// text and signals completion when the plan is exhausted. Steps are
// lines of the form
//
//	call <tool> <json arguments>
//
// anywhere in the task; lines that do not match are prose and ignored.
// Progress is derived from state.Iterations, so Decide stays a pure
// function of the state.
type PlanPolicy struct {
	steps []PlanStep
}

// ParsePlan extracts the scripted steps from a task. A task with no
// call lines yields an empty plan; the run then completes without a
// single dispatch.
func ParsePlan(task string) (*PlanPolicy, error) {
	var steps []PlanStep

	sc := bufio.NewScanner(strings.NewReader(task))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "call ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "call "))
		name, rawArgs, _ := strings.Cut(rest, " ")
		if name == "" {
			return nil, fmt.Errorf("plan line %q: missing tool name", line)
		}

		args := map[string]any{}
		if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("plan line %q: bad arguments: %w", line, err)
			}
		}
		steps = append(steps, PlanStep{Tool: name, Args: args})
	}
	return &PlanPolicy{steps: steps}, nil
}

// Steps returns the number of scripted steps.
func (p *PlanPolicy) Steps() int {
	return len(p.steps)
}

// Decide returns the next scripted step, or nil once the plan is done.
func (p *PlanPolicy) Decide(state *loop.State) (*loop.ToolCall, error) {
	if state.Iterations >= len(p.steps) {
		return nil, nil
	}
	step := p.steps[state.Iterations]
	return &loop.ToolCall{Name: step.Tool, Arguments: step.Args}, nil
}
