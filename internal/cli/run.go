package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newRunCmd() *cobra.Command {
	var (
		project       string
		backend       string
		tools         []string
		maxIterations int
		timeout       int
		approvalMode  string
	)

	cmd := &cobra.Command{
		Use:   "run -- <task>",
		Short: "Run a one-shot agent run",
		Long: `Create a temporary AgentRun from a task and wait for completion.

Everything after "--" is treated as the task text. Lines of the form
'call <tool> <json-args>' become the run's scripted plan.`,
		Example: `  ironclaw run -- 'call read_file {"path": "main.go"}'
  ironclaw run --backend fs-tools -- 'call list_files {"dir": "."}'
  ironclaw run -p myproject --approval-mode auto -- 'call write_file {"path": "out.txt", "content": "hi"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("task required: ironclaw run -- \"your task here\"")
			}
			task := strings.Join(args, " ")

			// Generate a unique run name based on the current time.
			runName := fmt.Sprintf("run-%d", time.Now().UnixMilli())

			run := &v1alpha1.AgentRun{
				TypeMeta: v1alpha1.TypeMeta{
					APIVersion: v1alpha1.APIVersion,
					Kind:       v1alpha1.KindAgentRun,
				},
				Metadata: v1alpha1.ObjectMeta{
					Name:    runName,
					Project: project,
				},
				Spec: v1alpha1.AgentRunSpec{
					Task:           task,
					Tools:          tools,
					Backend:        backend,
					MaxIterations:  maxIterations,
					TimeoutSeconds: timeout,
					ApprovalMode:   approvalMode,
				},
			}

			created, err := apiClient.CreateRun(run)
			if err != nil {
				return fmt.Errorf("creating run: %w", err)
			}

			fmt.Printf("Run %s created. Waiting for completion...\n", created.Metadata.Name)
			return waitForRun(runName, project, timeout)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project name")
	cmd.Flags().StringVar(&backend, "backend", "", "Pin the run to a named tool backend")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "Restrict the run to these tools")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration ceiling (0 for server default)")
	cmd.Flags().IntVar(&timeout, "timeout", 300, "Timeout in seconds (0 for default 5 minutes)")
	cmd.Flags().StringVar(&approvalMode, "approval-mode", "", "Privileged call policy for this run: auto|deny")

	return cmd
}

// waitForRun polls a run until it reaches a terminal phase, then prints the
// transcript.
func waitForRun(name, project string, timeout int) error {
	pollInterval := 2 * time.Second
	timeoutDuration := time.Duration(timeout) * time.Second
	if timeout == 0 {
		timeoutDuration = 5 * time.Minute
	}
	deadline := time.Now().Add(timeoutDuration)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("run %s did not complete within timeout (%v)", name, timeoutDuration)
		}

		current, err := apiClient.GetRun(name, project)
		if err != nil {
			return fmt.Errorf("polling run status: %w", err)
		}

		switch current.Status.Phase {
		case v1alpha1.RunCompleted:
			fmt.Println()
			color.New(color.FgGreen, color.Bold).Println("Run Completed")
			printTranscript(current)
			return nil

		case v1alpha1.RunExhausted:
			fmt.Println()
			color.New(color.FgMagenta, color.Bold).Printf("Run Exhausted after %d iterations\n", current.Status.Iterations)
			printTranscript(current)
			return nil

		case v1alpha1.RunFailed:
			fmt.Println()
			color.New(color.FgRed, color.Bold).Println("Run Failed")
			printTranscript(current)
			if current.Status.Error != "" {
				fmt.Println(color.RedString(current.Status.Error))
			}
			return fmt.Errorf("run %s failed", name)

		case v1alpha1.RunRunning, v1alpha1.RunScheduled:
			fmt.Print(".")

		case v1alpha1.RunPending:
			// Still waiting for scheduling.
		}

		time.Sleep(pollInterval)
	}
}

func printTranscript(run *v1alpha1.AgentRun) {
	if len(run.Status.Transcript) == 0 {
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, msg := range run.Status.Transcript {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
}
