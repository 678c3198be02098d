package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show control plane dashboard",
		Long:  "Display an overview of the ironclaw control plane status.",
		Example: `  ironclaw status
  ironclaw status -p myproject
  ironclaw status --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")

			if watch {
				return statusWatch(project)
			}

			return statusPrint(project)
		},
	}

	cmd.Flags().StringP("project", "p", "", "Filter by project (empty = all)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Continuously refresh (every 5 seconds)")

	return cmd
}

func statusPrint(project string) error {
	// Check server health first.
	if err := apiClient.Healthz(); err != nil {
		color.Red("ironclaw Control Plane: UNREACHABLE")
		return fmt.Errorf("cannot reach server: %w", err)
	}

	bold := color.New(color.FgCyan, color.Bold)
	bold.Println("ironclaw Control Plane Status")
	fmt.Println("=============================")
	fmt.Println()

	// Projects
	projects, err := apiClient.ListProjects()
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	fmt.Printf("Projects: %d\n", len(projects))

	// Backend stats. An empty project filter lists across projects.
	backends, err := apiClient.ListBackends(project)
	if err != nil {
		return fmt.Errorf("listing backends: %w", err)
	}

	var availableBackends, degradedBackends, unreachableBackends, activeRuns, totalCalls int
	for _, backend := range backends {
		switch backend.Status.Phase {
		case v1alpha1.BackendAvailable:
			availableBackends++
		case v1alpha1.BackendDegraded:
			degradedBackends++
		case v1alpha1.BackendUnreachable:
			unreachableBackends++
		}
		activeRuns += backend.Status.ActiveRuns
		totalCalls += backend.Status.TotalCalls
	}

	fmt.Printf("Tool Backends: %d total", len(backends))
	if len(backends) > 0 {
		fmt.Printf(" (")
		parts := []string{}
		if availableBackends > 0 {
			parts = append(parts, color.GreenString("%d available", availableBackends))
		}
		if degradedBackends > 0 {
			parts = append(parts, color.YellowString("%d degraded", degradedBackends))
		}
		if unreachableBackends > 0 {
			parts = append(parts, color.RedString("%d unreachable", unreachableBackends))
		}
		for i, p := range parts {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Print(p)
		}
		fmt.Print(")")
	}
	fmt.Println()

	// Run stats.
	runs, err := apiClient.ListRuns(project)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	var pendingRuns, runningRuns, completedRuns, exhaustedRuns, failedRuns int
	for _, run := range runs {
		switch run.Status.Phase {
		case v1alpha1.RunPending, v1alpha1.RunScheduled:
			pendingRuns++
		case v1alpha1.RunRunning:
			runningRuns++
		case v1alpha1.RunCompleted:
			completedRuns++
		case v1alpha1.RunExhausted:
			exhaustedRuns++
		case v1alpha1.RunFailed:
			failedRuns++
		}
	}

	fmt.Printf("Agent Runs: %d total", len(runs))
	if len(runs) > 0 {
		fmt.Printf(" (")
		parts := []string{}
		if pendingRuns > 0 {
			parts = append(parts, fmt.Sprintf("%d pending", pendingRuns))
		}
		if runningRuns > 0 {
			parts = append(parts, color.YellowString("%d running", runningRuns))
		}
		if completedRuns > 0 {
			parts = append(parts, color.GreenString("%d completed", completedRuns))
		}
		if exhaustedRuns > 0 {
			parts = append(parts, color.MagentaString("%d exhausted", exhaustedRuns))
		}
		if failedRuns > 0 {
			parts = append(parts, color.RedString("%d failed", failedRuns))
		}
		for i, p := range parts {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Print(p)
		}
		fmt.Print(")")
	}
	fmt.Println()

	fmt.Printf("Tool Calls: %d dispatched, %d runs in flight\n", totalCalls, activeRuns)

	return nil
}

func statusWatch(project string) error {
	fmt.Println("Watching status (Ctrl+C to stop)...")
	fmt.Println()

	for {
		// Clear screen with ANSI escape.
		fmt.Print("\033[2J\033[H")

		if err := statusPrint(project); err != nil {
			fmt.Printf("\nError: %v\n", err)
		}

		fmt.Printf("\nLast updated: %s\n", time.Now().Format("15:04:05"))
		time.Sleep(5 * time.Second)
	}
}
