package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <resource-type> <name>",
		Short: "Show detailed info about a resource",
		Long:  "Print a detailed description of a specific resource in kubectl-describe style.",
		Example: `  ironclaw describe backend fs-tools
  ironclaw describe run audit-config -p myproject
  ironclaw describe project default`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			resourceType := normalizeResourceType(args[0])
			name := args[1]

			switch resourceType {
			case "backends":
				return describeBackend(name, project)
			case "runs":
				return describeRun(name, project)
			case "projects":
				return describeProject(name)
			default:
				return fmt.Errorf("unknown resource type %q", args[0])
			}
		},
	}

	cmd.Flags().StringP("project", "p", "default", "Project name")

	return cmd
}

func describeBackend(name, project string) error {
	backend, err := apiClient.GetBackend(name, project)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("ToolBackend:")
	printField("  Name", backend.Metadata.Name)
	printField("  Project", backend.Metadata.Project)
	printField("  UID", backend.Metadata.UID)
	printField("  Labels", formatLabels(backend.Metadata.Labels))
	printField("  Created", backend.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	printField("  Updated", backend.Metadata.UpdatedAt.Format("2006-01-02 15:04:05"))

	fmt.Println()
	bold.Println("Spec:")
	printField("  Command", backend.Spec.Command)
	if len(backend.Spec.Args) > 0 {
		printField("  Args", formatStringSlice(backend.Spec.Args))
	}
	if backend.Spec.ProtocolVersion != "" {
		printField("  Protocol Version", backend.Spec.ProtocolVersion)
	}
	if backend.Spec.InitTimeoutSeconds > 0 {
		printField("  Init Timeout", fmt.Sprintf("%ds", backend.Spec.InitTimeoutSeconds))
	}
	if backend.Spec.CallTimeoutSeconds > 0 {
		printField("  Call Timeout", fmt.Sprintf("%ds", backend.Spec.CallTimeoutSeconds))
	}

	if len(backend.Spec.Tools) > 0 {
		fmt.Println()
		bold.Println("  Tools:")
		for _, tool := range backend.Spec.Tools {
			tier := string(tool.Tier)
			if tier == "" {
				tier = "safe"
			}
			if tool.Tier == v1alpha1.TierPrivileged {
				tier = color.YellowString(tier)
			}
			printField("    "+tool.Name, tier)
		}
	}

	fmt.Println()
	bold.Println("Status:")
	printField("  Phase", colorPhase(string(backend.Status.Phase)))
	printField("  Active Runs", fmt.Sprintf("%d", backend.Status.ActiveRuns))
	printField("  Total Calls", fmt.Sprintf("%d", backend.Status.TotalCalls))
	if !backend.Status.LastProbe.IsZero() {
		printField("  Last Probe", backend.Status.LastProbe.Format("2006-01-02 15:04:05"))
	}
	if backend.Status.Message != "" {
		printField("  Message", backend.Status.Message)
	}

	return nil
}

func describeRun(name, project string) error {
	run, err := apiClient.GetRun(name, project)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("AgentRun:")
	printField("  Name", run.Metadata.Name)
	printField("  Project", run.Metadata.Project)
	printField("  UID", run.Metadata.UID)
	printField("  Labels", formatLabels(run.Metadata.Labels))
	printField("  Created", run.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	printField("  Updated", run.Metadata.UpdatedAt.Format("2006-01-02 15:04:05"))

	fmt.Println()
	bold.Println("Spec:")
	printField("  Task", truncate(run.Spec.Task, 80))
	printField("  Tools", formatStringSlice(run.Spec.Tools))
	if run.Spec.Backend != "" {
		printField("  Pinned Backend", run.Spec.Backend)
	}
	if run.Spec.MaxIterations > 0 {
		printField("  Max Iterations", fmt.Sprintf("%d", run.Spec.MaxIterations))
	}
	if run.Spec.TimeoutSeconds > 0 {
		printField("  Timeout Seconds", fmt.Sprintf("%d", run.Spec.TimeoutSeconds))
	}
	if run.Spec.ApprovalMode != "" {
		printField("  Approval Mode", run.Spec.ApprovalMode)
	}

	fmt.Println()
	bold.Println("Status:")
	printField("  Phase", colorPhase(string(run.Status.Phase)))
	assigned := run.Status.AssignedBackend
	if assigned == "" {
		assigned = "<none>"
	}
	printField("  Assigned Backend", assigned)
	printField("  Iterations", fmt.Sprintf("%d", run.Status.Iterations))
	if !run.Status.StartedAt.IsZero() {
		printField("  Started At", run.Status.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if !run.Status.FinishedAt.IsZero() {
		printField("  Finished At", run.Status.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if run.Status.Error != "" {
		fmt.Println()
		bold.Println("Error:")
		fmt.Println(color.RedString(run.Status.Error))
	}

	if len(run.Status.Transcript) > 0 {
		fmt.Println()
		bold.Println("Transcript:")
		for _, msg := range run.Status.Transcript {
			fmt.Printf("  [%s] %s\n", msg.Role, truncate(msg.Content, 100))
		}
	}

	return nil
}

func describeProject(name string) error {
	proj, err := apiClient.GetProject(name)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("Project:")
	printField("  Name", proj.Metadata.Name)
	printField("  UID", proj.Metadata.UID)
	printField("  Labels", formatLabels(proj.Metadata.Labels))
	printField("  Created", proj.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	printField("  Updated", proj.Metadata.UpdatedAt.Format("2006-01-02 15:04:05"))

	fmt.Println()
	bold.Println("Spec:")
	if proj.Spec.Description != "" {
		printField("  Description", proj.Spec.Description)
	}
	if proj.Spec.Path != "" {
		printField("  Path", proj.Spec.Path)
	}

	fmt.Println()
	bold.Println("Status:")
	status := proj.Status
	if status == "" {
		status = "Active"
	}
	printField("  Status", status)

	return nil
}

// --- Helpers ---

func printField(label, value string) {
	if value == "" {
		value = "<none>"
	}
	fmt.Printf("%-24s%s\n", label+":", value)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "<none>"
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, ", ")
}

func formatStringSlice(items []string) string {
	if len(items) == 0 {
		return "<none>"
	}
	return strings.Join(items, ", ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
