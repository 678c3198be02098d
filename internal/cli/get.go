package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <resource-type> [name]",
		Short: "List or get resources",
		Long: `Display one or many resources.

Resource types: backends (be), runs (run), projects`,
		Example: `  ironclaw get backends
  ironclaw get backends fs-tools -p myproject
  ironclaw get runs
  ironclaw get projects`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			resourceType := normalizeResourceType(args[0])

			var name string
			if len(args) > 1 {
				name = args[1]
			}

			switch resourceType {
			case "backends":
				return getBackends(project, name)
			case "runs":
				return getRuns(project, name)
			case "projects":
				return getProjects(name)
			default:
				return fmt.Errorf("unknown resource type %q. Valid types: backends, runs, projects", args[0])
			}
		},
	}

	cmd.Flags().StringP("project", "p", "default", "Project name")

	return cmd
}

// normalizeResourceType maps various aliases to canonical resource type names.
func normalizeResourceType(t string) string {
	t = strings.ToLower(t)
	switch t {
	case "toolbackend", "toolbackends", "backend", "backends", "be":
		return "backends"
	case "agentrun", "agentruns", "run", "runs":
		return "runs"
	case "project", "projects", "proj":
		return "projects"
	default:
		return t
	}
}

func getBackends(project, name string) error {
	if name != "" {
		backend, err := apiClient.GetBackend(name, project)
		if err != nil {
			return err
		}
		printOutput(backend, backendHeaders(), backendToRow)
		return nil
	}

	backends, err := apiClient.ListBackends(project)
	if err != nil {
		return err
	}

	if len(backends) == 0 {
		fmt.Println("No tool backends found.")
		return nil
	}

	items := make([]interface{}, len(backends))
	for i := range backends {
		items[i] = &backends[i]
	}
	printOutput(items, backendHeaders(), backendToRow)
	return nil
}

func getRuns(project, name string) error {
	if name != "" {
		run, err := apiClient.GetRun(name, project)
		if err != nil {
			return err
		}
		printOutput(run, runHeaders(), runToRow)
		return nil
	}

	runs, err := apiClient.ListRuns(project)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No agent runs found.")
		return nil
	}

	items := make([]interface{}, len(runs))
	for i := range runs {
		items[i] = &runs[i]
	}
	printOutput(items, runHeaders(), runToRow)
	return nil
}

func getProjects(name string) error {
	if name != "" {
		proj, err := apiClient.GetProject(name)
		if err != nil {
			return err
		}
		printOutput(proj, projectHeaders(), projectToRow)
		return nil
	}

	projects, err := apiClient.ListProjects()
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	items := make([]interface{}, len(projects))
	for i := range projects {
		items[i] = &projects[i]
	}
	printOutput(items, projectHeaders(), projectToRow)
	return nil
}

// --- Table headers and row converters ---

func backendHeaders() []string {
	return []string{"NAME", "PROJECT", "COMMAND", "TOOLS", "PHASE", "ACTIVE-RUNS", "AGE"}
}

func backendToRow(v interface{}) []string {
	backend, ok := v.(*v1alpha1.ToolBackend)
	if !ok {
		return []string{"?", "?", "?", "?", "?", "?", "?"}
	}
	return []string{
		backend.Metadata.Name,
		backend.Metadata.Project,
		backend.Spec.Command,
		strconv.Itoa(len(backend.Spec.Tools)),
		colorPhase(string(backend.Status.Phase)),
		strconv.Itoa(backend.Status.ActiveRuns),
		formatAge(backend.Metadata.CreatedAt),
	}
}

func runHeaders() []string {
	return []string{"NAME", "PROJECT", "PHASE", "BACKEND", "ITERATIONS", "AGE"}
}

func runToRow(v interface{}) []string {
	run, ok := v.(*v1alpha1.AgentRun)
	if !ok {
		return []string{"?", "?", "?", "?", "?", "?"}
	}
	backend := run.Status.AssignedBackend
	if backend == "" {
		backend = "<none>"
	}
	return []string{
		run.Metadata.Name,
		run.Metadata.Project,
		colorPhase(string(run.Status.Phase)),
		backend,
		strconv.Itoa(run.Status.Iterations),
		formatAge(run.Metadata.CreatedAt),
	}
}

func projectHeaders() []string {
	return []string{"NAME", "STATUS", "AGE"}
}

func projectToRow(v interface{}) []string {
	proj, ok := v.(*v1alpha1.Project)
	if !ok {
		return []string{"?", "?", "?"}
	}
	status := proj.Status
	if status == "" {
		status = "Active"
	}
	return []string{
		proj.Metadata.Name,
		status,
		formatAge(proj.Metadata.CreatedAt),
	}
}

// colorPhase returns a colored string for known phases.
func colorPhase(phase string) string {
	switch phase {
	case "Available", "Completed":
		return color.GreenString(phase)
	case "Failed", "Unreachable":
		return color.RedString(phase)
	case "Running", "Degraded":
		return color.YellowString(phase)
	case "Pending", "Scheduled":
		return color.WhiteString(phase)
	case "Exhausted":
		return color.MagentaString(phase)
	default:
		return phase
	}
}
