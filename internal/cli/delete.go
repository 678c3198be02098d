package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <resource-type> <name>",
		Short: "Delete a resource",
		Long:  "Delete a resource by type and name.",
		Example: `  ironclaw delete backend fs-tools -p myproject
  ironclaw delete run audit-config
  ironclaw delete project staging`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			resourceType := normalizeResourceType(args[0])
			name := args[1]

			switch resourceType {
			case "backends":
				if err := apiClient.DeleteBackend(name, project); err != nil {
					return err
				}
				fmt.Printf("toolbackend/%s deleted\n", name)

			case "runs":
				if err := apiClient.DeleteRun(name, project); err != nil {
					return err
				}
				fmt.Printf("agentrun/%s deleted\n", name)

			case "projects":
				if err := apiClient.DeleteProject(name); err != nil {
					return err
				}
				fmt.Printf("project/%s deleted\n", name)

			default:
				return fmt.Errorf("unknown resource type %q. Valid types: backends, runs, projects", args[0])
			}

			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "default", "Project name")

	return cmd
}
