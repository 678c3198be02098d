package cli

import (
	"github.com/anchapin/ironclaw/pkg/client"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	apiClient  *client.Client
)

// NewRootCmd creates the top-level ironclaw CLI command with all subcommands.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ironclaw",
		Short: "Kubernetes-inspired agent run orchestration",
		Long: `ironclaw schedules agent decision loops onto tool backends.
Manage projects, tool backends, and agent runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Skip client init for commands that don't need the API server.
			name := cmd.Name()
			if name == "serve" || name == "init" {
				return
			}
			apiClient = client.New(serverAddr)
		},
	}

	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7117", "ironclaw server address")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json|yaml")

	cmd.AddCommand(
		newServeCmd(),
		newApplyCmd(),
		newGetCmd(),
		newDescribeCmd(),
		newDeleteCmd(),
		newLogsCmd(),
		newRunCmd(),
		newStatusCmd(),
		newExecCmd(),
		newInitCmd(),
		newUICmd(),
	)

	return cmd
}
