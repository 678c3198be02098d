package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anchapin/ironclaw/internal/tui"
)

func newUICmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:     "ui",
		Aliases: []string{"top", "dashboard"},
		Short:   "Launch the interactive terminal UI",
		Long:    "Launch a k9s-style terminal UI for real-time monitoring of ironclaw resources.",
		Example: `  ironclaw ui
  ironclaw ui --server http://127.0.0.1:7117`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := tui.NewApp(server)
			if err := app.Run(); err != nil {
				return fmt.Errorf("UI error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:7117", "ironclaw API server address")

	return cmd
}
