package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/approval"
	"github.com/anchapin/ironclaw/internal/tools"
	"github.com/anchapin/ironclaw/internal/transport"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newExecCmd() *cobra.Command {
	var (
		argsJSON string
		approve  bool
		timeout  int
	)

	cmd := &cobra.Command{
		Use:   "exec <backend> <tool>",
		Short: "Invoke a single tool on a backend",
		Long: `Spawn a backend's subprocess locally and invoke one tool against it.

The backend spec is fetched from the API server, but the session runs in
this process: spawn, initialize, one tools/call, shutdown. Privileged
tools are denied unless --approve is set.`,
		Example: `  ironclaw exec fs-tools read_file --args '{"path": "main.go"}'
  ironclaw exec fs-tools write_file --args '{"path": "out.txt", "content": "hi"}' --approve`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			backendName := args[0]
			toolName := args[1]

			var toolArgs map[string]interface{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parsing --args: %w", err)
				}
			}

			backend, err := apiClient.GetBackend(backendName, project)
			if err != nil {
				return fmt.Errorf("getting backend %s: %w", backendName, err)
			}

			reg, err := tools.Resolve([]string{toolName}, backend.Spec.Tools)
			if err != nil {
				return err
			}
			def, _ := reg.Lookup(toolName)

			if def.Tier == v1alpha1.TierPrivileged && !approve {
				return fmt.Errorf("tool %s is privileged; re-run with --approve to allow it", toolName)
			}

			logger := zap.NewNop()
			sess := transport.NewSession(transport.Config{
				Command:         backend.Spec.Command,
				Args:            backend.Spec.Args,
				Env:             backend.Spec.Env,
				ProtocolVersion: backend.Spec.ProtocolVersion,
			}, approval.Auto(approve), logger)

			if err := sess.Spawn(); err != nil {
				return fmt.Errorf("spawning backend %s: %w", backendName, err)
			}
			defer sess.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			if err := sess.Initialize(ctx); err != nil {
				return fmt.Errorf("initializing session: %w", err)
			}

			result, err := sess.CallTool(ctx, toolName, toolArgs, def.Tier)
			if err != nil {
				return fmt.Errorf("calling %s: %w", toolName, err)
			}

			color.New(color.FgGreen, color.Bold).Printf("%s on %s:\n", toolName, backendName)
			var pretty interface{}
			if err := json.Unmarshal(result, &pretty); err == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(out))
			} else {
				fmt.Println(string(result))
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "default", "Project name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the call if the tool is privileged")
	cmd.Flags().IntVar(&timeout, "timeout", 60, "Timeout in seconds for the whole invocation")

	return cmd
}
