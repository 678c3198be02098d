package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const projectTemplate = `apiVersion: ironclaw.dev/v1alpha1
kind: Project
metadata:
  name: %s
spec:
  description: "%s"
  path: "%s"
---
apiVersion: ironclaw.dev/v1alpha1
kind: ToolBackend
metadata:
  name: %s-tools
  project: %s
spec:
  command: /usr/local/bin/tool-server
  args:
    - --stdio
  tools:
    - name: read_file
      tier: safe
    - name: list_files
      tier: safe
    - name: write_file
      tier: privileged
`

func newInitCmd() *cobra.Command {
	var (
		description string
		outputFile  string
	)

	cmd := &cobra.Command{
		Use:   "init [project-name]",
		Short: "Initialize a new ironclaw project",
		Long: `Create a project manifest template in the current directory.

This generates a YAML file with a Project and a starter ToolBackend
that you can customize and apply with 'ironclaw apply -f'.`,
		Example: `  ironclaw init myproject
  ironclaw init myproject --description "My agent project"
  ironclaw init myproject --output-file custom-manifest.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectName := "default"
			if len(args) > 0 {
				projectName = args[0]
			}

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			if description == "" {
				description = fmt.Sprintf("ironclaw project: %s", projectName)
			}

			if outputFile == "" {
				outputFile = "project.yaml"
			}

			content := fmt.Sprintf(projectTemplate,
				projectName,
				description,
				cwd,
				projectName,
				projectName,
			)

			outputPath := filepath.Join(cwd, outputFile)

			// Check if file already exists.
			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("file %s already exists. Use a different name with -o", outputFile)
			}

			if err := os.WriteFile(outputPath, []byte(content), 0644); err != nil {
				return fmt.Errorf("writing manifest file: %w", err)
			}

			bold := color.New(color.FgCyan, color.Bold)
			bold.Println("ironclaw project initialized!")
			fmt.Println()
			fmt.Printf("  Manifest: %s\n", outputPath)
			fmt.Printf("  Project:  %s\n", projectName)
			fmt.Println()

			color.New(color.Bold).Println("Next steps:")
			fmt.Println("  1. Review and customize the manifest:")
			fmt.Printf("     vi %s\n", outputFile)
			fmt.Println()
			fmt.Println("  2. Start the ironclaw control plane (if not running):")
			fmt.Println("     ironclaw serve")
			fmt.Println()
			fmt.Println("  3. Apply the manifest:")
			fmt.Printf("     ironclaw apply -f %s\n", outputFile)
			fmt.Println()
			fmt.Println("  4. Check status:")
			fmt.Println("     ironclaw status")
			fmt.Println("     ironclaw get backends")
			fmt.Println()
			fmt.Println("  5. Start a run:")
			fmt.Println("     ironclaw run -- 'call read_file {\"path\": \"main.go\"}'")

			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Project description")
	cmd.Flags().StringVar(&outputFile, "output-file", "project.yaml", "Output manifest filename")

	return cmd
}
