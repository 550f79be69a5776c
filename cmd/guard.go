package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/guard"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/telemetry"
)

var dryRun bool

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Answer a PreToolUse hook request from the policy engine",
	Long: `Guard reads a PreToolUse (or BeforeTool) hook input from stdin and prints a
permission decision taken by the warden policy engine:

  allow  a policy rule allows the call
  deny   a policy rule denies the call
  ask    the call needs the user's confirmation

Claude Code tool names (Bash, Read, Edit, mcp__server__tool...) are mapped to
their warden equivalents before evaluation.

Test:
  echo '{"tool_name": "Bash", "tool_input": {"command": "git status"}}' | warden guard`,
	RunE: runGuard,
}

func init() {
	rootCmd.AddCommand(guardCmd)
	guardCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the decision to stderr instead of JSON to stdout")
}

// runGuard processes stdin for a permission decision
func runGuard(cmd *cobra.Command, args []string) error {
	engine, _, err := loadEngine()
	if err != nil {
		return err
	}

	opts := guard.Options{Engine: engine}
	if settings := config.Get(); settings.Telemetry.Enabled {
		sink, err := telemetry.OpenFile(settings.Telemetry.Path)
		if err != nil {
			logger.Debug("telemetry disabled", "error", err)
		} else {
			defer sink.Close()
			opts.Telemetry = sink
		}
	}

	result := guard.Process(cmd.InOrStdin(), opts)

	if dryRun {
		subject := result.Tool
		if result.Command != "" {
			subject = result.Command
		}
		fmt.Fprintf(os.Stderr, "%s: %s (reason: %s)\n", decisionStyle(result.Decision).Render(result.Decision), subject, result.Reason)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Output)
	return nil
}
