package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate settings and policy files and show the active rules",
	Long: `Validate loads the warden settings and every policy file, then displays the
active rules and any problems found.

This is useful for:
- Checking that your settings.yaml and *.toml policy syntax is correct
- Seeing which rules will actually be applied, in evaluation order
- Debugging why a tool call is allowed, denied or asked about

Invalid rules are skipped, not fatal; validate exits non-zero when any were
found.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	settings := config.Get()
	if settings == nil {
		return fmt.Errorf("failed to load configuration")
	}
	if err := config.InitError(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	engine, errs, err := loadEngine()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Settings files:")
	for _, p := range config.LoadedPaths() {
		fmt.Fprintf(out, "  - %s\n", p)
	}
	fmt.Fprintln(out)

	mode := approvalMode
	if mode == "" {
		mode = string(settings.ApprovalMode)
	}
	if mode == "" {
		mode = string(config.ApprovalDefault)
	}
	fmt.Fprintf(out, "Approval mode: %s\n", mode)
	fmt.Fprintf(out, "Hooks enabled: %t\n", settings.HooksEnabled())
	fmt.Fprintln(out)

	printRules(out, engine.Rules())
	printFileErrors(out, errs)
	if len(errs) > 0 {
		return fmt.Errorf("%d policy errors", len(errs))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, allowStyle.Render("Configuration valid!"))
	return nil
}
