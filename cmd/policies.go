package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/policy"
)

var checkServer string

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect the active policy rules",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policy rules in evaluation order",
	Long: `List prints every active rule, highest priority first. The first rule that
matches a tool call decides it.

Rules come from the built-in defaults, the approval mode, policy files in the
user, project and system policy directories, and the tools/mcp lists in
settings.yaml.`,
	Args: cobra.NoArgs,
	RunE: runPoliciesList,
}

var policiesCheckCmd = &cobra.Command{
	Use:   "check <tool> [json-args]",
	Short: "Show the decision for a tool call",
	Example: `  warden policies check read_file
  warden policies check run_shell_command '{"command":"git status"}'
  warden policies check docs__search --server docs`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPoliciesCheck,
}

func init() {
	rootCmd.AddCommand(policiesCmd)
	policiesCmd.AddCommand(policiesListCmd, policiesCheckCmd)
	policiesCheckCmd.Flags().StringVar(&checkServer, "server", "", "MCP server the tool belongs to")
}

func runPoliciesList(cmd *cobra.Command, args []string) error {
	engine, errs, err := loadEngine()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printRules(out, engine.Rules())
	printFileErrors(out, errs)
	return nil
}

func printRules(w io.Writer, rules []policy.Rule) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-9s %-10s %-28s %-32s %s", "PRIORITY", "DECISION", "TOOL", "ARGS", "SOURCE")))
	for _, r := range rules {
		tool := r.ToolName
		if tool == "" {
			tool = "*"
		}
		args := ""
		if r.ArgsPattern != nil {
			args = truncate(r.ArgsPattern.String(), 32)
		}
		d := string(r.Decision)
		fmt.Fprintf(w, "%-9s %s %-28s %-32s %s\n",
			r.Priority.String(),
			padStr(decisionStyle(d).Render(d), 10),
			truncate(tool, 28),
			args,
			mutedStyle.Render(r.Source))
	}
	fmt.Fprintf(w, "\n%d rules\n", len(rules))
}

func printFileErrors(w io.Writer, errs []policy.FileError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("Policy file errors: %d", len(errs))))
	for _, e := range errs {
		fmt.Fprintf(w, "  - %s\n", e.Error())
	}
}

func runPoliciesCheck(cmd *cobra.Command, args []string) error {
	call := policy.ToolCall{Name: args[0]}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &call.Args); err != nil {
			return fmt.Errorf("invalid json-args: %w", err)
		}
	}

	engine, _, err := loadEngine()
	if err != nil {
		return err
	}
	res := engine.Evaluate(call, checkServer)

	out := cmd.OutOrStdout()
	d := string(res.Decision)
	fmt.Fprintf(out, "decision: %s\n", decisionStyle(d).Render(d))
	fmt.Fprintf(out, "reason:   %s\n", res.Reason)
	if res.Rule != nil && res.Rule.ArgsPattern != nil {
		fmt.Fprintf(out, "pattern:  %s\n", res.Rule.ArgsPattern.String())
	}
	return nil
}
