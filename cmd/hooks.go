package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/telemetry"
)

var hookTool string

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect and try lifecycle hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hooks by event",
	Args:  cobra.NoArgs,
	RunE:  runHooksList,
}

var hooksRunCmd = &cobra.Command{
	Use:   "run <event>",
	Short: "Fire an event and print the aggregated hook result",
	Long: `Run fires every hook configured for the event, exactly as a session would,
and prints the merged result as JSON.

Extra input fields are read from stdin as a JSON object when stdin is not
empty. --tool sets tool_name, which is also what matchers see for tool events.`,
	Example: `  echo '{"tool_input":{"command":"rm -rf /"}}' | warden hooks run BeforeTool --tool run_shell_command`,
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		names := make([]string, len(config.HookEventNames))
		for i, n := range config.HookEventNames {
			names[i] = string(n)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: runHooksRun,
}

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksListCmd, hooksRunCmd)
	hooksRunCmd.Flags().StringVar(&hookTool, "tool", "", "Tool name for tool events")
}

func newHookSystem(cwd string) *hooks.System {
	sys := hooks.NewSystem(hooks.SystemOptions{
		ProjectDir: cwd,
		Layers:     hooks.LayersFromConfig(config.Get(), config.HookLayers()),
	})
	sys.Initialize()
	return sys
}

func runHooksList(cmd *cobra.Command, args []string) error {
	opts := sessionOptions()
	sys := newHookSystem(opts.Cwd)
	out := cmd.OutOrStdout()

	if !opts.Settings.HooksEnabled() {
		fmt.Fprintln(out, askStyle.Render("Hooks are disabled (tools.enableHooks: false)"))
	}
	total := 0
	for _, event := range config.HookEventNames {
		entries := sys.Registry().Entries(event)
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintln(out, headerStyle.Render(string(event)))
		for _, e := range entries {
			matcher := e.Matcher
			if matcher == "" {
				matcher = "*"
			}
			state := ""
			if !e.Enabled {
				state = mutedStyle.Render(" (disabled)")
			}
			fmt.Fprintf(out, "  %s %s %s%s\n", padStr(matcher, 20), padStr(string(e.Source), 8), e.Hook.Command, state)
		}
		total += len(entries)
	}
	if total == 0 {
		fmt.Fprintln(out, "No hooks configured.")
	}
	return nil
}

// hookRunOutput is the JSON printed by "hooks run".
type hookRunOutput struct {
	Success    bool            `json:"success"`
	DurationMs float64         `json:"duration_ms"`
	Output     *hooks.Output   `json:"output,omitempty"`
	Hooks      []hookRunResult `json:"hooks"`
	Errors     []string        `json:"errors,omitempty"`
}

type hookRunResult struct {
	Command    string  `json:"command"`
	Success    bool    `json:"success"`
	ExitCode   int     `json:"exit_code"`
	Stderr     string  `json:"stderr,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

func runHooksRun(cmd *cobra.Command, args []string) error {
	event := config.HookEventName(args[0])
	if !event.Valid() {
		return fmt.Errorf("unknown hook event %q", args[0])
	}

	fields := map[string]any{}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) != "" {
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("stdin must be a JSON object: %w", err)
		}
	}
	if hookTool != "" {
		fields[hooks.FieldToolName] = hookTool
	}

	opts := sessionOptions()
	agg := newHookSystem(opts.Cwd).EventHandler().Fire(commandContext(cmd), event, fields)

	res := hookRunOutput{
		Success:    agg.Success,
		DurationMs: telemetry.Milliseconds(agg.TotalDuration),
		Output:     agg.FinalOutput,
		Hooks:      []hookRunResult{},
	}
	for _, r := range agg.Results {
		res.Hooks = append(res.Hooks, hookRunResult{
			Command:    r.Hook.Command,
			Success:    r.Success,
			ExitCode:   r.ExitCode,
			Stderr:     strings.TrimSpace(r.Stderr),
			DurationMs: telemetry.Milliseconds(r.Duration),
		})
	}
	for _, e := range agg.Errors {
		res.Errors = append(res.Errors, e.Error())
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
