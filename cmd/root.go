// Package cmd implements the CLI commands for warden.
package cmd

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/session"
)

var (
	// Global flags
	verbose        bool
	approvalMode   string
	nonInteractive bool
	allowedTools   []string
	excludeTools   []string
	policyDirs     []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Policy, hooks and loop detection for agent tool calls",
	Long: `warden decides whether an agent's tool calls may run. It evaluates calls
against layered TOML policies, runs configured lifecycle hooks, asks for
confirmation when a policy says so and stops runaway tool-call loops.

When called without a subcommand and stdin is not a terminal, warden acts as
a PreToolUse hook (see "warden guard").

Usage in ~/.claude/settings.json:
  "hooks": {
    "PreToolUse": [{
      "matcher": "*",
      "hooks": [{"type": "command", "command": "warden guard"}]
    }]
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return cmd.Help()
		}
		return runGuard(cmd, args)
	},
	// Silence usage on errors
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer logger.Close()
	return rootCmd.Execute()
}

func init() {
	// Initialize before running any command
	cobra.OnInitialize(initApp)

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&approvalMode, "approval-mode", "", "Approval mode: default, autoEdit or yolo (overrides settings)")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Deny calls that would need confirmation")
	rootCmd.PersistentFlags().StringSliceVar(&allowedTools, "allowed-tools", nil, "Tools to always allow, e.g. \"run_shell_command(git status)\"")
	rootCmd.PersistentFlags().StringSliceVar(&excludeTools, "exclude-tools", nil, "Tools to always deny")
	rootCmd.PersistentFlags().StringSliceVar(&policyDirs, "policy-dir", nil, "Extra directory of *.toml policy files (user tier)")
}

// initApp initializes the application (config, logger)
func initApp() {
	cwd, _ := os.Getwd()

	// Settings are read first so log.file can pick the log destination.
	cfgErr := config.Init(cwd)

	logFile := os.Getenv(constants.EnvLogFile)
	if logFile == "" {
		logFile = config.Get().Log.File
	}
	logger.Init(logger.Options{Verbose: verbose || config.Get().Debug, File: logFile})

	if cfgErr != nil {
		logger.Warn("settings not fully loaded", "error", cfgErr)
	}
	logger.Debug("settings files", "paths", config.LoadedPaths())
}

// IsVerbose returns whether verbose mode is enabled
func IsVerbose() bool {
	return verbose
}

// sessionOptions builds session options from the global flags and the
// loaded settings.
func sessionOptions() session.Options {
	cwd, _ := os.Getwd()
	return session.Options{
		Cwd:            cwd,
		Settings:       config.Get(),
		HookLayers:     config.HookLayers(),
		Mode:           config.ApprovalMode(approvalMode),
		NonInteractive: nonInteractive,
		AllowedTools:   allowedTools,
		ExcludeTools:   excludeTools,
		PolicyDirs:     policyDirs,
	}
}

// loadEngine builds the policy engine the current flags and settings
// describe. File problems are returned, not fatal.
func loadEngine() (*policy.Engine, []policy.FileError, error) {
	cfg, errs, err := session.LoadPolicy(sessionOptions())
	if err != nil {
		return nil, nil, err
	}
	return policy.NewEngine(cfg), errs, nil
}

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
