package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/scheduler"
	"github.com/dgerlanc/warden/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run [script.jsonl]",
	Short: "Drive a session from a JSON lines script of model activity",
	Long: `Run replays model activity through a warden session: every tool call is
checked for loops, evaluated against policy, confirmed when needed, wrapped in
BeforeTool/AfterTool hooks and executed in the current directory.

The script is read from the file argument, or from stdin. Each line is one of:

  {"type":"prompt","text":"..."}              a user prompt (BeforeAgent hooks)
  {"type":"turn"}                             a new model turn
  {"type":"content","text":"..."}             streamed model text
  {"type":"tool_call","id":"1","name":"glob","args":{"pattern":"*.go"}}
  {"type":"tool_calls","calls":[{...},{...}]} calls from one model response
  {"type":"model_request"}                    a model call (BeforeModel, BeforeToolSelection hooks)
  {"type":"model_response","text":"..."}      the model's reply (AfterModel hooks)
  {"type":"compress","trigger":"manual"}      history compression (PreCompress hooks)
  {"type":"mode","mode":"autoEdit"}           switch the approval mode
  {"type":"response","text":"..."}            the final answer (AfterAgent hooks)

One JSON record per outcome is written to stdout. When the script comes from
a file and stdin is a terminal, calls that need confirmation are asked
interactively; otherwise they are cancelled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()

	script := cmd.InOrStdin()
	interactive := false
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open script: %w", err)
		}
		defer f.Close()
		script = f
		interactive = !nonInteractive && isatty.IsTerminal(os.Stdin.Fd())
	}

	opts := sessionOptions()
	errOut := cmd.ErrOrStderr()
	if interactive {
		opts.Confirm = newTerminalConfirmer(os.Stdin, errOut).Confirm
	}
	if verbose {
		opts.OnUpdate = func(u scheduler.Update) {
			logger.Debug("tool call", "callId", u.CallID, "tool", u.Name, "status", string(u.Status))
		}
	}

	s, err := session.New(opts)
	if err != nil {
		return err
	}
	for _, e := range s.PolicyErrors {
		fmt.Fprintln(errOut, errorStyle.Render("policy: "+e.Error()))
	}
	s.Start(ctx, hooks.SessionStartStartup)

	res, runErr := s.RunScript(ctx, script, cmd.OutOrStdout())
	// SessionEnd hooks still run after an interrupt.
	if err := s.Close(context.WithoutCancel(ctx), hooks.SessionEndExit); err != nil {
		logger.Warn("failed to close session", "error", err)
	}

	fmt.Fprintln(errOut, mutedStyle.Render(fmt.Sprintf("%d lines, %d tool calls, %d failed, %d halted",
		res.Lines, res.ToolCalls, res.Failed, res.Halted)))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
