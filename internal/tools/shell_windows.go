//go:build windows

package tools

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, shell, command string) *exec.Cmd {
	if shell == "sh" {
		return exec.CommandContext(ctx, "cmd.exe", "/C", command)
	}
	return exec.CommandContext(ctx, shell, "-c", command)
}
