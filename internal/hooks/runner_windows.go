//go:build windows

package hooks

import (
	"context"
	"os/exec"
)

// shellCommand runs command through cmd.exe. Windows has no SIGTERM, so
// cancellation kills the process.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd.exe", "/C", command)
}
