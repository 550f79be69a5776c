//go:build !windows

package hooks

import (
	"context"
	"os/exec"
	"syscall"
)

// shellCommand runs command through sh in its own process group so a
// timeout can signal every process the hook started.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	return cmd
}
