//go:build !windows

package generate

import (
	"os/exec"
	"syscall"
)

// configureCommand starts the engine in its own process group.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate signals the engine's process group, falling back to walking the
// process tree when the group is gone.
func terminate(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return killTree(pid)
	}
	return nil
}
