//go:build windows

package generate

import "os/exec"

func configureCommand(*exec.Cmd) {}

// terminate force-kills the engine together with its children.
func terminate(pid int) error {
	return killTree(pid)
}
