//go:build windows

package sandbox

import "os/exec"

// setSysProcAttr is a no-op on Windows; there are no process groups to set.
func setSysProcAttr(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
