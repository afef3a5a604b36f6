//go:build windows

package tactile

import (
	"os/exec"
)

// setupProcessGroup is a no-op on Windows; the console delivers Ctrl-C to
// every attached process.
func setupProcessGroup(cmd *exec.Cmd, interactive bool) {}

// interruptProcess kills the process. Windows has no SIGINT for children.
func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
