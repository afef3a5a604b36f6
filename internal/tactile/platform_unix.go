//go:build !windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup runs a non-interactive command in its own process group
// so an interrupt reaches every process poetry or docker spawns. Commands
// reading the terminal stay in the foreground group to avoid SIGTTIN.
func setupProcessGroup(cmd *exec.Cmd, interactive bool) {
	if interactive {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// interruptProcess sends SIGINT to the command's process group, falling back
// to the process itself.
func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
			if err := syscall.Kill(-pgid, syscall.SIGINT); err == nil {
				return nil
			}
		}
	}

	err := cmd.Process.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
