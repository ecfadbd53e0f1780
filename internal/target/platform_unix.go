//go:build unix

package target

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup runs the target in its own process group so signals reach its children.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalProcess(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if s, ok := sig.(syscall.Signal); ok {
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil && pgid > 0 {
			if err := syscall.Kill(-pgid, s); err == nil {
				return nil
			}
		}
	}
	return cmd.Process.Signal(sig)
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}
