//go:build !unix

package target

import (
	"os"
	"os/exec"
)

func setupProcessGroup(_ *exec.Cmd) {}

func signalProcess(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

func isExecutable(_ os.FileInfo) bool {
	return true
}
