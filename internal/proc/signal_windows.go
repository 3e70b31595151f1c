//go:build windows

package proc

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows; process-tree termination relies on
// Kill of the immediate child.
func setProcAttr(cmd *exec.Cmd) {}

// signalGroup signals the immediate process. Windows has no process
// groups in the POSIX sense.
func signalGroup(cmd *exec.Cmd, sig os.Signal) {
	if cmd.Process == nil {
		return
	}
	if sig == os.Interrupt {
		_ = cmd.Process.Signal(os.Interrupt)
		return
	}
	_ = cmd.Process.Kill()
}

func interruptSignal() os.Signal { return os.Interrupt }

func killSignal() os.Signal { return os.Kill }
