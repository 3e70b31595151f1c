//go:build !windows

package proc

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr configures the command to run in its own process group so
// the whole subprocess tree can be signalled together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the command's entire process group, falling back
// to the immediate process if the group lookup fails.
func signalGroup(cmd *exec.Cmd, sig os.Signal) {
	if cmd.Process == nil {
		return
	}
	syssig, ok := sig.(syscall.Signal)
	if !ok {
		_ = cmd.Process.Signal(sig)
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syssig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

func interruptSignal() os.Signal { return syscall.SIGINT }

func killSignal() os.Signal { return syscall.SIGKILL }
