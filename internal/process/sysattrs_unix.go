//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureSysProcAttr makes the child a process group leader (or a session
// leader when Detached) so the whole subtree can be signaled together.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// signalGroup signals every member of the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

func signalPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
