//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SupportsProcessGroups reports whether kills reach descendants through a
// process group signal.
const SupportsProcessGroups = true

// platformKiller places each child in its own process group and signals the
// group.
type platformKiller struct{}

func (platformKiller) prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func (platformKiller) terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func (platformKiller) kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errProcessGone
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return errProcessGone
	}
	return err
}

func shellCommand(command string) *exec.Cmd {
	sh := os.Getenv("CONDUCTOR_SHELL")
	if sh == "" {
		sh = "/bin/sh"
	}
	return exec.Command(sh, "-c", command) //#nosec G204 -- commands come from the workflow author
}
