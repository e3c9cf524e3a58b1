//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// SupportsProcessGroups is false: Windows kills enumerate the tree with
// taskkill instead.
const SupportsProcessGroups = false

// taskkill exits with 128 when the target no longer exists.
const taskkillNotFound = 128

type platformKiller struct{}

func (platformKiller) prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

func (platformKiller) terminate(pid int) error { return taskkill(pid, false) }

func (platformKiller) kill(pid int) error { return taskkill(pid, true) }

func taskkill(pid int, force bool) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	err := exec.Command("taskkill", args...).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == taskkillNotFound {
		return errProcessGone
	}
	return err
}

// shellCommand runs command through cmd.exe with a raw command line so the
// quoting written by the author reaches the shell untouched.
func shellCommand(command string) *exec.Cmd {
	comspec := os.Getenv("COMSPEC")
	if comspec == "" {
		comspec = "cmd.exe"
	}
	cmd := exec.Command(comspec)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: fmt.Sprintf(`%s /S /C "%s"`, syscall.EscapeArg(comspec), command),
	}
	return cmd
}
