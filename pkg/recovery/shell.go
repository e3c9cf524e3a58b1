package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

// ShellVarPrefix prefixes run variables exported to the recovery shell.
const ShellVarPrefix = "SC_VAR_"

// SystemShell opens the operator's interactive shell in the failing
// directive's working directory.
type SystemShell struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Open implements ShellOpener.
func (s *SystemShell) Open(ctx context.Context, fc *FailureContext) error {
	cmd := exec.CommandContext(ctx, ShellPath(os.Getenv))
	cmd.Dir = fc.Cwd
	cmd.Env = append(os.Environ(), ShellEnv(fc.Vars)...)
	cmd.Stdin = orReader(s.In, os.Stdin)
	cmd.Stdout = orWriter(s.Out, os.Stdout)
	cmd.Stderr = orWriter(s.Err, os.Stderr)
	fmt.Fprintf(cmd.Stderr, "Entering recovery shell in %s. Exit to return to the menu.\n", fc.Cwd)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("recovery shell: %w", err)
	}
	return nil
}

// ShellPath picks the interactive shell: $SHELL on POSIX, %COMSPEC% on
// Windows.
func ShellPath(getenv func(string) string) string {
	if runtime.GOOS == "windows" {
		if c := getenv("COMSPEC"); c != "" {
			return c
		}
		return "cmd.exe"
	}
	if sh := getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// ShellEnv renders variables as SC_VAR_<KEY>=<value> entries, sorted by
// key. Keys are upper-cased and characters outside [A-Z0-9_] become '_'.
func ShellEnv(vars map[string]any) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := vars[k]
		if v == nil {
			v = ""
		}
		env = append(env, ShellVarPrefix+envName(k)+"="+fmt.Sprint(v))
	}
	return env
}

func envName(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, k)
}

func orReader(r, def io.Reader) io.Reader {
	if r == nil {
		return def
	}
	return r
}

func orWriter(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
