// Package process spawns shell commands, streams their output line by line
// and terminates whole process trees.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultGracePeriod is the delay between the polite and the forced kill.
	DefaultGracePeriod = 5 * time.Second
	// DefaultMaxOutput caps the captured output of one process.
	DefaultMaxOutput int64 = 10 << 20
	// drainDelay bounds how long output is read after the shell exits. A
	// background descendant may keep the pipes open indefinitely.
	drainDelay = 250 * time.Millisecond
)

// ErrWaitTimeout is returned by Handle.Wait when the process is still running.
var ErrWaitTimeout = errors.New("process: wait timed out")

// errProcessGone reports that a kill target had already exited.
var errProcessGone = errors.New("process: already exited")

// Stream identifies an output pipe.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of process output, without its terminator.
type Line struct {
	Stream Stream
	Text   string
}

// Spec describes a process to spawn.
type Spec struct {
	Command string   // shell command line
	Dir     string   // working directory
	Env     []string // full environment; nil inherits the current one
	Stdin   []string // lines written to stdin, then closed
	OnLine  func(Line)
}

// Result is the outcome of one process invocation.
type Result struct {
	Command    string        `json:"command"`
	Output     string        `json:"output"`
	ReturnCode int           `json:"return_code"`
	Duration   time.Duration `json:"duration"`
	Terminated bool          `json:"terminated,omitempty"`
	PID        int           `json:"pid,omitempty"`
}

// Success reports a zero exit that was not caused by a kill.
func (r *Result) Success() bool {
	return r != nil && r.ReturnCode == 0 && !r.Terminated
}

// treeKiller isolates OS-specific process-tree termination.
type treeKiller interface {
	// prepare configures cmd before Start so its descendants can be reached.
	prepare(cmd *exec.Cmd)
	// terminate asks the tree rooted at pid to exit.
	terminate(pid int) error
	// kill forcibly ends the tree rooted at pid.
	kill(pid int) error
}

// Runner spawns processes. The zero value is usable.
type Runner struct {
	GracePeriod time.Duration
	MaxOutput   int64
	Logger      *slog.Logger

	killer treeKiller
}

// NewRunner returns a Runner with default limits.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{GracePeriod: DefaultGracePeriod, MaxOutput: DefaultMaxOutput, Logger: logger}
}

func (r *Runner) grace() time.Duration {
	if r.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return r.GracePeriod
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) treeKiller() treeKiller {
	if r.killer == nil {
		return platformKiller{}
	}
	return r.killer
}

// Spawn starts spec.Command through the platform shell. Output pumping and
// stdin feeding run on their own goroutines.
func (r *Runner) Spawn(spec Spec) (*Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("spawn: empty command")
	}
	cmd := shellCommand(spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	r.treeKiller().prepare(cmd)

	// Raw pipes instead of cmd.StdoutPipe: cmd.Wait must report the exit of
	// the shell without waiting for descendants that inherited the pipes.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %q: stdout pipe: %w", spec.Command, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("spawn %q: stderr pipe: %w", spec.Command, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	var stdin io.WriteCloser
	if len(spec.Stdin) > 0 {
		if stdin, err = cmd.StdinPipe(); err != nil {
			closeAll(stdout, stdoutW, stderr, stderrW)
			return nil, fmt.Errorf("spawn %q: stdin pipe: %w", spec.Command, err)
		}
	}

	maxOut := r.MaxOutput
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}
	h := &Handle{
		runner: r,
		cmd:    cmd,
		spec:   spec,
		out:    newLimitedWriter(maxOut),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}

	h.start = time.Now()
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("spawn %q: %w", spec.Command, err)
	}

	drained := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go h.pump(stdout, Stdout, &readers)
	go h.pump(stderr, Stderr, &readers)
	go func() {
		readers.Wait()
		close(drained)
	}()
	if stdin != nil {
		go h.feed(stdin)
	}
	go func() {
		waitErr := cmd.Wait()
		close(h.exited)
		t := time.NewTimer(drainDelay)
		defer t.Stop()
		select {
		case <-drained:
		case <-t.C:
			h.abandoned.Store(true)
			closeAll(stdout, stderr)
			r.logger().Debug("output still open after exit, leaving it to descendants", "pid", h.PID())
		}
		h.finish(waitErr)
	}()
	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Run spawns spec and waits for it. When ctx is cancelled or timeout
// elapses the process tree is killed and the partial result returned with
// Terminated set.
func (r *Runner) Run(ctx context.Context, spec Spec, timeout time.Duration) (*Result, error) {
	h, err := r.Spawn(spec)
	if err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-h.exited:
		return h.Wait(0)
	case <-ctx.Done():
		r.killLogged(h, "cancelled")
	case <-expired:
		r.killLogged(h, "timeout")
	}

	res, err := h.Wait(r.grace())
	if errors.Is(err, ErrWaitTimeout) {
		return res, nil
	}
	return res, err
}

// killLogged kills h and demotes failures to warnings: a tree that cannot be
// fully reaped is degraded cleanup, not a directive failure.
func (r *Runner) killLogged(h *Handle, reason string) {
	if err := h.Kill(); err != nil {
		r.logger().Warn("process tree kill failed", "pid", h.PID(), "reason", reason, "error", err)
	}
}

// Handle is a running (or finished) process.
type Handle struct {
	runner *Runner
	cmd    *exec.Cmd
	spec   Spec
	start  time.Time
	out    *limitedWriter
	exited chan struct{}
	done   chan struct{}
	killed atomic.Bool
	// abandoned stops streaming once the output pipes are closed under a
	// descendant that outlived the shell.
	abandoned atomic.Bool

	mu     sync.Mutex
	result *Result
	err    error
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the process is still running. Descendants left in
// the background do not keep it alive.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or timeout elapses. A timeout of zero
// waits indefinitely. On ErrWaitTimeout the partial result is returned.
func (h *Handle) Wait(timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		<-h.done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-h.done:
		case <-t.C:
			return h.partial(), ErrWaitTimeout
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Kill terminates the whole process tree: a polite signal first, then a
// forced kill after the grace period. Killing a process that has already
// exited is a no-op.
func (h *Handle) Kill() error {
	if !h.IsAlive() {
		return nil
	}
	h.killed.Store(true)
	killer := h.runner.treeKiller()
	pid := h.PID()

	if err := killer.terminate(pid); err != nil {
		if errors.Is(err, errProcessGone) {
			return nil
		}
		h.runner.logger().Debug("polite termination failed, forcing", "pid", pid, "error", err)
	}

	grace := h.runner.grace()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.exited:
		return nil
	case <-t.C:
	}

	if err := killer.kill(pid); err != nil && !errors.Is(err, errProcessGone) {
		return fmt.Errorf("kill process tree %d: %w", pid, err)
	}
	return nil
}

func (h *Handle) pump(rd io.ReadCloser, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	defer rd.Close()
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 && !h.abandoned.Load() {
			text := strings.TrimRight(line, "\r\n")
			_, _ = h.out.WriteString(text + "\n")
			if h.spec.OnLine != nil {
				h.spec.OnLine(Line{Stream: stream, Text: text})
			}
		}
		if err != nil {
			return
		}
	}
}

// feed writes stdin lines; a process that stops reading only loses input.
func (h *Handle) feed(w io.WriteCloser) {
	defer w.Close()
	for _, line := range h.spec.Stdin {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
}

func (h *Handle) finish(waitErr error) {
	res := h.partial()
	var runErr error
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ReturnCode = exitErr.ExitCode()
		} else {
			runErr = fmt.Errorf("wait %q: %w", h.spec.Command, waitErr)
		}
	} else {
		res.ReturnCode = 0
	}

	h.mu.Lock()
	h.result = res
	h.err = runErr
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) partial() *Result {
	return &Result{
		Command:    h.spec.Command,
		Output:     h.out.String(),
		ReturnCode: -1,
		Duration:   time.Since(h.start),
		Terminated: h.killed.Load(),
		PID:        h.PID(),
	}
}

// limitedWriter caps captured output; the streaming callback still sees
// every line.
type limitedWriter struct {
	mu        sync.Mutex
	buf       strings.Builder
	maxSize   int64
	written   int64
	truncated bool
}

func newLimitedWriter(maxSize int64) *limitedWriter {
	return &limitedWriter{maxSize: maxSize}
}

func (lw *limitedWriter) WriteString(s string) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.truncated {
		return len(s), nil
	}
	remaining := lw.maxSize - lw.written
	if int64(len(s)) > remaining {
		lw.buf.WriteString(s[:remaining])
		lw.buf.WriteString("\n... (output truncated, exceeded maximum size)\n")
		lw.written = lw.maxSize
		lw.truncated = true
		return len(s), nil
	}
	n, err := lw.buf.WriteString(s)
	lw.written += int64(n)
	return len(s), err
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.buf.String()
}
