// Package replay reconstructs the working tree of a past run at any event
// index by re-executing the recorded commands into a private directory.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// ErrLocked is returned when another replay holds the work root.
var ErrLocked = errors.New("replay: work root is in use")

// CommandRunner re-executes one recorded command. Output is discarded; the
// return code is reported for logging only.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string, stdin []string) (int, error)
}

// ShellRunner replays commands through a process.Runner.
type ShellRunner struct {
	Runner *process.Runner
}

// Run implements CommandRunner.
func (s ShellRunner) Run(ctx context.Context, command, dir string, stdin []string) (int, error) {
	res, err := s.Runner.Run(ctx, process.Spec{Command: command, Dir: dir, Stdin: stdin}, 0)
	if err != nil {
		return -1, err
	}
	return res.ReturnCode, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option { return func(e *Engine) { e.runner = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// Engine replays one event log. The work root holds the live
// reconstruction ("work") and one directory per checkpoint.
type Engine struct {
	events []trace.Event
	root   string
	runner CommandRunner
	log    *slog.Logger
	lock   *flock.Flock

	mu          sync.Mutex
	checkpoints map[int]checkpoint
	current     int    // index the work tree reflects, -1 when empty
	cwd         string // relative working directory at current
}

type checkpoint struct {
	dir string
	cwd string
}

// Open reads the event log at path and prepares a replay under root.
func Open(path, root string, opts ...Option) (*Engine, error) {
	events, err := trace.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(events, root, opts...)
}

// New prepares a replay of events under root. The root is locked for the
// lifetime of the engine and any earlier reconstruction in it is discarded.
func New(events []trace.Event, root string, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve replay root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create replay root: %w", err)
	}
	lock := flock.New(filepath.Join(abs, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock replay root: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	e := &Engine{
		events:      events,
		root:        abs,
		log:         slog.Default(),
		lock:        lock,
		checkpoints: make(map[int]checkpoint),
		current:     -1,
		cwd:         ".",
	}
	for _, o := range opts {
		o(e)
	}
	if e.runner == nil {
		e.runner = ShellRunner{Runner: process.NewRunner(e.log)}
	}
	for _, dir := range []string{e.workDir(), e.checkpointRoot()} {
		if err := os.RemoveAll(dir); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("reset replay root: %w", err)
		}
	}
	if err := os.MkdirAll(e.workDir(), 0o755); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	return e, nil
}

// Close releases the work root.
func (e *Engine) Close() error {
	return e.lock.Unlock()
}

// Len returns the number of events.
func (e *Engine) Len() int { return len(e.events) }

// Checkpoints returns the indices with a materialized checkpoint.
func (e *Engine) Checkpoints() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.checkpoints))
	for i := range e.checkpoints {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func (e *Engine) workDir() string        { return filepath.Join(e.root, "work") }
func (e *Engine) checkpointRoot() string { return filepath.Join(e.root, "checkpoints") }

// Reconstruct returns a directory holding the tree as of event index. The
// directory is a checkpoint and must be treated as read-only.
//
// Moving forward replays only the events after the current position.
// Moving backward purges the work tree and rebuilds it from the greatest
// checkpoint at or before index, or from nothing when there is none, so a
// reconstruction is never derived from a later state.
func (e *Engine) Reconstruct(ctx context.Context, index int) (string, error) {
	if index < 0 || index >= len(e.events) {
		return "", fmt.Errorf("replay: index %d out of range [0, %d)", index, len(e.events))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cp, ok := e.checkpoints[index]; ok {
		return cp.dir, nil
	}
	if index < e.current || e.bestCheckpoint(index) > e.current {
		if err := e.rewind(index); err != nil {
			return "", err
		}
	}
	if err := e.advance(ctx, index); err != nil {
		return "", err
	}

	dir := filepath.Join(e.checkpointRoot(), strconv.Itoa(index))
	if err := copyTree(e.workDir(), dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("checkpoint %d: %w", index, err)
	}
	e.checkpoints[index] = checkpoint{dir: dir, cwd: e.cwd}
	e.log.Debug("checkpoint created", "index", index, "dir", dir)
	return dir, nil
}

func (e *Engine) bestCheckpoint(index int) int {
	best := -1
	for i := range e.checkpoints {
		if i <= index && i > best {
			best = i
		}
	}
	return best
}

// rewind purges the work tree and restores the best checkpoint <= index.
func (e *Engine) rewind(index int) error {
	best := e.bestCheckpoint(index)
	e.log.Debug("rewinding", "target", index, "from", e.current, "checkpoint", best)

	if err := os.RemoveAll(e.workDir()); err != nil {
		return fmt.Errorf("purge work directory: %w", err)
	}
	e.current, e.cwd = -1, "."
	if best < 0 {
		return os.MkdirAll(e.workDir(), 0o755)
	}
	cp := e.checkpoints[best]
	if err := copyTree(cp.dir, e.workDir()); err != nil {
		return fmt.Errorf("restore checkpoint %d: %w", best, err)
	}
	e.current, e.cwd = best, cp.cwd
	return nil
}

// advance replays events (current, index] into the work tree.
func (e *Engine) advance(ctx context.Context, index int) error {
	for i := e.current + 1; i <= index; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.apply(ctx, i, e.events[i]); err != nil {
			return err
		}
		e.current = i
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, i int, evt trace.Event) error {
	switch evt.Type {
	case trace.EventStateChange:
		if evt.String("name") == "cwd" {
			if rel := evt.String("value"); rel != "" {
				e.cwd = rel
			}
		}
	case trace.EventActionStart:
		command := evt.String("command")
		if command == "" {
			return nil
		}
		rel := evt.String("rel_cwd")
		if rel == "" {
			rel = e.cwd
		}
		dir := e.resolve(rel)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("event %d: prepare %s: %w", i, rel, err)
		}
		rc, err := e.runner.Run(ctx, command, dir, evt.Strings("stdin"))
		if err != nil {
			return fmt.Errorf("event %d: replay %q: %w", i, command, err)
		}
		e.log.Debug("replayed command", "index", i, "command", command, "return_code", rc)
	}
	return nil
}

// resolve maps a recorded relative directory into the work tree. Paths
// that escape it collapse to the work root.
func (e *Engine) resolve(rel string) string {
	if rel == "" || rel == "." || filepath.IsAbs(rel) {
		return e.workDir()
	}
	dir := filepath.Join(e.workDir(), filepath.FromSlash(rel))
	if r, err := filepath.Rel(e.workDir(), dir); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return e.workDir()
	}
	return dir
}
