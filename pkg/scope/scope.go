// Package scope implements the execution context shared by the directives
// of one run: a mutex-guarded variable arena with a history ledger, a
// secret vault, and working-directory state.
package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/conductor/pkg/process"
)

// Reserved variable names.
const (
	KeyCwd         = "cwd"
	KeyProjectRoot = "project_root"
)

// Path is a filesystem path value. It is kept distinct from plain strings so
// that handlers can resolve it against the working directory.
type Path string

// HistoryKind classifies an entry in the mutation ledger.
type HistoryKind string

const (
	HistorySet     HistoryKind = "set"
	HistoryDelete  HistoryKind = "delete"
	HistoryRestore HistoryKind = "restore"
	HistoryCwd     HistoryKind = "cwd"
	HistoryFork    HistoryKind = "fork"
)

// HistoryEntry records one mutation.
type HistoryEntry struct {
	Time time.Time   `json:"time"`
	Key  string      `json:"key"`
	Kind HistoryKind `json:"kind"`
}

// Subscriber is notified after every successful mutation.
type Subscriber func(key string, value any)

// ErrReadOnly is returned when assigning project_root.
var ErrReadOnly = errors.New("variable is read-only")

// Scope is the execution context of a run. All mutation goes through the
// methods below, which hold one mutex; subscribers run after it is released
// so they may read the scope again.
type Scope struct {
	mu      sync.Mutex
	vars    map[string]any
	history []HistoryEntry
	subs    []Subscriber
	vault   *Vault
	root    string
	cwd     string
	last    *process.Result
}

// New creates a scope rooted at projectRoot. A nil vault gets a fresh one.
func New(projectRoot string, vault *Vault) (*Scope, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if vault == nil {
		vault = NewVault()
	}
	return &Scope{
		vars:  make(map[string]any),
		vault: vault,
		root:  filepath.Clean(root),
		cwd:   filepath.Clean(root),
	}, nil
}

// Vault returns the shared secret vault.
func (s *Scope) Vault() *Vault { return s.vault }

// ProjectRoot returns the absolute project root.
func (s *Scope) ProjectRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Cwd returns the absolute working directory.
func (s *Scope) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// RelCwd returns the working directory relative to the project root, using
// forward slashes. Directories outside the root are returned absolute.
func (s *Scope) RelCwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, err := filepath.Rel(s.root, s.cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(s.cwd)
	}
	return filepath.ToSlash(rel)
}

// Get returns a variable. cwd and project_root are always available.
func (s *Scope) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case KeyCwd:
		return Path(s.cwd), true
	case KeyProjectRoot:
		return Path(s.root), true
	}
	v, ok := s.vars[key]
	return v, ok
}

// Set assigns a variable, records it in the history ledger and notifies
// subscribers. Assigning cwd changes the working directory.
func (s *Scope) Set(key string, value any) error {
	if key == "" {
		return errors.New("set: empty variable name")
	}
	if key == KeyProjectRoot {
		return fmt.Errorf("set %s: %w", key, ErrReadOnly)
	}
	if key == KeyCwd {
		return s.SetCwd(fmt.Sprint(value))
	}
	s.mu.Lock()
	s.vars[key] = value
	s.record(key, HistorySet)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, key, value)
	return nil
}

// Delete removes a variable.
func (s *Scope) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.vars[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.vars, key)
	s.record(key, HistoryDelete)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, key, nil)
}

// SetCwd changes the working directory. Relative paths resolve against the
// current working directory; the target must be an existing directory.
func (s *Scope) SetCwd(dir string) error {
	s.mu.Lock()
	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.cwd, target)
	}
	s.mu.Unlock()

	target = filepath.Clean(target)
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("change directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("change directory: %s is not a directory", target)
	}

	s.mu.Lock()
	s.cwd = target
	s.record(KeyCwd, HistoryCwd)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, KeyCwd, Path(target))
	return nil
}

// Resolve turns a possibly relative path into an absolute one anchored at
// the working directory.
func (s *Scope) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.Cwd(), p)
}

// ResolveSecret fetches a secret through the vault.
func (s *Scope) ResolveSecret(ctx context.Context, src SecretSource) (string, error) {
	return s.vault.Resolve(ctx, src)
}

// Subscribe registers fn for mutation notifications.
func (s *Scope) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// History returns a copy of the mutation ledger.
func (s *Scope) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// SetLastResult records the result of the most recent Action.
func (s *Scope) SetLastResult(r *process.Result) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// LastResult returns the most recent Action result, or nil.
func (s *Scope) LastResult() *process.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Vars returns a deep copy of all variables plus cwd and project_root as
// strings. It is the environment handed to expressions and templates.
func (s *Scope) Vars() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.vars)+2)
	for k, v := range s.vars {
		out[k] = deepCopy(v)
	}
	out[KeyCwd] = s.cwd
	out[KeyProjectRoot] = s.root
	return out
}

// Fork returns an independent copy of the variable namespace that shares the
// vault. Subscribers are not inherited.
func (s *Scope) Fork() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := &Scope{
		vars:  make(map[string]any, len(s.vars)),
		vault: s.vault,
		root:  s.root,
		cwd:   s.cwd,
		last:  s.last,
	}
	for k, v := range s.vars {
		child.vars[k] = deepCopy(v)
	}
	child.record("", HistoryFork)
	return child
}

// Snapshot returns a JSON-safe copy of the variables and working directory.
// Values that cannot be encoded degrade to their fmt representation.
func (s *Scope) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.vars)+1)
	for k, v := range s.vars {
		out[k] = jsonSafe(v)
	}
	out[KeyCwd] = s.cwd
	return out
}

// Restore replaces the variables with a snapshot. A cwd entry is applied
// when it still names a directory.
func (s *Scope) Restore(snap map[string]any) {
	vars := make(map[string]any, len(snap))
	cwd := ""
	for k, v := range snap {
		if k == KeyCwd {
			cwd, _ = v.(string)
			continue
		}
		if k == KeyProjectRoot {
			continue
		}
		vars[k] = deepCopy(v)
	}

	s.mu.Lock()
	s.vars = vars
	if cwd != "" && filepath.IsAbs(cwd) {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			s.cwd = filepath.Clean(cwd)
		}
	}
	s.record("", HistoryRestore)
	s.mu.Unlock()
}

func (s *Scope) record(key string, kind HistoryKind) {
	s.history = append(s.history, HistoryEntry{Time: time.Now(), Key: key, Kind: kind})
}

func (s *Scope) subscribers() []Subscriber {
	if len(s.subs) == 0 {
		return nil
	}
	out := make([]Subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func notify(subs []Subscriber, key string, value any) {
	for _, fn := range subs {
		fn(key, value)
	}
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

func jsonSafe(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}
