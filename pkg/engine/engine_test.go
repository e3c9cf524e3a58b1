package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/logging"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/recovery"
	"github.com/ormasoftchile/conductor/pkg/scope"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// fakeExec answers commands without spawning anything. Commands starting
// with "fail" exit 1; everything else echoes the command line.
type fakeExec struct {
	mu    sync.Mutex
	calls []string
	fn    func(cmd string, n int) *process.Result
}

func (f *fakeExec) Run(_ context.Context, spec process.Spec, _ time.Duration) (*process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Command)
	n := len(f.calls)
	f.mu.Unlock()

	var res *process.Result
	if f.fn != nil {
		res = f.fn(spec.Command, n)
	} else {
		res = &process.Result{Output: spec.Command + "\n"}
		if strings.HasPrefix(spec.Command, "fail") {
			res.ReturnCode = 1
		}
	}
	res.Command = spec.Command
	return res, nil
}

func (f *fakeExec) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newEngine(t *testing.T, exec Executor, opts ...func(*Config)) (*Engine, *bytes.Buffer) {
	t.Helper()
	sc, err := scope.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf)
	red := scope.NewRedactor(sc.Vault(), nil)
	tw.SetRedactor(red)
	cfg := Config{
		RunID:          "test",
		Scope:          sc,
		Executor:       exec,
		Trace:          tw,
		Redactor:       red,
		NonInteractive: true,
		Logger:         logging.Discard(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return New(cfg), &buf
}

func events(t *testing.T, buf *bytes.Buffer) []trace.Event {
	t.Helper()
	evts, err := trace.Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	return evts
}

func types(evts []trace.Event) []trace.EventType {
	out := make([]trace.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func action(line int, cmd string) *directive.Action {
	return &directive.Action{Pos: directive.Pos{Line: line}, Command: cmd}
}

func state(line int, key, value string) *directive.State {
	return &directive.State{Pos: directive.Pos{Line: line}, Key: key, Value: value}
}

func TestRunOrdering(t *testing.T) {
	exec := &fakeExec{}
	e, buf := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		action(1, "one"),
		state(2, "name", "demo"),
		action(3, "two {{.name}}"),
	})
	if !res.Success || res.Executed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := exec.Calls(); len(got) != 2 || got[0] != "one" || got[1] != "two demo" {
		t.Fatalf("calls = %v", got)
	}

	want := []trace.EventType{
		trace.EventStart,
		trace.EventActionStart, trace.EventActionEnd,
		trace.EventStateChange,
		trace.EventActionStart, trace.EventActionEnd,
		trace.EventEnd,
	}
	got := types(events(t, buf))
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if e.Status() != StatusDone {
		t.Errorf("status = %s, want done", e.Status())
	}
	v, err := trace.Verify(bytes.NewReader(buf.Bytes()))
	if err != nil || !v.Valid || !v.Complete {
		t.Errorf("verify = %+v, %v", v, err)
	}
}

func TestNonInteractiveAbortStopsRun(t *testing.T) {
	exec := &fakeExec{}
	e, buf := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		action(1, "ok"),
		action(2, "fail now"),
		action(3, "never"),
	})
	if res.Success {
		t.Fatal("run should fail")
	}
	var de *DirectiveError
	if !errors.As(res.Err, &de) || de.Line != 2 || de.Result.ReturnCode != 1 {
		t.Fatalf("err = %#v", res.Err)
	}
	if got := exec.Calls(); len(got) != 2 {
		t.Fatalf("calls = %v", got)
	}
	evts := events(t, buf)
	last := evts[len(evts)-2]
	if last.Type != trace.EventFailure || last.String("kind") != "action" {
		t.Errorf("expected FAILURE before END, got %+v", last)
	}
}

func TestSkipContinues(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec, func(c *Config) {
		c.NonInteractive = false
		c.Decider = recovery.AlwaysSkip()
	})
	res := e.Run(context.Background(), []directive.Directive{
		action(1, "fail first"),
		action(2, "second"),
	})
	if !res.Success {
		t.Fatalf("skip should keep the run successful: %v", res.Err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Line != 1 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	if got := exec.Calls(); len(got) != 2 || got[1] != "second" {
		t.Fatalf("calls = %v", got)
	}
}

func TestOperatorRetry(t *testing.T) {
	exec := &fakeExec{fn: func(cmd string, n int) *process.Result {
		if n == 1 {
			return &process.Result{ReturnCode: 2}
		}
		return &process.Result{}
	}}
	var during Status
	var e *Engine
	e, _ = newEngine(t, exec, func(c *Config) {
		c.NonInteractive = false
		c.Decider = recovery.DeciderFunc(func(context.Context, *recovery.FailureContext) (recovery.Choice, error) {
			during = e.Status()
			return recovery.ChoiceRetry, nil
		})
	})
	res := e.Run(context.Background(), []directive.Directive{action(1, "flaky")})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if len(exec.Calls()) != 2 {
		t.Fatalf("calls = %v", exec.Calls())
	}
	if during != StatusSuspended {
		t.Errorf("status while deciding = %s, want suspended", during)
	}
}

func TestRetryPolicy(t *testing.T) {
	exec := &fakeExec{fn: func(cmd string, n int) *process.Result {
		if n < 3 {
			return &process.Result{ReturnCode: 1}
		}
		return &process.Result{Output: "ready"}
	}}
	e, buf := newEngine(t, exec)
	a := action(1, "probe")
	a.Retry = &directive.RetryPolicy{MaxAttempts: 3, Backoff: directive.BackoffFixed}
	res := e.Run(context.Background(), []directive.Directive{a})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if len(exec.Calls()) != 3 {
		t.Fatalf("calls = %v", exec.Calls())
	}
	starts := 0
	for _, ev := range events(t, buf) {
		if ev.Type == trace.EventActionStart {
			starts++
		}
	}
	if starts != 3 {
		t.Errorf("ACTION_START count = %d, want 3", starts)
	}
}

func TestAllowFailure(t *testing.T) {
	e, _ := newEngine(t, &fakeExec{})
	a := action(1, "fail but fine")
	a.AllowFailure = true
	res := e.Run(context.Background(), []directive.Directive{a})
	if !res.Success {
		t.Fatalf("allow_failure should not fail the run: %v", res.Err)
	}
	if lr := e.Scope().LastResult(); lr == nil || lr.ReturnCode != 1 {
		t.Errorf("last result = %+v", lr)
	}
}

func TestSecretRedaction(t *testing.T) {
	const token = "tk-9f8e7d6c5b4a"
	exec := &fakeExec{}
	e, buf := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "api_token", token),
		action(2, "curl -H 'Authorization: {{.api_token}}' example.test"),
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if !strings.Contains(exec.Calls()[0], token) {
		t.Fatal("the process itself must receive the real token")
	}
	if strings.Contains(buf.String(), token) {
		t.Fatalf("event log leaks the token:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), scope.Mask) {
		t.Error("expected masked values in the log")
	}
}

func TestSecretFromVault(t *testing.T) {
	e, buf := newEngine(t, &fakeExec{})
	e.Scope().Vault().Store("db", "pa55word-xyz")
	res := e.Run(context.Background(), []directive.Directive{
		&directive.State{Pos: directive.Pos{Line: 1}, Key: "conn", Secret: &scope.SecretSource{Provider: "memory", Key: "db"}},
		action(2, "connect {{.conn}}"),
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if strings.Contains(buf.String(), "pa55word-xyz") {
		t.Fatalf("event log leaks the secret:\n%s", buf.String())
	}
}

func TestCaptureJSON(t *testing.T) {
	exec := &fakeExec{fn: func(string, int) *process.Result {
		return &process.Result{Output: "\x1b[32m{\"replicas\": 3}\x1b[0m\n"}
	}}
	e, _ := newEngine(t, exec)
	a := action(1, "status")
	a.CaptureAs = "status"
	a.Adjudicate = "json"
	res := e.Run(context.Background(), []directive.Directive{
		a,
		&directive.Vow{Pos: directive.Pos{Line: 2}, Check: "expr", Args: []string{"status.replicas == 3"}},
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
}

func TestVowFailure(t *testing.T) {
	e, buf := newEngine(t, &fakeExec{})
	res := e.Run(context.Background(), []directive.Directive{
		action(1, "hello"),
		&directive.Vow{Pos: directive.Pos{Line: 2}, Check: "contains", Args: []string{"goodbye"}},
	})
	var ve *VowError
	if !errors.As(res.Err, &ve) || ve.Line != 2 {
		t.Fatalf("err = %v", res.Err)
	}
	found := false
	for _, ev := range events(t, buf) {
		if ev.Type == trace.EventVowResult {
			found = true
			if ev.Data["passed"] != false {
				t.Errorf("VOW_RESULT = %+v", ev.Data)
			}
		}
	}
	if !found {
		t.Error("no VOW_RESULT event")
	}

	e2, _ := newEngine(t, &fakeExec{})
	res = e2.Run(context.Background(), []directive.Directive{
		action(1, "hello"),
		&directive.Vow{Pos: directive.Pos{Line: 2}, Check: "contains", Args: []string{"goodbye"}, Negate: true},
	})
	if !res.Success {
		t.Fatalf("negated vow should hold: %v", res.Err)
	}
}

func TestWatchChecksAfterEveryDirective(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "budget", "2"),
		&directive.Meta{Pos: directive.Pos{Line: 2}, Op: directive.MetaWatch, Key: "budget",
			Vow: &directive.Vow{Pos: directive.Pos{Line: 2}, Check: "expr", Args: []string{"budget > 0"}}},
		action(3, "spend"),
		state(4, "budget", "0"),
		action(5, "never"),
	})
	var ve *VowError
	if !errors.As(res.Err, &ve) || !ve.Background {
		t.Fatalf("err = %v", res.Err)
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v", got)
	}
}

func TestMetaSettings(t *testing.T) {
	var gotEnv []string
	e, _ := newEngine(t, execFunc(func(spec process.Spec) *process.Result {
		gotEnv = spec.Env
		return &process.Result{}
	}))
	res := e.Run(context.Background(), []directive.Directive{
		&directive.Meta{Pos: directive.Pos{Line: 1}, Op: directive.MetaEnv, Key: "DEPLOY_STAGE", Value: "blue"},
		&directive.Meta{Pos: directive.Pos{Line: 2}, Op: directive.MetaWorkers, Value: "2"},
		&directive.Meta{Pos: directive.Pos{Line: 3}, Op: directive.MetaTimeout, Value: "5s"},
		action(4, "deploy"),
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	found := false
	for _, kv := range gotEnv {
		if kv == "DEPLOY_STAGE=blue" {
			found = true
		}
	}
	if !found {
		t.Error("run-wide env not passed to the process")
	}
	if w, to, _ := e.settings(); w != 2 || to != 5*time.Second {
		t.Errorf("settings = %d, %s", w, to)
	}
}

type execFunc func(spec process.Spec) *process.Result

func (f execFunc) Run(_ context.Context, spec process.Spec, _ time.Duration) (*process.Result, error) {
	return f(spec), nil
}

func TestControlFlow(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "files", `["a.go", "docs/b.md", "pkg/c.go"]`),
		state(2, "stage", "prod"),
		&directive.Conditional{Pos: directive.Pos{Line: 3},
			Branches: []directive.Branch{
				{If: `stage == "dev"`, Body: []directive.Directive{action(4, "dev only")}},
				{If: `stage == "prod"`, Body: []directive.Directive{action(5, "prod only")}},
			},
			Else: []directive.Directive{action(6, "else")},
		},
		&directive.Filter{Pos: directive.Pos{Line: 7}, Over: "files", As: "f", Glob: "**/*.go", Into: "gofiles",
			Body: []directive.Directive{action(8, "vet {{.f}}")}},
		&directive.Loop{Pos: directive.Pos{Line: 9}, Var: "i", Times: 2,
			Body: []directive.Directive{action(10, "tick {{.i}}")}},
		&directive.Loop{Pos: directive.Pos{Line: 11}, Var: "g", Over: "gofiles",
			Body: []directive.Directive{action(12, "build {{.g}}")}},
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	want := []string{"prod only", "vet a.go", "vet pkg/c.go", "tick 0", "tick 1", "build a.go", "build pkg/c.go"}
	got := exec.Calls()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v\nwant %v", got, want)
	}
}

func TestFilterWhere(t *testing.T) {
	e, _ := newEngine(t, &fakeExec{})
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "sizes", "[1, 5, 10, 20]"),
		&directive.Filter{Pos: directive.Pos{Line: 2}, Over: "sizes", As: "n", Where: "n >= 10", Into: "big"},
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	big, _ := e.Scope().Get("big")
	list, ok := big.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("big = %#v", big)
	}
}

func TestParallelIsolation(t *testing.T) {
	e, _ := newEngine(t, &fakeExec{})
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "color", "red"),
		&directive.Parallel{Pos: directive.Pos{Line: 2}, Into: "results", Branches: []directive.ParallelBranch{
			{Label: "left", Body: []directive.Directive{state(3, "color", "blue"), state(4, "only_left", "1")}},
			{Label: "right", Body: []directive.Directive{state(5, "color", "green")}},
		}},
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if v, _ := e.Scope().Get("color"); v != "red" {
		t.Errorf("parent color = %v, want red", v)
	}
	if _, ok := e.Scope().Get("only_left"); ok {
		t.Error("branch variable leaked into the parent")
	}
	results, _ := e.Scope().Get("results")
	list, ok := results.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("results = %#v", results)
	}
	for i, r := range list {
		m := r.(map[string]any)
		if m["status"] != BranchOK || m["branch"] != i {
			t.Errorf("results[%d] = %v", i, m)
		}
	}
}

func TestParallelAggregatesFailures(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		&directive.Parallel{Pos: directive.Pos{Line: 1}, Workers: 2, Branches: []directive.ParallelBranch{
			{Label: "a", Body: []directive.Directive{action(2, "fail a")}},
			{Label: "b", Body: []directive.Directive{action(3, "ok b")}},
			{Label: "c", Body: []directive.Directive{action(4, "fail c")}},
		}},
	})
	var pe *ParallelError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("err = %v", res.Err)
	}
	if len(pe.Failures) != 2 || pe.Failures[0].Label != "a" || pe.Failures[1].Label != "c" {
		t.Fatalf("failures = %+v", pe.Failures)
	}
	if len(exec.Calls()) != 3 {
		t.Errorf("every branch should run, calls = %v", exec.Calls())
	}
	var de *DirectiveError
	if !errors.As(res.Err, &de) {
		t.Error("branch errors should be reachable through the aggregate")
	}
}

func TestParallelFailFast(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		&directive.Parallel{Pos: directive.Pos{Line: 1}, Workers: 1, FailFast: true, Into: "out", Branches: []directive.ParallelBranch{
			{Label: "first", Body: []directive.Directive{action(2, "fail first")}},
			{Label: "second", Body: []directive.Directive{action(3, "second")}},
		}},
	})
	if res.Success {
		t.Fatal("fail-fast block should fail")
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("unstarted branch was launched: %v", got)
	}
	out, _ := e.Scope().Get("out")
	list := out.([]any)
	if s := list[1].(map[string]any)["status"]; s != BranchCancelled {
		t.Errorf("second branch status = %v", s)
	}
}

func TestParallelFailFastLeavesQueuedBranchesUnstarted(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExec{fn: func(cmd string, _ int) *process.Result {
		switch cmd {
		case "slow one":
			close(started)
			time.Sleep(200 * time.Millisecond)
			return &process.Result{}
		case "fail two":
			<-started
			return &process.Result{ReturnCode: 1}
		}
		return &process.Result{}
	}}
	e, _ := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		&directive.Parallel{Pos: directive.Pos{Line: 1}, Workers: 2, FailFast: true, Into: "out", Branches: []directive.ParallelBranch{
			{Label: "one", Body: []directive.Directive{action(2, "slow one")}},
			{Label: "two", Body: []directive.Directive{action(3, "fail two")}},
			{Label: "three", Body: []directive.Directive{action(4, "three")}},
			{Label: "four", Body: []directive.Directive{action(5, "four")}},
		}},
	})
	var pe *ParallelError
	if !errors.As(res.Err, &pe) || len(pe.Failures) != 1 || pe.Failures[0].Label != "two" {
		t.Fatalf("err = %v", res.Err)
	}

	calls := exec.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want only the first two branches", calls)
	}
	for _, c := range calls {
		if c != "slow one" && c != "fail two" {
			t.Errorf("unexpected call %q", c)
		}
	}

	out, _ := e.Scope().Get("out")
	list := out.([]any)
	want := []string{BranchOK, BranchFailed, BranchCancelled, BranchCancelled}
	for i, w := range want {
		if s := list[i].(map[string]any)["status"]; s != w {
			t.Errorf("branch %d status = %v, want %s", i, s, w)
		}
	}
}

func TestLoopBindingNotRedacted(t *testing.T) {
	exec := &fakeExec{}
	e, buf := newEngine(t, exec)
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "targets", `["build", "test"]`),
		&directive.Loop{Pos: directive.Pos{Line: 2}, Var: "keyname", Over: "targets",
			Body: []directive.Directive{action(3, "make {{.keyname}}")}},
		action(4, "go build ./..."),
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}

	var commands []string
	for _, evt := range events(t, buf) {
		if evt.Type == trace.EventActionStart {
			commands = append(commands, evt.Data["command"].(string))
		}
	}
	want := []string{"make build", "make test", "go build ./..."}
	if strings.Join(commands, "|") != strings.Join(want, "|") {
		t.Errorf("ACTION_START commands = %v, want %v", commands, want)
	}
}

func TestMetaNonInteractive(t *testing.T) {
	exec := &fakeExec{}
	e, _ := newEngine(t, exec, func(c *Config) {
		c.NonInteractive = false
		c.Decider = recovery.AlwaysSkip()
	})
	if e.manager.NonInteractive() {
		t.Fatal("manager should start interactive")
	}
	res := e.Run(context.Background(), []directive.Directive{
		&directive.Meta{Pos: directive.Pos{Line: 1}, Op: directive.MetaNonInteractive, Value: "true"},
		action(2, "fail now"),
		action(3, "never"),
	})
	if res.Success {
		t.Fatal("failure should abort once non-interactive")
	}
	if !e.manager.NonInteractive() {
		t.Error("meta did not switch the manager")
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Errorf("calls = %v", got)
	}
}

func TestPanicIsFatal(t *testing.T) {
	e, _ := newEngine(t, execFunc(func(process.Spec) *process.Result { panic("executor exploded") }), func(c *Config) {
		c.NonInteractive = false
		c.Decider = recovery.AlwaysSkip()
	})
	res := e.Run(context.Background(), []directive.Directive{action(1, "boom"), action(2, "after")})
	if res.Success || !recovery.IsFault(res.Err) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestCancelStopsBeforeNextDirective(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := execFunc(func(process.Spec) *process.Result {
		cancel()
		return &process.Result{}
	})
	e, _ := newEngine(t, exec)
	res := e.Run(ctx, []directive.Directive{action(1, "first"), action(2, "second")})
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Executed != 1 {
		t.Errorf("executed = %d, want 1", res.Executed)
	}
}

func TestCwdChange(t *testing.T) {
	var dirs []string
	e, buf := newEngine(t, execFunc(func(spec process.Spec) *process.Result {
		dirs = append(dirs, spec.Dir)
		return &process.Result{}
	}))
	if err := os.MkdirAll(filepath.Join(e.Scope().ProjectRoot(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	res := e.Run(context.Background(), []directive.Directive{
		state(1, "cwd", "sub"),
		action(2, "ls"),
	})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if !strings.HasSuffix(dirs[0], "sub") {
		t.Errorf("dir = %s", dirs[0])
	}
	for _, ev := range events(t, buf) {
		if ev.Type == trace.EventActionStart && ev.String("rel_cwd") != "sub" {
			t.Errorf("rel_cwd = %q", ev.String("rel_cwd"))
		}
	}
}
