package recovery

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/logging"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/scope"
)

type failedRun struct{ res *process.Result }

func (e *failedRun) Error() string                 { return "exit status 3" }
func (e *failedRun) ActionResult() *process.Result { return e.res }

func newAttempt(t *testing.T) Attempt {
	t.Helper()
	sc, err := scope.New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, sc.Set("api_token", "tok-abcdef123"))
	require.NoError(t, sc.Set("region", "eu"))
	return Attempt{
		Directive: &directive.Action{Pos: directive.Pos{Line: 7, Raw: "run: deploy"}, Command: "deploy"},
		Scope:     sc,
	}
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestBoundarySuccess(t *testing.T) {
	m := &Manager{Logger: logging.Discard()}
	choice, err := m.Boundary(context.Background(), newAttempt(t), failing(nil))
	assert.Equal(t, ChoiceNone, choice)
	assert.NoError(t, err)
}

func TestBoundaryWritesArtifact(t *testing.T) {
	a := newAttempt(t)
	dir := t.TempDir()
	var seen *FailureContext
	m := &Manager{
		Keeper:    &ArtifactKeeper{Dir: dir, Redact: a.Scope.Vault().Redact},
		Redactor:  scope.NewRedactor(a.Scope.Vault(), nil),
		Logger:    logging.Discard(),
		OnFailure: func(fc *FailureContext) { seen = fc },
	}
	m.SetNonInteractive(true)
	failure := &failedRun{res: &process.Result{Command: "deploy", Output: "using tok-abcdef123\nboom\n", ReturnCode: 3}}

	choice, err := m.Boundary(context.Background(), a, failing(failure))
	assert.Equal(t, ChoiceAbort, choice)
	assert.ErrorIs(t, err, failure)
	require.NotNil(t, seen)
	require.NotEmpty(t, seen.Artifact)

	base := filepath.Base(seen.Artifact)
	assert.True(t, strings.HasPrefix(base, "crash-"))
	assert.True(t, strings.HasSuffix(base, "-action-L7.json"))

	art, err := ReadArtifact(seen.Artifact)
	require.NoError(t, err)
	assert.Equal(t, directive.KindAction, art.Directive.Kind)
	assert.Equal(t, 7, art.Directive.Line)
	assert.Equal(t, "exit status 3", art.Error)
	require.NotNil(t, art.ReturnCode)
	assert.Equal(t, 3, *art.ReturnCode)
	assert.NotContains(t, art.Output, "tok-abcdef123")
	assert.Equal(t, scope.Mask, art.Variables["api_token"])
	assert.Equal(t, "eu", art.Variables["region"])

	list, err := ListArtifacts(dir)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBoundaryConsultsDecider(t *testing.T) {
	for _, want := range []Choice{ChoiceRetry, ChoiceSkip, ChoiceAbort} {
		t.Run(string(want), func(t *testing.T) {
			var suspended []bool
			m := &Manager{
				Decider:   DeciderFunc(func(context.Context, *FailureContext) (Choice, error) { return want, nil }),
				Logger:    logging.Discard(),
				OnSuspend: func(w bool) { suspended = append(suspended, w) },
			}
			choice, err := m.Boundary(context.Background(), newAttempt(t), failing(errors.New("nope")))
			assert.Equal(t, want, choice)
			assert.EqualError(t, err, "nope")
			assert.Equal(t, []bool{true, false}, suspended)
		})
	}
}

type countingDiagnoser struct{ calls int }

func (d *countingDiagnoser) Diagnose(context.Context, *FailureContext) (string, error) {
	d.calls++
	return "# hint", nil
}

func TestBoundaryDiagnoseReturnsToMenu(t *testing.T) {
	answers := []Choice{ChoiceDiagnose, ChoiceShell, ChoiceSkip}
	diag := &countingDiagnoser{}
	var out bytes.Buffer
	m := &Manager{
		Decider: DeciderFunc(func(context.Context, *FailureContext) (Choice, error) {
			c := answers[0]
			answers = answers[1:]
			return c, nil
		}),
		Diagnoser: diag,
		Out:       &out,
		Logger:    logging.Discard(),
	}
	choice, _ := m.Boundary(context.Background(), newAttempt(t), failing(errors.New("nope")))
	assert.Equal(t, ChoiceSkip, choice)
	assert.Equal(t, 1, diag.calls)
	assert.Contains(t, out.String(), "# hint")
	assert.Empty(t, answers)
}

func TestBoundaryFaultIsFatal(t *testing.T) {
	asked := false
	m := &Manager{
		Decider: DeciderFunc(func(context.Context, *FailureContext) (Choice, error) {
			asked = true
			return ChoiceSkip, nil
		}),
		Logger: logging.Discard(),
	}
	choice, err := m.Boundary(context.Background(), newAttempt(t), func(context.Context) error {
		panic("invariant broken")
	})
	assert.Equal(t, ChoiceAbort, choice)
	assert.True(t, IsFault(err))
	assert.False(t, asked)

	var f *Fault
	require.True(t, errors.As(err, &f))
	assert.Contains(t, f.Stack, "goroutine")
}

func TestFixedPolicyRetryBudget(t *testing.T) {
	p := RetryThen(2, ChoiceSkip)
	fc := &FailureContext{Directive: &directive.Action{Command: "x"}}
	ctx := context.Background()
	var got []Choice
	for i := 0; i < 3; i++ {
		c, err := p.Decide(ctx, fc)
		require.NoError(t, err)
		got = append(got, c)
	}
	assert.Equal(t, []Choice{ChoiceRetry, ChoiceRetry, ChoiceSkip}, got)

	c, _ := AlwaysAbort().Decide(ctx, fc)
	assert.Equal(t, ChoiceAbort, c)
	c, _ = AlwaysSkip().Decide(ctx, fc)
	assert.Equal(t, ChoiceSkip, c)
}

func TestParseChoice(t *testing.T) {
	tests := map[string]Choice{
		"r": ChoiceRetry, " Retry ": ChoiceRetry, "s": ChoiceSkip, "abort": ChoiceAbort,
		"q": ChoiceAbort, "!": ChoiceShell, "shell": ChoiceShell, "?": ChoiceDiagnose,
	}
	for in, want := range tests {
		got, ok := parseChoice(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseChoice("maybe")
	assert.False(t, ok)
}

func TestTailLines(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, strings.Repeat("x", i))
	}
	got := TailLines(strings.Join(lines, "\n"), 20, 10)
	require.Len(t, got, 21)
	assert.Equal(t, lines[:10], got[:10])
	assert.Contains(t, got[10], "10 lines omitted")
	assert.Equal(t, lines[20:], got[11:])

	assert.Len(t, TailLines("a\nb", 20, 10), 2)
}

func TestRenderPanel(t *testing.T) {
	fc := &FailureContext{
		Directive: &directive.Action{Pos: directive.Pos{Line: 4, Raw: "run: make"}, Command: "make"},
		Err:       errors.New("exit status 2"),
		Cwd:       "/work",
		Result:    &process.Result{Output: "compiling\nerror: missing\n", ReturnCode: 2},
	}
	panel := RenderPanel(fc, 80)
	assert.Contains(t, panel, "action failed at line 4")
	assert.Contains(t, panel, "exit status 2")
	assert.Contains(t, panel, "error: missing")
	assert.Contains(t, panel, "[r]etry")
}

func TestShellEnv(t *testing.T) {
	env := ShellEnv(map[string]any{"region": "eu", "max-retries": 3, "empty": nil})
	assert.Equal(t, []string{"SC_VAR_EMPTY=", "SC_VAR_MAX_RETRIES=3", "SC_VAR_REGION=eu"}, env)

	getenv := func(k string) string { return map[string]string{"SHELL": "/bin/zsh"}[k] }
	if _, err := os.Stat("/bin/sh"); err == nil {
		assert.Equal(t, "/bin/zsh", ShellPath(getenv))
		assert.Equal(t, "/bin/sh", ShellPath(func(string) string { return "" }))
	}
}

func TestHeuristicDiagnose(t *testing.T) {
	fc := &FailureContext{
		Directive: &directive.Action{Pos: directive.Pos{Line: 2}, Command: "kubectl"},
		Err:       errors.New("exit status 127"),
		Result:    &process.Result{Output: "sh: kubectl: command not found\n", ReturnCode: 127},
	}
	md, err := Heuristic{}.Diagnose(context.Background(), fc)
	require.NoError(t, err)
	assert.Contains(t, md, "line 2")
	assert.Contains(t, md, "Exit code 127")
	assert.Contains(t, md, "PATH")
	assert.Contains(t, md, "kubectl: command not found")
}

func TestBoundaryPassesAbortedThrough(t *testing.T) {
	asked := false
	m := &Manager{
		Decider: DeciderFunc(func(context.Context, *FailureContext) (Choice, error) {
			asked = true
			return ChoiceRetry, nil
		}),
		OnFailure: func(*FailureContext) { t.Fatal("aborted failure observed twice") },
		Logger:    logging.Discard(),
	}
	inner := &Aborted{Err: errors.New("already decided")}
	choice, err := m.Boundary(context.Background(), newAttempt(t), failing(inner))
	assert.Equal(t, ChoiceAbort, choice)
	assert.True(t, IsAborted(err))
	assert.False(t, asked)
}
