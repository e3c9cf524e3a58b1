package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/ormasoftchile/conductor/pkg/engine"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

var (
	okStyle    = color.New(color.FgGreen)
	errorStyle = color.New(color.FgRed)
	cmdStyle   = color.New(color.FgCyan)
	dimStyle   = color.New(color.Faint)
	boldStyle  = color.New(color.Bold)
)

// console renders bus events as a live transcript.
type console struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
}

func newConsole(w io.Writer, quiet bool) *console {
	return &console{w: w, quiet: quiet}
}

// Handle is the bus subscriber.
func (c *console) Handle(evt trace.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, _ := evt.Int("line")
	switch evt.Type {
	case trace.EventActionStart:
		fmt.Fprintf(c.w, "%s %s\n", dimStyle.Sprintf("L%-4d", line), cmdStyle.Sprintf("$ %s", evt.String("command")))
	case trace.EventOutput:
		if !c.quiet {
			fmt.Fprintf(c.w, "      %s %s\n", dimStyle.Sprint("│"), evt.String("text"))
		}
	case trace.EventActionEnd:
		rc, _ := evt.Int("return_code")
		secs, _ := evt.Data["duration"].(float64)
		took := time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
		if rc == 0 && evt.Data["terminated"] != true && evt.String("error") == "" {
			fmt.Fprintf(c.w, "      %s\n", okStyle.Sprintf("✓ exit 0 in %s", took))
		} else {
			fmt.Fprintf(c.w, "      %s\n", errorStyle.Sprintf("✗ exit %d in %s", rc, took))
		}
	case trace.EventStateChange:
		fmt.Fprintf(c.w, "%s %s = %v\n", dimStyle.Sprintf("L%-4d", line), evt.String("name"), evt.Data["value"])
	case trace.EventVowResult:
		mark := okStyle.Sprint("✓")
		if evt.Data["passed"] != true {
			mark = errorStyle.Sprint("✗")
		}
		fmt.Fprintf(c.w, "%s %s %s\n", dimStyle.Sprintf("L%-4d", line), mark, evt.String("message"))
	case trace.EventFailure:
		fmt.Fprintf(c.w, "%s %s\n", dimStyle.Sprintf("L%-4d", line), errorStyle.Sprintf("✗ %s", evt.String("error")))
		if a := evt.String("artifact"); a != "" {
			fmt.Fprintf(c.w, "      %s\n", dimStyle.Sprintf("crash artifact: %s", a))
		}
	}
}

// Summary prints the final verdict.
func (c *console) Summary(res *engine.RunResult, logPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.w)
	if res.Success {
		fmt.Fprintf(c.w, "%s %d directives in %s", okStyle.Sprint("✓ Run succeeded:"), res.Executed, res.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(c.w, "%s %d directives in %s", errorStyle.Sprint("✗ Run failed:"), res.Executed, res.Duration.Round(time.Millisecond))
	}
	if n := len(res.Skipped); n > 0 {
		fmt.Fprintf(c.w, ", %d skipped", n)
	}
	fmt.Fprintln(c.w)
	for _, s := range res.Skipped {
		fmt.Fprintf(c.w, "  %s %s at line %d: %v\n", dimStyle.Sprint("skipped"), s.Kind, s.Line, s.Err)
	}
	fmt.Fprintf(c.w, "%s %s\n", boldStyle.Sprint("Event log:"), logPath)
}
