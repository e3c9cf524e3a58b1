package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/conductor/pkg/trace"
)

func writeLog(t *testing.T, path string, finish bool) {
	t.Helper()
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf)
	tw.Emit(trace.EventStart, map[string]any{"run_id": "r1"})
	tw.Emit(trace.EventActionStart, map[string]any{"line": 1, "command": "echo hi"})
	tw.Emit(trace.EventActionEnd, map[string]any{"line": 1, "return_code": 0})
	if finish {
		tw.Emit(trace.EventEnd, map[string]any{"success": true})
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeLog(t, path, true)
	if err := verifyLog(path); err != nil {
		t.Fatalf("verifyLog: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	os.WriteFile(bad, []byte(`{"event":"END","data":{},"timestamp":1}`+"\n"), 0o644)
	if err := verifyLog(bad); err == nil {
		t.Fatal("expected a log starting with END to be invalid")
	}
}

func TestTailer_PartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeLog(t, path, false)

	var out bytes.Buffer
	emit := func(i int, evt trace.Event) { printEvent(&out, i, evt) }
	tl := &tailer{path: path}
	done, err := tl.drain(emit)
	if err != nil || done {
		t.Fatalf("drain = %v, %v", done, err)
	}
	if got := strings.Count(out.String(), "\n"); got != 3 {
		t.Fatalf("printed %d lines, want 3", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	f.WriteString(`{"event":"END","data":{"success":true},`)
	done, err = tl.drain(emit)
	if err != nil || done {
		t.Fatalf("half-written END: drain = %v, %v", done, err)
	}
	f.WriteString(`"timestamp":9999999999}` + "\n")
	done, err = tl.drain(emit)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("expected END to finish the follow")
	}
	if tl.index != 4 {
		t.Errorf("index = %d, want 4", tl.index)
	}
}

func TestPrintEvent_SortedKeys(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, 3, trace.Event{Type: trace.EventStateChange, Data: map[string]any{"value": "x", "line": 2, "name": "k"}})
	got := out.String()
	if !strings.Contains(got, "line=2 name=k value=x") {
		t.Errorf("printEvent = %q", got)
	}
}
