package trace

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type maskAll struct{}

func (maskAll) Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && strings.Contains(s, "hunter2") {
			v = strings.ReplaceAll(s, "hunter2", "******")
		}
		out[k] = v
	}
	return out
}

func TestWriter_EmitAndRead(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf)
	tw.SetRedactor(maskAll{})

	tw.Emit(EventStart, map[string]any{"run_id": "r1"})
	tw.Emit(EventActionStart, map[string]any{"line": 1, "command": "login -p hunter2"})
	tw.Emit(EventOutput, map[string]any{"text": "not persisted"})
	tw.Emit(EventActionEnd, map[string]any{"line": 1, "return_code": 0})
	tw.Emit(EventEnd, map[string]any{"success": true})

	if tw.Count() != 4 {
		t.Errorf("count = %d, want 4", tw.Count())
	}
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Error("secret reached the log")
	}
	if strings.Contains(out, "not persisted") {
		t.Error("OUTPUT event written to log")
	}
	for _, field := range []string{`"event":"ACTION_START"`, `"data":`, `"timestamp":`} {
		if !strings.Contains(out, field) {
			t.Errorf("log missing %s", field)
		}
	}

	events, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("read %d events", len(events))
	}
	if n, ok := events[1].Int("line"); !ok || n != 1 {
		t.Errorf("line = %v %v", n, ok)
	}
	if events[1].String("command") != "login -p ******" {
		t.Errorf("command = %q", events[1].String("command"))
	}
	if d := time.Since(events[0].Time()); d < 0 || d > time.Minute {
		t.Errorf("timestamp decoded to %v", events[0].Time())
	}
}

func TestRead_TornFinalLine(t *testing.T) {
	in := `{"event":"START","data":{},"timestamp":1}
{"event":"ACTION_START","data":{"line":1},"timestamp":2}
{"event":"ACTION_E`
	events, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}

	bad := `{"event":"START","data":{},"timestamp":1}
garbage
{"event":"END","data":{},"timestamp":2}`
	if _, err := Read(strings.NewReader(bad)); err == nil {
		t.Error("expected error for corrupt middle line")
	}
}

func TestFileWriter_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "events.jsonl")
	tw, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if _, err := NewFileWriter(path); err == nil {
		t.Error("second writer acquired the lock")
	}
	tw.Emit(EventStart, nil)
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	events, err := ReadFile(path)
	if err != nil || len(events) != 1 {
		t.Fatalf("ReadFile = %d, %v", len(events), err)
	}
	tw2, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	tw2.Close()
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		log      string
		valid    bool
		complete bool
	}{
		{"complete", `{"event":"START","data":{},"timestamp":1}
{"event":"ACTION_START","data":{},"timestamp":2}
{"event":"ACTION_END","data":{},"timestamp":3}
{"event":"END","data":{},"timestamp":4}`, true, true},
		{"crashed run", `{"event":"START","data":{},"timestamp":1}
{"event":"ACTION_START","data":{},"timestamp":2}`, true, false},
		{"no start", `{"event":"ACTION_END","data":{},"timestamp":1}`, false, false},
		{"time travel", `{"event":"START","data":{},"timestamp":5}
{"event":"STATE_CHANGE","data":{},"timestamp":4}`, false, false},
		{"unknown type", `{"event":"START","data":{},"timestamp":1}
{"event":"OUTPUT","data":{},"timestamp":2}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Verify(strings.NewReader(tt.log))
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid != tt.valid {
				t.Errorf("valid = %v (%s), want %v", res.Valid, res.Error, tt.valid)
			}
			if tt.valid && res.Complete != tt.complete {
				t.Errorf("complete = %v, want %v", res.Complete, tt.complete)
			}
		})
	}
}
