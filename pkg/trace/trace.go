// Package trace implements the append-only JSONL event log of a run.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// EventType enumerates the lifecycle events of a run.
type EventType string

const (
	EventStart       EventType = "START"
	EventEnd         EventType = "END"
	EventActionStart EventType = "ACTION_START"
	EventActionEnd   EventType = "ACTION_END"
	EventStateChange EventType = "STATE_CHANGE"
	EventVowResult   EventType = "VOW_RESULT"
	EventFailure     EventType = "FAILURE"

	// EventOutput carries one streamed output line. It is published on the
	// bus for live observers and never written to the log.
	EventOutput EventType = "OUTPUT"
)

// Persisted reports whether events of this type belong in the event log.
func (t EventType) Persisted() bool {
	switch t {
	case EventStart, EventEnd, EventActionStart, EventActionEnd,
		EventStateChange, EventVowResult, EventFailure:
		return true
	}
	return false
}

// Event is one line of the event log.
type Event struct {
	Type      EventType      `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// Time converts the float timestamp back to a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Int reads an integer field of the payload, tolerating JSON float64.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case int64:
		return int(v), true
	}
	return 0, false
}

// String reads a string field of the payload.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Strings reads a string list field of the payload.
func (e Event) Strings(key string) []string {
	switch v := e.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Timestamp returns t as fractional Unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Redactor masks secrets in an event payload before it is encoded.
type Redactor interface {
	Map(map[string]any) map[string]any
}

// Writer appends events to a JSONL stream. Every event is written as soon as
// it is emitted.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	enc      *json.Encoder
	redactor Redactor
	count    int
	now      func() time.Time
	closer   func() error
}

// NewWriter creates a writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w), now: time.Now}
}

// NewFileWriter appends to the JSONL file at path, creating parent
// directories. The file is held under an exclusive lock so two runs cannot
// interleave lines in one log.
func NewFileWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock event log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("event log %s is in use by another run", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	tw := NewWriter(f)
	tw.closer = func() error {
		err := f.Close()
		if uerr := lock.Unlock(); err == nil {
			err = uerr
		}
		_ = os.Remove(path + ".lock")
		return err
	}
	return tw, nil
}

// SetRedactor installs the payload redactor.
func (tw *Writer) SetRedactor(r Redactor) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.redactor = r
}

// Emit redacts, stamps and writes one event, returning what was written.
// Non-persisted event types are ignored.
func (tw *Writer) Emit(eventType EventType, data map[string]any) (Event, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	if tw.redactor != nil {
		data = tw.redactor.Map(data)
	}
	evt := Event{Type: eventType, Data: data, Timestamp: Timestamp(tw.now())}
	if !eventType.Persisted() {
		return evt, nil
	}
	if err := tw.enc.Encode(evt); err != nil {
		return evt, fmt.Errorf("write event: %w", err)
	}
	if f, ok := tw.w.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return evt, fmt.Errorf("sync event log: %w", err)
		}
	}
	tw.count++
	return evt, nil
}

// Count returns the number of events written.
func (tw *Writer) Count() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.count
}

// Close releases the underlying file, if any.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closer == nil {
		return nil
	}
	err := tw.closer()
	tw.closer = nil
	return err
}
