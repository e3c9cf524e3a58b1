package trace

import (
	"fmt"
	"io"
	"os"
)

// VerifyResult is the outcome of verifying an event log.
type VerifyResult struct {
	EventCount int
	Valid      bool
	Complete   bool // START ... END present
	BrokenAt   int  // 1-based event number, -1 if none
	Error      string
}

// VerifyFile verifies the log at path.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks that a log is well formed: known event types, START first,
// END only last, non-decreasing timestamps and paired action events.
func Verify(r io.Reader) (*VerifyResult, error) {
	events, err := Read(r)
	if err != nil {
		return &VerifyResult{Valid: false, BrokenAt: -1, Error: err.Error()}, nil
	}
	res := &VerifyResult{EventCount: len(events), Valid: true, BrokenAt: -1}
	broken := func(i int, format string, args ...any) (*VerifyResult, error) {
		res.Valid = false
		res.BrokenAt = i + 1
		res.Error = fmt.Sprintf("event %d: ", i+1) + fmt.Sprintf(format, args...)
		return res, nil
	}

	open := 0
	var last float64
	for i, evt := range events {
		if !evt.Type.Persisted() {
			return broken(i, "unknown event type %q", evt.Type)
		}
		if i == 0 && evt.Type != EventStart {
			return broken(i, "log must begin with %s, got %s", EventStart, evt.Type)
		}
		if i > 0 && evt.Type == EventStart {
			return broken(i, "duplicate %s", EventStart)
		}
		if evt.Type == EventEnd && i != len(events)-1 {
			return broken(i, "%s before end of log", EventEnd)
		}
		if evt.Timestamp < last {
			return broken(i, "timestamp %.6f earlier than %.6f", evt.Timestamp, last)
		}
		last = evt.Timestamp

		switch evt.Type {
		case EventActionStart:
			open++
		case EventActionEnd:
			if open == 0 {
				return broken(i, "%s without %s", EventActionEnd, EventActionStart)
			}
			open--
		}
	}
	res.Complete = len(events) > 0 && events[len(events)-1].Type == EventEnd
	return res, nil
}
