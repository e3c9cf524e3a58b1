package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const maxLine = 16 << 20

// ReadFile loads every event of a log file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a JSONL event stream. Blank lines are skipped; a malformed
// final line (a write torn by a crash) is dropped, anywhere else it is an
// error.
func Read(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var events []Event
	var pendingErr error
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			pendingErr = fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}
