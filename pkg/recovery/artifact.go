package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
)

// Artifact is the JSON document persisted for every failure.
type Artifact struct {
	Timestamp  string         `json:"timestamp"`
	Directive  ArtifactStep   `json:"directive"`
	Error      string         `json:"error"`
	Traceback  string         `json:"traceback"`
	Output     string         `json:"output"`
	ReturnCode *int           `json:"return_code"`
	Cwd        string         `json:"cwd,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// ArtifactStep identifies the failing directive.
type ArtifactStep struct {
	Kind directive.Kind `json:"kind"`
	Line int            `json:"line"`
	Raw  string         `json:"raw"`
}

// ArtifactKeeper writes crash artifacts into one directory.
type ArtifactKeeper struct {
	Dir string
	// Redact masks secrets in free text (error, output). May be nil.
	Redact func(string) string
}

// artifactName carries the timestamp and directive kind.
func artifactName(ts time.Time, kind directive.Kind, line int) string {
	return fmt.Sprintf("crash-%s-%s-L%d.json", ts.UTC().Format("20060102T150405.000000000Z"), kind, line)
}

// Write persists fc and returns the artifact path. The file appears
// atomically: readers never see a partial document.
func (k *ArtifactKeeper) Write(fc *FailureContext) (string, error) {
	if err := os.MkdirAll(k.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	redact := k.Redact
	if redact == nil {
		redact = func(s string) string { return s }
	}

	pos := fc.Directive.Position()
	art := Artifact{
		Timestamp: fc.Timestamp.UTC().Format(time.RFC3339Nano),
		Directive: ArtifactStep{Kind: fc.Directive.Kind(), Line: pos.Line, Raw: redact(directive.Describe(fc.Directive))},
		Error:     redact(fc.Err.Error()),
		Traceback: redact(traceback(fc.Err, fc.Stack)),
		Cwd:       fc.Cwd,
		Variables: fc.Vars,
	}
	if fc.Result != nil {
		art.Output = redact(fc.Result.Output)
		rc := fc.Result.ReturnCode
		art.ReturnCode = &rc
	}

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash artifact: %w", err)
	}
	path := filepath.Join(k.Dir, artifactName(fc.Timestamp, fc.Directive.Kind(), pos.Line))
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadArtifact loads a crash artifact.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crash artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode crash artifact: %w", err)
	}
	return &art, nil
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".crash-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename crash artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns artifact paths in dir, oldest first.
func ListArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
