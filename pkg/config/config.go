// Package config loads run configuration: defaults, then conductor.yaml,
// then CONDUCTOR_* environment overrides. CLI flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/conductor/pkg/scope"
)

// FileName is the configuration file looked up in the project root.
const FileName = "conductor.yaml"

// Failure policies for non-interactive runs.
const (
	OnFailurePrompt = "prompt"
	OnFailureAbort  = "abort"
	OnFailureSkip   = "skip"
)

type Config struct {
	ProjectRoot string                `yaml:"project_root"`
	Engine      EngineConfig          `yaml:"engine"`
	Paths       PathsConfig           `yaml:"paths"`
	Bus         BusConfig             `yaml:"bus"`
	Logging     LoggingConfig         `yaml:"logging"`
	Redact      []scope.RedactionRule `yaml:"redact,omitempty"`
}

type EngineConfig struct {
	Workers           int    `yaml:"workers"`
	NonInteractive    bool   `yaml:"non_interactive"`
	OnFailure         string `yaml:"on_failure"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	GracePeriodSec    int    `yaml:"grace_period_sec"`
}

type PathsConfig struct {
	StateDir   string `yaml:"state_dir"`
	CrashDir   string `yaml:"crash_dir"`
	LogDir     string `yaml:"log_dir"`
	ReplayRoot string `yaml:"replay_root"`
}

type BusConfig struct {
	Buffer int    `yaml:"buffer"`
	Policy string `yaml:"policy"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ProjectRoot: ".",
		Engine: EngineConfig{
			Workers:        4,
			OnFailure:      OnFailurePrompt,
			GracePeriodSec: 5,
		},
		Paths: PathsConfig{
			StateDir:   ".conductor",
			CrashDir:   ".conductor/crashes",
			LogDir:     ".conductor/runs",
			ReplayRoot: ".conductor/replay",
		},
		Bus:     BusConfig{Buffer: 256, Policy: "drop-oldest"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path means defaults only; a
// missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.ProjectRoot) {
		cfg.ProjectRoot = filepath.Join(filepath.Dir(path), cfg.ProjectRoot)
	}
	return cfg, nil
}

// Discover loads FileName from dir when it exists, defaults otherwise.
func Discover(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.ProjectRoot = dir
		return cfg, nil
	}
	return Load(path)
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CONDUCTOR_PROJECT_ROOT"); ok && v != "" {
		c.ProjectRoot = v
	}
	if v, ok := lookup("CONDUCTOR_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_WORKERS: %w", err)
		}
		c.Engine.Workers = n
	}
	if v, ok := lookup("CONDUCTOR_NON_INTERACTIVE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_NON_INTERACTIVE: %w", err)
		}
		c.Engine.NonInteractive = b
	}
	if v, ok := lookup("CI"); ok && isTruthy(v) {
		c.Engine.NonInteractive = true
	}
	if v, ok := lookup("CONDUCTOR_ON_FAILURE"); ok && v != "" {
		c.Engine.OnFailure = strings.ToLower(v)
	}
	if v, ok := lookup("CONDUCTOR_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers))
	}
	switch c.Engine.OnFailure {
	case OnFailurePrompt, OnFailureAbort, OnFailureSkip:
	default:
		errs = append(errs, fmt.Errorf("engine.on_failure must be prompt, abort or skip, got %q", c.Engine.OnFailure))
	}
	if c.Engine.DefaultTimeoutSec < 0 || c.Engine.GracePeriodSec < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	switch c.Bus.Policy {
	case "drop-oldest", "drop-newest":
	default:
		errs = append(errs, fmt.Errorf("bus.policy must be drop-oldest or drop-newest, got %q", c.Bus.Policy))
	}
	if _, err := scope.CompileRedactionRules(c.Redact); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Root returns the absolute project root.
func (c Config) Root() string {
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return c.ProjectRoot
	}
	return root
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root(), p)
}

// CrashDir is where crash artifacts are written.
func (c Config) CrashDir() string { return c.resolve(c.Paths.CrashDir) }

// ReplayRoot holds reconstruction checkpoints.
func (c Config) ReplayRoot() string { return c.resolve(c.Paths.ReplayRoot) }

// RunLogPath is the event log of one run.
func (c Config) RunLogPath(runID string) string {
	return filepath.Join(c.resolve(c.Paths.LogDir), runID, "events.jsonl")
}

// GracePeriod is the delay between polite and forced process kills.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Engine.GracePeriodSec) * time.Second
}

// DefaultTimeout applies to actions without their own timeout. Zero means
// none.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Engine.DefaultTimeoutSec) * time.Second
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
