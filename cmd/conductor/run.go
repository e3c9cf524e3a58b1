package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/bus"
	"github.com/ormasoftchile/conductor/pkg/config"
	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/engine"
	"github.com/ormasoftchile/conductor/pkg/eval"
	"github.com/ormasoftchile/conductor/pkg/logging"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/recovery"
	"github.com/ormasoftchile/conductor/pkg/scope"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

var (
	runVars           []string
	runNonInteractive bool
	runOnFailure      string
	runWorkers        int
	runLog            string
	runQuiet          bool
)

var runCmd = &cobra.Command{
	Use:   "run [document.yaml]",
	Short: "Execute a directive document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a variable (key=value), repeatable")
	runCmd.Flags().BoolVar(&runNonInteractive, "non-interactive", false, "Never prompt; failures end the run")
	runCmd.Flags().StringVar(&runOnFailure, "on-failure", "", "Failure policy: prompt, abort, or skip")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Default parallel worker count")
	runCmd.Flags().StringVar(&runLog, "log", "", "Event log path (default: <log_dir>/<run-id>/events.jsonl)")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Do not stream process output")
}

// loadConfig resolves configuration: file, environment, then flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		wd, werr := os.Getwd()
		if werr != nil {
			return cfg, werr
		}
		cfg, err = config.Discover(wd)
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Lookup("workers") != nil && cmd.Flags().Changed("workers") {
		cfg.Engine.Workers = runWorkers
	}
	if cmd.Flags().Lookup("non-interactive") != nil && cmd.Flags().Changed("non-interactive") {
		cfg.Engine.NonInteractive = runNonInteractive
	}
	if cmd.Flags().Lookup("on-failure") != nil && cmd.Flags().Changed("on-failure") {
		cfg.Engine.OnFailure = strings.ToLower(runOnFailure)
	}
	return cfg, cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	doc, errs := directive.ValidateFile(args[0])
	if len(errs) > 0 {
		reportValidation(errs)
		return fmt.Errorf("validation failed")
	}
	list, err := doc.Compile()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	rules, err := scope.CompileRedactionRules(cfg.Redact)
	if err != nil {
		return err
	}
	vault := scope.NewVault()
	sc, err := scope.New(cfg.Root(), vault)
	if err != nil {
		return err
	}
	if err := seedVars(sc, doc.Vars, runVars); err != nil {
		return err
	}

	runID := uuid.New().String()
	logPath := runLog
	if logPath == "" {
		logPath = cfg.RunLogPath(runID)
	}
	tw, err := trace.NewFileWriter(logPath)
	if err != nil {
		return err
	}
	defer tw.Close()
	redactor := scope.NewRedactor(vault, rules)
	tw.SetRedactor(redactor)

	events := bus.New(logger)
	console := newConsole(os.Stdout, runQuiet)
	events.Subscribe(console.Handle, bus.Options{Buffer: cfg.Bus.Buffer, Policy: bus.Policy(cfg.Bus.Policy)})

	runner := process.NewRunner(logger)
	runner.GracePeriod = cfg.GracePeriod()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ecfg := engine.Config{
		RunID:          runID,
		Scope:          sc,
		Executor:       runner,
		Trace:          tw,
		Bus:            events,
		Redactor:       redactor,
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: cfg.DefaultTimeout(),
		Keeper:         &recovery.ArtifactKeeper{Dir: cfg.CrashDir(), Redact: redactor.String},
		Shell:          &recovery.SystemShell{},
		Diagnoser:      recovery.Heuristic{},
		Render:         func(md string) (string, error) { return recovery.RenderMarkdown(md, 100) },
		Logger:         logger,
	}
	ecfg.Decider, ecfg.NonInteractive = chooseDecider(cfg)

	logger.Info("run started", "run_id", runID, "document", args[0], "log", logPath)
	res := engine.New(ecfg).Run(ctx, list)
	events.Close()

	console.Summary(res, logPath)
	if !res.Success {
		return fmt.Errorf("run %s failed: %w", runID, res.Err)
	}
	return nil
}

// chooseDecider maps the failure policy to a decider. Prompting needs a
// terminal; without one a prompt policy behaves as non-interactive.
func chooseDecider(cfg config.Config) (recovery.Decider, bool) {
	switch cfg.Engine.OnFailure {
	case config.OnFailureAbort:
		return recovery.AlwaysAbort(), false
	case config.OnFailureSkip:
		return recovery.AlwaysSkip(), false
	}
	if cfg.Engine.NonInteractive || !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, true
	}
	return &recovery.Menu{}, false
}

// seedVars applies document vars, then --var overrides typed by literal
// inference.
func seedVars(sc *scope.Scope, docVars map[string]any, overrides []string) error {
	for k, v := range docVars {
		if err := sc.Set(k, v); err != nil {
			return fmt.Errorf("var %s: %w", k, err)
		}
	}
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --var %q: expected key=value", kv)
		}
		value := eval.InferLiteral(v)
		if sc.Vault().IsSecretKey(k) {
			sc.Vault().Remember(v)
		}
		if err := sc.Set(k, value); err != nil {
			return fmt.Errorf("var %s: %w", k, err)
		}
	}
	return nil
}

