package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/monitor"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

var (
	eventsFollow bool
	eventsVerify bool
	eventsTUI    bool
)

var eventsCmd = &cobra.Command{
	Use:   "events <events.jsonl>",
	Short: "Print, follow, or verify an event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Keep printing events as the run appends them")
	eventsCmd.Flags().BoolVar(&eventsVerify, "verify", false, "Check the log is well formed instead of printing it")
	eventsCmd.Flags().BoolVar(&eventsTUI, "tui", false, "Follow the log in a terminal dashboard (implies --follow)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	path := args[0]
	if eventsVerify {
		return verifyLog(path)
	}
	if eventsTUI {
		return followDashboard(cmd.Context(), path)
	}
	if eventsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLog(ctx, path, func(i int, evt trace.Event) { printEvent(os.Stdout, i, evt) })
	}
	events, err := trace.ReadFile(path)
	if err != nil {
		return err
	}
	for i, evt := range events {
		printEvent(os.Stdout, i, evt)
	}
	return nil
}

func verifyLog(path string) error {
	res, err := trace.VerifyFile(path)
	if err != nil {
		return err
	}
	if !res.Valid {
		fmt.Printf("%s %s\n", errorStyle.Sprint("✗"), res.Error)
		return fmt.Errorf("event log %s is invalid", path)
	}
	state := "complete"
	if !res.Complete {
		state = "incomplete (no END)"
	}
	fmt.Printf("%s %d events, %s\n", okStyle.Sprint("✓"), res.EventCount, state)
	return nil
}

// printEvent writes one event as a single line with sorted payload keys.
func printEvent(w io.Writer, index int, evt trace.Event) {
	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, evt.Data[k]))
	}
	style := cmdStyle
	switch evt.Type {
	case trace.EventFailure:
		style = errorStyle
	case trace.EventStart, trace.EventEnd:
		style = boldStyle
	}
	fmt.Fprintf(w, "%s %s %s %s\n",
		dimStyle.Sprintf("%4d", index),
		dimStyle.Sprint(evt.Time().Format("15:04:05.000")),
		style.Sprintf("%-12s", evt.Type),
		strings.Join(parts, " "))
}

// followDashboard streams the log into the monitor until the user quits.
func followDashboard(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan trace.Event, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		errc <- followLog(ctx, path, func(_ int, evt trace.Event) {
			select {
			case events <- evt:
			case <-ctx.Done():
			}
		})
	}()

	if err := monitor.Run(ctx, events, path); err != nil {
		return err
	}
	cancel()
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// followLog hands every existing event of path to emit, then every event
// appended after, until END is seen or ctx is done.
func followLog(ctx context.Context, path string, emit func(int, trace.Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	t := &tailer{path: path}
	done, err := t.drain(emit)
	if err != nil || done {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return fmt.Errorf("event log %s was removed", path)
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			done, err := t.drain(emit)
			if err != nil || done {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
	}
}

// tailer reads complete lines appended to a file since the last drain.
type tailer struct {
	path    string
	offset  int64
	partial []byte
	index   int
}

func (t *tailer) drain(emit func(int, trace.Event)) (bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return false, err
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}
	t.offset += int64(len(chunk))

	buf := append(t.partial, chunk...)
	cut := bytes.LastIndexByte(buf, '\n')
	if cut < 0 {
		t.partial = buf
		return false, nil
	}
	t.partial = slices.Clone(buf[cut+1:])

	events, err := trace.Read(bytes.NewReader(buf[:cut+1]))
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		emit(t.index, evt)
		t.index++
		if evt.Type == trace.EventEnd {
			return true, nil
		}
	}
	return false, nil
}

