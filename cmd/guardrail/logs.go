package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/guardrail/pkg/logging"
)

// runLogsCommand prints the most recent events from the event log.
func runLogsCommand(opts *globalOptions, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.Int("n", 20, "number of events to show")
	errorsOnly := fs.Bool("errors", false, "read errors.jsonl instead of the main log")
	category := fs.String("category", "", "only show events from this category")
	asJSON := fs.Bool("json", false, "print events as JSON lines")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if fs.NArg() > 0 {
		return withExitCode(fmt.Errorf("usage: guardrail logs [-n N] [--errors] [--category name] [--json]"), exitUsage)
	}

	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	name := "guardrail.jsonl"
	if *errorsOnly {
		name = "errors.jsonl"
	}
	// Filter before trimming so -n counts matching events.
	events, err := logging.ReadRecentEvents(filepath.Join(cfg.LogDir(), name), -1)
	if errors.Is(err, os.ErrNotExist) {
		events = nil
	} else if err != nil {
		return err
	}
	if *category != "" {
		events = filterCategory(events, logging.Category(strings.ToLower(*category)))
	}
	if *count >= 0 && len(events) > *count {
		events = events[len(events)-*count:]
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
		}
		return nil
	}
	return writeEvents(stdout, events)
}

func filterCategory(events []logging.Event, category logging.Category) []logging.Event {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Category == category {
			out = append(out, ev)
		}
	}
	return out
}

func writeEvents(w io.Writer, events []logging.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tCATEGORY\tTYPE\tREQUEST\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Level, ev.Category, ev.EventType, ev.RequestID, ev.Message)
	}
	return tw.Flush()
}
