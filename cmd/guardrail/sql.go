package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/limits"
)

// sqlFlags are shared by sql and classify.
type sqlFlags struct {
	fs         *flag.FlagSet
	dialect    *string
	intent     *string
	maxRows    *int
	maxColumns *int
	timeout    *time.Duration
	debug      *bool
	format     *string
}

func newSQLFlags(name string) *sqlFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return &sqlFlags{
		fs:         fs,
		dialect:    fs.String("dialect", "", "SQL dialect: sqlite, postgres, mysql or sqlserver (default from config)"),
		intent:     fs.String("intent", "", "intent tag recorded in the audit"),
		maxRows:    fs.Int("max-rows", 0, "row limit for this request (default from config)"),
		maxColumns: fs.Int("max-columns", 0, "column limit for this request (default from config)"),
		timeout:    fs.Duration("timeout", 0, "execution budget for this request (default from config)"),
		debug:      fs.Bool("debug", false, "include pipeline traces"),
		format:     fs.String("format", "json", "output format: json or table"),
	}
}

// request builds the pipeline request. Per-request limits are only sent
// when a limit flag was given; unset ones keep the configured value.
func (f *sqlFlags) request(query string, defaults limits.ExecutionLimits) guardrail.SQLRequest {
	req := guardrail.SQLRequest{
		Query:     query,
		IntentTag: *f.intent,
		Dialect:   *f.dialect,
		Debug:     *f.debug,
	}
	override := false
	lim := defaults
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "max-rows":
			lim.MaxRows = *f.maxRows
			override = true
		case "max-columns":
			lim.MaxColumns = *f.maxColumns
			override = true
		case "timeout":
			lim.MaxElapsed = *f.timeout
			override = true
		}
	})
	if override {
		req.Limits = &lim
	}
	return req
}

// readQuery joins positional args, or reads stdin for "-" or no args.
func readQuery(args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read query from stdin: %w", err)
	}
	return string(data), nil
}

func runSQLCommand(opts *globalOptions, args []string) error {
	f := newSQLFlags("sql")
	if err := f.fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *f.format != "json" && *f.format != "table" {
		return withExitCode(fmt.Errorf("unknown format %q (want json or table)", *f.format), exitUsage)
	}
	query, err := readQuery(f.fs.Args())
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, opts, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	resp, runErr := rt.orch.ValidateAndExecuteSQL(ctx, f.request(query, rt.settings.Limits()))
	if *f.format == "table" && runErr == nil {
		if err := writeTable(stdout, resp); err != nil {
			return err
		}
	} else if err := writeJSONOut(stdout, resp); err != nil {
		return err
	}
	return runErr
}

func runClassifyCommand(opts *globalOptions, args []string) error {
	f := newSQLFlags("classify")
	if err := f.fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	query, err := readQuery(f.fs.Args())
	if err != nil {
		return err
	}

	rt, err := newRuntime(context.Background(), opts, runtimeOptions{skipDatabase: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.orch.Classify(f.request(query, rt.settings.Limits()))
	if err != nil {
		return err
	}
	if err := writeJSONOut(stdout, c); err != nil {
		return err
	}
	if !c.Approved {
		return withExitCode(fmt.Errorf("rejected: %s", c.Reason), exitRefused)
	}
	return nil
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, resp *guardrail.SQLResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(resp.Columns, "\t"))
	for _, row := range resp.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d row(s) in %dms", len(resp.Rows), resp.ElapsedMS)
	if resp.RetriesUsed > 0 {
		fmt.Fprintf(w, ", retries: %d", resp.RetriesUsed)
	}
	if resp.TruncatedRows || resp.TruncatedColumns {
		fmt.Fprintf(w, " (truncated: %s)", strings.Join(resp.ReasonCodes, ", "))
	}
	fmt.Fprintln(w)
	return nil
}
