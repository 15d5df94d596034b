package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/storage"
)

func runAuditCommand(opts *globalOptions, args []string) error {
	if len(args) == 0 {
		return withExitCode(fmt.Errorf("usage: guardrail audit <list|show|stats|prune>"), exitUsage)
	}
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg.AuditDBPath())
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	switch args[0] {
	case "list":
		return runAuditList(ctx, store, args[1:])
	case "show":
		return runAuditShow(ctx, store, args[1:])
	case "stats":
		return runAuditStats(ctx, store)
	case "prune":
		return runAuditPrune(ctx, store, args[1:])
	default:
		return withExitCode(fmt.Errorf("unknown audit command: %s", args[0]), exitUsage)
	}
}

func runAuditList(ctx context.Context, store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("audit list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pipeline := fs.String("pipeline", "", "only sql or chart records")
	outcome := fs.String("outcome", "", "only records with this outcome")
	reportID := fs.String("report", "", "only records from this report")
	since := fs.Duration("since", 0, "only records newer than this (e.g. 1h)")
	limit := fs.Int("limit", 20, "maximum records to show")
	asJSON := fs.Bool("json", false, "print full records as JSON")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	filter := storage.AuditFilter{Pipeline: *pipeline, Outcome: *outcome, ReportID: *reportID, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	rows, err := store.ListAudits(ctx, filter)
	if err != nil {
		return err
	}
	if *asJSON {
		records := make([]*guardrail.AuditRecord, 0, len(rows))
		for _, row := range rows {
			rec, err := guardrail.DecodeAudit(row)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return writeJSONOut(stdout, records)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPIPELINE\tOUTCOME\tERROR\tELAPSED\tREASON")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Pipeline, r.Outcome, dash(r.ErrorCode), r.ElapsedMS, dash(r.Reason))
	}
	return tw.Flush()
}

func runAuditShow(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) != 1 {
		return withExitCode(fmt.Errorf("usage: guardrail audit show <id>"), exitUsage)
	}
	row, err := store.GetAudit(ctx, args[0])
	if err != nil {
		return err
	}
	rec, err := guardrail.DecodeAudit(row)
	if err != nil {
		return err
	}
	return writeJSONOut(stdout, rec)
}

func runAuditStats(ctx context.Context, store *storage.Store) error {
	counts, err := store.CountAuditOutcomes(ctx)
	if err != nil {
		return err
	}
	pipelines := make([]string, 0, len(counts))
	for p := range counts {
		pipelines = append(pipelines, p)
	}
	sort.Strings(pipelines)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tOUTCOME\tCOUNT")
	for _, p := range pipelines {
		outcomes := make([]string, 0, len(counts[p]))
		for o := range counts[p] {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", p, o, counts[p][o])
		}
	}
	return tw.Flush()
}

func runAuditPrune(ctx context.Context, store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("audit prune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "delete records older than this")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *olderThan <= 0 {
		return withExitCode(fmt.Errorf("--older-than must be positive"), exitUsage)
	}
	n, err := store.PruneAudits(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pruned %d audit record(s)\n", n)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
