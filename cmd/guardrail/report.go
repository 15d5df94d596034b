package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/guardrail"
)

func runReportCommand(opts *globalOptions, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "include pipeline traces for every block")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if fs.NArg() != 1 {
		return withExitCode(fmt.Errorf("usage: guardrail report [--debug] <plan.json|->"), exitUsage)
	}
	raw, err := readSource(fs.Arg(0))
	if err != nil {
		return err
	}
	var plan guardrail.ReportPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode report plan")
	}
	if *debug {
		plan.Debug = true
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, opts, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.orch.RunReport(ctx, plan)
	if err != nil {
		return err
	}
	if err := writeJSONOut(stdout, result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return withExitCode(fmt.Errorf("%d of %d blocks failed", result.Failed, len(result.Blocks)), exitExecFail)
	}
	return nil
}
