package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/guardrail"
)

func runChartCommand(opts *globalOptions, args []string) error {
	fs := flag.NewFlagSet("chart", flag.ContinueOnError)
	fs.SetOutput(stderr)
	codePath := fs.String("code", "", "file with chart code, or - for stdin")
	dataPath := fs.String("data", "", "JSON file with {\"columns\": [...], \"rows\": [[...]]}")
	query := fs.String("query", "", "SQL whose bounded result becomes the chart data")
	hint := fs.String("hint", "", "fallback chart: JSON spec or kind:x:y (e.g. bar:region:total)")
	budget := fs.Duration("budget", 0, "sandbox time budget (default from config)")
	debug := fs.Bool("debug", false, "include pipeline traces")
	out := fs.String("out", "", "write the Vega-Lite spec to this file instead of printing the response")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *codePath == "" {
		return withExitCode(fmt.Errorf("--code is required"), exitUsage)
	}
	if (*dataPath == "") == (*query == "") {
		return withExitCode(fmt.Errorf("exactly one of --data or --query is required"), exitUsage)
	}
	code, err := readSource(*codePath)
	if err != nil {
		return err
	}
	req := guardrail.ChartRequest{Code: code, Budget: *budget, Debug: *debug}
	if *hint != "" {
		spec, err := parseHint(*hint)
		if err != nil {
			return withExitCode(err, exitUsage)
		}
		req.Hint = spec
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, opts, runtimeOptions{skipDatabase: *query == ""})
	if err != nil {
		return err
	}
	defer rt.Close()

	if *query != "" {
		sqlResp, err := rt.orch.ValidateAndExecuteSQL(ctx, guardrail.SQLRequest{Query: *query, IntentTag: "chart-data"})
		if err != nil {
			return fmt.Errorf("chart data query: %w", err)
		}
		req.Data = chart.Frame{Columns: sqlResp.Columns, Rows: sqlResp.Rows}
	} else {
		frame, err := readFrame(*dataPath)
		if err != nil {
			return err
		}
		req.Data = frame
	}

	resp, runErr := rt.orch.RenderChart(ctx, req)
	if *out != "" && resp.Artifact != nil {
		if err := os.WriteFile(*out, resp.Artifact.Spec, 0o644); err != nil {
			return fmt.Errorf("write artifact: %w", err)
		}
		fmt.Fprintf(stdout, "%s chart written to %s (outcome %s, fallback %t)\n", resp.Artifact.Format, *out, resp.Outcome, resp.FallbackUsed)
		return runErr
	}
	if err := writeJSONOut(stdout, resp); err != nil {
		return err
	}
	return runErr
}

func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func readFrame(path string) (chart.Frame, error) {
	raw, err := readSource(path)
	if err != nil {
		return chart.Frame{}, err
	}
	var frame chart.Frame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return chart.Frame{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode chart data")
	}
	return frame, nil
}

// parseHint accepts a JSON chart spec or the short kind:x:y form.
func parseHint(s string) (*chart.Spec, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		var spec chart.Spec
		if err := json.Unmarshal([]byte(s), &spec); err != nil {
			return nil, fmt.Errorf("decode hint: %w", err)
		}
		return &spec, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("hint %q has too many parts (want kind:x:y)", s)
	}
	kind, ok := chart.ParseKind(parts[0])
	if !ok {
		return nil, fmt.Errorf("unknown chart kind %q", parts[0])
	}
	spec := &chart.Spec{Kind: kind}
	if len(parts) > 1 {
		spec.X = parts[1]
	}
	if len(parts) > 2 {
		spec.Y = parts[2]
	}
	return spec, nil
}
