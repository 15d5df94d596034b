package guardrail

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// RunReport runs every block of plan concurrently, at most the configured
// number at a time. Each block yields its own SQL and chart audit records.
// A failing block never cancels its siblings; only ctx does.
func (o *Orchestrator) RunReport(ctx context.Context, plan ReportPlan) (*ReportResult, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	start := time.Now()
	reportID := newID()
	result := &ReportResult{
		ReportID: reportID,
		Title:    plan.Title,
		Summary:  plan.Summary,
		Blocks:   make([]BlockResult, len(plan.Blocks)),
	}

	o.hub.Publish(telemetry.Event{Type: telemetry.EventReportStarted, ReportID: reportID,
		Data: map[string]any{"title": plan.Title, "blocks": len(plan.Blocks)}})
	o.logger.Info(logging.CategoryAudit, "report_started", plan.Title, map[string]any{
		"report_id": reportID,
		"blocks":    len(plan.Blocks),
	})

	sem := semaphore.NewWeighted(int64(o.reportWorkers))
	var g errgroup.Group
	for i, block := range plan.Blocks {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				result.Blocks[i] = BlockResult{
					Name:    block.Name,
					Purpose: block.Purpose,
					Error: errorInfo(apperrors.Wrap(err, apperrors.ErrCodeExecutionTimeout, "report canceled before block started").
						WithUserMessage(apperrors.Category(apperrors.ErrCodeExecutionTimeout))),
				}
				return nil
			}
			defer sem.Release(1)
			result.Blocks[i] = o.runBlock(ctx, plan, block, reportID)
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range result.Blocks {
		if b.OK() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.ElapsedMS = time.Since(start).Milliseconds()

	o.hub.Publish(telemetry.Event{Type: telemetry.EventReportCompleted, ReportID: reportID,
		Data: map[string]any{"succeeded": result.Succeeded, "failed": result.Failed, "elapsed_ms": result.ElapsedMS}})
	o.logger.Info(logging.CategoryAudit, "report_completed", plan.Title, map[string]any{
		"report_id":  reportID,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"elapsed_ms": result.ElapsedMS,
	})
	return result, nil
}

func (o *Orchestrator) runBlock(ctx context.Context, plan ReportPlan, block ReportBlock, reportID string) BlockResult {
	sc := scope{reportID: reportID, block: block.Name}
	out := BlockResult{Name: block.Name, Purpose: block.Purpose}

	sqlResp, err := o.runSQL(ctx, SQLRequest{
		Query:     block.Query,
		IntentTag: "report:" + block.Name,
		Dialect:   block.Dialect,
		Limits:    plan.Limits,
		Debug:     plan.Debug,
	}, sc)
	out.SQL = sqlResp
	if err != nil {
		out.Error = sqlResp.Error
		return out
	}

	if strings.TrimSpace(block.ChartCode) == "" && block.Chart == nil {
		return out
	}
	data := chart.Frame{Columns: sqlResp.Columns, Rows: sqlResp.Rows}
	if strings.TrimSpace(block.ChartCode) == "" {
		// A hint without code is rendered directly; no sandbox job exists.
		artifact, err := chart.Renderer{MaxBytes: o.maxArtifactBytes}.Render(*block.Chart, data)
		hint := *block.Chart
		cr := &ChartResponse{RequestID: sqlResp.RequestID, Outcome: "rendered", Chart: &hint}
		if err != nil {
			cr.Outcome = "failed"
			cr.Error = errorInfo(err)
			out.Error = cr.Error
		} else {
			cr.Artifact = &artifact
		}
		out.Chart = cr
		return out
	}

	chartResp, err := o.runChart(ctx, ChartRequest{
		Code:  block.ChartCode,
		Data:  data,
		Hint:  block.Chart,
		Debug: plan.Debug,
	}, sc)
	out.Chart = chartResp
	if err != nil {
		out.Error = chartResp.Error
	}
	return out
}

func validatePlan(plan ReportPlan) error {
	if len(plan.Blocks) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "report has no blocks").
			WithUserMessage(apperrors.Category(apperrors.ErrCodeInvalidInput))
	}
	if plan.Limits != nil {
		if err := plan.Limits.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(plan.Blocks))
	for i, b := range plan.Blocks {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "block %d has no name", i+1)
		}
		if seen[name] {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "duplicate block name %q", name)
		}
		seen[name] = true
	}
	return nil
}
