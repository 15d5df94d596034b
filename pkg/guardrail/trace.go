package guardrail

import (
	"encoding/json"

	"github.com/odvcencio/guardrail/pkg/logging"
)

// tracer collects debug-mode steps for one request and mirrors them to the
// trace log. A disabled tracer records nothing.
type tracer struct {
	enabled   bool
	requestID string
	sink      *logging.TraceLogger
	steps     []TraceStep
}

func (o *Orchestrator) newTracer(requestID string, debug bool) *tracer {
	return &tracer{enabled: debug, requestID: requestID, sink: o.traces}
}

func (t *tracer) add(step string, payload any) {
	if !t.enabled {
		return
	}
	t.steps = append(t.steps, TraceStep{Step: step, Payload: payload})
	if t.sink != nil {
		body, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			body = []byte(err.Error())
		}
		_ = t.sink.WriteStep(t.requestID, step, string(body))
	}
}

func (t *tracer) result() []TraceStep {
	if !t.enabled {
		return nil
	}
	return t.steps
}
