package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the engine and scheduler.
const TracerName = "github.com/polisai/polis-privacy"

// RecordNodeOutcome annotates a node span with its outcome. Errors mark the
// span failed; the error text never includes row data.
func RecordNodeOutcome(span trace.Span, outcome Outcome, rows int, err error) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("node.outcome", string(outcome)),
		attribute.Int("node.rows", rows),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
}

// RecordStepResult annotates a pipeline step span.
func RecordStepResult(span trace.Span, step string, halted bool, err error) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("pipeline.step", step),
		attribute.Bool("pipeline.halted", halted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	}
	if halted {
		span.AddEvent("pipeline.halt")
	}
}
