// Package telemetry wires OpenTelemetry tracing and metrics for the privacy
// request engine.
//
// It centralises trace provider setup, records per-node execution metrics,
// and offers span helpers that annotate pipeline steps and node executions
// without leaking identity values into exported attributes.
package telemetry
