package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome classifies how one node execution ended.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeError       Outcome = "error"
	OutcomeRetrying    Outcome = "retrying"
	OutcomePaused      Outcome = "paused"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTimeout     Outcome = "timeout"
)

var (
	instrumentsOnce sync.Once
	instruments     *nodeInstruments
	instrumentsErr  error
)

type nodeInstruments struct {
	executions  metric.Int64Counter
	retries     metric.Int64Counter
	circuitOpen metric.Int64Counter
	rateLimited metric.Int64Counter
	timeouts    metric.Int64Counter
	rows        metric.Int64Counter
	latency     metric.Float64Histogram
}

// NodeMetrics captures the fields needed to record node execution metrics.
type NodeMetrics struct {
	Dataset       string
	Collection    string
	ConnectionKey string
	Action        string
	Mode          string
	Outcome       Outcome
	Rows          int
	Duration      time.Duration
	Retries       int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, m NodeMetrics) {
	inst, err := nodeMeters()
	if err != nil {
		return
	}

	opt := metric.WithAttributes(
		attribute.String("privacy.dataset", m.Dataset),
		attribute.String("privacy.collection", m.Collection),
		attribute.String("privacy.connection_key", m.ConnectionKey),
		attribute.String("privacy.action", m.Action),
		attribute.String("privacy.mode", m.Mode),
		attribute.String("node.outcome", string(m.Outcome)),
	)

	inst.executions.Add(ctx, 1, opt)
	if m.Duration > 0 {
		inst.latency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), opt)
	}
	if m.Retries > 0 {
		inst.retries.Add(ctx, int64(m.Retries), opt)
	}
	if m.Rows > 0 {
		inst.rows.Add(ctx, int64(m.Rows), opt)
	}

	switch m.Outcome {
	case OutcomeCircuitOpen:
		inst.circuitOpen.Add(ctx, 1, opt)
	case OutcomeRateLimited:
		inst.rateLimited.Add(ctx, 1, opt)
	case OutcomeTimeout:
		inst.timeouts.Add(ctx, 1, opt)
	}
}

// nodeMeters lazily builds the instruments against the global meter provider.
func nodeMeters() (*nodeInstruments, error) {
	instrumentsOnce.Do(func() {
		instruments, instrumentsErr = newNodeInstruments(otel.GetMeterProvider().Meter("privacy.engine"))
	})
	return instruments, instrumentsErr
}

func newNodeInstruments(meter metric.Meter) (*nodeInstruments, error) {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	inst := &nodeInstruments{
		executions:  counter("privacy.node.executions_total", "Node executions partitioned by action and outcome", "{count}"),
		retries:     counter("privacy.node.retries_total", "Retry attempts performed for node executions", "{count}"),
		circuitOpen: counter("privacy.node.circuit_open_total", "Circuit breaker rejections encountered during node execution", "{count}"),
		rateLimited: counter("privacy.node.rate_limited_total", "Connector calls rejected by the connection rate limit", "{count}"),
		timeouts:    counter("privacy.node.timeout_total", "Connector calls and async jobs that timed out", "{count}"),
		rows:        counter("privacy.node.rows_total", "Rows retrieved by access or masked by erasure", "{row}"),
	}
	latency, err := meter.Float64Histogram("privacy.node.duration_ms",
		metric.WithDescription("Observed node execution latency"),
		metric.WithUnit("ms"),
	)
	inst.latency = latency
	if err := errors.Join(append(errs, err)...); err != nil {
		return nil, err
	}
	return inst, nil
}
