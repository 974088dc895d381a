package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordNodeMetrics(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordNodeMetrics(ctx, NodeMetrics{
		Dataset:       "shop",
		Collection:    "orders",
		ConnectionKey: "shop_db",
		Action:        "access",
		Mode:          "distributed",
		Outcome:       OutcomeTimeout,
		Rows:          3,
		Duration:      150 * time.Millisecond,
		Retries:       1,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumExec, ok := metrics["privacy.node.executions_total"]
	if !ok {
		t.Fatalf("missing privacy.node.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("privacy.collection")); !ok || value.AsString() != "orders" {
		t.Fatalf("expected privacy.collection attribute to be orders, got %v", value)
	}

	retryData := metrics["privacy.node.retries_total"].Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 1 {
		t.Fatalf("expected retry count 1, got %d", retryData.DataPoints[0].Value)
	}

	rowsData := metrics["privacy.node.rows_total"].Data.(metricdata.Sum[int64])
	if rowsData.DataPoints[0].Value != 3 {
		t.Fatalf("expected rows 3, got %d", rowsData.DataPoints[0].Value)
	}

	sumTimeout, ok := metrics["privacy.node.timeout_total"]
	if !ok {
		t.Fatalf("missing privacy.node.timeout_total metric")
	}
	timeoutData := sumTimeout.Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	if _, ok := metrics["privacy.node.circuit_open_total"]; ok {
		if len(metrics["privacy.node.circuit_open_total"].Data.(metricdata.Sum[int64]).DataPoints) != 0 {
			t.Fatalf("unexpected circuit open datapoint")
		}
	}

	histData := metrics["privacy.node.duration_ms"].Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordNodeOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "privacy.node")
	RecordNodeOutcome(span, OutcomeError, 0, errors.New("connector refused"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status())
	}
	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("node.outcome")); !ok || value.AsString() != "error" {
		t.Fatalf("expected node.outcome error, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRecordStepResultHalt(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "privacy.pipeline.step")
	RecordStepResult(span, "access", true, nil)
	span.End()

	events := recorder.Ended()[0].Events()
	if len(events) != 1 || events[0].Name != "pipeline.halt" {
		t.Fatalf("expected a pipeline.halt event, got %v", events)
	}
}

func TestIdentityAttributesNeverExportRawValues(t *testing.T) {
	identity := map[string]string{
		"email":        "person@example.com",
		"phone_number": "+15551234567",
	}

	attrs := IdentityAttributes(identity, "phone_number")

	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, kv := range attrs {
		value := kv.Value.AsString()
		switch kv.Key {
		case "privacy.identity.email":
			if !strings.HasPrefix(value, "[REDACTED:sha256:") || strings.Contains(value, "person") {
				t.Fatalf("email not hashed: %q", value)
			}
		case "privacy.identity.phone_number":
			if value != "+155***4567" {
				t.Fatalf("unexpected masked phone %q", value)
			}
		default:
			t.Fatalf("unexpected attribute %q", kv.Key)
		}
	}

	again := IdentityAttributes(identity)
	if again[0].Value.AsString() != attrs[0].Value.AsString() {
		t.Fatalf("hash must be deterministic")
	}
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "privacyd"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Fatalf("tracer provider replaced without an endpoint")
	}
}

func TestSamplerRatio(t *testing.T) {
	cases := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for ratio, want := range cases {
		if got := sampler(ratio).Description(); !strings.Contains(got, want) {
			t.Fatalf("sampler(%v) = %q, want it to contain %q", ratio, got, want)
		}
	}
}
