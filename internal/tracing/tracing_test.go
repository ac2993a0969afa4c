package tracing_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/chatload/internal/config"
	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/tracing"
)

func recordingTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp.Tracer("test")
}

func attrMap(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInit(t *testing.T) {
	noPropagate := false
	tests := []struct {
		name          string
		cfg           config.TracingConfig
		wantErr       string
		wantPropagate bool
	}{
		{name: "disabled without endpoint", cfg: config.TracingConfig{}},
		{name: "grpc", cfg: config.TracingConfig{Endpoint: "localhost:4317", Insecure: true, SampleRate: 1}, wantPropagate: true},
		{name: "http", cfg: config.TracingConfig{Endpoint: "localhost:4318", Protocol: "HTTP", Insecure: true, SampleRate: 0.5}, wantPropagate: true},
		{name: "propagation off", cfg: config.TracingConfig{Endpoint: "localhost:4317", Insecure: true, Propagate: &noPropagate}},
		{name: "unknown protocol", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "thrift"}, wantErr: "grpc, http"},
		{name: "negative sample rate", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: -0.1}, wantErr: "sample rate"},
		{name: "sample rate above one", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: 1.5}, wantErr: "sample rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
			p, err := tracing.Init(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Init() error = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
			if p.ShouldPropagate() != tt.wantPropagate {
				t.Errorf("ShouldPropagate() = %v, want %v", p.ShouldPropagate(), tt.wantPropagate)
			}
		})
	}
}

func TestInitDisabledTracerIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	p, err := tracing.Init(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	if span.SpanContext().TraceID().IsValid() {
		t.Error("disabled provider produced a valid trace id")
	}
}

func TestInitZeroSampleRateNeverSamples(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Endpoint: "localhost:4318",
		Protocol: "http",
		Insecure: true,
	}, attribute.String("chatload.run_id", "01TESTRUN"))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.Tracer().Start(context.Background(), "never sampled")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Error("span sampled with sample rate 0")
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *tracing.Provider
	if p.ShouldPropagate() {
		t.Error("nil provider ShouldPropagate() = true")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil provider Shutdown() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestChatSpanSuccess(t *testing.T) {
	exporter, tracer := recordingTracer(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, span := tracing.StartChatSpan(context.Background(), tracer, tracing.ChatTarget{
		Deployment: "gpt-4",
		APIStyle:   "azure",
		URL:        "https://example/openai/deployments/gpt-4/chat/completions",
		Stream:     true,
	}, trace.WithTimestamp(start))
	tracing.FinishChatSpan(span, metrics.CallResult{
		Start:           start,
		FirstByte:       start.Add(200 * time.Millisecond),
		End:             start.Add(time.Second),
		GeneratedTokens: 42,
		StatusCode:      200,
		Attempts:        1,
		Utilization:     55,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "chat gpt-4" || got.SpanKind != trace.SpanKindClient {
		t.Errorf("span = %q kind %v", got.Name, got.SpanKind)
	}
	if got.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", got.Status.Code)
	}
	if d := got.EndTime.Sub(got.StartTime); d != time.Second {
		t.Errorf("span duration = %v, want 1s", d)
	}

	attrs := attrMap(got)
	if attrs["gen_ai.request.model"].AsString() != "gpt-4" || attrs["gen_ai.system"].AsString() != "azure" {
		t.Errorf("model/system attributes = %v", attrs)
	}
	if attrs["gen_ai.usage.output_tokens"].AsInt64() != 42 || attrs["http.response.status_code"].AsInt64() != 200 {
		t.Errorf("usage/status attributes = %v", attrs)
	}
	if attrs["chatload.deployment_utilization"].AsFloat64() != 55 {
		t.Errorf("utilization attribute = %v", attrs["chatload.deployment_utilization"])
	}

	if len(got.Events) != 1 || got.Events[0].Name != "first_token" || !got.Events[0].Time.Equal(start.Add(200*time.Millisecond)) {
		t.Errorf("events = %+v, want first_token at +200ms", got.Events)
	}
}

func TestChatSpanFailures(t *testing.T) {
	exporter, tracer := recordingTracer(t)
	start := time.Now()

	tests := []struct {
		name string
		res  metrics.CallResult
	}{
		{"transport error", metrics.CallResult{Start: start, End: start, Err: errors.New("connection refused"), Utilization: -1}},
		{"status without error", metrics.CallResult{Start: start, End: start, StatusCode: http.StatusTooManyRequests, Utilization: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()
			_, span := tracing.StartChatSpan(context.Background(), tracer, tracing.ChatTarget{})
			tracing.FinishChatSpan(span, tt.res)

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != "chat" {
				t.Errorf("span name = %q, want chat", spans[0].Name)
			}
			if spans[0].Status.Code != codes.Error {
				t.Errorf("status = %v, want Error", spans[0].Status.Code)
			}
			if _, ok := attrMap(spans[0])["chatload.deployment_utilization"]; ok {
				t.Error("absent utilization recorded")
			}
		})
	}
}

func TestInjectHTTPHeaders(t *testing.T) {
	_, tracer := recordingTracer(t)

	headers := make(http.Header)
	tracing.InjectHTTPHeaders(context.Background(), headers)
	if headers.Get("Traceparent") != "" {
		t.Errorf("traceparent injected without a span: %q", headers.Get("Traceparent"))
	}

	ctx, span := tracer.Start(context.Background(), "parent")
	defer span.End()
	tracing.InjectHTTPHeaders(ctx, headers)

	want := span.SpanContext().TraceID().String()
	if got := headers.Get("Traceparent"); !strings.Contains(got, want) {
		t.Errorf("traceparent = %q, want trace id %s", got, want)
	}
}
