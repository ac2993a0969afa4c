package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/chatload/internal/metrics"
)

const operationChat = "chat"

// ChatTarget describes the deployment a span is opened against.
type ChatTarget struct {
	Deployment string
	APIStyle   string
	URL        string
	Stream     bool
}

// StartChatSpan opens a client span named after the GenAI conventions,
// e.g. "chat gpt-4".
func StartChatSpan(ctx context.Context, tracer trace.Tracer, target ChatTarget, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name := operationChat
	if target.Deployment != "" {
		name += " " + target.Deployment
	}
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", operationChat),
		attribute.Bool("chatload.stream", target.Stream),
	}
	if target.Deployment != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", target.Deployment))
	}
	if target.APIStyle != "" {
		attrs = append(attrs, attribute.String("gen_ai.system", target.APIStyle))
	}
	if target.URL != "" {
		attrs = append(attrs, attribute.String("url.full", target.URL))
	}
	opts = append(opts, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return tracer.Start(ctx, name, opts...)
}

// FinishChatSpan records the outcome of a call and ends the span at the
// call's end time. The first streamed byte becomes a span event.
func FinishChatSpan(span trace.Span, res metrics.CallResult) {
	span.SetAttributes(
		attribute.Int("chatload.attempts", res.Attempts),
		attribute.Int("gen_ai.usage.output_tokens", res.GeneratedTokens),
	)
	if res.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	}
	if res.Utilization >= 0 {
		span.SetAttributes(attribute.Float64("chatload.deployment_utilization", res.Utilization))
	}
	if !res.FirstByte.IsZero() {
		span.AddEvent("first_token", trace.WithTimestamp(res.FirstByte))
	}

	switch {
	case res.Err != nil:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	case res.Failed():
		span.SetStatus(codes.Error, http.StatusText(res.StatusCode))
	default:
		span.SetStatus(codes.Ok, "")
	}

	if res.End.IsZero() {
		span.End()
		return
	}
	span.End(trace.WithTimestamp(res.End))
}

// InjectHTTPHeaders writes the trace context of ctx into headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
