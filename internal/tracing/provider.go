// Package tracing exports one OpenTelemetry span per chat call and injects
// W3C trace context into outgoing requests so a load test can be followed
// into the serving stack.
package tracing

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torosent/chatload/internal/config"
)

const (
	defaultServiceName  = "chatload"
	instrumentationName = "github.com/torosent/chatload"

	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envServiceName = "OTEL_SERVICE_NAME"
)

type exporterFactory func(ctx context.Context, endpoint string, insecureTransport bool) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"grpc": func(ctx context.Context, endpoint string, insecureTransport bool) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecureTransport {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"http": func(ctx context.Context, endpoint string, insecureTransport bool) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecureTransport {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
}

// Provider owns the span pipeline of one run. The zero value and a nil
// *Provider are both usable and trace nothing.
type Provider struct {
	sdk       *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// Init builds the span pipeline described by cfg. attrs are attached to the
// resource so every span of the run carries them (the run id, for one).
// When no collector endpoint is configured a no-op provider is returned.
func Init(ctx context.Context, cfg config.TracingConfig, attrs ...attribute.KeyValue) (*Provider, error) {
	endpoint := resolveEndpoint(cfg)
	if endpoint == "" {
		return &Provider{}, nil
	}

	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("tracing sample rate must be within [0, 1], got %g", cfg.SampleRate)
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if protocol == "" {
		protocol = "grpc"
	}
	factory, ok := exporters[protocol]
	if !ok {
		return nil, fmt.Errorf("unsupported OTLP protocol %q (supported: %s)", cfg.Protocol, supportedProtocols())
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(append([]attribute.KeyValue{semconv.ServiceName(serviceName(cfg))}, attrs...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := factory(ctx, endpoint, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	// TraceIDRatioBased already maps 0 to never and 1 to always.
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		sdk:       sdk,
		tracer:    sdk.Tracer(instrumentationName),
		propagate: cfg.ShouldPropagate(),
	}, nil
}

func resolveEndpoint(cfg config.TracingConfig) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return os.Getenv(envEndpoint)
}

func serviceName(cfg config.TracingConfig) string {
	for _, name := range []string{cfg.ServiceName, os.Getenv(envServiceName)} {
		if name != "" {
			return name
		}
	}
	return defaultServiceName
}

func supportedProtocols() string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Tracer returns the run's tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// ShouldPropagate reports whether outgoing calls carry traceparent headers.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
