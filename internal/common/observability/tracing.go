package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type TracingOptions struct {
	Enabled        bool
	JaegerEndpoint string
	SampleRatio    float64
}

type tracerProvider interface {
	Shutdown(ctx context.Context) error
}

// newTracerProvider returns nil when tracing is disabled; spans then go to the no-op
// global provider.
func newTracerProvider(opts TracingOptions, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if !opts.Enabled {
		return nil, nil
	}
	if opts.JaegerEndpoint == "" {
		return nil, fmt.Errorf("tracing enabled but no jaeger endpoint configured")
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}
