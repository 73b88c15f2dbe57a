// Package tracing exports OpenTelemetry spans for batch runs, config
// generations and API requests
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/genbatch/pkg/logging"
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of the OTLP HTTP collector, e.g. "localhost:4318"
	Enabled        bool

	// SampleRatio is the fraction of root traces kept; 0 or >= 1 keeps all
	SampleRatio float64
}

// Provider owns the tracer used across genbatch
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

const instrumentationName = "github.com/psantana5/genbatch"

// Span attribute keys
const (
	AttrBatchID     = attribute.Key("genbatch.batch_id")
	AttrConfigID    = attribute.Key("genbatch.config_id")
	AttrConfigCount = attribute.Key("genbatch.configs")
	AttrAttempt     = attribute.Key("genbatch.attempt")
	AttrRetryDelay  = attribute.Key("genbatch.retry_delay_ms")
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Noop returns a provider whose spans are never exported
func Noop() *Provider {
	return newProvider(sdktrace.NewTracerProvider())
}

func newProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}
}

// InitTracer builds the provider. When tracing is disabled spans are created
// but dropped, so callers never need to check.
func InitTracer(cfg Config, logger *logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return Noop(), nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	logger.Info("Tracing enabled", map[string]interface{}{
		"service":      cfg.ServiceName,
		"endpoint":     cfg.OTLPEndpoint,
		"sample_ratio": cfg.SampleRatio,
	})
	return newProvider(tp), nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartBatch starts the span covering one run of a batch
func (p *Provider) StartBatch(ctx context.Context, batchID string, configs int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		AttrBatchID.String(batchID),
		AttrConfigCount.Int(configs),
	))
}

// StartConfig starts the span around every attempt of one config
func (p *Provider) StartConfig(ctx context.Context, batchID, configID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "config.generate", trace.WithAttributes(
		AttrBatchID.String(batchID),
		AttrConfigID.String(configID),
	))
}

// RecordRetry adds a retry event for a failed attempt to the span in ctx
func RecordRetry(ctx context.Context, attempt int, err error, delay time.Duration) {
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
		AttrAttempt.Int(attempt),
		AttrRetryDelay.Int64(delay.Milliseconds()),
		attribute.String("error", err.Error()),
	))
}

// End finishes span, recording err and an Error status when err is non-nil
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Inject writes the trace context of ctx into outgoing request headers
func Inject(ctx context.Context, header http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(header))
}
