package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "matrix-recorder"

// Span is a combined runtime/trace region and OTLP span.
type Span struct {
	region *trace.Region
	span   otrace.Span
}

// SetError marks the span as failed. A nil error is ignored.
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Span) End() {
	s.region.End()
	s.span.End()
}

// StartSpan starts a span called name. The returned context must be used for child spans.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name, otrace.WithAttributes(attrs...))
	return newCtx, &Span{
		region: region,
		span:   ospan,
	}
}

// Logf adds an event to the span in ctx and the runtime trace.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	s := otrace.SpanFromContext(ctx)
	s.AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

// ConfigureOTLP installs a global tracer provider which exports to otlpURL. The URL must
// not contain a path. Basic auth is used if both otlpUser and otlpPass are set.
// The returned function flushes and shuts down the exporter.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) (func(context.Context) error, error) {
	ctx := context.Background()
	parsedOTLPURL, err := url.Parse(otlpURL)
	if err != nil {
		return nil, err
	}
	if parsedOTLPURL.Path != "" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(parsedOTLPURL.Host),
	}
	if parsedOTLPURL.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpPass != "" && otlpUser != "" {
		opts = append(opts, otlptracehttp.WithHeaders(
			map[string]string{
				"Authorization": fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString([]byte(otlpUser+":"+otlpPass))),
			},
		))
	}
	exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			attribute.String("version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{},
	))
	logger.Info().Str("host", parsedOTLPURL.Host).Bool("insecure", parsedOTLPURL.Scheme == "http").Msg("configured OTLP exporter")
	return tp.Shutdown, nil
}
