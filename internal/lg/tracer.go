package lg

import (
	"context"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"go.liveq.dev/liveq/pkg/env"
)

var tracerKey = contextKey{"tracer"}

func Tracer(ctx context.Context) trace.Tracer {
	if t := fromContext[contextKey, trace.Tracer](ctx, tracerKey); t != nil {
		return t
	}
	return otel.Tracer("")
}

// Span starts a span named for the calling function.
func Span(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(ctx).Start(ctx, callerName(2), opts...)
}

// Fork starts a span on a detached context that outlives cancellation of the
// caller's context. The new span links back to the span active in ctx.
func Fork(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name := callerName(2)
	opts = append(opts, trace.WithLinks(trace.LinkFromContext(ctx)))

	detached := toContext(context.Background(), tracerKey, Tracer(ctx))
	detached = toContext(detached, meterKey, fromContext[contextKey, metric.Meter](ctx, meterKey))

	return Tracer(ctx).Start(detached, name, opts...)
}

// Htrace wraps a handler with a server span per request.
func Htrace(h http.Handler, name string) http.Handler {
	return otelhttp.NewHandler(h, name)
}

func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func initTracing(ctx context.Context, name string) (context.Context, func() error) {
	endpoint := env.Default("LIVEQ_TRACE_ENDPOINT", "")
	if endpoint == "" {
		return ctx, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
		),
	)
	if err != nil {
		log.Println("failed to create trace resource:", err)
		return ctx, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithEndpoint(endpoint),
	)
	if err != nil {
		log.Println("failed to create trace exporter:", err)
		return ctx, nil
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx = toContext(ctx, tracerKey, tracerProvider.Tracer(name))

	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("tracer stopped")
		return tracerProvider.Shutdown(ctx)
	}
}
