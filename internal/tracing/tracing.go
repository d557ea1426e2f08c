// Package tracing carries OpenTelemetry span context across job chain
// boundaries. It uses the global (no-op by default) TracerProvider, so the
// engine never requires a configured collector.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/riverforge/queuert"

var propagator = propagation.TraceContext{}

// StartSpan starts a span named name under the engine's tracer, using
// whatever TracerProvider the host process has installed (a no-op one if
// none was configured).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	return tracer.Start(ctx, name)
}

// Inject captures the span context carried by ctx into a propagation map
// suitable for storage on Job.TraceContext.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return map[string]string(carrier)
}

// Extract rehydrates a context carrying the span context captured by
// Inject, for a worker picking up a job whose TraceContext was stamped by
// an earlier StartJobChain/ContinueWith call.
func Extract(ctx context.Context, tc map[string]string) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(tc))
}
