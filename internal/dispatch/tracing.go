package dispatch

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/mercury/internal/model"
)

const tracerName = "github.com/seantiz/mercury/internal/dispatch"

// Tracing returns middleware that wraps each dispatch in a span from the
// global tracer provider. Without a configured provider it is a no-op.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (any, error) {
		ctx, span := tracer.Start(ctx, "mercury.dispatch",
			trace.WithAttributes(
				attribute.String("mercury.request_id", rc.RequestID),
				attribute.String("mercury.message_type", rc.Type),
				attribute.String("mercury.sender.id", rc.Sender.ID),
				attribute.String("mercury.sender.origin", rc.Sender.Origin),
			),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		data, err := next(ctx)
		if err != nil {
			span.SetAttributes(attribute.String("mercury.error_code", model.KindName(err)))
			if strategy, elapsed, ok := model.Diagnostics(err); ok {
				span.SetAttributes(
					attribute.String("mercury.strategy", strategy),
					attribute.Int64("mercury.elapsed_ms", elapsed.Milliseconds()),
				)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return data, err
	}
}
