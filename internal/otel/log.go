package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/requestctx"
)

// TraceContextFrom returns the trace and span ids of the span in ctx, or
// empty strings when there is none.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields adds trace_id and span_id to a zerolog event when ctx
// carries a valid span, so logs stay clean with tracing disabled:
//
//	log.Warn().Str("conversation_id", id).Func(otel.LogTraceFields(ctx)).Msg("quarantine_denied")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		addTraceFields(e, ctx)
	}
}

// LogRequestFields adds the trace fields plus the routing id, agent and
// operator that the gateway or the management API stored on ctx.
func LogRequestFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		addTraceFields(e, ctx)
		for _, f := range [...]struct{ key, value string }{
			{"routing_id", requestctx.RoutingID(ctx)},
			{"agent", requestctx.Agent(ctx)},
			{"operator", requestctx.Operator(ctx)},
		} {
			if f.value != "" {
				e.Str(f.key, f.value)
			}
		}
	}
}

func addTraceFields(e *zerolog.Event, ctx context.Context) {
	traceID, spanID := TraceContextFrom(ctx)
	if traceID != "" {
		e.Str("trace_id", traceID).Str("span_id", spanID)
	}
}
