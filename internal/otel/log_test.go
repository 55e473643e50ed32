package otel

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dativo-io/warden/internal/requestctx"
)

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestLogTraceFields_OmittedWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogTraceFields(context.Background())).Msg("x")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestLogRequestFields(t *testing.T) {
	ctx := requestctx.SetRoutingID(context.Background(), "44f56e01-7167-42c1-88ee-64b566fbc34d")
	ctx = requestctx.SetAgent(ctx, "support-bot")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogRequestFields(ctx)).Msg("gateway_request")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "44f56e01-7167-42c1-88ee-64b566fbc34d", entry["routing_id"])
	assert.Equal(t, "support-bot", entry["agent"])
	assert.NotContains(t, entry, "operator")
	assert.NotContains(t, entry, "trace_id")
}

func TestLogRequestFields_WithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(requestctx.SetOperator(context.Background(), "ops"), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogRequestFields(ctx)).Msg("ledger_export")
	assert.Contains(t, buf.String(), `"operator":"ops"`)
	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`)
}
