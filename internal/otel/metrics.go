package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/warden/internal/otel"

var (
	decisionCounter  metric.Int64Counter
	metricsOnce      sync.Once
	metricsAvailable bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	decisionCounter, err = meter.Int64Counter(
		"warden.decisions",
		metric.WithDescription("Security decisions taken by the proxy"),
	)
	if err != nil {
		return
	}
	metricsAvailable = true
}

// RecordDecision counts one decision by component ("trusted_data",
// "tool_invocation", "quarantine", "request_access") and outcome.
func RecordDecision(ctx context.Context, component, outcome string) {
	metricsOnce.Do(initMetrics)
	if !metricsAvailable {
		return
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("outcome", outcome),
	))
}
