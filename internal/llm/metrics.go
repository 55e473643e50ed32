package llm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/warden/internal/llm"

var (
	latencyHistogram  metric.Float64Histogram
	latencyOnce       sync.Once
	latencyRegistered bool
)

func initLatencyMetrics() {
	var err error
	latencyHistogram, err = otel.Meter(meterName).Float64Histogram(
		"warden.model.duration",
		metric.WithDescription("Latency of quarantine and privileged model calls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	latencyRegistered = true
}

func recordLatency(ctx context.Context, provider, model string, start time.Time, err error) {
	latencyOnce.Do(initLatencyMetrics)
	if !latencyRegistered {
		return
	}
	latencyHistogram.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.Bool("failed", err != nil),
		))
}
