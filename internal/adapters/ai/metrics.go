package ai

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type aiMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	requestTokens   metric.Int64Counter
}

var aiMetricsInit = false
var aiMetricsInst aiMetrics

func ensureAIMetrics() {
	if aiMetricsInit {
		return
	}
	meter := otel.Meter("github.com/municipio-digital/actas-engine/ai")

	requestCount, err := meter.Int64Counter(
		"ai.request.count",
		metric.WithDescription("Number of AI backend requests"),
	)
	if err != nil {
		return
	}
	requestDuration, err := meter.Float64Histogram(
		"ai.request.duration",
		metric.WithDescription("AI backend request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	requestErrors, err := meter.Int64Counter(
		"ai.request.errors",
		metric.WithDescription("Number of AI backend request errors"),
	)
	if err != nil {
		return
	}
	requestTokens, err := meter.Int64Counter(
		"ai.request.tokens",
		metric.WithDescription("Tokens consumed by AI backend requests"),
	)
	if err != nil {
		return
	}

	aiMetricsInst = aiMetrics{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		requestErrors:   requestErrors,
		requestTokens:   requestTokens,
	}
	aiMetricsInit = true
}

func recordAIMetric(ctx context.Context, kind, model string, statusCode int, duration time.Duration, tokens int64, err error) {
	ensureAIMetrics()
	if !aiMetricsInit {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", kind),
		attribute.String("ai.model", model),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	aiMetricsInst.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	aiMetricsInst.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if tokens > 0 {
		aiMetricsInst.requestTokens.Add(ctx, tokens, metric.WithAttributes(attrs...))
	}
	if err != nil {
		aiMetricsInst.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
