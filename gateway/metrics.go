package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments of a Gateway.
type metrics struct {
	// requestDuration measures each attempt in seconds.
	requestDuration metric.Float64Histogram

	// classifications counts classified errors by kind and action.
	classifications metric.Int64Counter

	// retryAttempts counts retries, not first attempts.
	retryAttempts metric.Int64Counter

	// retryExhausted counts calls that failed with a retryable error.
	retryExhausted metric.Int64Counter

	// connectionPurges counts connection purges.
	connectionPurges metric.Int64Counter

	// breakerRequests counts breaker outcomes: success, failure, rejected.
	breakerRequests metric.Int64Counter

	// breakerState is the last breaker state (0 closed, 1 half-open, 2 open).
	breakerState metric.Int64Gauge
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"gateway.request.duration",
		metric.WithDescription("Duration of gateway request attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.classifications, err = meter.Int64Counter(
		"gateway.classification",
		metric.WithDescription("Number of upstream errors by kind and action"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"gateway.retry.attempts",
		metric.WithDescription("Number of retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"gateway.retry.exhausted",
		metric.WithDescription("Number of calls that failed with a retryable error"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.connectionPurges, err = meter.Int64Counter(
		"gateway.connection.purges",
		metric.WithDescription("Number of connection purges"),
		metric.WithUnit("{purge}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRequests, err = meter.Int64Counter(
		"gateway.breaker.requests",
		metric.WithDescription("Number of attempts through the circuit breaker by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"gateway.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordRequestDuration records the duration of one attempt.
func (m *metrics) recordRequestDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordClassification records a classified error.
func (m *metrics) recordClassification(
	ctx context.Context,
	attrs []attribute.KeyValue,
	c Classification,
) {
	if m == nil || m.classifications == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+3)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs,
		attribute.String("error.kind", c.Kind.String()),
		attribute.String("gateway.action", c.Action.String()),
		attribute.Bool("gateway.rule.matched", c.Matched()),
	)
	m.classifications.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordRetryAttempt records a retry.
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.Int("retry.attempt", attempt))
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordRetryExhausted records a call that ended on a retryable error.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordPurge records a connection purge.
func (m *metrics) recordPurge(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.connectionPurges == nil {
		return
	}
	m.connectionPurges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordBreakerRequest records the breaker outcome of one attempt.
func (m *metrics) recordBreakerRequest(ctx context.Context, name, outcome string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.outcome", outcome),
	))
}

// recordBreakerState records a breaker state change.
func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(
		attribute.String("breaker.name", name),
	))
}
