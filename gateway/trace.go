package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// opPipeline is the operation name of pipelined calls in spans, metrics,
// logs and GatewayError.Op.
const opPipeline = "PIPELINE"

// startSpan starts the client span covering one call, retries included.
// Span name: "gateway {op}".
func (g *Gateway) startSpan(ctx context.Context, op, rawURL string) (context.Context, trace.Span) {
	return g.cfg.Tracer.Start(ctx, "gateway "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(g.spanAttributes(op, rawURL)...),
	)
}

// inject writes the trace context of ctx into req.
func (g *Gateway) inject(ctx context.Context, req *http.Request) {
	if g.cfg.Propagators == nil {
		return
	}
	g.cfg.Propagators.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// spanAttributes returns span attributes for a call.
func (g *Gateway) spanAttributes(op, rawURL string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, g.cfg.baseAttributes()...)

	if op == opPipeline {
		attrs = append(attrs, attribute.Bool("gateway.pipeline", true))
	} else {
		attrs = append(attrs, attribute.String("http.request.method", op))
	}

	attrs = append(attrs, attribute.String("url.full", rawURL))
	attrs = append(attrs, serverAttributes(rawURL)...)
	return attrs
}

// serverAttributes returns server.address and server.port for rawURL.
func serverAttributes(rawURL string) []attribute.KeyValue {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, 2)
	if host := u.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}

	if port := u.Port(); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			attrs = append(attrs, attribute.Int("server.port", p))
		}
	} else {
		switch u.Scheme {
		case "http":
			attrs = append(attrs, attribute.Int("server.port", 80))
		case "https":
			attrs = append(attrs, attribute.Int("server.port", 443))
		}
	}
	return attrs
}

// attemptAttributes returns metric attributes for one attempt.
func (g *Gateway) attemptAttributes(op string, status int, err error) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	attrs = append(attrs, g.cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("gateway.operation", op))
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.kind", KindOf(err).String()))
	}
	return attrs
}

// recordRetryEvent adds a span event for a retry.
func recordRetryEvent(span trace.Span, attempt int, c Classification, err error, delay time.Duration) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", delay.Milliseconds()),
		attribute.String("retry.reason", c.Kind.String()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("exception.message", err.Error()))
	}

	span.AddEvent("gateway.retry", trace.WithAttributes(attrs...))
}

// endSpan records the outcome of a call on its span.
func endSpan(span trace.Span, status int, attempts int, err error) {
	if attempts > 1 {
		span.SetAttributes(attribute.Int("gateway.retry_count", attempts-1))
	}
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}

	if err != nil {
		setSpanError(span, err, KindOf(err).String())
		return
	}
	if status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
