package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
)

// call describes one gateway operation for the executor.
type call struct {
	op    string
	url   string
	scope Scope
	opts  CallOptions
	span  trace.Span
}

// attemptFunc performs one attempt of a call.
type attemptFunc func(ctx context.Context) error

// execute runs attempt until it succeeds, fails terminally or the retry
// budget is spent, and returns the number of attempts made.
//
// Error handling, in order:
//   - ctx done: the context error is returned.
//   - *BadResponseError: returned as is, never retried.
//   - anything else is classified. It is retried when the action is
//     ActionRetry and the call allows retries, otherwise it is returned as
//     a *GatewayError.
func (g *Gateway) execute(ctx context.Context, c call, attempt attemptFunc) (int, error) {
	maxTries := uint(1)
	if c.opts.Retry && g.cfg.RetryConfig.IsEnabled() {
		maxTries = g.cfg.RetryConfig.MaxRetries + 1
	}

	var (
		attempts int
		lastErr  error
		last     Classification
		direct   bool
	)

	operation := func() (struct{}, error) {
		attempts++
		err := g.guard(ctx, c, attempt)
		lastErr = err
		if err == nil {
			return struct{}{}, nil
		}

		if ctx.Err() != nil {
			direct = true
			return struct{}{}, backoff.Permanent(err)
		}

		var badResp *BadResponseError
		if errors.As(err, &badResp) {
			direct = true
			return struct{}{}, backoff.Permanent(err)
		}

		direct = false
		last = g.classifier.Classify(err, c.scope, g.conn)
		g.cfg.Metrics.recordClassification(ctx, g.cfg.baseAttributes(), last)

		if last.Action == ActionRetry && c.opts.Retry {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(g.cfg.newBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logRetry(g.cfg.Logger, c.op, c.url, attempts, last, err, next)
			recordRetryEvent(c.span, attempts, last, err, next)
			g.cfg.Metrics.recordRetryAttempt(ctx, g.cfg.baseAttributes(), attempts)
		}),
	}
	if g.cfg.RetryConfig.MaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(g.cfg.RetryConfig.MaxElapsedTime))
	}

	// The outcome is tracked by operation; the error returned by Retry may
	// still be wrapped in a *backoff.PermanentError.
	_, _ = backoff.Retry(ctx, operation, retryOpts...)

	if lastErr == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, ctxErr
	}
	if direct {
		return attempts, lastErr
	}

	if last.Action == ActionRetry {
		g.cfg.Metrics.recordRetryExhausted(ctx, g.cfg.baseAttributes())
	}

	gwErr := &GatewayError{
		Op:       c.op,
		URL:      c.url,
		Kind:     last.Kind,
		Action:   last.Action,
		Attempts: attempts,
		Err:      lastErr,
	}
	logFailure(g.cfg.Logger, gwErr)
	return attempts, gwErr
}

// guard runs one attempt behind the rate limiter and the circuit breaker.
func (g *Gateway) guard(ctx context.Context, c call, attempt attemptFunc) error {
	if err := g.limiter.acquire(ctx); err != nil {
		return err
	}

	if g.cfg.httpConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.httpConfig.Timeout)
		defer cancel()
	}

	if g.breaker == nil {
		return attempt(ctx)
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, attempt(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.cfg.Metrics.recordBreakerRequest(ctx, g.name, "rejected")
	case breakerSuccessful(err):
		g.cfg.Metrics.recordBreakerRequest(ctx, g.name, "success")
	default:
		g.cfg.Metrics.recordBreakerRequest(ctx, g.name, "failure")
	}
	return err
}
