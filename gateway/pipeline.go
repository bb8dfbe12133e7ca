package gateway

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// PipelineFunc receives each pipelined response, in request order, once it
// passed validation.
type PipelineFunc func(*Response)

// Pipeline sends reqs over one HTTP/1.1 connection without waiting for
// each response before sending the next, then reads the responses in
// order. fn may be nil.
//
// When any request is not idempotent the whole batch runs with Persistent
// and Retry off. Without Persistent the last request carries
// "Connection: close" and the connection is purged afterwards.
//
// If the connection fails midway, the connection is purged and, when
// retries are allowed, only the requests left unanswered are sent again.
// Responses already delivered to fn are not delivered twice.
//
// The returned slice holds every delivered response, also on error.
//
// Example:
//
//	resps, err := gw.Pipeline(ctx, []*gateway.Request{
//	    {Path: "/users/1"},
//	    {Path: "/users/2"},
//	}, func(resp *gateway.Response) {
//	    log.Println(resp.URL, resp.StatusCode)
//	})
func (g *Gateway) Pipeline(ctx context.Context, reqs []*Request, fn PipelineFunc, opts ...CallOption) ([]*Response, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	prepared := make([]*preparedRequest, len(reqs))
	idempotent := true
	for i, req := range reqs {
		p, err := g.prepare(req)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
		idempotent = idempotent && IsIdempotent(p.method)
	}
	co := resolveCallOptions(idempotent, opts...)

	ctx, span := g.startSpan(ctx, opPipeline, prepared[0].url)
	span.SetAttributes(attribute.Int("gateway.pipeline.size", len(reqs)))
	defer span.End()

	pc := &pipelineCall{
		g:       g,
		opts:    co,
		fn:      fn,
		pending: prepared,
		done:    make([]*Response, 0, len(prepared)),
	}

	c := call{op: opPipeline, url: prepared[0].url, scope: ScopePipeline, opts: co, span: span}
	attempts, err := g.execute(ctx, c, pc.attempt)

	if !co.Persistent {
		g.conn.Purge()
	}

	endSpan(span, 0, attempts, err)
	span.SetAttributes(attribute.Int("gateway.pipeline.delivered", len(pc.done)))
	return pc.done, err
}

// pipelineCall is the state of one Pipeline call across attempts.
type pipelineCall struct {
	g    *Gateway
	opts CallOptions
	fn   PipelineFunc

	// pending are the requests not answered yet, in order.
	pending []*preparedRequest

	// done are the delivered responses, in order.
	done []*Response
}

// attempt sends the pending requests and delivers what comes back.
func (pc *pipelineCall) attempt(ctx context.Context) error {
	g := pc.g

	reqs := make([]*http.Request, len(pc.pending))
	for i, p := range pc.pending {
		last := i == len(pc.pending)-1
		req, err := p.build(ctx, pc.opts.Persistent || !last)
		if err != nil {
			return err
		}
		g.inject(ctx, req)
		g.logRequest(req, p.body)
		reqs[i] = req
	}

	start := time.Now()
	resps, err := g.conn.pipeline(ctx, reqs)
	duration := time.Since(start)
	g.cfg.Metrics.recordRequestDuration(ctx, duration, g.attemptAttributes(opPipeline, 0, err))

	if derr := pc.deliver(resps, duration); derr != nil {
		return derr
	}
	return err
}

// deliver validates resps, hands them to fn and removes the matching
// requests from pending.
func (pc *pipelineCall) deliver(resps []*Response, duration time.Duration) error {
	for _, resp := range resps {
		if pc.opts.ValidateResponse {
			if err := ValidateResponse(resp.Response, resp.URL, pc.opts.ValidResponses...); err != nil {
				return err
			}
		}

		pc.pending = pc.pending[1:]
		pc.done = append(pc.done, resp)
		pc.g.logResponse(resp, duration)

		if pc.fn != nil {
			pc.fn(resp)
		}
	}
	return nil
}
