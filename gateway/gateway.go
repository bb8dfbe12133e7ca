package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Gateway issues HTTP requests to a single upstream and turns transport
// failures into retry or bad gateway decisions.
//
// A Gateway is safe for concurrent use. Ordinary calls share a pooled
// transport; pipelined calls share one dedicated connection and run one at
// a time.
type Gateway struct {
	cfg     *internalConfig
	baseURL string
	name    string

	client     *http.Client
	conn       *connection
	classifier *Classifier
	breaker    CircuitBreaker
	limiter    *rateLimiter

	closed atomic.Bool
}

// New creates a Gateway for uri. A uri without scheme is treated as http
// (see NormalizeURI).
//
// Example:
//
//	gw, err := gateway.New("https://api.example.com/v1",
//	    gateway.WithServiceName("users-api"),
//	    gateway.WithHeader(map[string]string{"Accept": "application/json"}),
//	    gateway.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer gw.Close()
//
//	resp, err := gw.Get(ctx, "/users/42", nil)
func New(uri string, opts ...Option) (*Gateway, error) {
	cfg := newConfig(opts...)

	base := NormalizeURI(uri)
	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid uri %q: %w", uri, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("gateway: invalid uri %q: missing host", uri)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = cfg.buildTransport()
	}

	name := cfg.ServiceName
	if name == "" {
		name = target.Host
	}

	g := &Gateway{
		cfg:     cfg,
		baseURL: base,
		name:    name,
		client: &http.Client{
			Transport: transport,
			// Redirects are responses like any other; validation decides.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		conn:       newConnection(cfg, target, transport),
		classifier: NewClassifier(cfg.Rules...),
		limiter:    newRateLimiter(cfg.RateLimitConfig),
	}
	g.breaker = newCircuitBreaker(cfg, name)

	return g, nil
}

// URI returns the normalized base URI of the gateway.
func (g *Gateway) URI() string {
	return g.baseURL
}

// Classifier returns the classifier built from the gateway rules.
func (g *Gateway) Classifier() *Classifier {
	return g.classifier
}

// Purge closes the gateway connections. The next call opens fresh ones.
func (g *Gateway) Purge() {
	g.conn.Purge()
}

// Close releases every connection. Calls made after Close fail with
// ErrClosed.
func (g *Gateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.conn.close()
	return nil
}

// Head issues a HEAD request.
func (g *Gateway) Head(ctx context.Context, path string, header http.Header, opts ...CallOption) (*Response, error) {
	return g.Do(ctx, &Request{Method: http.MethodHead, Path: path, Header: header}, opts...)
}

// Get issues a GET request.
func (g *Gateway) Get(ctx context.Context, path string, header http.Header, opts ...CallOption) (*Response, error) {
	return g.Do(ctx, &Request{Method: http.MethodGet, Path: path, Header: header}, opts...)
}

// Delete issues a DELETE request. body may be nil; otherwise it is encoded
// as described on Post.
func (g *Gateway) Delete(ctx context.Context, path string, body any, header http.Header, opts ...CallOption) (*Response, error) {
	return g.Do(ctx, &Request{Method: http.MethodDelete, Path: path, Body: body, Header: header}, opts...)
}

// Post issues a POST request. POST is not idempotent: the call is never
// retried and its connection is not kept alive, whatever opts say.
//
// The body is encoded by type:
//   - url.Values, map[string]string, map[string][]string: form encoded
//   - io.Reader: read to completion
//   - []byte, string: sent as is
//   - JSON: JSON encoded
//   - anything else: its fmt.Sprint representation
func (g *Gateway) Post(ctx context.Context, path string, body any, header http.Header, opts ...CallOption) (*Response, error) {
	return g.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body, Header: header}, opts...)
}

// Put issues a PUT request. The body is encoded as described on Post.
func (g *Gateway) Put(ctx context.Context, path string, body any, header http.Header, opts ...CallOption) (*Response, error) {
	return g.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body, Header: header}, opts...)
}

// Do issues req.
//
// Errors:
//   - *BadResponseError when validation rejects the response status
//   - *GatewayError (matching ErrBadGateway) when the upstream failed
//   - the context error when ctx ends
//   - ErrNilRequest, ErrUnsupportedMethod, ErrClosed and encoding errors
//     before any I/O
func (g *Gateway) Do(ctx context.Context, req *Request, opts ...CallOption) (*Response, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}

	p, err := g.prepare(req)
	if err != nil {
		return nil, err
	}
	co := resolveCallOptions(IsIdempotent(p.method), opts...)

	ctx, span := g.startSpan(ctx, p.method, p.url)
	defer span.End()

	var resp *Response
	c := call{op: p.method, url: p.url, scope: ScopeAll, opts: co, span: span}
	attempts, err := g.execute(ctx, c, func(ctx context.Context) error {
		r, err := g.roundTrip(ctx, p, co)
		resp = r
		return err
	})

	endSpan(span, statusOf(resp, err), attempts, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTrip performs one attempt of a non-pipelined call.
func (g *Gateway) roundTrip(ctx context.Context, p *preparedRequest, co CallOptions) (*Response, error) {
	req, err := p.build(ctx, co.Persistent)
	if err != nil {
		return nil, err
	}
	g.inject(ctx, req)
	g.logRequest(req, p.body)

	start := time.Now()
	raw, err := g.client.Do(req)
	if err != nil {
		g.cfg.Metrics.recordRequestDuration(ctx, time.Since(start), g.attemptAttributes(p.method, 0, err))
		return nil, err
	}

	resp, err := newResponse(raw, p.url)
	duration := time.Since(start)
	if err != nil {
		g.cfg.Metrics.recordRequestDuration(ctx, duration, g.attemptAttributes(p.method, raw.StatusCode, err))
		return nil, err
	}
	g.cfg.Metrics.recordRequestDuration(ctx, duration, g.attemptAttributes(p.method, resp.StatusCode, nil))
	g.logResponse(resp, duration)

	if co.ValidateResponse {
		if err := ValidateResponse(raw, p.url, co.ValidResponses...); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// statusOf returns the status code to report for a call outcome.
func statusOf(resp *Response, err error) int {
	var badResp *BadResponseError
	if errors.As(err, &badResp) {
		return badResp.Status
	}
	if resp != nil && err == nil {
		return resp.StatusCode
	}
	return 0
}
