// Package gateway issues HTTP requests to one upstream service and turns
// transport failures into a small set of decisions: retry the call, or
// report the upstream as a bad gateway.
//
// # Features
//
//   - HEAD, GET, POST, PUT and DELETE verbs plus HTTP/1.1 pipelining
//   - Ordered, immutable error classification rules with per-rule hooks
//   - Retries with exponential backoff, for idempotent requests only
//   - Response validation against a whitelist of status classes
//   - Circuit breaking (local or Redis-backed) and client-side rate limiting
//   - OpenTelemetry spans and metrics, zerolog logging
//
// # Quick Start
//
//	gw, err := gateway.New("api.internal:8080",
//	    gateway.WithServiceName("inventory"),
//	    gateway.WithHeader(map[string]string{"Accept": "application/json"}),
//	)
//	if err != nil {
//	    return err
//	}
//	defer gw.Close()
//
//	resp, err := gw.Get(ctx, "/items/42", nil)
//	switch {
//	case errors.Is(err, gateway.ErrBadGateway):
//	    // upstream failed, after retries when allowed
//	case err != nil:
//	    var badResp *gateway.BadResponseError
//	    if errors.As(err, &badResp) {
//	        // upstream answered with an unexpected status
//	    }
//	}
//
// # Classification
//
// Every error raised while talking to the upstream has an ErrorKind. The
// classifier walks its rules in order and the first rule whose kinds and
// scope match decides the Action. The default rules are:
//
//	pipeline_protocol                 retry        pipeline  (purges the connection)
//	pipeline_response                 bad_gateway  pipeline
//	timeout, connection               retry        all
//	http, circuit_open, rate_limited  bad_gateway  all
//
// Errors matching no rule are bad_gateway. Bad responses are never
// classified; they are returned to the caller as *BadResponseError.
//
// A retry decision is only followed when the request is idempotent and the
// call allows it (WithRetry). POST and PATCH are never retried, and their
// connection is not kept alive.
//
// Custom rules replace the defaults:
//
//	gw, err := gateway.New(uri, gateway.WithRules(
//	    gateway.Rule{
//	        Kinds:   []gateway.ErrorKind{gateway.KindConnection},
//	        Action:  gateway.ActionRetry,
//	        Scope:   gateway.ScopeAll,
//	        OnMatch: gateway.PurgeConnection,
//	    },
//	))
//
// # Per-call Options
//
//	resp, err := gw.Get(ctx, "/reports/today", nil,
//	    gateway.WithRetry(false),
//	    gateway.WithValidResponses(gateway.Success, gateway.Status(http.StatusNotFound)),
//	)
//
// # Pipelining
//
// Pipeline writes a batch of requests on one connection before reading the
// responses in order. When the connection breaks midway it is purged and
// the unanswered requests are sent again on a new one.
//
//	resps, err := gw.Pipeline(ctx, []*gateway.Request{
//	    {Path: "/items/1"},
//	    {Path: "/items/2"},
//	    {Path: "/items/3"},
//	}, nil)
//
// # Timeouts
//
// Config.OpenTimeout bounds dialing and the TLS handshake, Config.ReadTimeout
// bounds the wait for each response. Config.Timeout optionally bounds a
// whole attempt. The call context bounds everything, retries included.
package gateway
