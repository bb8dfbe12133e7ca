package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBadGateway is matched by every terminal upstream failure returned by
	// the Gateway. Use errors.Is to detect it:
	//
	//	resp, err := gw.Get(ctx, "/users", nil)
	//	if errors.Is(err, gateway.ErrBadGateway) {
	//	    // upstream is unhealthy, degrade gracefully
	//	}
	ErrBadGateway = errors.New("gateway: bad gateway")

	// ErrUnsupportedMethod is returned when a request uses an HTTP method
	// missing from the dispatch table.
	ErrUnsupportedMethod = errors.New("gateway: unsupported method")

	// ErrRateLimited is returned when a call is rejected by the client-side
	// rate limiter.
	ErrRateLimited = errors.New("gateway: rate limit exceeded")

	// ErrNilRequest is returned when Do or Pipeline is given a nil *Request.
	ErrNilRequest = errors.New("gateway: nil request")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("gateway: closed")
)

// GatewayError is the terminal failure of a call after classification.
//
// It wraps the last transport error, so errors.Is and errors.As see through
// it (for example errors.Is(err, context.DeadlineExceeded) for a read
// timeout), and it always matches ErrBadGateway.
type GatewayError struct {
	// Op is the HTTP method, or "PIPELINE" for pipelined calls.
	Op string

	// URL is the absolute URL of the (first) request.
	URL string

	// Kind is the category of the last error.
	Kind ErrorKind

	// Action is the classifier decision for the last error. ActionRetry here
	// means the error was retryable but the retry budget was exhausted or
	// the call was not eligible for retry.
	Action Action

	// Attempts is the number of attempts made, including the first.
	Attempts int

	// Err is the last underlying error.
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s %s failed after %d attempt(s) [%s/%s]: %v",
		e.Op, e.URL, e.Attempts, e.Kind, e.Action, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is reports ErrBadGateway as a match.
func (e *GatewayError) Is(target error) bool {
	return target == ErrBadGateway
}

// BadResponseError is returned when a response status is not in the set of
// acceptable response classes. It carries the status code and the absolute
// URL that was requested.
type BadResponseError struct {
	Method string
	Status int
	URL    string
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("gateway: bad response %d %s from %s %s",
		e.Status, http.StatusText(e.Status), e.Method, e.URL)
}

// PipelineError reports an I/O failure on the pipeline connection. Responses
// holds the responses that were fully received before the failure, in
// request order; the requests after them were not answered.
type PipelineError struct {
	Requests  []*http.Request
	Responses []*Response
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("gateway: pipeline failed after %d of %d responses: %v",
		len(e.Responses), len(e.Requests), e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// PipelineResponseError reports a response on the pipeline connection that
// could not be parsed.
type PipelineResponseError struct {
	Request *http.Request
	Err     error
}

func (e *PipelineResponseError) Error() string {
	target := ""
	if e.Request != nil && e.Request.URL != nil {
		target = " for " + e.Request.Method + " " + e.Request.URL.String()
	}
	return fmt.Sprintf("gateway: invalid pipelined response%s: %v", target, e.Err)
}

func (e *PipelineResponseError) Unwrap() error {
	return e.Err
}
