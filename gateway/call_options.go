package gateway

import (
	"slices"
	"strconv"
)

// ResponseClass is a range of HTTP status codes accepted by response
// validation.
type ResponseClass struct {
	name     string
	min, max int
}

// Response classes by status code family.
var (
	Informational = ResponseClass{name: "informational", min: 100, max: 199}
	Success       = ResponseClass{name: "success", min: 200, max: 299}
	Redirection   = ResponseClass{name: "redirection", min: 300, max: 399}
	ClientError   = ResponseClass{name: "client_error", min: 400, max: 499}
	ServerError   = ResponseClass{name: "server_error", min: 500, max: 599}
)

// Status returns a ResponseClass matching exactly one status code.
//
// Example - accept 2xx and 404:
//
//	gw.Get(ctx, "/users/42", nil,
//	    gateway.WithValidResponses(gateway.Success, gateway.Status(http.StatusNotFound)),
//	)
func Status(code int) ResponseClass {
	return ResponseClass{name: strconv.Itoa(code), min: code, max: code}
}

// Contains reports whether status belongs to the class.
func (c ResponseClass) Contains(status int) bool {
	return status >= c.min && status <= c.max
}

func (c ResponseClass) String() string {
	return c.name
}

// CallOptions are the per-call overrides.
type CallOptions struct {
	// Persistent keeps the connection open for reuse after the call.
	// Default: true
	Persistent bool

	// Retry allows re-issuing the request when the classifier says so.
	// Default: true
	Retry bool

	// ValidateResponse checks the response status against ValidResponses.
	// Default: true
	ValidateResponse bool

	// ValidResponses is the whitelist used by validation.
	// Default: [Success]
	ValidResponses []ResponseClass
}

// CallOption configures a single call.
type CallOption func(*CallOptions)

// WithPersistent sets whether the connection is kept alive after the call.
func WithPersistent(persistent bool) CallOption {
	return func(o *CallOptions) {
		o.Persistent = persistent
	}
}

// WithRetry sets whether the call may be retried.
func WithRetry(retry bool) CallOption {
	return func(o *CallOptions) {
		o.Retry = retry
	}
}

// WithValidateResponse enables or disables response validation.
func WithValidateResponse(validate bool) CallOption {
	return func(o *CallOptions) {
		o.ValidateResponse = validate
	}
}

// WithValidResponses replaces the whitelist of acceptable response classes.
func WithValidResponses(classes ...ResponseClass) CallOption {
	return func(o *CallOptions) {
		o.ValidResponses = slices.Clone(classes)
	}
}

// DefaultCallOptions returns the options used when a call passes none.
func DefaultCallOptions() CallOptions {
	return CallOptions{
		Persistent:       true,
		Retry:            true,
		ValidateResponse: true,
		ValidResponses:   []ResponseClass{Success},
	}
}

// resolveCallOptions applies opts over the defaults. When idempotent is
// false, Persistent and Retry are forced off whatever the caller asked for.
func resolveCallOptions(idempotent bool, opts ...CallOption) CallOptions {
	o := DefaultCallOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.ValidResponses) == 0 {
		o.ValidResponses = []ResponseClass{Success}
	}
	if !idempotent {
		o.Persistent = false
		o.Retry = false
	}
	return o
}
