package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the per-call request ID.
const RequestIDHeader = "X-Request-ID"

// methodSpec describes how a request of a given method is built and
// whether it may be retried.
type methodSpec struct {
	idempotent  bool
	permitsBody bool
}

// methods is the dispatch table of supported HTTP methods.
var methods = map[string]methodSpec{
	http.MethodDelete:  {idempotent: true, permitsBody: true},
	http.MethodGet:     {idempotent: true, permitsBody: false},
	http.MethodHead:    {idempotent: true, permitsBody: false},
	http.MethodOptions: {idempotent: true, permitsBody: true},
	http.MethodPatch:   {idempotent: false, permitsBody: true},
	http.MethodPost:    {idempotent: false, permitsBody: true},
	http.MethodPut:     {idempotent: true, permitsBody: true},
	http.MethodTrace:   {idempotent: true, permitsBody: false},
}

// IsIdempotent reports whether method is one of DELETE, GET, HEAD, OPTIONS,
// PUT or TRACE. Only requests with these methods are ever retried.
func IsIdempotent(method string) bool {
	spec, ok := methods[strings.ToUpper(method)]
	return ok && spec.idempotent
}

// Request describes a single call through the Gateway.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// Path is appended to the gateway URI. It may include a query string.
	Path string

	// Body is serialized as described on Gateway.Post.
	Body any

	// Header overrides the gateway default headers, per key.
	Header http.Header
}

// preparedRequest is a Request serialized once so that it can be rebuilt
// for every attempt.
type preparedRequest struct {
	method      string
	url         string
	body        []byte
	contentType string
	header      http.Header
}

// prepare resolves the method, URL, headers and body of req.
func (g *Gateway) prepare(req *Request) (*preparedRequest, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	spec, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}

	var (
		body        []byte
		contentType string
	)
	if spec.permitsBody {
		var err error
		body, contentType, err = encodeBody(req.Body)
		if err != nil {
			return nil, err
		}
	} else if req.Body != nil {
		return nil, fmt.Errorf("gateway: %s request cannot carry a body", method)
	}

	header := make(http.Header, len(g.cfg.DefaultHeaders)+len(req.Header)+1)
	for k, v := range g.cfg.DefaultHeaders {
		header[k] = append([]string(nil), v...)
	}
	for k, v := range req.Header {
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	if contentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType)
	}
	if g.cfg.RequestIDHeader != "" && header.Get(g.cfg.RequestIDHeader) == "" {
		header.Set(g.cfg.RequestIDHeader, uuid.NewString())
	}

	target := joinURL(g.baseURL, req.Path)
	if _, err := url.Parse(target); err != nil {
		return nil, fmt.Errorf("gateway: invalid request path %q: %w", req.Path, err)
	}

	return &preparedRequest{
		method:      method,
		url:         target,
		body:        body,
		contentType: contentType,
		header:      header,
	}, nil
}

// build creates a fresh *http.Request for one attempt.
func (p *preparedRequest) build(ctx context.Context, persistent bool) (*http.Request, error) {
	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		return nil, err
	}
	req.Header = p.header.Clone()
	req.Close = !persistent
	return req, nil
}

// NormalizeURI prefixes uri with "http://" unless it already carries an
// http or https scheme.
//
//	NormalizeURI("example.com")         // "http://example.com"
//	NormalizeURI("https://example.com") // "https://example.com"
func NormalizeURI(uri string) string {
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return uri
	}
	return "http://" + uri
}

// joinURL appends path to base, keeping exactly one slash between them.
func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
