package gateway

import (
	"bytes"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

// Response wraps http.Response with the body already read.
//
// The body is read to completion and the underlying stream closed before
// the Response is returned, so connections go back to the pool (or the
// pipeline stays in sync) without any action from the caller. The embedded
// http.Response Body is replaced by a reader over the cached bytes.
type Response struct {
	*http.Response

	// URL is the absolute URL that produced this response.
	URL string

	body []byte
}

// newResponse reads and closes the body of resp.
func newResponse(resp *http.Response, url string) (*Response, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return &Response{Response: resp, URL: url, body: body}, nil
}

// Bytes returns the response body.
func (r *Response) Bytes() []byte {
	return r.body
}

// String returns the response body as a string.
func (r *Response) String() string {
	return string(r.body)
}

// DecodeJSON decodes the JSON body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.body, v)
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return Success.Contains(r.StatusCode)
}

// ValidateResponse returns a *BadResponseError when the status of resp
// belongs to none of classes. With no classes, only Success is accepted.
func ValidateResponse(resp *http.Response, url string, classes ...ResponseClass) error {
	if len(classes) == 0 {
		classes = []ResponseClass{Success}
	}
	for _, c := range classes {
		if c.Contains(resp.StatusCode) {
			return nil
		}
	}

	method := ""
	if resp.Request != nil {
		method = resp.Request.Method
	}
	return &BadResponseError{Method: method, Status: resp.StatusCode, URL: url}
}
