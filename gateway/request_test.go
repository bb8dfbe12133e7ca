package gateway

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{name: "given bare host, then prefixes http", uri: "example.com", want: "http://example.com"},
		{name: "given host and port, then prefixes http", uri: "example.com:8080/api", want: "http://example.com:8080/api"},
		{name: "given http uri, then unchanged", uri: "http://example.com", want: "http://example.com"},
		{name: "given https uri, then unchanged", uri: "https://example.com", want: "https://example.com"},
		{name: "given uppercase scheme, then unchanged", uri: "HTTPS://example.com", want: "HTTPS://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURI(tt.uri))
		})
	}
}

func TestIsIdempotent(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{method: http.MethodDelete, want: true},
		{method: http.MethodGet, want: true},
		{method: http.MethodHead, want: true},
		{method: http.MethodOptions, want: true},
		{method: http.MethodPut, want: true},
		{method: http.MethodTrace, want: true},
		{method: "get", want: true},
		{method: http.MethodPost, want: false},
		{method: http.MethodPatch, want: false},
		{method: "PURGE", want: false},
	}

	for _, tt := range tests {
		t.Run("given "+tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, IsIdempotent(tt.method))
		})
	}
}

func TestResolveCallOptions(t *testing.T) {
	tests := []struct {
		name       string
		idempotent bool
		opts       []CallOption
		want       CallOptions
	}{
		{
			name:       "given no options, then defaults apply",
			idempotent: true,
			want: CallOptions{
				Persistent:       true,
				Retry:            true,
				ValidateResponse: true,
				ValidResponses:   []ResponseClass{Success},
			},
		},
		{
			name:       "given non-idempotent request asking for retry and persistence, then both are forced off",
			idempotent: false,
			opts:       []CallOption{WithRetry(true), WithPersistent(true)},
			want: CallOptions{
				Persistent:       false,
				Retry:            false,
				ValidateResponse: true,
				ValidResponses:   []ResponseClass{Success},
			},
		},
		{
			name:       "given empty valid responses, then falls back to success",
			idempotent: true,
			opts:       []CallOption{WithValidResponses()},
			want: CallOptions{
				Persistent:       true,
				Retry:            true,
				ValidateResponse: true,
				ValidResponses:   []ResponseClass{Success},
			},
		},
		{
			name:       "given overrides, then they are applied",
			idempotent: true,
			opts: []CallOption{
				WithRetry(false),
				WithPersistent(false),
				WithValidateResponse(false),
				WithValidResponses(Success, ClientError),
			},
			want: CallOptions{
				Persistent:       false,
				Retry:            false,
				ValidateResponse: false,
				ValidResponses:   []ResponseClass{Success, ClientError},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveCallOptions(tt.idempotent, tt.opts...))
		})
	}
}

func TestPostForcesNoRetryAndNoPersistence(t *testing.T) {
	co := resolveCallOptions(IsIdempotent(http.MethodPost), WithRetry(true), WithPersistent(true))

	assert.False(t, co.Retry)
	assert.False(t, co.Persistent)
}

func TestGateway_Prepare(t *testing.T) {
	gw, err := New("example.com/api/", WithHeader(map[string]string{
		"Accept":     "application/json",
		"User-Agent": "gateway-test",
	}))
	require.NoError(t, err)

	t.Run("given default and call headers, then call headers override per key", func(t *testing.T) {
		p, err := gw.prepare(&Request{
			Method: http.MethodGet,
			Path:   "/users?page=2",
			Header: http.Header{"accept": []string{"text/plain"}},
		})
		require.NoError(t, err)

		assert.Equal(t, http.MethodGet, p.method)
		assert.Equal(t, "http://example.com/api/users?page=2", p.url)
		assert.Equal(t, "text/plain", p.header.Get("Accept"))
		assert.Equal(t, "gateway-test", p.header.Get("User-Agent"))
		assert.Nil(t, p.body)
	})

	t.Run("given no request id, then a uuid is generated", func(t *testing.T) {
		p, err := gw.prepare(&Request{Path: "/users"})
		require.NoError(t, err)

		_, err = uuid.Parse(p.header.Get(RequestIDHeader))
		assert.NoError(t, err)
	})

	t.Run("given a request id, then it is kept", func(t *testing.T) {
		p, err := gw.prepare(&Request{
			Path:   "/users",
			Header: http.Header{RequestIDHeader: []string{"req-1"}},
		})
		require.NoError(t, err)

		assert.Equal(t, "req-1", p.header.Get(RequestIDHeader))
	})

	t.Run("given empty method, then GET is used", func(t *testing.T) {
		p, err := gw.prepare(&Request{Path: "/users"})
		require.NoError(t, err)

		assert.Equal(t, http.MethodGet, p.method)
	})

	t.Run("given unsupported method, then returns ErrUnsupportedMethod", func(t *testing.T) {
		_, err := gw.prepare(&Request{Method: "PURGE", Path: "/cache"})

		assert.ErrorIs(t, err, ErrUnsupportedMethod)
	})

	t.Run("given body on GET, then returns error", func(t *testing.T) {
		_, err := gw.prepare(&Request{Method: http.MethodGet, Path: "/users", Body: "x"})

		assert.Error(t, err)
	})

	t.Run("given body on DELETE, then it is encoded", func(t *testing.T) {
		p, err := gw.prepare(&Request{Method: http.MethodDelete, Path: "/users/1", Body: "soft"})
		require.NoError(t, err)

		assert.Equal(t, "soft", string(p.body))
	})

	t.Run("given nil request, then returns ErrNilRequest", func(t *testing.T) {
		_, err := gw.prepare(nil)

		assert.ErrorIs(t, err, ErrNilRequest)
	})

	t.Run("given form body on POST, then content type is form", func(t *testing.T) {
		p, err := gw.prepare(&Request{
			Method: http.MethodPost,
			Path:   "/users",
			Body:   map[string]string{"name": "ada"},
		})
		require.NoError(t, err)

		assert.Equal(t, "name=ada", string(p.body))
		assert.Equal(t, contentTypeForm, p.header.Get("Content-Type"))
	})

	t.Run("given explicit content type, then it is not replaced", func(t *testing.T) {
		p, err := gw.prepare(&Request{
			Method: http.MethodPut,
			Path:   "/users/1",
			Body:   JSON{V: map[string]int{"age": 36}},
			Header: http.Header{"Content-Type": []string{"application/merge-patch+json"}},
		})
		require.NoError(t, err)

		assert.Equal(t, "application/merge-patch+json", p.header.Get("Content-Type"))
		assert.JSONEq(t, `{"age":36}`, string(p.body))
	})
}

func TestPreparedRequest_Build(t *testing.T) {
	p := &preparedRequest{
		method: http.MethodPut,
		url:    "http://example.com/users/1",
		body:   []byte("payload"),
		header: http.Header{"X-Test": []string{"1"}},
	}

	req, err := p.build(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, req.Close)
	assert.Equal(t, int64(len("payload")), req.ContentLength)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	// Every attempt gets its own body and headers.
	again, err := p.build(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, again.Close)
	again.Header.Set("X-Test", "2")
	assert.Equal(t, "1", p.header.Get("X-Test"))
}

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name            string
		body            any
		wantBody        string
		wantContentType string
	}{
		{name: "given nil, then no body", body: nil, wantBody: "", wantContentType: ""},
		{
			name:            "given url values, then form encoded",
			body:            url.Values{"a": {"1", "2"}},
			wantBody:        "a=1&a=2",
			wantContentType: contentTypeForm,
		},
		{
			name:            "given string slice map, then form encoded",
			body:            map[string][]string{"q": {"go"}},
			wantBody:        "q=go",
			wantContentType: contentTypeForm,
		},
		{name: "given reader, then read to completion", body: strings.NewReader("streamed"), wantBody: "streamed"},
		{name: "given bytes, then raw", body: []byte("raw"), wantBody: "raw"},
		{name: "given string, then raw", body: "text", wantBody: "text"},
		{
			name:            "given JSON wrapper, then JSON encoded",
			body:            JSON{V: struct{ Name string }{Name: "ada"}},
			wantBody:        `{"Name":"ada"}`,
			wantContentType: contentTypeJSON,
		},
		{name: "given integer, then stringified", body: 42, wantBody: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType, err := encodeBody(tt.body)

			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, tt.wantContentType, contentType)
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://h/a/b", joinURL("http://h/a/", "/b"))
	assert.Equal(t, "http://h/a/b", joinURL("http://h/a", "b"))
	assert.Equal(t, "http://h/a", joinURL("http://h/a", ""))
}
