package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawUpstream is an HTTP/1.1 server on a bare listener. handle runs once
// per accepted connection, n counting connections from 1.
type rawUpstream struct {
	uri   string
	conns atomic.Int32

	mu   sync.Mutex
	seen map[int][]seenRequest
}

type seenRequest struct {
	path  string
	close bool
}

func newRawUpstream(t *testing.T, handle func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader)) *rawUpstream {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	up := &rawUpstream{
		uri:  "http://" + ln.Addr().String(),
		seen: make(map[int][]seenRequest),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(up.conns.Add(1))
			go func() {
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))
				handle(up, n, conn, bufio.NewReader(conn))
			}()
		}
	}()

	return up
}

// read reads count requests from r and records them for connection n.
func (up *rawUpstream) read(n int, r *bufio.Reader, count int) bool {
	for i := 0; i < count; i++ {
		req, err := http.ReadRequest(r)
		if err != nil {
			return false
		}
		io.Copy(io.Discard, req.Body)
		req.Body.Close()

		up.mu.Lock()
		up.seen[n] = append(up.seen[n], seenRequest{path: req.URL.Path, close: req.Close})
		up.mu.Unlock()
	}
	return true
}

func (up *rawUpstream) requests(n int) []seenRequest {
	up.mu.Lock()
	defer up.mu.Unlock()
	return append([]seenRequest(nil), up.seen[n]...)
}

func (up *rawUpstream) paths(n int) []string {
	var paths []string
	for _, r := range up.requests(n) {
		paths = append(paths, r.path)
	}
	return paths
}

// writeResponses answers the recorded requests of connection n, from index
// from, echoing each path as the body.
func (up *rawUpstream) writeResponses(n int, conn net.Conn, from int, status int) {
	for _, r := range up.requests(n)[from:] {
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s",
			status, http.StatusText(status), len(r.path), r.path)
	}
}

func bodies(resps []*Response) []string {
	out := make([]string, 0, len(resps))
	for _, r := range resps {
		out = append(out, r.String())
	}
	return out
}

func getRequests(paths ...string) []*Request {
	reqs := make([]*Request, 0, len(paths))
	for _, p := range paths {
		reqs = append(reqs, &Request{Method: http.MethodGet, Path: p})
	}
	return reqs
}

func TestGateway_Pipeline(t *testing.T) {
	t.Run("given three GETs, then all are written before any response is read", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			for up.read(n, r, 3) {
				up.writeResponses(n, conn, len(up.requests(n))-3, http.StatusOK)
			}
		})
		gw := newTestGateway(t, up.uri)

		var delivered []string
		resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b", "/c"), func(resp *Response) {
			delivered = append(delivered, resp.String())
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b", "/c"}, bodies(resps))
		assert.Equal(t, []string{"/a", "/b", "/c"}, delivered)
		assert.Equal(t, up.uri+"/b", resps[1].URL)

		// The persistent connection is reused.
		resps, err = gw.Pipeline(context.Background(), getRequests("/d", "/e", "/f"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"/d", "/e", "/f"}, bodies(resps))
		assert.Equal(t, int32(1), up.conns.Load())
	})

	t.Run("given connection dropped midway, then purges and resends only unanswered requests", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			switch n {
			case 1:
				// Answers the first request only, then hangs up.
				if up.read(n, r, 3) {
					io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n/a")
				}
			default:
				if up.read(n, r, 2) {
					up.writeResponses(n, conn, 0, http.StatusOK)
				}
			}
		})
		gw := newTestGateway(t, up.uri)

		var delivered []string
		resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b", "/c"), func(resp *Response) {
			delivered = append(delivered, resp.String())
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b", "/c"}, bodies(resps))
		assert.Equal(t, []string{"/a", "/b", "/c"}, delivered)
		assert.Equal(t, int32(2), up.conns.Load())
		assert.Equal(t, []string{"/b", "/c"}, up.paths(2))
	})

	t.Run("given response stalled past the read timeout, then purges and resends only unanswered requests", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			switch n {
			case 1:
				// Answers the first request, then goes silent until the
				// client gives up on the socket.
				if up.read(n, r, 3) {
					io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n/a")
					io.Copy(io.Discard, r)
				}
			default:
				if up.read(n, r, 2) {
					up.writeResponses(n, conn, 0, http.StatusOK)
				}
			}
		})
		gw := newTestGateway(t, up.uri)

		var delivered []string
		resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b", "/c"), func(resp *Response) {
			delivered = append(delivered, resp.String())
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b", "/c"}, bodies(resps))
		assert.Equal(t, []string{"/a", "/b", "/c"}, delivered)
		assert.Equal(t, int32(2), up.conns.Load())
		assert.Equal(t, []string{"/b", "/c"}, up.paths(2))
	})

	t.Run("given context canceled midway, then returns the context error and drops the socket", func(t *testing.T) {
		stalled := make(chan struct{})
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			switch n {
			case 1:
				if up.read(n, r, 3) {
					io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n/a")
					// Leave the client time to read /a before it is canceled.
					time.Sleep(100 * time.Millisecond)
					close(stalled)
					io.Copy(io.Discard, r)
				}
			default:
				if up.read(n, r, 1) {
					up.writeResponses(n, conn, 0, http.StatusOK)
				}
			}
		})

		cfg := DefaultConfig()
		cfg.ReadTimeout = 5 * time.Second
		gw := newTestGateway(t, up.uri, WithConfig(cfg))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stalled
			cancel()
		}()

		start := time.Now()
		resps, err := gw.Pipeline(ctx, getRequests("/a", "/b", "/c"), nil)

		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBadGateway)
		assert.Less(t, time.Since(start), cfg.ReadTimeout)
		assert.Equal(t, []string{"/a"}, bodies(resps))
		assert.Equal(t, []string{"/a", "/b", "/c"}, up.paths(1))

		// The canceled socket is not reused.
		resps, err = gw.Pipeline(context.Background(), getRequests("/d"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"/d"}, bodies(resps))
		assert.Equal(t, int32(2), up.conns.Load())
	})

	t.Run("given custom dialer, then it receives a context bounded by the open timeout", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			if up.read(n, r, 1) {
				up.writeResponses(n, conn, 0, http.StatusOK)
			}
		})

		var (
			dials       atomic.Int32
			hasDeadline atomic.Bool
		)
		gw := newTestGateway(t, up.uri, WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			_, ok := ctx.Deadline()
			hasDeadline.Store(ok)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}))

		resps, err := gw.Pipeline(context.Background(), getRequests("/a"), nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"/a"}, bodies(resps))
		assert.Equal(t, int32(1), dials.Load())
		assert.True(t, hasDeadline.Load())
	})

	t.Run("given custom dialer and caller deadline, then the dial is abandoned", func(t *testing.T) {
		gw := newTestGateway(t, "127.0.0.1:1", WithDialer(func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := gw.Pipeline(ctx, getRequests("/a"), nil)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("given malformed response, then returns bad gateway without retry", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			if up.read(n, r, 2) {
				io.WriteString(conn, "garbage\r\n\r\n")
			}
		})
		gw := newTestGateway(t, up.uri)

		resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b"), nil)

		assert.Empty(t, resps)
		require.ErrorIs(t, err, ErrBadGateway)
		var gwErr *GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, opPipeline, gwErr.Op)
		assert.Equal(t, KindPipelineResponse, gwErr.Kind)
		assert.Equal(t, ActionBadGateway, gwErr.Action)
		assert.Equal(t, 1, gwErr.Attempts)
		var respErr *PipelineResponseError
		assert.True(t, errors.As(err, &respErr))
		assert.Equal(t, int32(1), up.conns.Load())
	})

	t.Run("given POST in batch, then no retry and last request closes the connection", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			if up.read(n, r, 2) {
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}
		})
		gw := newTestGateway(t, up.uri)

		resps, err := gw.Pipeline(context.Background(), []*Request{
			{Method: http.MethodGet, Path: "/a"},
			{Method: http.MethodPost, Path: "/b", Body: "payload"},
		}, nil, WithRetry(true), WithPersistent(true))

		require.ErrorIs(t, err, ErrBadGateway)
		var gwErr *GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, KindPipelineProtocol, gwErr.Kind)
		assert.Equal(t, 1, gwErr.Attempts)
		var pipeErr *PipelineError
		require.True(t, errors.As(err, &pipeErr))
		assert.Len(t, pipeErr.Responses, 1)
		assert.Equal(t, []string{"ok"}, bodies(resps))
		assert.Equal(t, []seenRequest{{path: "/a"}, {path: "/b", close: true}}, up.requests(1))
		assert.Equal(t, int32(1), up.conns.Load())
	})

	t.Run("given non persistent batch, then a new connection is used next time", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			if up.read(n, r, 2) {
				up.writeResponses(n, conn, 0, http.StatusOK)
			}
		})
		gw := newTestGateway(t, up.uri)

		for i := 0; i < 2; i++ {
			resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b"), nil, WithPersistent(false))
			require.NoError(t, err)
			assert.Len(t, resps, 2)
		}

		assert.Equal(t, int32(2), up.conns.Load())
		assert.Equal(t, []seenRequest{{path: "/a"}, {path: "/b", close: true}}, up.requests(1))
	})

	t.Run("given invalid status in the middle, then returns bad response after delivering the first", func(t *testing.T) {
		up := newRawUpstream(t, func(up *rawUpstream, n int, conn net.Conn, r *bufio.Reader) {
			if up.read(n, r, 2) {
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n/a")
				io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 2\r\n\r\n/b")
			}
		})
		gw := newTestGateway(t, up.uri)

		resps, err := gw.Pipeline(context.Background(), getRequests("/a", "/b"), nil,
			WithValidResponses(Success, Status(http.StatusNotFound)))

		var badResp *BadResponseError
		require.True(t, errors.As(err, &badResp))
		assert.Equal(t, http.StatusInternalServerError, badResp.Status)
		assert.Equal(t, up.uri+"/b", badResp.URL)
		assert.Equal(t, []string{"/a"}, bodies(resps))
	})

	t.Run("given no requests, then nothing is sent", func(t *testing.T) {
		gw := newTestGateway(t, "127.0.0.1:1")

		resps, err := gw.Pipeline(context.Background(), nil, nil)

		assert.NoError(t, err)
		assert.Nil(t, resps)
	})
}
