package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// Compile-time interface check.
var _ Connection = (*connection)(nil)

// errPipelineClosed is reported when the upstream closes the pipeline
// connection before answering every request.
var errPipelineClosed = errors.New("gateway: upstream closed the pipeline connection")

// idleCloser is implemented by *http.Transport.
type idleCloser interface {
	CloseIdleConnections()
}

// connection is the gateway-owned connection state: the pooled transport
// used by ordinary calls and the dedicated socket used for pipelining.
type connection struct {
	cfg       *internalConfig
	target    *url.URL
	transport http.RoundTripper

	// sem serializes use of the pipeline socket.
	sem *semaphore.Weighted

	mu   sync.Mutex
	pipe *pipeConn
}

// pipeConn is an open pipeline socket with its buffers.
type pipeConn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

func newConnection(cfg *internalConfig, target *url.URL, transport http.RoundTripper) *connection {
	return &connection{
		cfg:       cfg,
		target:    target,
		transport: transport,
		sem:       semaphore.NewWeighted(1),
	}
}

// Purge closes the pipeline socket and the idle pooled connections. The
// next call opens fresh ones.
func (c *connection) Purge() {
	c.mu.Lock()
	pipe := c.pipe
	c.pipe = nil
	c.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	if ic, ok := c.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	}

	c.cfg.Metrics.recordPurge(context.Background(), c.cfg.baseAttributes())
	c.cfg.Logger.Debug().
		Str("host", c.target.Host).
		Msg("gateway connection purged")
}

// drop closes pc if it is still the current pipeline socket.
func (c *connection) drop(pc *pipeConn) {
	c.mu.Lock()
	if c.pipe == pc {
		c.pipe = nil
	}
	c.mu.Unlock()
	pc.Close()
}

// pipeline writes every request on the pipeline socket, then reads one
// response per request, in order.
//
// On failure it returns the responses read so far together with a
// *PipelineError (I/O failure, socket dropped) or a *PipelineResponseError
// (unparsable response, socket dropped). Errors raised before anything is
// written, such as a failed dial, are returned unwrapped.
func (c *connection) pipeline(ctx context.Context, reqs []*http.Request) ([]*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	pc, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	// Unblock pending I/O when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		pc.SetDeadline(time.Now())
	})
	defer stop()

	readTimeout := c.cfg.httpConfig.ReadTimeout
	if readTimeout > 0 {
		pc.SetWriteDeadline(time.Now().Add(readTimeout))
	}
	for _, req := range reqs {
		if err := req.Write(pc.w); err != nil {
			c.drop(pc)
			return nil, &PipelineError{Requests: reqs, Err: err}
		}
	}
	if err := pc.w.Flush(); err != nil {
		c.drop(pc)
		return nil, &PipelineError{Requests: reqs, Err: err}
	}

	resps := make([]*Response, 0, len(reqs))
	for i, req := range reqs {
		if readTimeout > 0 {
			pc.SetReadDeadline(time.Now().Add(readTimeout))
		}

		raw, err := http.ReadResponse(pc.r, req)
		if err != nil {
			c.drop(pc)
			if isIOError(err) {
				return resps, &PipelineError{Requests: reqs, Responses: resps, Err: err}
			}
			return resps, &PipelineResponseError{Request: req, Err: err}
		}

		resp, err := newResponse(raw, req.URL.String())
		if err != nil {
			c.drop(pc)
			return resps, &PipelineError{Requests: reqs, Responses: resps, Err: err}
		}
		resps = append(resps, resp)

		if raw.Close || req.Close {
			c.drop(pc)
			if i < len(reqs)-1 {
				return resps, &PipelineError{Requests: reqs, Responses: resps, Err: errPipelineClosed}
			}
		}
	}

	if !stop() {
		// ctx ended after the last read; the deadline is already poisoned.
		c.drop(pc)
		return resps, nil
	}
	pc.SetDeadline(time.Time{})
	return resps, nil
}

// acquire returns the current pipeline socket, dialing a new one if needed.
func (c *connection) acquire(ctx context.Context) (*pipeConn, error) {
	c.mu.Lock()
	pc := c.pipe
	c.mu.Unlock()
	if pc != nil {
		return pc, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	pc = &pipeConn{
		Conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}

	c.mu.Lock()
	c.pipe = pc
	c.mu.Unlock()
	return pc, nil
}

// dial opens a new pipeline socket, speaking TLS for https targets. The
// connection is pinned to HTTP/1.1.
func (c *connection) dial(ctx context.Context) (net.Conn, error) {
	hc := c.cfg.httpConfig
	addr := hostPort(c.target)

	if hc.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hc.OpenTimeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.Dialer != nil {
		conn, err = c.cfg.Dialer(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{KeepAlive: hc.KeepAlive}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if c.target.Scheme != "https" {
		return conn, nil
	}

	tlsCfg := &tls.Config{}
	if c.cfg.TLSConfig != nil {
		tlsCfg = c.cfg.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = c.target.Hostname()
	}
	tlsCfg.NextProtos = []string{"http/1.1"}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// close releases every connection without recording a purge.
func (c *connection) close() {
	c.mu.Lock()
	pipe := c.pipe
	c.pipe = nil
	c.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	if ic, ok := c.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

// hostPort returns host:port for u, defaulting the port from the scheme.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// isIOError reports whether err is a connection-level failure rather than
// a malformed response.
func isIOError(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr)
}
