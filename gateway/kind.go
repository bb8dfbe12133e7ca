package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"github.com/sony/gobreaker/v2"
)

// ErrorKind is the category of an error raised while talking to the
// upstream. Classification rules are keyed on kinds, never on concrete
// error types.
type ErrorKind int

const (
	// KindUnknown is any error that fits no other kind.
	KindUnknown ErrorKind = iota

	// KindTimeout is a transport timeout: dial, TLS handshake, waiting for
	// response headers or reading the body took longer than configured.
	KindTimeout

	// KindConnection is a connection refused, reset or closed before a
	// response was read.
	KindConnection

	// KindPipelineProtocol is an I/O failure on the pipeline connection
	// (see PipelineError).
	KindPipelineProtocol

	// KindPipelineResponse is an unparsable response on the pipeline
	// connection (see PipelineResponseError).
	KindPipelineResponse

	// KindHTTP is any other error from the HTTP stack: TLS verification,
	// DNS resolution, protocol violations.
	KindHTTP

	// KindBadResponse is a response rejected by validation
	// (see BadResponseError).
	KindBadResponse

	// KindCircuitOpen is a call rejected by the circuit breaker.
	KindCircuitOpen

	// KindRateLimited is a call rejected by the rate limiter.
	KindRateLimited
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindTimeout:          "timeout",
	KindConnection:       "connection",
	KindPipelineProtocol: "pipeline_protocol",
	KindPipelineResponse: "pipeline_response",
	KindHTTP:             "http",
	KindBadResponse:      "bad_response",
	KindCircuitOpen:      "circuit_open",
	KindRateLimited:      "rate_limited",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// KindOf returns the kind of err, looking through wrapped causes.
//
// Gateway-level error types are checked before transport causes, so a
// PipelineError caused by a connection reset is KindPipelineProtocol, not
// KindConnection. A nil error is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var badResp *BadResponseError
	if errors.As(err, &badResp) {
		return KindBadResponse
	}

	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return KindPipelineProtocol
	}

	var pipeRespErr *PipelineResponseError
	if errors.As(err, &pipeRespErr) {
		return KindPipelineResponse
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindCircuitOpen
	}

	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}

	if isTimeout(err) {
		return KindTimeout
	}

	if isConnectionError(err) {
		return KindConnection
	}

	if isHTTPError(err) {
		return KindHTTP
	}

	return KindUnknown
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

func isConnectionError(err error) bool {
	// DNS failures surface as net.OpError too; they are not connection drops.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

func isHTTPError(err error) bool {
	var (
		urlErr   *url.Error
		opErr    *net.OpError
		dnsErr   *net.DNSError
		protoErr *http.ProtocolError
		certErr  *tls.CertificateVerificationError
		recErr   tls.RecordHeaderError
	)
	return errors.As(err, &urlErr) ||
		errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		errors.As(err, &protoErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &recErr)
}
