package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logRequest logs an outgoing request at debug level. With debug enabled
// it includes a cURL command reproducing the request.
func (g *Gateway) logRequest(req *http.Request, body []byte) {
	if !g.cfg.Debug {
		return
	}
	g.cfg.Logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("request_id", requestID(g.cfg, req.Header)).
		Str("curl", generateCurlCommand(req, body)).
		Msg("gateway request")
}

// logResponse logs a received response at debug level.
func (g *Gateway) logResponse(resp *Response, duration time.Duration) {
	if !g.cfg.Debug {
		return
	}
	g.cfg.Logger.Debug().
		Int("status", resp.StatusCode).
		Str("url", resp.URL).
		Dur("duration_ms", duration).
		Int("body_size", len(resp.Bytes())).
		Msg("gateway response")
}

// logRetry logs a retry decision.
func logRetry(logger zerolog.Logger, op, url string, attempt int, c Classification, err error, delay time.Duration) {
	logger.Warn().
		Err(err).
		Str("op", op).
		Str("url", url).
		Int("attempt", attempt).
		Str("error.kind", c.Kind.String()).
		Dur("delay", delay).
		Msg("gateway retrying upstream call")
}

// logFailure logs a terminal upstream failure.
func logFailure(logger zerolog.Logger, gwErr *GatewayError) {
	logger.Error().
		Err(gwErr.Err).
		Str("op", gwErr.Op).
		Str("url", gwErr.URL).
		Int("attempts", gwErr.Attempts).
		Str("error.kind", gwErr.Kind.String()).
		Str("action", gwErr.Action.String()).
		Msg("gateway upstream call failed")
}

func requestID(cfg *internalConfig, header http.Header) string {
	if cfg.RequestIDHeader == "" {
		return ""
	}
	return header.Get(cfg.RequestIDHeader)
}

// generateCurlCommand creates a cURL command equivalent for the request.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/users' -H 'Content-Type: application/json' -d '{"name":"John"}'
func generateCurlCommand(req *http.Request, body []byte) string {
	parts := []string{"curl"}

	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}
	parts = append(parts, fmt.Sprintf("'%s'", req.URL.String()))

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range req.Header[k] {
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		escaped := strings.ReplaceAll(string(body), "'", "'\\''")
		parts = append(parts, "-d", fmt.Sprintf("'%s'", escaped))
	}

	return strings.Join(parts, " ")
}
