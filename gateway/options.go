package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-gateway/gateway"
)

// =============================================================================
// Config - Transport Configuration
// =============================================================================

// Config holds the transport configuration of a Gateway.
// Use DefaultConfig() and modify specific fields as needed.
//
// Example:
//
//	cfg := gateway.DefaultConfig()
//	cfg.ReadTimeout = 2 * time.Second
//
//	gw, err := gateway.New("api.internal",
//	    gateway.WithConfig(cfg),
//	)
type Config struct {
	// OpenTimeout bounds establishing a connection: TCP dial plus TLS
	// handshake.
	//
	// Default: 5s
	OpenTimeout time.Duration

	// ReadTimeout bounds waiting for a response once the request is
	// written. On the pipeline connection it applies to each response.
	// Zero means no read timeout.
	//
	// Default: 30s
	ReadTimeout time.Duration

	// Timeout bounds a whole attempt, body included. Zero disables it and
	// leaves OpenTimeout and ReadTimeout in charge.
	//
	// Default: 0
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// MaxIdleConnsPerHost is the number of idle persistent connections kept
	// for the upstream.
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle persistent connection stays in
	// the pool.
	//
	// Default: 90s
	IdleConnTimeout time.Duration
}

// DefaultConfig returns a balanced configuration for a single upstream.
func DefaultConfig() Config {
	return Config{
		OpenTimeout:         5 * time.Second,
		ReadTimeout:         30 * time.Second,
		Timeout:             0,
		KeepAlive:           30 * time.Second,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
}

// LowLatencyConfig returns a configuration that fails fast, for upstreams
// on the request path of user-facing traffic.
func LowLatencyConfig() Config {
	return Config{
		OpenTimeout:         1 * time.Second,
		ReadTimeout:         3 * time.Second,
		Timeout:             5 * time.Second,
		KeepAlive:           15 * time.Second,
		MaxIdleConnsPerHost: 25,
		IdleConnTimeout:     60 * time.Second,
	}
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds all Gateway configuration.
type internalConfig struct {
	httpConfig Config

	// DefaultHeaders are merged into every request.
	DefaultHeaders http.Header

	// RequestIDHeader names the header set to a fresh UUID on every call
	// that does not carry one. Empty disables it.
	RequestIDHeader string

	// Rules is the classifier rule table.
	Rules []Rule

	RetryConfig RetryConfig

	// RetryBackOff builds the backoff of one call. Nil means an exponential
	// backoff built from RetryConfig.
	RetryBackOff func() backoff.BackOff

	// BreakerConfig enables the circuit breaker when non-nil.
	BreakerConfig *BreakerConfig

	// RateLimitConfig enables rate limiting when non-nil.
	RateLimitConfig *RateLimitConfig

	TLSConfig *tls.Config
	ProxyURL  *url.URL

	// Transport replaces the pooled transport used for non-pipelined
	// calls. Pipelined calls always use their own connection.
	Transport http.RoundTripper

	// Dialer opens pipeline connections. Defaults to a net.Dialer built
	// from Config.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	ServiceName string
	Logger      zerolog.Logger
	Debug       bool

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagators    propagation.TextMapPropagator

	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *metrics
}

// newConfig creates a config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:      DefaultConfig(),
		DefaultHeaders:  make(http.Header),
		RequestIDHeader: RequestIDHeader,
		Rules:           DefaultRules(),
		RetryConfig:     DefaultRetryConfig(),
		Logger:          zerolog.Nop(),
		TracerProvider:  otel.GetTracerProvider(),
		MeterProvider:   otel.GetMeterProvider(),
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Metrics stay nil on failure; every recorder is nil-safe.
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// buildTransport creates the pooled transport for non-pipelined calls.
func (cfg *internalConfig) buildTransport() *http.Transport {
	hc := cfg.httpConfig

	dialer := &net.Dialer{
		Timeout:   hc.OpenTimeout,
		KeepAlive: hc.KeepAlive,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   hc.MaxIdleConnsPerHost,
		IdleConnTimeout:       hc.IdleConnTimeout,
		TLSHandshakeTimeout:   hc.OpenTimeout,
		ResponseHeaderTimeout: hc.ReadTimeout,
		TLSClientConfig:       cfg.TLSConfig,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return transport
}

// baseAttributes returns common attributes for spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("gateway.name", cfg.ServiceName))
	}
	return attrs
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Gateway.
type Option func(*internalConfig)

// WithConfig sets the transport configuration.
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithHeader adds default headers sent with every request. Per-call headers
// override them key by key.
//
// Example:
//
//	gw, err := gateway.New("https://api.example.com",
//	    gateway.WithHeader(map[string]string{
//	        "Authorization": "Bearer " + token,
//	        "User-Agent":    "billing/1.4",
//	    }),
//	)
func WithHeader(header map[string]string) Option {
	return func(cfg *internalConfig) {
		for k, v := range header {
			cfg.DefaultHeaders.Set(k, v)
		}
	}
}

// WithRequestIDHeader changes the request ID header name. An empty name
// disables request IDs.
func WithRequestIDHeader(name string) Option {
	return func(cfg *internalConfig) {
		cfg.RequestIDHeader = name
	}
}

// WithRules replaces the classifier rule table. Rules are evaluated in the
// given order and the first match wins.
//
// Example - also retry generic HTTP errors, keeping the defaults after:
//
//	rules := append([]gateway.Rule{{
//	    Kinds:  []gateway.ErrorKind{gateway.KindHTTP},
//	    Action: gateway.ActionRetry,
//	    Scope:  gateway.ScopeAll,
//	}}, gateway.DefaultRules()...)
//
//	gw, err := gateway.New(uri, gateway.WithRules(rules...))
func WithRules(rules ...Rule) Option {
	return func(cfg *internalConfig) {
		cfg.Rules = rules
	}
}

// WithRetryConfig sets the retry budget and backoff parameters.
func WithRetryConfig(rc RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RetryConfig = rc
	}
}

// WithRetryBackOff replaces the exponential backoff built from RetryConfig.
// newBackOff is called once per call, so every call owns its backoff and
// concurrent calls never share one. The budget (MaxRetries,
// MaxElapsedTime) still comes from RetryConfig.
//
// Example:
//
//	gw, err := gateway.New(uri,
//	    gateway.WithRetryBackOff(func() backoff.BackOff {
//	        return backoff.NewConstantBackOff(200 * time.Millisecond)
//	    }),
//	)
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = newBackOff
	}
}

// WithBreakerConfig enables the circuit breaker.
func WithBreakerConfig(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &bc
	}
}

// WithRateLimit enables client-side rate limiting.
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimitConfig = &rl
	}
}

// WithTLSConfig sets the TLS configuration used by both the pooled
// transport and the pipeline connection.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithProxyURL routes non-pipelined requests through a proxy.
func WithProxyURL(proxyURL *url.URL) Option {
	return func(cfg *internalConfig) {
		cfg.ProxyURL = proxyURL
	}
}

// WithTransport replaces the pooled transport for non-pipelined calls.
// Purging the gateway connection calls CloseIdleConnections on it when
// supported.
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = rt
	}
}

// WithDialer replaces the dialer used for the pipeline connection. The
// context carries the caller cancellation and Config.OpenTimeout.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(cfg *internalConfig) {
		cfg.Dialer = dial
	}
}

// WithServiceName identifies the gateway in traces, metrics and logs.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithLogger sets the zerolog logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithDebug logs every request and response at debug level.
func WithDebug(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.Debug = enabled
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithPropagators sets the propagators used to inject trace context into
// outgoing requests. Default: TraceContext + Baggage.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.Propagators = p
	}
}
