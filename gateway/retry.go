package gateway

import (
	"time"
)

// RetryConfig holds the retry budget of a Gateway.
//
// Whether an error is retried at all is decided by the classifier rules and
// by the idempotency of the request. RetryConfig only bounds how often and
// how long the gateway keeps trying once a rule said "retry".
//
// Example:
//
//	rc := gateway.DefaultRetryConfig()
//	rc.MaxRetries = 5
//
//	gw, err := gateway.New(uri, gateway.WithRetryConfig(rc))
type RetryConfig struct {
	// MaxRetries is the maximum number of retries after the first attempt.
	// Set to 0 to disable retries.
	// Default: 3
	MaxRetries uint

	// InitialInterval is the wait before the first retry.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval caps a single wait.
	// Default: 5s
	MaxInterval time.Duration

	// MaxElapsedTime bounds the whole retry sequence. Zero means only
	// MaxRetries applies.
	// Default: 30s
	MaxElapsedTime time.Duration

	// Multiplier grows the wait between retries.
	// Default: 2.0
	Multiplier float64

	// JitterFactor randomizes each wait by ±JitterFactor.
	// Default: 0.5
	JitterFactor float64
}

// Default values for RetryConfig.
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMaxElapsedTime  = 30 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitterFactor    = 0.5
)

// DefaultRetryConfig returns the retry budget used when none is configured:
// 3 retries, 100ms doubling to at most 5s, within 30s overall.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		MaxElapsedTime:  DefaultMaxElapsedTime,
		Multiplier:      DefaultMultiplier,
		JitterFactor:    DefaultJitterFactor,
	}
}

// ConservativeRetryConfig returns a budget for rate-limited or expensive
// upstreams: a single retry after about one second.
func ConservativeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      1,
		InitialInterval: 1 * time.Second,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	}
}

// NoRetryConfig disables retries for every call of the gateway. Errors
// classified as retry are then reported as terminal failures.
func NoRetryConfig() RetryConfig {
	return RetryConfig{}
}

// IsEnabled returns true if retries are enabled.
func (c RetryConfig) IsEnabled() bool {
	return c.MaxRetries > 0
}
