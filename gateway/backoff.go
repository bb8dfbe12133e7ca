package gateway

import (
	"github.com/cenkalti/backoff/v5"
)

// ExponentialBackOffFromConfig creates a cenkalti/backoff ExponentialBackOff
// from a RetryConfig. Jitter is always applied; a non-positive JitterFactor
// falls back to DefaultJitterFactor.
func ExponentialBackOffFromConfig(cfg RetryConfig) *backoff.ExponentialBackOff {
	jitterFactor := cfg.JitterFactor
	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}

	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: jitterFactor,
		Multiplier:          multiplier,
		MaxInterval:         cfg.MaxInterval,
	}
	b.Reset()
	return b
}

// newBackOff returns a backoff owned by one call.
func (cfg *internalConfig) newBackOff() backoff.BackOff {
	if cfg.RetryBackOff != nil {
		if b := cfg.RetryBackOff(); b != nil {
			b.Reset()
			return b
		}
	}
	return ExponentialBackOffFromConfig(cfg.RetryConfig)
}
