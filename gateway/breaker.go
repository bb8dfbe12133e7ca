package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis, so that every
// instance talking to the same upstream shares one breaker state.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	gw, err := gateway.New(uri,
//	    gateway.WithServiceName("billing"),
//	    gateway.WithBreakerConfig(gateway.DistributedBreakerConfig(gateway.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker matches both gobreaker breaker flavors.
type CircuitBreaker interface {
	Execute(req func() (any, error)) (any, error)
}

// BreakerConfig holds the configuration for the circuit breaker.
//
// The breaker wraps every attempt, so a call retried three times counts as
// three requests. Bad responses below 500 and cancelled calls are not
// failures.
type BreakerConfig struct {
	// MaxRequests is the number of requests let through while half-open.
	// If 0, the circuit breaker allows 1 request.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which the
	// counts are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is the period of the open state, after which the breaker
	// becomes half-open. gobreaker defaults it to 60s if 0.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the breaker
	// may trip.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio trips the breaker when failures/requests reaches it.
	// Default: 0.5
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in a
	// row. If 0, this rule is disabled.
	// Default: 5
	ConsecutiveFailures uint32

	// Store shares breaker state between instances. If nil, the breaker is
	// local to the process.
	Store gobreaker.SharedDataStore

	// OnStateChange is invoked when the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker that trips after 5
// consecutive failures, or at 50% failures over at least 20 requests, and
// probes again after 10s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// readyToTrip builds the gobreaker trip predicate.
func (c BreakerConfig) readyToTrip(counts gobreaker.Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}
	if c.FailureThreshold > 0 && counts.Requests < c.FailureThreshold {
		return false
	}
	if c.FailureRatio > 0 && counts.Requests > 0 {
		ratio := float64(counts.TotalFailures) / float64(counts.Requests)
		return ratio >= c.FailureRatio
	}
	return false
}

// breakerSuccessful reports whether an attempt outcome counts as a success
// for the breaker.
func breakerSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var badResp *BadResponseError
	if errors.As(err, &badResp) {
		return badResp.Status < 500
	}
	return false
}

// newCircuitBreaker creates the breaker for a gateway, or nil when the
// breaker is disabled.
func newCircuitBreaker(cfg *internalConfig, name string) CircuitBreaker {
	bc := cfg.BreakerConfig
	if bc == nil {
		return nil
	}

	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  bc.MaxRequests,
		Interval:     bc.Interval,
		Timeout:      bc.Timeout,
		ReadyToTrip:  bc.readyToTrip,
		IsSuccessful: breakerSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Metrics.recordBreakerState(context.Background(), name, int64(to))
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("gateway circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[any](bc.Store, st)
		if err == nil {
			return dcb
		}
		// A local breaker still protects this process.
		cfg.Logger.Error().Err(err).
			Str("breaker", name).
			Msg("gateway distributed circuit breaker unavailable, using local breaker")
	}

	return gobreaker.NewCircuitBreaker[any](st)
}
