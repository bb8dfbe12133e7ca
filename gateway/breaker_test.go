package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, uint32(1), cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(20), cfg.FailureThreshold)
	assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	assert.Nil(t, cfg.Store)
}

func TestDistributedBreakerConfig(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb)

	cfg := DistributedBreakerConfig(store)

	assert.Equal(t, store, cfg.Store)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
}

func TestBreakerConfig_ReadyToTrip(t *testing.T) {
	tests := []struct {
		name   string
		counts gobreaker.Counts
		want   bool
	}{
		{
			name:   "given consecutive failures reached, then trips below threshold",
			counts: gobreaker.Counts{Requests: 5, TotalFailures: 5, ConsecutiveFailures: 5},
			want:   true,
		},
		{
			name:   "given few requests, then does not trip on ratio",
			counts: gobreaker.Counts{Requests: 4, TotalFailures: 3, ConsecutiveFailures: 1},
			want:   false,
		},
		{
			name:   "given threshold and ratio reached, then trips",
			counts: gobreaker.Counts{Requests: 20, TotalFailures: 10, ConsecutiveFailures: 1},
			want:   true,
		},
		{
			name:   "given threshold reached below ratio, then does not trip",
			counts: gobreaker.Counts{Requests: 20, TotalFailures: 9, ConsecutiveFailures: 1},
			want:   false,
		},
	}

	cfg := DefaultBreakerConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.readyToTrip(tt.counts))
		})
	}
}

func TestBreakerSuccessful(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "given nil, then success", err: nil, want: true},
		{name: "given canceled call, then success", err: context.Canceled, want: true},
		{name: "given 404, then success", err: &BadResponseError{Status: http.StatusNotFound}, want: true},
		{name: "given 503, then failure", err: &BadResponseError{Status: http.StatusServiceUnavailable}, want: false},
		{name: "given timeout, then failure", err: context.DeadlineExceeded, want: false},
		{name: "given other error, then failure", err: errors.New("reset"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, breakerSuccessful(tt.err))
		})
	}
}

func TestGateway_Breaker(t *testing.T) {
	newStore := func(t *testing.T) gobreaker.SharedDataStore {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}

	tests := []struct {
		name  string
		store func(t *testing.T) gobreaker.SharedDataStore
	}{
		{
			name:  "given local breaker, then opens after consecutive server errors",
			store: func(*testing.T) gobreaker.SharedDataStore { return nil },
		},
		{
			name:  "given redis backed breaker, then opens after consecutive server errors",
			store: newStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer server.Close()

			var transitions []gobreaker.State
			bc := DefaultBreakerConfig()
			bc.ConsecutiveFailures = 2
			bc.Timeout = time.Minute
			bc.Store = tt.store(t)
			bc.OnStateChange = func(_ string, _, to gobreaker.State) {
				transitions = append(transitions, to)
			}

			gw := newTestGateway(t, server.URL,
				WithServiceName("breaker-test"),
				WithBreakerConfig(bc),
			)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				_, err := gw.Get(ctx, "/", nil)
				var badResp *BadResponseError
				require.True(t, errors.As(err, &badResp))
			}

			_, err := gw.Get(ctx, "/", nil)

			require.ErrorIs(t, err, ErrBadGateway)
			require.ErrorIs(t, err, gobreaker.ErrOpenState)
			var gwErr *GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, KindCircuitOpen, gwErr.Kind)
			assert.Equal(t, ActionBadGateway, gwErr.Action)
			assert.Equal(t, int32(2), hits.Load())
			if bc.Store == nil {
				assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
			}
		})
	}
}
