package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kroma-labs/sentinel-gateway/example/gateway/internal/config"
	"github.com/kroma-labs/sentinel-gateway/gateway"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client probes the upstream through a Sentinel gateway.
type Client struct {
	gw     *gateway.Gateway
	redis  *redis.Client
	logger zerolog.Logger
}

// User is the payload served by the upstream.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// New creates a gateway to the configured upstream. With a Redis address
// the circuit breaker state is shared with every other probe instance.
func New(cfg config.Config, logger zerolog.Logger) (*Client, error) {
	breaker := gateway.DefaultBreakerConfig()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		breaker = gateway.DistributedBreakerConfig(gateway.NewRedisStore(rdb))
	}

	gw, err := gateway.New(cfg.UpstreamURI,
		gateway.WithConfig(gateway.LowLatencyConfig()),
		gateway.WithServiceName(cfg.ServiceName),
		gateway.WithHeader(map[string]string{"User-Agent": config.ServiceName + "/" + config.ServiceVersion}),
		gateway.WithBreakerConfig(breaker),
		gateway.WithRateLimit(gateway.DefaultRateLimitConfig()),
		gateway.WithLogger(logger),
		gateway.WithDebug(cfg.Debug),
	)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}

	return &Client{gw: gw, redis: rdb, logger: logger}, nil
}

// GetUser fetches one user. A 404 is reported as (nil, nil).
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	resp, err := c.gw.Get(ctx, "/users/"+id, nil,
		gateway.WithValidResponses(gateway.Success, gateway.Status(http.StatusNotFound)),
	)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	var u User
	if err := resp.DecodeJSON(&u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &u, nil
}

// CreateUser posts a user as JSON. POST is never retried.
func (c *Client) CreateUser(ctx context.Context, u User) error {
	_, err := c.gw.Post(ctx, "/users", gateway.JSON{V: u}, nil)
	return err
}

// GetUsers fetches several users over one pipelined connection.
func (c *Client) GetUsers(ctx context.Context, ids ...string) ([]User, error) {
	reqs := make([]*gateway.Request, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, &gateway.Request{Method: http.MethodGet, Path: "/users/" + id})
	}

	users := make([]User, 0, len(ids))
	var decodeErr error
	_, err := c.gw.Pipeline(ctx, reqs, func(resp *gateway.Response) {
		var u User
		if err := resp.DecodeJSON(&u); err != nil {
			decodeErr = errors.Join(decodeErr, fmt.Errorf("decode %s: %w", resp.URL, err))
			return
		}
		users = append(users, u)
	})
	if err != nil {
		return users, err
	}
	return users, decodeErr
}

// Close releases the gateway and the Redis client.
func (c *Client) Close() error {
	err := c.gw.Close()
	if c.redis != nil {
		err = errors.Join(err, c.redis.Close())
	}
	return err
}
