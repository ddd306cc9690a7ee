// Package redis is the fast cache tier: bounded per-series candle windows,
// the indicator engine snapshot and live indicator publication. Every call
// goes through a circuit breaker so a Redis outage degrades reads to the
// durable store instead of stalling the tick path.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis client.
type Config struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	KeyPrefix string // namespace for every key, e.g. "cs:"

	BreakerFailures int           // consecutive failures before opening
	BreakerReset    time.Duration // open duration before a trial call
}

// Client wraps a go-redis client with a circuit breaker.
type Client struct {
	rdb    *goredis.Client
	cb     *CircuitBreaker
	prefix string
	log    *slog.Logger
}

// New creates a Redis client and pings the server.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	c := newClient(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c.log.Info("connected", "addr", cfg.Addr)
	return c, nil
}

func newClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	log = log.With("component", "redis")
	cb := NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset)
	cb.OnStateChange = func(from, to State) {
		log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
	}
	return &Client{
		rdb: goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		cb:     cb,
		prefix: cfg.KeyPrefix,
		log:    log,
	}
}

// Breaker exposes the circuit breaker for metrics hooks.
func (c *Client) Breaker() *CircuitBreaker { return c.cb }

// Ping checks connectivity for health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.cb.Execute(func() error { return c.rdb.Ping(ctx).Err() })
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}
