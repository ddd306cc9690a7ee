package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"cryptosignal/internal/model"
)

// CandleCache keeps the newest closed candles of each series in a Redis list
// trimmed to a fixed length. It satisfies candles.Cache.
type CandleCache struct {
	c    *Client
	size int64
}

// NewCandleCache creates a cache holding size candles per series.
func NewCandleCache(c *Client, size int) *CandleCache {
	return &CandleCache{c: c, size: int64(size)}
}

func (cc *CandleCache) listKey(key model.SeriesKey) string {
	return cc.c.key("candles", key.Symbol, string(key.Timeframe))
}

// Append pushes c and trims the list to the newest size entries (FIFO).
func (cc *CandleCache) Append(ctx context.Context, c model.Candle) error {
	k := cc.listKey(c.Key())
	data := c.JSON()
	return cc.c.cb.Execute(func() error {
		pipe := cc.c.rdb.TxPipeline()
		pipe.RPush(ctx, k, data)
		pipe.LTrim(ctx, k, -cc.size, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis append %s: %w", k, err)
		}
		return nil
	})
}

// Recent returns up to n newest candles, oldest first.
func (cc *CandleCache) Recent(ctx context.Context, key model.SeriesKey, n int) ([]model.Candle, error) {
	k := cc.listKey(key)
	var raw []string
	err := cc.c.cb.Execute(func() error {
		var err error
		raw, err = cc.c.rdb.LRange(ctx, k, -int64(n), -1).Result()
		if err != nil && err != goredis.Nil {
			return fmt.Errorf("redis lrange %s: %w", k, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(raw))
	for _, s := range raw {
		var c model.Candle
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("decode cached candle %s: %w", k, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Replace rewrites the list for key atomically.
func (cc *CandleCache) Replace(ctx context.Context, key model.SeriesKey, cs []model.Candle) error {
	k := cc.listKey(key)
	vals := make([]interface{}, len(cs))
	for i := range cs {
		vals[i] = cs[i].JSON()
	}
	return cc.c.cb.Execute(func() error {
		pipe := cc.c.rdb.TxPipeline()
		pipe.Del(ctx, k)
		if len(vals) > 0 {
			pipe.RPush(ctx, k, vals...)
			pipe.LTrim(ctx, k, -cc.size, -1)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis replace %s: %w", k, err)
		}
		return nil
	})
}
