package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cryptosignal/internal/model"
)

const (
	snapshotTTL  = 24 * time.Hour
	indicatorTTL = 30 * time.Minute
)

// SnapshotStore keeps the latest indicator engine snapshot under one key.
// It satisfies model.SnapshotStore.
type SnapshotStore struct {
	c *Client
}

// NewSnapshotStore creates a snapshot store on c.
func NewSnapshotStore(c *Client) *SnapshotStore { return &SnapshotStore{c: c} }

// SaveSnapshotJSON stores data with a TTL of 24h (snapshots are also in
// SQLite for durability).
func (s *SnapshotStore) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	k := s.c.key("indicator", "snapshot")
	return s.c.cb.Execute(func() error {
		if err := s.c.rdb.Set(ctx, k, data, snapshotTTL).Err(); err != nil {
			return fmt.Errorf("redis set snapshot: %w", err)
		}
		return nil
	})
}

// ReadLatestSnapshotJSON returns nil, nil when no snapshot exists.
func (s *SnapshotStore) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	k := s.c.key("indicator", "snapshot")
	var data []byte
	err := s.c.cb.Execute(func() error {
		b, err := s.c.rdb.Get(ctx, k).Bytes()
		if err == goredis.Nil {
			return nil // no snapshot found
		}
		if err != nil {
			return fmt.Errorf("redis get snapshot: %w", err)
		}
		data = b
		return nil
	})
	return data, err
}

// IndicatorPublisher stores the latest indicator view per series and
// publishes every update on a per-series channel for live consumers.
type IndicatorPublisher struct {
	c *Client
}

// NewIndicatorPublisher creates a publisher on c.
func NewIndicatorPublisher(c *Client) *IndicatorPublisher { return &IndicatorPublisher{c: c} }

// Channel returns the pub/sub channel for key.
func (p *IndicatorPublisher) Channel(key model.SeriesKey) string {
	return p.c.key("pub", "ind", key.Symbol, string(key.Timeframe))
}

// Publish writes data as the latest view of key (closed updates only) and
// publishes it. Live previews are published without touching the latest key.
func (p *IndicatorPublisher) Publish(ctx context.Context, key model.SeriesKey, live bool, data []byte) error {
	latest := p.c.key("ind", "latest", key.Symbol, string(key.Timeframe))
	ch := p.Channel(key)
	return p.c.cb.Execute(func() error {
		pipe := p.c.rdb.Pipeline()
		if !live {
			pipe.Set(ctx, latest, data, indicatorTTL)
		}
		pipe.Publish(ctx, ch, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis publish indicators %s: %w", key, err)
		}
		return nil
	})
}

// Subscribe returns a pub/sub handle on the channel for key.
func (p *IndicatorPublisher) Subscribe(ctx context.Context, key model.SeriesKey) *goredis.PubSub {
	return p.c.rdb.Subscribe(ctx, p.Channel(key))
}
