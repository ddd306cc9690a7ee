package pipeline

import (
	"context"
	"sync"

	"cryptosignal/internal/model"
)

// subCache memoizes LoadSubscriptions per series so evaluating every live
// tick does not hit the database. Writes made through it drop the cached
// entries of the symbol they touch. All subscription writes go through the
// service, so the cache never serves a stale list.
type subCache struct {
	model.SubscriptionRepository

	mu       sync.Mutex
	gen      uint64 // bumped on every write; a load that raced one is not kept
	bySeries map[model.SeriesKey][]model.Subscription
}

func newSubCache(repo model.SubscriptionRepository) *subCache {
	return &subCache{
		SubscriptionRepository: repo,
		bySeries:               make(map[model.SeriesKey][]model.Subscription),
	}
}

func (c *subCache) LoadSubscriptions(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Subscription, error) {
	key := model.SeriesKey{Symbol: symbol, Timeframe: tf}
	c.mu.Lock()
	subs, ok := c.bySeries[key]
	gen := c.gen
	c.mu.Unlock()
	if ok {
		return subs, nil
	}

	subs, err := c.SubscriptionRepository.LoadSubscriptions(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.bySeries[key] = subs
	}
	c.mu.Unlock()
	return subs, nil
}

func (c *subCache) SaveSubscription(ctx context.Context, s model.Subscription) error {
	defer c.invalidate(s.Symbol)
	return c.SubscriptionRepository.SaveSubscription(ctx, s)
}

func (c *subCache) DeleteSubscription(ctx context.Context, subscriber int64, symbol string) error {
	defer c.invalidate(symbol)
	return c.SubscriptionRepository.DeleteSubscription(ctx, subscriber, symbol)
}

func (c *subCache) invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.bySeries {
		if key.Symbol == symbol {
			delete(c.bySeries, key)
		}
	}
}
