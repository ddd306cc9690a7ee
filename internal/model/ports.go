package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage (SQLite,
// Redis). Each implementation satisfies one or more of them.

// CandleRepository persists closed candles and serves history.
type CandleRepository interface {
	// SaveCandle durably writes a closed candle. Writing the same
	// (symbol, timeframe, open_time) twice leaves one row.
	SaveCandle(ctx context.Context, c Candle) error

	// LoadRecentCandles returns up to n closed candles, oldest first.
	LoadRecentCandles(ctx context.Context, symbol string, tf Timeframe, n int) ([]Candle, error)
}

// SubscriptionRepository stores per-subscriber symbol settings.
type SubscriptionRepository interface {
	// LoadSubscriptions returns the subscriptions on symbol that have tf
	// enabled, regardless of their notification flag.
	LoadSubscriptions(ctx context.Context, symbol string, tf Timeframe) ([]Subscription, error)

	// ListSubscriptions returns one subscriber's subscriptions.
	ListSubscriptions(ctx context.Context, subscriber int64) ([]Subscription, error)

	// GetSubscription returns ErrNotFound when the pair does not exist.
	GetSubscription(ctx context.Context, subscriber int64, symbol string) (Subscription, error)

	SaveSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, subscriber int64, symbol string) error

	// ActiveStreams returns every (symbol, timeframe) some subscriber enabled.
	ActiveStreams(ctx context.Context) ([]SeriesKey, error)
}

// SignalRepository is the append-only signal history.
type SignalRepository interface {
	RecordSignalEvent(ctx context.Context, e SignalEvent) error

	// LastSignalTime returns the time of the newest matching event and
	// false when none exists.
	LastSignalTime(ctx context.Context, subscriber int64, symbol string, tf Timeframe, typ SignalType) (time.Time, bool, error)

	// RecentSignals returns up to limit events for subscriber, newest first.
	RecentSignals(ctx context.Context, subscriber int64, limit int) ([]SignalEvent, error)
}

// RecipientRepository tracks recipients the channel has refused.
type RecipientRepository interface {
	MarkInactive(ctx context.Context, recipient int64, reason string) error
	IsInactive(ctx context.Context, recipient int64) (bool, error)
	Reactivate(ctx context.Context, recipient int64) error
}

// SnapshotStore reads and writes indicator engine snapshots as raw JSON.
// Using []byte avoids a model→indicator→model import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}
