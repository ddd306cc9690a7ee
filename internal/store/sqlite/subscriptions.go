package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cryptosignal/internal/model"
)

func joinTimeframes(s model.Subscription) string {
	tfs := s.Enabled()
	parts := make([]string, len(tfs))
	for i, tf := range tfs {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ",")
}

func splitTimeframes(raw string) map[model.Timeframe]bool {
	out := make(map[model.Timeframe]bool)
	for _, p := range strings.Split(raw, ",") {
		if tf := model.Timeframe(strings.TrimSpace(p)); tf.Valid() {
			out[tf] = true
		}
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (model.Subscription, error) {
	var (
		s      model.Subscription
		raw    string
		notify int
		ms     int64
	)
	if err := row.Scan(&s.SubscriberID, &s.Symbol, &raw, &notify, &ms); err != nil {
		return s, err
	}
	s.Timeframes = splitTimeframes(raw)
	s.NotificationsEnabled = notify != 0
	s.UpdatedAt = time.UnixMilli(ms).UTC()
	return s, nil
}

func (d *DB) querySubscriptions(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

const subscriptionCols = `subscriber, symbol, timeframes, notifications, updated_at`

// LoadSubscriptions returns subscriptions on symbol with tf enabled.
func (d *DB) LoadSubscriptions(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Subscription, error) {
	all, err := d.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE symbol = ? ORDER BY subscriber`, symbol)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Timeframes[tf] {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListSubscriptions returns every subscription of subscriber.
func (d *DB) ListSubscriptions(ctx context.Context, subscriber int64) ([]model.Subscription, error) {
	return d.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE subscriber = ? ORDER BY symbol`, subscriber)
}

// GetSubscription returns model.ErrNotFound for an unknown pair.
func (d *DB) GetSubscription(ctx context.Context, subscriber int64, symbol string) (model.Subscription, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE subscriber = ? AND symbol = ?`, subscriber, symbol)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, fmt.Errorf("subscription %d/%s: %w", subscriber, symbol, model.ErrNotFound)
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("sqlite get subscription: %w", err)
	}
	return s, nil
}

// SaveSubscription upserts s.
func (d *DB) SaveSubscription(ctx context.Context, s model.Subscription) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	notify := 0
	if s.NotificationsEnabled {
		notify = 1
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscriber, symbol) DO UPDATE SET
			timeframes = excluded.timeframes,
			notifications = excluded.notifications,
			updated_at = excluded.updated_at
	`, s.SubscriberID, s.Symbol, joinTimeframes(s), notify, s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes the pair; deleting a missing pair is not an error.
func (d *DB) DeleteSubscription(ctx context.Context, subscriber int64, symbol string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscriber = ? AND symbol = ?`, subscriber, symbol); err != nil {
		return fmt.Errorf("sqlite delete subscription: %w", err)
	}
	return nil
}

// ActiveStreams returns the distinct (symbol, timeframe) pairs enabled by
// any subscriber, sorted.
func (d *DB) ActiveStreams(ctx context.Context) ([]model.SeriesKey, error) {
	subs, err := d.querySubscriptions(ctx, `SELECT `+subscriptionCols+` FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.SeriesKey]bool)
	for _, s := range subs {
		for tf, on := range s.Timeframes {
			if on {
				seen[model.SeriesKey{Symbol: s.Symbol, Timeframe: tf}] = true
			}
		}
	}
	keys := make([]model.SeriesKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
