package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
	"cryptosignal/internal/stream"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// IndicatorView is the latest closed-candle snapshot of a series and, when
// a candle is forming, its live values.
type IndicatorView struct {
	Closed *indicator.Snapshot `json:"closed,omitempty"`
	Live   *indicator.Snapshot `json:"live,omitempty"`
}

// CurrentIndicatorSnapshot returns the indicator view of symbol on tf, or
// model.ErrNotFound when the series has no data yet.
func (s *Service) CurrentIndicatorSnapshot(symbol string, tf model.Timeframe) (IndicatorView, error) {
	if !tf.Valid() {
		return IndicatorView{}, model.ErrUnknownTimeframe
	}
	key := model.SeriesKey{Symbol: normalizeSymbol(symbol), Timeframe: tf}

	var view IndicatorView
	if snap, ok := s.engine.Current(key); ok {
		view.Closed = &snap
	}
	if c, ok := s.store.Current(key); ok {
		snap := s.engine.Peek(c)
		view.Live = &snap
	}
	if view.Closed == nil && view.Live == nil {
		return IndicatorView{}, model.ErrNotFound
	}
	return view, nil
}

// RecentSignalHistory returns a subscriber's latest signals, newest first.
func (s *Service) RecentSignalHistory(ctx context.Context, subscriber int64, limit int) ([]model.SignalEvent, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.deps.Signals.RecentSignals(ctx, subscriber, limit)
}

// Subscriptions lists a subscriber's symbols.
func (s *Service) Subscriptions(ctx context.Context, subscriber int64) ([]model.Subscription, error) {
	return s.subs.ListSubscriptions(ctx, subscriber)
}

// SetSubscription replaces the timeframes a subscriber watches on symbol,
// creating the subscription when needed, and adjusts the stream set.
func (s *Service) SetSubscription(ctx context.Context, subscriber int64, symbol string, tfs []model.Timeframe) (model.Subscription, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return model.Subscription{}, fmt.Errorf("%w: empty symbol", model.ErrDataValidation)
	}
	if len(tfs) == 0 {
		return model.Subscription{}, model.ErrLastTimeframe
	}
	for _, tf := range tfs {
		if !tf.Valid() {
			return model.Subscription{}, fmt.Errorf("%w: %q", model.ErrUnknownTimeframe, tf)
		}
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, err := s.subs.GetSubscription(ctx, subscriber, symbol)
	switch {
	case errors.Is(err, model.ErrNotFound):
		sub = model.NewSubscription(subscriber, symbol, tfs...)
	case err != nil:
		return model.Subscription{}, err
	default:
		sub.Timeframes = make(map[model.Timeframe]bool, len(tfs))
		for _, tf := range tfs {
			sub.Timeframes[tf] = true
		}
	}
	if err := s.save(ctx, &sub); err != nil {
		return model.Subscription{}, err
	}
	return sub, s.applyLocked(ctx, subscriber, symbol, sub.Enabled())
}

// ToggleTimeframe flips tf for a subscriber's symbol and returns its new
// state. A missing subscription is created with tf enabled. Turning off the
// last timeframe fails with model.ErrLastTimeframe.
func (s *Service) ToggleTimeframe(ctx context.Context, subscriber int64, symbol string, tf model.Timeframe) (bool, error) {
	symbol = normalizeSymbol(symbol)
	if !tf.Valid() {
		return false, model.ErrUnknownTimeframe
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, err := s.subs.GetSubscription(ctx, subscriber, symbol)
	if errors.Is(err, model.ErrNotFound) {
		sub = model.NewSubscription(subscriber, symbol)
	} else if err != nil {
		return false, err
	}
	on, err := sub.Toggle(tf)
	if err != nil {
		return false, err
	}
	if err := s.save(ctx, &sub); err != nil {
		return false, err
	}
	return on, s.applyLocked(ctx, subscriber, symbol, sub.Enabled())
}

// SetNotificationsEnabled mutes or unmutes a subscription. Streams keep
// running while muted so indicators stay warm.
func (s *Service) SetNotificationsEnabled(ctx context.Context, subscriber int64, symbol string, enabled bool) error {
	symbol = normalizeSymbol(symbol)

	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, err := s.subs.GetSubscription(ctx, subscriber, symbol)
	if err != nil {
		return err
	}
	sub.NotificationsEnabled = enabled
	return s.save(ctx, &sub)
}

// RemoveSubscription deletes a subscription and releases its streams.
func (s *Service) RemoveSubscription(ctx context.Context, subscriber int64, symbol string) error {
	symbol = normalizeSymbol(symbol)

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if err := s.subs.DeleteSubscription(ctx, subscriber, symbol); err != nil {
		return err
	}
	return s.releaseLocked(ctx, s.registry.Remove(subscriber, symbol))
}

// save stamps and stores sub. Any explicit change from a subscriber also
// lifts an earlier inactive mark, since the subscriber is evidently back.
func (s *Service) save(ctx context.Context, sub *model.Subscription) error {
	sub.UpdatedAt = s.now().UTC()
	if err := s.subs.SaveSubscription(ctx, *sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	if err := s.deps.Recipients.Reactivate(ctx, sub.SubscriberID); err != nil {
		s.log.Warn("reactivate recipient failed", "recipient", sub.SubscriberID, "error", err)
	}
	return nil
}

// applyLocked updates the registry and opens or releases the series whose
// owner count crossed zero. Opened series are primed and backfilled before
// the stream subscription so the first ticks land on warm state.
func (s *Service) applyLocked(ctx context.Context, subscriber int64, symbol string, tfs []model.Timeframe) error {
	opened, closed := s.registry.Set(subscriber, symbol, tfs)
	if len(opened) == 0 && len(closed) == 0 {
		return nil
	}
	defer s.seriesChanged()

	errs := []error{s.releaseLocked(ctx, closed)}
	if len(opened) > 0 {
		names := make([]string, len(opened))
		for i, key := range opened {
			if err := s.store.Prime(ctx, key); err != nil {
				s.log.Warn("candle cache prime failed", "key", key.String(), "error", err)
			}
			names[i] = stream.StreamKey(key)
		}
		s.engine.Backfill(ctx, s.deps.Candles, opened, s.cfg.BackfillDepth, s.log)
		if err := s.conn.Subscribe(ctx, names...); err != nil {
			errs = append(errs, fmt.Errorf("subscribe: %w", err))
		}
	}
	return errors.Join(errs...)
}

// releaseLocked unsubscribes series that lost their last owner and frees
// their candle and indicator state. While the shards run the state is freed
// on the series' shard, behind any tick already queued for it.
func (s *Service) releaseLocked(ctx context.Context, closed []model.SeriesKey) error {
	if len(closed) == 0 {
		return nil
	}
	defer s.seriesChanged()

	names := make([]string, len(closed))
	for i, key := range closed {
		names[i] = stream.StreamKey(key)
	}
	var err error
	if uerr := s.conn.Unsubscribe(ctx, names...); uerr != nil {
		err = fmt.Errorf("unsubscribe: %w", uerr)
	}
	for _, key := range closed {
		if s.running {
			s.submit(ctx, work{release: true, key: key})
		} else {
			s.release(key)
		}
	}
	return err
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
