package model

import (
	"sort"
	"time"
)

// Subscription is one subscriber's interest in one symbol.
type Subscription struct {
	SubscriberID         int64              `json:"subscriber_id"`
	Symbol               string             `json:"symbol"`
	Timeframes           map[Timeframe]bool `json:"timeframes"`
	NotificationsEnabled bool               `json:"notifications_enabled"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewSubscription returns an enabled subscription for the given timeframes.
func NewSubscription(subscriber int64, symbol string, tfs ...Timeframe) Subscription {
	s := Subscription{
		SubscriberID:         subscriber,
		Symbol:               symbol,
		Timeframes:           make(map[Timeframe]bool, len(tfs)),
		NotificationsEnabled: true,
	}
	for _, tf := range tfs {
		s.Timeframes[tf] = true
	}
	return s
}

// Enabled returns the enabled timeframes, sorted by duration.
func (s *Subscription) Enabled() []Timeframe {
	out := make([]Timeframe, 0, len(s.Timeframes))
	for tf, on := range s.Timeframes {
		if on {
			out = append(out, tf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}

// Matches reports whether an event on tf should reach this subscriber.
func (s *Subscription) Matches(tf Timeframe) bool {
	return s.NotificationsEnabled && s.Timeframes[tf]
}

// Enable turns tf on.
func (s *Subscription) Enable(tf Timeframe) error {
	if !tf.Valid() {
		return ErrUnknownTimeframe
	}
	if s.Timeframes == nil {
		s.Timeframes = make(map[Timeframe]bool)
	}
	s.Timeframes[tf] = true
	return nil
}

// Disable turns tf off. The last enabled timeframe cannot be disabled.
func (s *Subscription) Disable(tf Timeframe) error {
	if !s.Timeframes[tf] {
		return nil
	}
	if len(s.Enabled()) == 1 {
		return ErrLastTimeframe
	}
	delete(s.Timeframes, tf)
	return nil
}

// Toggle flips tf and returns its new state.
func (s *Subscription) Toggle(tf Timeframe) (bool, error) {
	if s.Timeframes[tf] {
		return false, s.Disable(tf)
	}
	return true, s.Enable(tf)
}
