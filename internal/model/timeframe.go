package model

import (
	"fmt"
	"time"
)

// Timeframe is an exchange kline interval such as "1m" or "4h".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
)

var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF3d:  72 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates s against the supported intervals.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is a supported interval.
func (tf Timeframe) Valid() bool {
	_, ok := tfDurations[tf]
	return ok
}

// Duration returns the bucket length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Millis returns the bucket length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration().Milliseconds()
}

// Align returns the bucket open time containing ts (epoch ms).
// Weekly buckets start on Monday 00:00 UTC like the exchange does.
func (tf Timeframe) Align(ts int64) int64 {
	ms := tf.Millis()
	if ms == 0 {
		return ts
	}
	if tf == TF1w {
		// 1970-01-01 was a Thursday; shift so buckets start on Monday.
		const offset = 4 * 24 * 60 * 60 * 1000
		return ts - (ts+offset)%ms
	}
	return ts - ts%ms
}

func (tf Timeframe) String() string { return string(tf) }
