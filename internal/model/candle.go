package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies one candle series: a symbol on a timeframe.
type SeriesKey struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// String returns "SYMBOL:tf".
func (k SeriesKey) String() string {
	return k.Symbol + ":" + string(k.Timeframe)
}

// Candle is an OHLCV bar over the half-open interval [OpenTime, CloseTime).
// Times are epoch milliseconds. Prices and volumes are fixed-point decimals.
type Candle struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	Closed      bool            `json:"closed"`
}

// Key returns the series this candle belongs to.
func (c *Candle) Key() SeriesKey {
	return SeriesKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// NewCandle opens a candle for the bucket described by t.
func NewCandle(t Tick) Candle {
	return Candle{
		Symbol:      t.Symbol,
		Timeframe:   t.Timeframe,
		OpenTime:    t.OpenTime,
		CloseTime:   t.OpenTime + t.Timeframe.Millis(),
		Open:        t.Open,
		High:        t.High,
		Low:         t.Low,
		Close:       t.Close,
		Volume:      t.Volume,
		QuoteVolume: t.QuoteVolume,
		TradeCount:  t.TradeCount,
	}
}
