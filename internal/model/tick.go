package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tick is one kline update from the exchange stream. It carries the running
// state of the bucket starting at OpenTime as of EventTime.
type Tick struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	EventTime   int64           `json:"event_time"`
	OpenTime    int64           `json:"open_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	Closed      bool            `json:"closed"`
}

// Key returns the series this tick updates.
func (t *Tick) Key() SeriesKey {
	return SeriesKey{Symbol: t.Symbol, Timeframe: t.Timeframe}
}

// Validate checks the structural invariants a tick must satisfy before it
// may touch candle state.
func (t *Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrDataValidation)
	case !t.Timeframe.Valid():
		return fmt.Errorf("%w: timeframe %q", ErrDataValidation, t.Timeframe)
	case t.OpenTime < 0 || t.Timeframe.Align(t.OpenTime) != t.OpenTime:
		return fmt.Errorf("%w: open time %d not aligned to %s", ErrDataValidation, t.OpenTime, t.Timeframe)
	case !t.Close.IsPositive() || !t.Open.IsPositive():
		return fmt.Errorf("%w: non-positive price", ErrDataValidation)
	case t.High.LessThan(t.Low):
		return fmt.Errorf("%w: high %s below low %s", ErrDataValidation, t.High, t.Low)
	case t.Volume.IsNegative():
		return fmt.Errorf("%w: negative volume", ErrDataValidation)
	}
	return nil
}
