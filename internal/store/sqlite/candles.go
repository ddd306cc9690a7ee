package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// SaveCandle upserts a closed candle keyed by (symbol, timeframe, open_time).
func (d *DB) SaveCandle(ctx context.Context, c model.Candle) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candles
			(symbol, timeframe, open_time, close_time, open, high, low, close, volume, quote_volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Symbol, string(c.Timeframe), c.OpenTime, c.CloseTime,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.QuoteVolume.String(), c.TradeCount)
	if err != nil {
		return fmt.Errorf("sqlite insert candle: %w", err)
	}
	return nil
}

// LoadRecentCandles returns the newest n candles ordered oldest first.
func (d *DB) LoadRecentCandles(ctx context.Context, symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trade_count
		FROM (
			SELECT * FROM candles
			WHERE symbol = ? AND timeframe = ?
			ORDER BY open_time DESC
			LIMIT ?
		)
		ORDER BY open_time ASC
	`, symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: symbol, Timeframe: tf, Closed: true}
		var o, h, l, cl, v, qv string
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &o, &h, &l, &cl, &v, &qv, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		if err := parseDecimals([]string{o, h, l, cl, v, qv},
			[]*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.QuoteVolume}); err != nil {
			return nil, fmt.Errorf("sqlite candle %s@%d: %w", symbol, c.OpenTime, err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}
