package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cryptosignal/internal/model"
)

// RecordSignalEvent appends e to the signal history.
func (d *DB) RecordSignalEvent(ctx context.Context, e model.SignalEvent) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO signal_history (subscriber, symbol, timeframe, signal_type, value, price, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SubscriberID, e.Symbol, string(e.Timeframe), string(e.Type), e.Value, e.Price, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite record signal: %w", err)
	}
	return nil
}

// LastSignalTime returns the newest event time for the tuple.
func (d *DB) LastSignalTime(ctx context.Context, subscriber int64, symbol string, tf model.Timeframe, typ model.SignalType) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT MAX(at) FROM signal_history
		WHERE subscriber = ? AND symbol = ? AND timeframe = ? AND signal_type = ?
	`, subscriber, symbol, string(tf), string(typ)).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite last signal: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// RecentSignals returns up to limit events for subscriber, newest first.
func (d *DB) RecentSignals(ctx context.Context, subscriber int64, limit int) ([]model.SignalEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT subscriber, symbol, timeframe, signal_type, value, price, at
		FROM signal_history
		WHERE subscriber = ?
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, subscriber, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var events []model.SignalEvent
	for rows.Next() {
		var (
			e      model.SignalEvent
			tf, st string
			ms     int64
		)
		if err := rows.Scan(&e.SubscriberID, &e.Symbol, &tf, &st, &e.Value, &e.Price, &ms); err != nil {
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		e.Timeframe = model.Timeframe(tf)
		e.Type = model.SignalType(st)
		e.At = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneSignals deletes history older than before. Returns rows removed.
func (d *DB) PruneSignals(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM signal_history WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune signals: %w", err)
	}
	return res.RowsAffected()
}
