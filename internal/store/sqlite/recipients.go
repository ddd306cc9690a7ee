package sqlite

import (
	"context"
	"fmt"
	"time"
)

// MarkInactive records that the delivery channel refused recipient.
func (d *DB) MarkInactive(ctx context.Context, recipient int64, reason string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO inactive_recipients (recipient, reason, at) VALUES (?, ?, ?)
	`, recipient, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite mark inactive: %w", err)
	}
	return nil
}

func (d *DB) IsInactive(ctx context.Context, recipient int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inactive_recipients WHERE recipient = ?`, recipient).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite is inactive: %w", err)
	}
	return n > 0, nil
}

// Reactivate clears the inactive mark, e.g. once the user talks to the bot again.
func (d *DB) Reactivate(ctx context.Context, recipient int64) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM inactive_recipients WHERE recipient = ?`, recipient); err != nil {
		return fmt.Errorf("sqlite reactivate: %w", err)
	}
	return nil
}
