package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const keepSnapshots = 10

// SaveSnapshotJSON saves an indicator engine snapshot and prunes old ones.
func (d *DB) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO indicator_snapshots (data, created_at) VALUES (?, ?)`, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	// Prune old snapshots, keep the newest few
	_, err = d.db.ExecContext(ctx, `
		DELETE FROM indicator_snapshots
		WHERE id NOT IN (SELECT id FROM indicator_snapshots ORDER BY id DESC LIMIT ?)
	`, keepSnapshots)
	if err != nil {
		d.log.Warn("prune snapshots failed", "error", err)
	}
	return nil
}

// ReadLatestSnapshotJSON loads the most recent snapshot; nil, nil if none.
func (d *DB) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	var data string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM indicator_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // no snapshot
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}
