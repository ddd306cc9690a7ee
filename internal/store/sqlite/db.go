// Package sqlite is the durable store: closed candles, subscriptions,
// signal history, refused recipients and indicator engine snapshots.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/signals.db"
}

// DB is a single-connection SQLite handle. WAL mode lets readers proceed
// while the one writer commits.
type DB struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens the database with WAL mode and creates the schema.
func Open(cfg Config, log *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.With("component", "sqlite")
	log.Info("opened database", "path", cfg.DBPath)
	return &DB{db: db, log: log}, nil
}

// SQL returns the underlying sql.DB for health checks.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol       TEXT    NOT NULL,
			timeframe    TEXT    NOT NULL,
			open_time    INTEGER NOT NULL,
			close_time   INTEGER NOT NULL,
			open         TEXT    NOT NULL,
			high         TEXT    NOT NULL,
			low          TEXT    NOT NULL,
			close        TEXT    NOT NULL,
			volume       TEXT    NOT NULL,
			quote_volume TEXT    NOT NULL,
			trade_count  INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe, open_time)
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber    INTEGER NOT NULL,
			symbol        TEXT    NOT NULL,
			timeframes    TEXT    NOT NULL,
			notifications INTEGER NOT NULL DEFAULT 1,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (subscriber, symbol)
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_symbol ON subscriptions (symbol);

		CREATE TABLE IF NOT EXISTS signal_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			subscriber  INTEGER NOT NULL,
			symbol      TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			signal_type TEXT    NOT NULL,
			value       REAL    NOT NULL,
			price       TEXT    NOT NULL,
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signal_history_lookup
			ON signal_history (subscriber, symbol, timeframe, signal_type, at);

		CREATE TABLE IF NOT EXISTS inactive_recipients (
			recipient INTEGER PRIMARY KEY,
			reason    TEXT    NOT NULL,
			at        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS indicator_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}
