package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS portfolios (
		user_id TEXT PRIMARY KEY,
		margin_available REAL NOT NULL DEFAULT 0,
		margin_used REAL NOT NULL DEFAULT 0,
		margin_maintenance REAL NOT NULL DEFAULT 0,
		as_of DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		user_id TEXT NOT NULL REFERENCES portfolios(user_id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		quantity REAL NOT NULL,
		average_cost REAL NOT NULL,
		current_price REAL NOT NULL,
		sector TEXT NOT NULL DEFAULT '',
		asset_class TEXT NOT NULL DEFAULT 'other',
		PRIMARY KEY (user_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS alert_thresholds (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		portfolio_id TEXT NOT NULL DEFAULT '',
		metric_type TEXT NOT NULL,
		threshold REAL NOT NULL,
		condition TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		channels TEXT NOT NULL,
		frequency TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_alert_thresholds_user ON alert_thresholds(user_id);

	CREATE TABLE IF NOT EXISTS contacts (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		push_token TEXT NOT NULL DEFAULT ''
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}
