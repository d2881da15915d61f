package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            account_id INTEGER NOT NULL,
            provider TEXT NOT NULL,
            operation TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            priority INTEGER NOT NULL DEFAULT 1,
            data TEXT,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            last_attempt_at DATETIME,
            completed_at DATETIME,
            next_retry_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS provider_accounts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            provider TEXT NOT NULL,
            provider_account_id TEXT NOT NULL,
            access_token TEXT NOT NULL,
            refresh_token TEXT,
            expires_at DATETIME,
            settings TEXT,
            sync_token TEXT,
            webhook_id TEXT,
            webhook_token TEXT,
            webhook_expires_at DATETIME,
            last_sync_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(user_id, provider, provider_account_id)
        )`,
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            account_id INTEGER NOT NULL,
            provider TEXT NOT NULL,
            calendar_id TEXT NOT NULL,
            provider_event_id TEXT NOT NULL,
            title TEXT,
            description TEXT,
            location TEXT,
            starts_at DATETIME,
            ends_at DATETIME,
            all_day BOOLEAN NOT NULL DEFAULT 0,
            status TEXT,
            attendees TEXT,
            recurrence TEXT,
            etag TEXT,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(account_id, provider_event_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status_priority ON sync_queue(status, priority DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_user_id ON sync_queue(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_completed_at ON sync_queue(completed_at)`,

		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_user_id ON provider_accounts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_last_sync ON provider_accounts(last_sync_at)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_webhook_expiry ON provider_accounts(webhook_expires_at)`,

		`CREATE INDEX IF NOT EXISTS idx_events_account_id ON events(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_id ON events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_starts_at ON events(starts_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
