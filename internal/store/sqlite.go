// Package store keeps the relay inbox, the account settings and the posting
// ledger in one sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.io/infrasutra/listingrelay/internal/secrets"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	box *secrets.Box
}

// Open opens the database at path. An empty path opens a private in-memory
// database. box seals account secrets and may be nil when no account
// secrets are read or written.
func Open(ctx context.Context, path string, box *secrets.Box) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes ledger appends and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	return &Store{db: db, box: box}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            mailbox_address TEXT NOT NULL DEFAULT '',
            mailbox_password TEXT NOT NULL DEFAULT '',
            composer_key TEXT NOT NULL DEFAULT '',
            publisher_token TEXT NOT NULL DEFAULT '',
            channel_ref TEXT NOT NULL DEFAULT '',
            channel_id INTEGER NOT NULL DEFAULT 0,
            language TEXT NOT NULL DEFAULT 'ru',
            markup_eur INTEGER NOT NULL DEFAULT 0,
            auto_publish INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS relay_messages (
            id TEXT PRIMARY KEY,
            sender TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            text_body TEXT,
            html_body TEXT,
            raw BLOB NOT NULL,
            received_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS deliveries (
            message_id TEXT NOT NULL REFERENCES relay_messages(id) ON DELETE CASCADE,
            mailbox TEXT NOT NULL,
            kind TEXT NOT NULL,
            seen_at INTEGER,
            PRIMARY KEY (message_id, mailbox, kind)
        );`,
		`CREATE TABLE IF NOT EXISTS relay_attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id TEXT NOT NULL REFERENCES relay_messages(id) ON DELETE CASCADE,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS posting_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id TEXT NOT NULL,
            message_id TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL DEFAULT '',
            source_url TEXT NOT NULL DEFAULT '',
            raw_price INTEGER,
            final_price INTEGER,
            published INTEGER NOT NULL DEFAULT 0,
            published_at INTEGER,
            error TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_mailbox ON accounts(mailbox_address);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_unseen ON deliveries(mailbox, seen_at);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_received ON relay_messages(received_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_posting_log_account_created ON posting_log(account_id, created_at, id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
