// Package pgledger is the Postgres implementation of the posting ledger,
// used when several relay instances share one history.
package pgledger

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.io/infrasutra/listingrelay/internal/store"
)

const table = "posting_log"

var columns = []string{
	"id",
	"account_id",
	"message_id",
	"subject",
	"title",
	"source_url",
	"raw_price",
	"final_price",
	"published",
	"published_at",
	"error",
	"created_at",
}

type Ledger struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func New(db *pgxpool.Pool) *Ledger {
	return &Ledger{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return pool, nil
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS posting_log (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			source_url TEXT NOT NULL DEFAULT '',
			raw_price INTEGER,
			final_price INTEGER,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			published_at TIMESTAMPTZ,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posting_log_account_created ON posting_log (account_id, created_at DESC, id DESC)`,
	}
	for _, statement := range statements {
		if _, err := l.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

func (l *Ledger) Append(ctx context.Context, entry store.LedgerEntry) (store.LedgerEntry, error) {
	if entry.AccountID == "" {
		return store.LedgerEntry{}, fmt.Errorf("account_id is empty")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var errText *string
	if entry.Error != "" {
		errText = &entry.Error
	}

	query := l.sb.
		Insert(table).
		Columns(columns[1:]...).
		Values(
			entry.AccountID,
			entry.MessageID,
			entry.Subject,
			entry.Title,
			entry.SourceURL,
			entry.RawPrice,
			entry.FinalPrice,
			entry.Published,
			entry.PublishedAt,
			errText,
			entry.CreatedAt,
		).
		Suffix("RETURNING id")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return store.LedgerEntry{}, fmt.Errorf("build append posting sql: %w", err)
	}
	if err := l.db.QueryRow(ctx, sqlStr, args...).Scan(&entry.ID); err != nil {
		return store.LedgerEntry{}, fmt.Errorf("append posting: %w", err)
	}
	return entry, nil
}

func (l *Ledger) List(ctx context.Context, accountID string, opts store.ListOptions) ([]store.LedgerEntry, int32, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	countSQL, countArgs, err := l.sb.Select("COUNT(1)").From(table).Where(sq.Eq{"account_id": accountID}).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count postings sql: %w", err)
	}
	var total int64
	if err := l.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count postings: %w", err)
	}

	order := []string{"created_at DESC", "id DESC"}
	switch opts.Sort {
	case "oldest", "asc":
		order = []string{"created_at ASC", "id ASC"}
	}

	sqlStr, args, err := l.sb.
		Select(columns...).
		From(table).
		Where(sq.Eq{"account_id": accountID}).
		OrderBy(order...).
		Limit(uint64(opts.Limit)).
		Offset(uint64(opts.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list postings sql: %w", err)
	}

	rows, err := l.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	entries := []store.LedgerEntry{}
	for rows.Next() {
		var entry store.LedgerEntry
		var errText *string
		if err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.MessageID,
			&entry.Subject,
			&entry.Title,
			&entry.SourceURL,
			&entry.RawPrice,
			&entry.FinalPrice,
			&entry.Published,
			&entry.PublishedAt,
			&errText,
			&entry.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan posting: %w", err)
		}
		if errText != nil {
			entry.Error = *errText
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list postings: %w", err)
	}
	if total > int64(^uint32(0)>>1) {
		total = int64(^uint32(0) >> 1)
	}
	return entries, int32(total), nil
}

func (l *Ledger) Stats(ctx context.Context, accountID string, now time.Time) (store.LedgerStats, error) {
	sqlStr, args, err := l.sb.
		Select("COUNT(1)", "COUNT(1) FILTER (WHERE published)").
		Column(sq.Expr("COUNT(1) FILTER (WHERE created_at >= ?)", now.Add(-7*24*time.Hour))).
		From(table).
		Where(sq.Eq{"account_id": accountID}).
		ToSql()
	if err != nil {
		return store.LedgerStats{}, fmt.Errorf("build posting stats sql: %w", err)
	}

	var stats store.LedgerStats
	if err := l.db.QueryRow(ctx, sqlStr, args...).Scan(&stats.Total, &stats.Published, &stats.LastWeek); err != nil {
		return store.LedgerStats{}, fmt.Errorf("posting stats: %w", err)
	}
	stats.Failed = stats.Total - stats.Published
	return stats, nil
}

func (l *Ledger) ClearAccount(ctx context.Context, accountID string) (int64, error) {
	sqlStr, args, err := l.sb.Delete(table).Where(sq.Eq{"account_id": accountID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build clear postings sql: %w", err)
	}
	tag, err := l.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("clear postings: %w", err)
	}
	return tag.RowsAffected(), nil
}
