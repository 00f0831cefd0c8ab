package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const statsWindow = 7 * 24 * time.Hour

// Append writes one posting attempt in its own transaction and returns it
// with the assigned id.
func (s *Store) Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var publishedAt any
	if entry.PublishedAt != nil {
		publishedAt = entry.PublishedAt.Unix()
	}
	var errText any
	if entry.Error != "" {
		errText = entry.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT INTO posting_log
        (account_id, message_id, subject, title, source_url, raw_price, final_price, published, published_at, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		entry.AccountID,
		entry.MessageID,
		entry.Subject,
		entry.Title,
		entry.SourceURL,
		nullableInt(entry.RawPrice),
		nullableInt(entry.FinalPrice),
		entry.Published,
		publishedAt,
		errText,
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("insert posting: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("insert posting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, fmt.Errorf("commit posting: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// List returns one page of an account's postings and the account's total count.
func (s *Store) List(ctx context.Context, accountID string, opts ListOptions) ([]LedgerEntry, int32, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM posting_log WHERE account_id = ?;`, accountID).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count postings: %w", err)
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	switch opts.Sort {
	case "oldest", "asc":
		orderBy = " ORDER BY created_at ASC, id ASC"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, message_id, subject, title, source_url,
        raw_price, final_price, published, published_at, error, created_at
        FROM posting_log WHERE account_id = ?`+orderBy+` LIMIT ? OFFSET ?;`,
		accountID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		var (
			entry       LedgerEntry
			rawPrice    sql.NullInt64
			finalPrice  sql.NullInt64
			publishedAt sql.NullInt64
			errText     sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.MessageID,
			&entry.Subject,
			&entry.Title,
			&entry.SourceURL,
			&rawPrice,
			&finalPrice,
			&entry.Published,
			&publishedAt,
			&errText,
			&createdAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan posting: %w", err)
		}
		entry.RawPrice = intFromNull(rawPrice)
		entry.FinalPrice = intFromNull(finalPrice)
		if publishedAt.Valid {
			t := time.Unix(publishedAt.Int64, 0)
			entry.PublishedAt = &t
		}
		entry.Error = errText.String
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list postings: %w", err)
	}
	return entries, int32(totalCount), nil
}

// Stats counts an account's postings. Entries created after now-7d count
// towards LastWeek.
func (s *Store) Stats(ctx context.Context, accountID string, now time.Time) (LedgerStats, error) {
	var stats LedgerStats
	var published, lastWeek sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1),
        SUM(CASE WHEN published = 1 THEN 1 ELSE 0 END),
        SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END)
        FROM posting_log WHERE account_id = ?;`,
		now.Add(-statsWindow).Unix(), accountID,
	).Scan(&stats.Total, &published, &lastWeek)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("posting stats: %w", err)
	}
	stats.Published = published.Int64
	stats.LastWeek = lastWeek.Int64
	stats.Failed = stats.Total - stats.Published
	return stats, nil
}

// ClearAccount removes all of an account's postings and reports how many
// were removed.
func (s *Store) ClearAccount(ctx context.Context, accountID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM posting_log WHERE account_id = ?;`, accountID)
	if err != nil {
		return 0, fmt.Errorf("clear postings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear postings: %w", err)
	}
	return n, nil
}
