package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errNoBox = errors.New("account secrets need a master key")

// SaveAccount creates or replaces an account. Secrets are sealed before
// they reach the database. A new account gets a generated id.
func (s *Store) SaveAccount(ctx context.Context, account Account) (Account, error) {
	if s.box == nil {
		return Account{}, errNoBox
	}
	if strings.TrimSpace(account.ID) == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.Language == "" {
		account.Language = "ru"
	}
	account.MailboxAddress = normalizeEmail(account.MailboxAddress)

	sealed := make([]string, 3)
	for i, plain := range []string{account.MailboxPassword, account.ComposerKey, account.PublisherToken} {
		v, err := s.box.Seal(plain)
		if err != nil {
			return Account{}, fmt.Errorf("seal account secret: %w", err)
		}
		sealed[i] = v
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts
        (id, name, mailbox_address, mailbox_password, composer_key, publisher_token, channel_ref, channel_id, language, markup_eur, auto_publish, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            mailbox_address = excluded.mailbox_address,
            mailbox_password = excluded.mailbox_password,
            composer_key = excluded.composer_key,
            publisher_token = excluded.publisher_token,
            channel_ref = excluded.channel_ref,
            channel_id = CASE WHEN accounts.channel_ref = excluded.channel_ref THEN accounts.channel_id ELSE 0 END,
            language = excluded.language,
            markup_eur = excluded.markup_eur,
            auto_publish = excluded.auto_publish;`,
		account.ID,
		account.Name,
		account.MailboxAddress,
		sealed[0],
		sealed[1],
		sealed[2],
		strings.TrimSpace(account.ChannelRef),
		account.ChannelID,
		account.Language,
		account.MarkupEUR,
		account.AutoPublish,
		account.CreatedAt.Unix(),
	)
	if err != nil {
		return Account{}, fmt.Errorf("save account: %w", err)
	}
	return account, nil
}

// LoadAccount reads one account with its secrets opened.
func (s *Store) LoadAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, mailbox_address, mailbox_password, composer_key, publisher_token,
        channel_ref, channel_id, language, markup_eur, auto_publish, created_at
        FROM accounts WHERE id = ?;`, id)
	return s.scanAccount(row)
}

func (s *Store) scanAccount(row *sql.Row) (Account, error) {
	var (
		account   Account
		sealed    [3]string
		createdAt int64
	)
	if err := row.Scan(
		&account.ID,
		&account.Name,
		&account.MailboxAddress,
		&sealed[0],
		&sealed[1],
		&sealed[2],
		&account.ChannelRef,
		&account.ChannelID,
		&account.Language,
		&account.MarkupEUR,
		&account.AutoPublish,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	account.CreatedAt = time.Unix(createdAt, 0)

	if sealed != [3]string{} && s.box == nil {
		return Account{}, errNoBox
	}
	for i, dst := range []*string{&account.MailboxPassword, &account.ComposerKey, &account.PublisherToken} {
		if sealed[i] == "" {
			continue
		}
		plain, err := s.box.Open(sealed[i])
		if err != nil {
			return Account{}, fmt.Errorf("open account %s secret: %w", account.ID, err)
		}
		*dst = plain
	}
	return account, nil
}

// ListAccountIDs returns every account id in creation order.
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return ids, nil
}

// SaveChannelID caches the resolved numeric channel id on the account.
func (s *Store) SaveChannelID(ctx context.Context, id string, channelID int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE accounts SET channel_id = ? WHERE id = ?;`, channelID, id)
	if err != nil {
		return fmt.Errorf("save channel id: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearMailbox forgets the account's mailbox credentials and drops the
// messages relayed to that mailbox. Posting history lives in the ledger and
// is cleared by the caller.
func (s *Store) ClearMailbox(ctx context.Context, id string) error {
	var address string
	if err := s.db.QueryRowContext(ctx, `SELECT mailbox_address FROM accounts WHERE id = ?;`, id).Scan(&address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("clear mailbox: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET mailbox_address = '', mailbox_password = '' WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("clear mailbox: %w", err)
	}
	return s.ClearInbox(ctx, address)
}

// CheckMailbox reports whether password opens the mailbox at address.
func (s *Store) CheckMailbox(ctx context.Context, address, password string) (bool, error) {
	if s.box == nil || password == "" {
		return false, nil
	}
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT mailbox_password FROM accounts WHERE mailbox_address = ? AND mailbox_password != '' LIMIT 1;`,
		normalizeEmail(address)).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check mailbox: %w", err)
	}
	plain, err := s.box.Open(sealed)
	if err != nil {
		return false, fmt.Errorf("check mailbox: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(plain), []byte(password)) == 1, nil
}
