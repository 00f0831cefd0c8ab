package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage stores a relayed message with its recipients and attachments
// in one transaction. Every recipient starts with the message unseen.
func (s *Store) InsertMessage(ctx context.Context, message InboundMessage, recipients []Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO relay_messages
        (id, sender, subject, text_body, html_body, raw, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		message.ID, message.From, message.Subject, message.TextBody, message.HTMLBody,
		message.Raw, message.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, recipient := range recipients {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO deliveries (message_id, mailbox, kind)
            VALUES (?, ?, ?);`, message.ID, normalizeEmail(recipient.Email), recipient.Type)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
	}

	for _, attachment := range message.Attachments {
		_, err = tx.ExecContext(ctx, `INSERT INTO relay_attachments (message_id, filename, content_type, data)
            VALUES (?, ?, ?, ?);`,
			message.ID, attachment.Filename, attachment.ContentType, attachment.Data)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// ListUnseen returns the messages addressed to address that it has not
// marked seen yet, oldest first, attachments included.
func (s *Store) ListUnseen(ctx context.Context, address string) ([]InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.sender, m.subject, m.text_body, m.html_body, length(m.raw), m.received_at
        FROM relay_messages m
        WHERE EXISTS (SELECT 1 FROM deliveries d WHERE d.message_id = m.id AND d.mailbox = ? AND d.seen_at IS NULL)
        ORDER BY m.received_at ASC, m.id ASC;`, normalizeEmail(address))
	if err != nil {
		return nil, fmt.Errorf("list unseen: %w", err)
	}
	defer rows.Close()

	var messages []InboundMessage
	for rows.Next() {
		var (
			message        InboundMessage
			text, html     sql.NullString
			receivedAtUnix int64
		)
		if err := rows.Scan(&message.ID, &message.From, &message.Subject, &text, &html,
			&message.RawSize, &receivedAtUnix); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.TextBody = text.String
		message.HTMLBody = html.String
		message.CreatedAt = time.Unix(receivedAtUnix, 0)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unseen: %w", err)
	}
	rows.Close()

	for i := range messages {
		attachments, err := s.attachmentsFor(ctx, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Attachments = attachments
	}
	return messages, nil
}

// MarkSeen flags message id as seen for address. Marking twice is a no-op.
func (s *Store) MarkSeen(ctx context.Context, address, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deliveries SET seen_at = ?
        WHERE message_id = ? AND mailbox = ? AND seen_at IS NULL;`,
		time.Now().Unix(), id, normalizeEmail(address))
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ClearInbox drops every message delivered to address and removes messages
// no other recipient still references.
func (s *Store) ClearInbox(ctx context.Context, address string) error {
	address = normalizeEmail(address)
	if address == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE mailbox = ?;`, address); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relay_messages
        WHERE id NOT IN (SELECT message_id FROM deliveries);`); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear inbox: %w", err)
	}
	return nil
}

func (s *Store) attachmentsFor(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, filename, content_type, data
        FROM relay_attachments WHERE message_id = ? ORDER BY id;`, messageID)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a := Attachment{MessageID: messageID}
		if err := rows.Scan(&a.ID, &a.Filename, &a.ContentType, &a.Data); err != nil {
			return nil, fmt.Errorf("load attachments: %w", err)
		}
		a.Size = int64(len(a.Data))
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	return out, nil
}

// MailboxOwned reports whether any account uses address as its mailbox.
func (s *Store) MailboxOwned(ctx context.Context, address string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE mailbox_address = ?;`,
		normalizeEmail(address)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup mailbox: %w", err)
	}
	return n > 0, nil
}
