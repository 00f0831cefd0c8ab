package store

import "time"

// InboundMessage is one notification email as received by the relay inbox.
type InboundMessage struct {
	ID          string
	From        string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Raw         []byte
	RawSize     int64
	CreatedAt   time.Time
}

type Recipient struct {
	Email string
	Type  string
}

type Attachment struct {
	ID          int64
	MessageID   string
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
}

// Account holds an account's settings with secrets already opened.
type Account struct {
	ID              string
	Name            string
	MailboxAddress  string
	MailboxPassword string
	ComposerKey     string
	PublisherToken  string
	ChannelRef      string
	ChannelID       int64
	Language        string
	MarkupEUR       int
	AutoPublish     bool
	CreatedAt       time.Time
}

// LedgerEntry is one posting attempt. Entries are never updated.
type LedgerEntry struct {
	ID          int64
	AccountID   string
	MessageID   string
	Subject     string
	Title       string
	SourceURL   string
	RawPrice    *int
	FinalPrice  *int
	Published   bool
	PublishedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

type LedgerStats struct {
	Total     int64
	Published int64
	Failed    int64
	LastWeek  int64
}

// ListOptions selects one page of ledger entries.
type ListOptions struct {
	Offset int32
	Limit  int32
	// Sort is "oldest"/"asc" for chronological order, anything else lists newest first.
	Sort string
}
