package pipeline

import (
	"context"
	"time"

	"github.io/infrasutra/listingrelay/internal/composer"
	"github.io/infrasutra/listingrelay/internal/listing"
	"github.io/infrasutra/listingrelay/internal/publisher"
	"github.io/infrasutra/listingrelay/internal/store"
)

// Mode selects how an account run treats the auto-publish toggle.
type Mode int

const (
	// ModeScheduled skips accounts that have auto-publish off.
	ModeScheduled Mode = iota
	// ModeManual runs regardless of the toggle.
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "scheduled"
}

type MailboxCreds struct {
	Address  string
	Password string
}

// RunContext carries everything one account run needs, secrets included.
// It lives only for the duration of the run.
type RunContext struct {
	AccountID      string
	Mailbox        MailboxCreds
	ComposerKey    string
	PublisherToken string
	ChannelRef     string
	ChannelID      int64
	Language       string
	MarkupEUR      int
	AutoPublish    bool
}

func NewRunContext(acc store.Account) RunContext {
	return RunContext{
		AccountID:      acc.ID,
		Mailbox:        MailboxCreds{Address: acc.MailboxAddress, Password: acc.MailboxPassword},
		ComposerKey:    acc.ComposerKey,
		PublisherToken: acc.PublisherToken,
		ChannelRef:     acc.ChannelRef,
		ChannelID:      acc.ChannelID,
		Language:       acc.Language,
		MarkupEUR:      acc.MarkupEUR,
		AutoPublish:    acc.AutoPublish,
	}
}

// missing names the settings an account still lacks before it can run.
func (rc RunContext) missing() []string {
	var out []string
	if rc.Mailbox.Address == "" {
		out = append(out, "mailbox address")
	}
	if rc.Mailbox.Password == "" {
		out = append(out, "mailbox password")
	}
	if rc.ComposerKey == "" {
		out = append(out, "composer key")
	}
	if rc.PublisherToken == "" {
		out = append(out, "publisher token")
	}
	if rc.ChannelRef == "" && rc.ChannelID == 0 {
		out = append(out, "channel")
	}
	return out
}

func (rc RunContext) target() publisher.Target {
	return publisher.Target{Token: rc.PublisherToken, ChannelRef: rc.ChannelRef, ChatID: rc.ChannelID}
}

type Mailbox interface {
	ListUnseen(ctx context.Context, creds MailboxCreds) ([]store.InboundMessage, error)
	MarkSeen(ctx context.Context, creds MailboxCreds, id string) error
}

type Composer interface {
	Compose(ctx context.Context, apiKey string, in composer.Input) (string, error)
}

type Publisher interface {
	ResolveChannel(ctx context.Context, token, ref string) (int64, error)
	Publish(ctx context.Context, target publisher.Target, text string, photos [][]byte) error
}

type ListingResolver interface {
	Resolve(ctx context.Context, url string) (listing.Record, error)
}

// ResolverFactory returns a fresh resolver for one account run so that
// cookie state never crosses accounts.
type ResolverFactory func() ListingResolver

type Ledger interface {
	Append(ctx context.Context, entry store.LedgerEntry) (store.LedgerEntry, error)
	List(ctx context.Context, accountID string, opts store.ListOptions) ([]store.LedgerEntry, int32, error)
	Stats(ctx context.Context, accountID string, now time.Time) (store.LedgerStats, error)
	ClearAccount(ctx context.Context, accountID string) (int64, error)
}

type Accounts interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
	LoadAccount(ctx context.Context, id string) (store.Account, error)
	SaveChannelID(ctx context.Context, id string, channelID int64) error
	ClearMailbox(ctx context.Context, id string) error
}

// Notifier is told about every ledger entry after it is written.
type Notifier interface {
	Notify(accountID string, entry store.LedgerEntry)
}

// RelayInbox adapts the store's relay inbox to the Mailbox contract.
type RelayInbox struct {
	Inbox interface {
		ListUnseen(ctx context.Context, address string) ([]store.InboundMessage, error)
		MarkSeen(ctx context.Context, address, id string) error
	}
}

func (r RelayInbox) ListUnseen(ctx context.Context, creds MailboxCreds) ([]store.InboundMessage, error) {
	return r.Inbox.ListUnseen(ctx, creds.Address)
}

func (r RelayInbox) MarkSeen(ctx context.Context, creds MailboxCreds, id string) error {
	return r.Inbox.MarkSeen(ctx, creds.Address, id)
}
