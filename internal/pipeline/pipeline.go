// Package pipeline runs accounts: it reads unseen notification mail,
// resolves the listings it references, composes and publishes a post per
// listing and records every attempt in the ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.io/infrasutra/listingrelay/internal/listing"
	"github.io/infrasutra/listingrelay/internal/metrics"
)

var ErrRunInProgress = errors.New("account run already in progress")

type Config struct {
	Site listing.Site
	// RequirePhotos skips resolved listings without photos. The no-URL
	// fallback path publishes regardless.
	RequirePhotos bool
	// SkipForeignMessages marks seen, without ledger entries, messages that
	// do not mention the site in sender or body.
	SkipForeignMessages bool
	// MessageWorkers > 1 processes an account's messages concurrently.
	MessageWorkers int
	// PublishInterval is the minimum spacing between two publishes.
	PublishInterval time.Duration
}

type Deps struct {
	Mailbox   Mailbox
	Composer  Composer
	Publisher Publisher
	Resolvers ResolverFactory
	Ledger    Ledger
	Accounts  Accounts
	// Notifier is optional.
	Notifier Notifier
}

type Pipeline struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	running sync.Map
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if cfg.MessageWorkers < 1 {
		cfg.MessageWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.PublishInterval > 0 {
		limit = rate.Every(cfg.PublishInterval)
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
}

// RunSummary reports what one account run did.
type RunSummary struct {
	AccountID  string `json:"accountId"`
	Mode       string `json:"mode"`
	SkipReason string `json:"skipReason,omitempty"`
	Messages   int    `json:"messages"`
	Entries    int    `json:"entries"`
	Published  int    `json:"published"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`

	mu sync.Mutex
}

func (s *RunSummary) addEntry(published bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries++
	if published {
		s.Published++
	} else {
		s.Failed++
	}
}

func (s *RunSummary) addSkipped() {
	s.mu.Lock()
	s.Skipped++
	s.mu.Unlock()
}

// Sweep runs every account in scheduled mode, one after another. Account
// failures are logged and do not stop the sweep; cancellation does.
func (p *Pipeline) Sweep(ctx context.Context) error {
	start := p.now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	ids, err := p.deps.Accounts.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	p.logger.Info("sweep started", zap.Int("accounts", len(ids)))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("sweep interrupted", zap.Error(err))
			return err
		}
		summary, err := p.RunAccount(ctx, id, ModeScheduled)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("account run failed", zap.String("account", id), zap.Error(err))
			continue
		}
		if summary.SkipReason != "" {
			continue
		}
		p.logger.Info("account run finished",
			zap.String("account", id),
			zap.Int("messages", summary.Messages),
			zap.Int("published", summary.Published),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return nil
}

// RunAccount processes one account's unseen mail.
func (p *Pipeline) RunAccount(ctx context.Context, accountID string, mode Mode) (*RunSummary, error) {
	if _, busy := p.running.LoadOrStore(accountID, struct{}{}); busy {
		return nil, ErrRunInProgress
	}
	defer p.running.Delete(accountID)

	summary := &RunSummary{AccountID: accountID, Mode: mode.String()}
	logger := p.logger.With(zap.String("account", accountID), zap.Stringer("mode", mode))

	acc, err := p.deps.Accounts.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	rc := NewRunContext(acc)

	if mode == ModeScheduled && !rc.AutoPublish {
		summary.SkipReason = "auto-publish disabled"
		metrics.IncAccountSkipped("auto_publish_off")
		logger.Debug("account skipped", zap.String("reason", summary.SkipReason))
		return summary, nil
	}
	if missing := rc.missing(); len(missing) > 0 {
		summary.SkipReason = "not configured: " + strings.Join(missing, ", ")
		metrics.IncAccountSkipped("not_configured")
		logger.Info("account skipped", zap.String("reason", summary.SkipReason))
		return summary, nil
	}

	if rc.ChannelID == 0 {
		p.resolveChannel(ctx, &rc, logger)
	}

	messages, err := p.deps.Mailbox.ListUnseen(ctx, rc.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("list unseen: %w", err)
	}
	summary.Messages = len(messages)
	if len(messages) == 0 {
		logger.Debug("no unseen messages")
		return summary, nil
	}

	run := &accountRun{
		rc:       rc,
		resolver: p.deps.Resolvers(),
		summary:  summary,
		logger:   logger,
	}

	if p.cfg.MessageWorkers <= 1 {
		for _, msg := range messages {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			p.processMessage(ctx, run, msg)
		}
		return summary, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MessageWorkers)
	for _, msg := range messages {
		if gctx.Err() != nil {
			break
		}
		msg := msg
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.processMessage(gctx, run, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

// resolveChannel looks the numeric channel id up once and caches it on the
// account. Failure is not fatal: the publisher can still post by reference.
func (p *Pipeline) resolveChannel(ctx context.Context, rc *RunContext, logger *zap.Logger) {
	id, err := p.deps.Publisher.ResolveChannel(ctx, rc.PublisherToken, rc.ChannelRef)
	if err != nil {
		logger.Warn("resolve channel", zap.String("channel", rc.ChannelRef), zap.Error(err))
		return
	}
	rc.ChannelID = id
	if err := p.deps.Accounts.SaveChannelID(ctx, rc.AccountID, id); err != nil {
		logger.Warn("cache channel id", zap.Error(err))
	}
}

// ClearMailbox forgets an account's mailbox credentials, its relayed mail
// and its posting history. It returns the number of ledger entries removed.
func (p *Pipeline) ClearMailbox(ctx context.Context, accountID string) (int64, error) {
	if _, busy := p.running.LoadOrStore(accountID, struct{}{}); busy {
		return 0, ErrRunInProgress
	}
	defer p.running.Delete(accountID)

	if err := p.deps.Accounts.ClearMailbox(ctx, accountID); err != nil {
		return 0, fmt.Errorf("clear mailbox: %w", err)
	}
	removed, err := p.deps.Ledger.ClearAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	p.logger.Info("mailbox cleared", zap.String("account", accountID), zap.Int64("entries_removed", removed))
	return removed, nil
}
