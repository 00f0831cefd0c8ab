package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.io/infrasutra/listingrelay/internal/composer"
	"github.io/infrasutra/listingrelay/internal/listing"
	"github.io/infrasutra/listingrelay/internal/metrics"
	"github.io/infrasutra/listingrelay/internal/resolver"
	"github.io/infrasutra/listingrelay/internal/store"
)

const fallbackTitle = "Car listing"

// accountRun is the state shared by the messages of one account run.
type accountRun struct {
	rc       RunContext
	resolver ListingResolver
	summary  *RunSummary
	logger   *zap.Logger
}

// processMessage drives one message to marked-seen. A cancelled context
// leaves the message unseen so that the next run picks it up again.
func (p *Pipeline) processMessage(ctx context.Context, run *accountRun, msg store.InboundMessage) {
	logger := run.logger.With(zap.String("message_id", msg.ID), zap.String("subject", msg.Subject))

	completed := func() (done bool) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("message processing panicked",
					zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				p.record(ctx, run, store.LedgerEntry{
					MessageID: msg.ID,
					Subject:   msg.Subject,
					Title:     msg.Subject,
					Error:     fmt.Sprintf("internal error: %v", r),
				})
				done = true
			}
		}()
		return p.handleMessage(ctx, run, msg, logger)
	}()
	if !completed {
		logger.Info("message left unseen", zap.Error(ctx.Err()))
		return
	}

	if err := p.deps.Mailbox.MarkSeen(ctx, run.rc.Mailbox, msg.ID); err != nil {
		logger.Error("mark seen", zap.Error(err))
	}
}

// handleMessage reports whether the message reached a terminal state.
func (p *Pipeline) handleMessage(ctx context.Context, run *accountRun, msg store.InboundMessage, logger *zap.Logger) bool {
	if p.cfg.SkipForeignMessages && !p.cfg.Site.Mentions(msg.From) &&
		!p.cfg.Site.Mentions(msg.TextBody) && !p.cfg.Site.Mentions(msg.HTMLBody) {
		logger.Info("foreign message skipped", zap.String("from", msg.From))
		metrics.IncMessageProcessed("foreign")
		run.summary.addSkipped()
		return true
	}

	candidates := listing.Extract(p.cfg.Site, msg.TextBody, msg.HTMLBody)
	if len(candidates) == 0 {
		metrics.IncMessageProcessed("fallback")
		p.processFallback(ctx, run, msg, logger)
		return true
	}

	metrics.IncMessageProcessed("urls")
	logger.Info("listing urls found", zap.Int("count", len(candidates)))
	for _, c := range candidates {
		if ctx.Err() != nil {
			return false
		}
		p.processURL(ctx, run, msg, c, logger.With(zap.String("url", c.URL)))
	}
	return ctx.Err() == nil
}

// processFallback publishes a message that references no listing URL using
// its subject and image attachments.
func (p *Pipeline) processFallback(ctx context.Context, run *accountRun, msg store.InboundMessage, logger *zap.Logger) {
	title := strings.TrimSpace(msg.Subject)
	if title == "" {
		title = fallbackTitle
	}
	in := composer.Input{
		Title:       title,
		Description: messageBody(msg),
		Language:    run.rc.Language,
		MarkupEUR:   run.rc.MarkupEUR,
	}
	photos := attachmentPhotos(msg.Attachments)
	text := p.compose(ctx, run, in, logger)
	err := p.publish(ctx, run, text, photos)

	entry := store.LedgerEntry{
		MessageID:  msg.ID,
		Subject:    msg.Subject,
		Title:      title,
		FinalPrice: listing.IntPtr(composer.FinalPrice(nil, run.rc.MarkupEUR)),
	}
	if err != nil {
		logger.Error("fallback publish failed", zap.Error(err))
		entry.Error = err.Error()
	} else {
		p.markPublished(&entry)
	}
	p.record(ctx, run, entry)
}

// processURL runs one candidate URL through resolve, compose, publish and
// record. A panic here only fails this URL.
func (p *Pipeline) processURL(ctx context.Context, run *accountRun, msg store.InboundMessage, c listing.CandidateURL, logger *zap.Logger) {
	base := store.LedgerEntry{MessageID: msg.ID, Subject: msg.Subject, SourceURL: c.URL}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("url processing panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			entry := base
			entry.Error = fmt.Sprintf("internal error: %v", r)
			p.record(ctx, run, entry)
		}
	}()

	start := time.Now()
	rec, err := run.resolver.Resolve(ctx, c.URL)
	if err != nil {
		if ctx.Err() != nil {
			// The message stays unseen and the URL is retried next run.
			logger.Info("resolve interrupted", zap.Error(err))
			return
		}
		kind := resolver.KindOf(err)
		metrics.ObserveResolve(kind.String(), time.Since(start))
		if kind == resolver.KindRateLimited {
			logger.Warn("listing site rate limited", zap.Error(err))
		} else {
			logger.Warn("listing not resolved", zap.Stringer("kind", kind), zap.Error(err))
		}
		entry := base
		entry.Error = err.Error()
		p.record(ctx, run, entry)
		return
	}
	metrics.ObserveResolve(rec.Strategy, time.Since(start))

	if p.cfg.RequirePhotos && !rec.HasPhotos() {
		logger.Info("listing without photos skipped", zap.String("title", rec.Title))
		run.summary.addSkipped()
		return
	}

	in := composer.InputFromRecord(rec, run.rc.Language, run.rc.MarkupEUR)
	if in.URL == "" {
		in.URL = c.URL
	}
	text := p.compose(ctx, run, in, logger)
	err = p.publish(ctx, run, text, rec.Photos)

	entry := base
	if rec.SourceURL != "" {
		entry.SourceURL = rec.SourceURL
	}
	entry.Title = rec.Title
	entry.RawPrice = rec.Price
	entry.FinalPrice = listing.IntPtr(composer.FinalPrice(rec.Price, run.rc.MarkupEUR))
	if err != nil {
		logger.Error("publish failed", zap.Error(err))
		entry.Error = err.Error()
	} else {
		p.markPublished(&entry)
	}
	p.record(ctx, run, entry)
}

func (p *Pipeline) markPublished(entry *store.LedgerEntry) {
	at := p.now()
	entry.Published = true
	entry.PublishedAt = &at
}

// messageBody is the plain text of msg, read from the HTML part when the
// message has no text part.
func messageBody(msg store.InboundMessage) string {
	if text := strings.TrimSpace(msg.TextBody); text != "" {
		return text
	}
	if strings.TrimSpace(msg.HTMLBody) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(msg.HTMLBody))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li, div, tr, h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// compose asks the composer for post text and degrades to the fixed
// fallback on any error or empty result.
func (p *Pipeline) compose(ctx context.Context, run *accountRun, in composer.Input, logger *zap.Logger) string {
	text, err := p.deps.Composer.Compose(ctx, run.rc.ComposerKey, in)
	if err == nil && strings.TrimSpace(text) != "" {
		return text
	}
	if err == nil {
		err = errors.New("empty text")
	}
	logger.Warn("composer failed, using fallback text", zap.Error(err))
	metrics.IncComposeFallback()
	return composer.Fallback(in)
}

func (p *Pipeline) publish(ctx context.Context, run *accountRun, text string, photos [][]byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish pacing: %w", err)
	}
	start := time.Now()
	err := p.deps.Publisher.Publish(ctx, run.rc.target(), text, photos)
	metrics.ObservePublish(time.Since(start))
	return err
}

// record appends entry to the ledger. The write uses a context detached
// from cancellation so that an interrupted run still logs what it published.
func (p *Pipeline) record(ctx context.Context, run *accountRun, entry store.LedgerEntry) {
	entry.AccountID = run.rc.AccountID
	saved, err := p.deps.Ledger.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		run.logger.Error("ledger append failed",
			zap.String("message_id", entry.MessageID), zap.String("url", entry.SourceURL), zap.Error(err))
		return
	}
	metrics.IncPosting(saved.Published)
	run.summary.addEntry(saved.Published)
	if p.deps.Notifier != nil {
		p.deps.Notifier.Notify(run.rc.AccountID, saved)
	}
}

var photoExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// attachmentPhotos returns the image attachments, at most listing.MaxPhotos.
func attachmentPhotos(attachments []store.Attachment) [][]byte {
	var photos [][]byte
	for _, a := range attachments {
		if len(photos) >= listing.MaxPhotos {
			break
		}
		if len(a.Data) == 0 {
			continue
		}
		ct := strings.ToLower(a.ContentType)
		ext := strings.ToLower(path.Ext(a.Filename))
		isImage := strings.HasPrefix(ct, "image/")
		for _, e := range photoExtensions {
			if ext == e {
				isImage = true
			}
		}
		if isImage {
			photos = append(photos, a.Data)
		}
	}
	return photos
}
