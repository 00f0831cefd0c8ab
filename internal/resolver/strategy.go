package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Strategy is one way of getting a listing draft out of a page.
// Extract reports false when the strategy found nothing it trusts.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, page *Page) (Draft, bool)
}

// DefaultStrategies is the chain used by sessions: embedded data, markup,
// headless render, then a plain soft refetch.
func DefaultStrategies(s *Session) []Strategy {
	return []Strategy{
		EmbeddedData{},
		Markup{PhotoHostHint: s.site().PhotoHostHint},
		&Rendered{
			Renderer: s.resolver.renderer,
			Timeout:  s.resolver.opts.RenderTimeout,
			Inner:    []Strategy{EmbeddedData{}, Markup{PhotoHostHint: s.site().PhotoHostHint}},
			Logger:   s.logger,
		},
		&Soft{session: s},
	}
}

// Rendered executes the page in a headless browser and retries the inner
// strategies against the rendered markup.
type Rendered struct {
	Renderer Renderer
	Timeout  time.Duration
	Inner    []Strategy
	Logger   *zap.Logger
}

func (*Rendered) Name() string { return "rendered" }

func (r *Rendered) Extract(ctx context.Context, page *Page) (Draft, bool) {
	if r.Renderer == nil {
		return Draft{}, false
	}
	renderCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	html, err := r.Renderer.Render(renderCtx, page.URL.String())
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("headless render failed", zap.String("url", page.URL.String()), zap.Error(err))
		}
		return Draft{}, false
	}
	rendered := &Page{URL: page.URL, Referer: page.Referer, HTML: html}
	for _, inner := range r.Inner {
		if d, ok := inner.Extract(ctx, rendered); ok && d.usable() {
			return d, true
		}
	}
	return Draft{}, false
}

// Soft refetches the page without rendering and keeps whatever title,
// description and price it can find. It never returns photos.
type Soft struct {
	session *Session
}

func (*Soft) Name() string { return "soft" }

func (s *Soft) Extract(ctx context.Context, page *Page) (Draft, bool) {
	fresh, err := s.session.fetchPage(ctx, page.URL.String(), page.Referer)
	if err != nil {
		s.session.logger.Debug("soft refetch failed", zap.String("url", page.URL.String()), zap.Error(err))
		return Draft{}, false
	}
	doc, err := fresh.Document()
	if err != nil {
		return Draft{}, false
	}

	var d Draft
	d.Title = firstText(doc, "h1")
	if d.Title == "" {
		d.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	d.Description = descriptionText(doc)
	if d.Description == "" {
		d.Description, _ = doc.Find(`meta[name="description"]`).Attr("content")
	}
	d.Price = priceFromDocument(doc)
	d.Mileage = listingMileage(doc)
	return d, d.usable()
}

func firstText(doc *goquery.Document, selector string) string {
	return collapseSpace(doc.Find(selector).First().Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
