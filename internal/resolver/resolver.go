// Package resolver turns a listing URL found in a notification email into a
// listing.Record. Resolution follows redirects to the canonical listing page
// and then walks an ordered chain of extraction strategies; the first one
// that yields a usable draft wins.
package resolver

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.io/infrasutra/listingrelay/internal/listing"
)

// Renderer executes a page in a headless browser and returns the rendered markup.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type Options struct {
	PageTimeout   time.Duration
	RenderTimeout time.Duration
	ImageTimeout  time.Duration
	// Cooldown is slept after a 429 before the failure is reported.
	Cooldown   time.Duration
	RequestRPS float64
	UserAgent  string
	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper
	// Strategies overrides the default chain for a session.
	Strategies func(*Session) []Strategy
}

type Resolver struct {
	site     listing.Site
	opts     Options
	renderer Renderer
	logger   *zap.Logger
}

// New builds a resolver for site. renderer may be nil, which disables the
// rendered strategy.
func New(site listing.Site, opts Options, renderer Renderer, logger *zap.Logger) *Resolver {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 20 * time.Second
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 15 * time.Second
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 15 * time.Second
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{site: site, opts: opts, renderer: renderer, logger: logger}
}

func (r *Resolver) Site() listing.Site {
	return r.site
}

// Resolve produces a record for rawURL or a *Failure.
func (s *Session) Resolve(ctx context.Context, rawURL string) (listing.Record, error) {
	page, err := s.fetchPage(ctx, rawURL, "")
	if err != nil {
		return listing.Record{}, err
	}
	if !s.site().IsCanonical(page.URL) {
		s.logger.Info("redirect did not land on a listing page",
			zap.String("url", rawURL), zap.String("final_url", page.URL.String()))
		return listing.Record{}, fail(KindNotAListing, rawURL, 0, nil)
	}
	page.Referer = rawURL

	for _, strategy := range s.strategies {
		if err := ctx.Err(); err != nil {
			return listing.Record{}, fail(KindTransport, rawURL, 0, err)
		}
		draft, ok := strategy.Extract(ctx, page)
		if !ok || !draft.usable() {
			s.logger.Debug("strategy found nothing", zap.String("strategy", strategy.Name()), zap.String("url", page.URL.String()))
			continue
		}
		photos := s.fetchPhotos(ctx, draft.PhotoURLs, page.URL.String())
		s.logger.Info("listing resolved",
			zap.String("url", page.URL.String()),
			zap.String("strategy", strategy.Name()),
			zap.String("title", draft.Title),
			zap.Int("photos", len(photos)),
		)
		return draft.record(page.URL.String(), strategy.Name(), photos), nil
	}

	return listing.Record{}, fail(KindUnresolvable, rawURL, 0, nil)
}

// fetchPhotos downloads at most listing.MaxPhotos images in order, skipping failures.
func (s *Session) fetchPhotos(ctx context.Context, urls []string, referer string) [][]byte {
	photos := make([][]byte, 0, len(urls))
	for _, u := range urls {
		if len(photos) >= listing.MaxPhotos {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if data := s.fetchImage(ctx, u, referer); data != nil {
			photos = append(photos, data)
		}
	}
	return photos
}
