package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.io/infrasutra/listingrelay/internal/listing"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	acceptHTML       = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	acceptImage      = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"
	acceptLanguage   = "de-DE,de;q=0.9,en;q=0.8"
	maxPageBytes     = 8 << 20
	maxImageBytes    = 15 << 20
	maxCooldown      = 2 * time.Minute
)

// Session is one account run's view of the listing site: a cookie jar,
// browser-like headers and request pacing. Sessions are never shared
// between accounts.
type Session struct {
	resolver   *Resolver
	client     *http.Client
	limiter    *rate.Limiter
	strategies []Strategy
	logger     *zap.Logger
}

// NewSession starts a fresh session with an empty cookie jar.
func (r *Resolver) NewSession() *Session {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	transport := r.opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	limit := rate.Inf
	if r.opts.RequestRPS > 0 {
		limit = rate.Limit(r.opts.RequestRPS)
	}
	s := &Session{
		resolver: r,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  r.logger,
	}
	if r.opts.Strategies != nil {
		s.strategies = r.opts.Strategies(s)
	} else {
		s.strategies = DefaultStrategies(s)
	}
	return s
}

func (s *Session) site() listing.Site {
	return s.resolver.site
}

// fetchPage GETs rawURL following redirects and maps hostile statuses to
// typed failures. A 429 sleeps for the cooldown before returning.
func (s *Session) fetchPage(ctx context.Context, rawURL, referer string) (*Page, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.resolver.opts.PageTimeout)
	defer cancel()

	resp, err := s.get(fetchCtx, rawURL, referer, acceptHTML)
	if err != nil {
		return nil, fail(KindTransport, rawURL, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := s.resolver.opts.Cooldown
		if ra := parseRetryAfter(resp.Header); ra > wait && ra <= maxCooldown {
			wait = ra
		}
		s.logger.Warn("listing site rate limited", zap.String("url", rawURL), zap.Duration("cooldown", wait))
		sleepCtx(ctx, wait)
		return nil, fail(KindRateLimited, rawURL, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusForbidden:
		s.logger.Error("listing site denied access", zap.String("url", rawURL))
		return nil, fail(KindAccessDenied, rawURL, resp.StatusCode, nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fail(KindTransport, rawURL, resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fail(KindTransport, rawURL, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return &Page{URL: resp.Request.URL, Referer: referer, HTML: string(body)}, nil
}

// fetchImage downloads one photo. Any failure yields nil.
func (s *Session) fetchImage(ctx context.Context, rawURL, referer string) []byte {
	imgCtx, cancel := context.WithTimeout(ctx, s.resolver.opts.ImageTimeout)
	defer cancel()

	resp, err := s.get(imgCtx, rawURL, referer, acceptImage)
	if err != nil {
		s.logger.Debug("image download failed", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Debug("image download bad status", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

func (s *Session) get(ctx context.Context, rawURL, referer, accept string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	ua := strings.TrimSpace(s.resolver.opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", acceptLanguage)
	if referer == "" {
		referer = s.defaultReferer()
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return s.client.Do(req)
}

func (s *Session) defaultReferer() string {
	domain := s.site().Domain
	if domain == "" {
		return ""
	}
	return (&url.URL{Scheme: "https", Host: "www." + domain, Path: "/"}).String()
}

func parseRetryAfter(hdr http.Header) time.Duration {
	v := strings.TrimSpace(hdr.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
