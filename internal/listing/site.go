package listing

import (
	"net/url"
	"regexp"
	"strings"
)

// Site describes the one listing-site family an account watches.
type Site struct {
	Name string
	// Domain is the registrable domain of the family, e.g. "mobile.de".
	// A host matches when it equals Domain or is a subdomain of it.
	Domain string
	// ListingPaths match paths of direct listing links.
	ListingPaths []*regexp.Regexp
	// RedirectHosts are hosts whose links are tracking redirects to listings.
	RedirectHosts []string
	// RedirectPaths match redirect paths on any host of the family.
	RedirectPaths []*regexp.Regexp
	// Canonical matches the path of a resolved listing page.
	Canonical *regexp.Regexp
	// PhotoHostHint selects gallery images when no gallery region exists.
	PhotoHostHint string
}

// MobileDE is the default site profile.
var MobileDE = Site{
	Name:   "mobile.de",
	Domain: "mobile.de",
	ListingPaths: []*regexp.Regexp{
		regexp.MustCompile(`/auto-inserat/`),
		regexp.MustCompile(`/details\.html$`),
		regexp.MustCompile(`/подробности\.html$`),
	},
	RedirectHosts: []string{"click.news.mobile.de", "click.mobile.de"},
	RedirectPaths: []*regexp.Regexp{regexp.MustCompile(`/redirect`)},
	Canonical:     regexp.MustCompile(`(/details\.html|/подробности\.html|/auto-inserat/)`),
	PhotoHostHint: "classistatic",
}

// Sites lists the built-in profiles by name.
var Sites = map[string]Site{
	MobileDE.Name: MobileDE,
}

// OwnsHost reports whether host belongs to the site family.
func (s Site) OwnsHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	domain := strings.ToLower(s.Domain)
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Mentions reports whether text references the site family at all.
func (s Site) Mentions(text string) bool {
	return s.Domain != "" && strings.Contains(strings.ToLower(text), strings.ToLower(s.Domain))
}

// IsCanonical reports whether u has the shape of a resolved listing page.
func (s Site) IsCanonical(u *url.URL) bool {
	if u == nil || !s.OwnsHost(u.Host) || s.Canonical == nil {
		return false
	}
	return s.Canonical.MatchString(decodedPath(u))
}

func (s Site) isRedirect(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range s.RedirectHosts {
		if host == strings.ToLower(h) {
			return true
		}
	}
	return matchAny(s.RedirectPaths, decodedPath(u))
}

func (s Site) isListing(u *url.URL) bool {
	return matchAny(s.ListingPaths, decodedPath(u))
}

func decodedPath(u *url.URL) string {
	if p, err := url.PathUnescape(u.EscapedPath()); err == nil {
		return p
	}
	return u.Path
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
