package listing

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Class tags a candidate URL found in a message.
type Class int

const (
	ClassUnrelated Class = iota
	ClassListing
	ClassRedirect
	ClassAsset
)

func (c Class) String() string {
	switch c {
	case ClassListing:
		return "listing"
	case ClassRedirect:
		return "redirect"
	case ClassAsset:
		return "asset"
	default:
		return "unrelated"
	}
}

type CandidateURL struct {
	URL   string
	Class Class
}

var (
	urlToken        = regexp.MustCompile(`https?://[^\s<>"']+`)
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".bmp", ".avif"}
)

// Extract scans the plain-text body and the markup body of a message and
// returns the listing and redirect URLs of site, deduplicated, in first-seen order.
func Extract(site Site, text, markup string) []CandidateURL {
	var raw []string
	raw = append(raw, urlToken.FindAllString(text, -1)...)
	raw = append(raw, markupLinks(markup)...)
	raw = append(raw, urlToken.FindAllString(markup, -1)...)

	seen := map[string]struct{}{}
	out := []CandidateURL{}
	for _, candidate := range raw {
		normalized, u, ok := normalizeURL(candidate)
		if !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		class := Classify(site, u)
		if class != ClassListing && class != ClassRedirect {
			continue
		}
		out = append(out, CandidateURL{URL: normalized, Class: class})
	}
	return out
}

// Classify assigns a Class to an already parsed URL.
func Classify(site Site, u *url.URL) Class {
	if isAsset(u) {
		return ClassAsset
	}
	if !site.OwnsHost(u.Host) {
		return ClassUnrelated
	}
	if site.isRedirect(u) {
		return ClassRedirect
	}
	if site.isListing(u) {
		return ClassListing
	}
	return ClassUnrelated
}

func markupLinks(markup string) []string {
	if strings.TrimSpace(markup) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if strings.HasPrefix(strings.ToLower(href), "http") {
			links = append(links, href)
		}
	})
	return links
}

func normalizeURL(raw string) (string, *url.URL, bool) {
	raw = html.UnescapeString(strings.TrimSpace(raw))
	raw = strings.TrimRight(raw, ".,;:!?)]}>'\"")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil, false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), u, true
}

func isAsset(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	q := strings.ToLower(u.RawQuery)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(p, ext) || strings.HasSuffix(q, ext) {
			return true
		}
	}
	return false
}
