package resolver

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.io/infrasutra/listingrelay/internal/listing"
)

// Page is a fetched (or rendered) listing page.
type Page struct {
	URL     *url.URL
	Referer string
	HTML    string

	doc *goquery.Document
}

// Document parses the page markup once and caches the result.
func (p *Page) Document() (*goquery.Document, error) {
	if p.doc != nil {
		return p.doc, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return nil, err
	}
	p.doc = doc
	return doc, nil
}

// absolute resolves ref against the page URL. Only http(s) results are kept.
func (p *Page) absolute(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if p.URL != nil {
		u = p.URL.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// Draft is what a strategy extracts before photos are downloaded.
type Draft struct {
	Title       string
	Price       *int
	Mileage     *int
	Year        *int
	Fuel        string
	Gearbox     string
	Power       string
	Description string
	Specs       listing.Specs
	PhotoURLs   []string
}

// usable reports whether the draft carries the minimal fields of a listing.
func (d Draft) usable() bool {
	return d.Title != "" || d.Price != nil
}

func (d *Draft) addPhoto(u string) {
	if u == "" || len(d.PhotoURLs) >= listing.MaxPhotos {
		return
	}
	for _, existing := range d.PhotoURLs {
		if existing == u {
			return
		}
	}
	d.PhotoURLs = append(d.PhotoURLs, u)
}

// fillFromSpecs derives the well-known fields from technical data rows
// when the strategy did not find them directly.
func (d *Draft) fillFromSpecs() {
	d.Specs.Each(func(key, value string) {
		k := strings.ToLower(key)
		switch {
		case hasAny(k, "erstzulassung", "first registration", "year", "первая регистрация", "год"):
			if d.Year == nil {
				d.Year = listing.ParseYear(value)
			}
		case hasAny(k, "kilometerstand", "mileage", "пробег"):
			if d.Mileage == nil {
				d.Mileage = listing.NormalizeNumber(value)
			}
		case hasAny(k, "kraftstoffart", "fuel", "топливо"):
			if d.Fuel == "" {
				d.Fuel = value
			}
		case hasAny(k, "getriebe", "gearbox", "transmission", "трансмиссия", "коробка"):
			if d.Gearbox == "" {
				d.Gearbox = value
			}
		case hasAny(k, "leistung", "power", "мощность"):
			if d.Power == "" {
				d.Power = value
			}
		}
	})
}

func (d Draft) record(sourceURL, strategy string, photos [][]byte) listing.Record {
	return listing.Record{
		Title:       d.Title,
		Price:       d.Price,
		Mileage:     d.Mileage,
		Year:        d.Year,
		Fuel:        d.Fuel,
		Gearbox:     d.Gearbox,
		Power:       d.Power,
		Description: d.Description,
		Specs:       d.Specs.Clone(),
		Photos:      photos,
		SourceURL:   sourceURL,
		Strategy:    strategy,
	}
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
