package resolver

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.io/infrasutra/listingrelay/internal/listing"
)

var (
	priceSelectors       = []string{`[data-testid="prime-price"]`, `[data-testid="price"]`, `[itemprop="price"]`}
	techDataSelector     = `[data-testid="vdp-tech-data"] dl`
	descriptionSelectors = []string{`[data-testid="description"]`, `section#description`, `[itemprop="description"]`}
	gallerySelector      = `[data-testid="image-gallery"] img`
)

// Markup reads the rendered markup regions: heading, price, technical data,
// description and gallery. It only trusts a page that exposes both a title
// and a price, otherwise later strategies get their turn.
type Markup struct {
	PhotoHostHint string
}

func (Markup) Name() string { return "markup" }

func (m Markup) Extract(_ context.Context, page *Page) (Draft, bool) {
	doc, err := page.Document()
	if err != nil {
		return Draft{}, false
	}

	var d Draft
	d.Title = firstText(doc, "h1")
	d.Price = priceFromDocument(doc)

	rows := doc.Find(techDataSelector)
	if rows.Length() == 0 {
		rows = doc.Find("dl")
	}
	rows.Each(func(_ int, row *goquery.Selection) {
		dts := row.Find("dt")
		dds := row.Find("dd")
		for i := 0; i < dts.Length() && i < dds.Length(); i++ {
			d.Specs.Set(collapseSpace(dts.Eq(i).Text()), collapseSpace(dds.Eq(i).Text()))
		}
	})
	d.fillFromSpecs()
	if d.Mileage == nil {
		d.Mileage = listingMileage(doc)
	}
	d.Description = descriptionText(doc)

	images := doc.Find(gallerySelector)
	if images.Length() == 0 && m.PhotoHostHint != "" {
		images = doc.Find(`img[src*="` + m.PhotoHostHint + `"], img[data-src*="` + m.PhotoHostHint + `"]`)
	}
	images.Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if src == "" || strings.HasPrefix(src, "data:") {
			src, _ = img.Attr("data-src")
		}
		d.addPhoto(page.absolute(src))
	})

	return d, d.Title != "" && d.Price != nil
}

// priceFromDocument looks at the designated price regions first and falls
// back to the first euro amount in the page text.
func priceFromDocument(doc *goquery.Document) *int {
	for _, selector := range priceSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if content, ok := sel.Attr("content"); ok {
			if p := listing.NormalizeNumber(content); p != nil {
				return p
			}
		}
		txt := collapseSpace(sel.Text())
		if p := listing.FindPrice(txt); p != nil {
			return p
		}
		if p := listing.NormalizeNumber(txt); p != nil {
			return p
		}
	}
	return listing.FindPrice(doc.Find("body").Text())
}

func listingMileage(doc *goquery.Document) *int {
	return listing.FindMileage(doc.Find("body").Text())
}

func descriptionText(doc *goquery.Document) string {
	for _, selector := range descriptionSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if txt := blockText(sel); txt != "" {
			return txt
		}
	}
	return ""
}

// blockText returns the text of sel with one line per non-empty text line.
func blockText(sel *goquery.Selection) string {
	sel = sel.Clone()
	sel.Find("br").ReplaceWithHtml("\n")
	sel.Find("p, li, div").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	var lines []string
	for _, line := range strings.Split(sel.Text(), "\n") {
		if line = collapseSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
