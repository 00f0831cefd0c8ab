package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.io/infrasutra/listingrelay/internal/listing"
)

const maxJSONDepth = 16

var (
	// Keys under which the site's client-side state keeps the listing object.
	listingKeys = []string{"ad", "listing", "vehicle", "adDetails"}
	// Globals assigned in inline scripts.
	stateGlobals = []string{"window.__INITIAL_STATE__", "window.__PRELOADED_STATE__", "__INITIAL_STATE__"}
	photoKeys    = []string{"images", "galleryImages", "photos", "image"}
)

// EmbeddedData reads the JSON payload the site ships for its own client-side
// rendering and maps the listing sub-object directly.
type EmbeddedData struct{}

func (EmbeddedData) Name() string { return "embedded" }

func (EmbeddedData) Extract(_ context.Context, page *Page) (Draft, bool) {
	doc, err := page.Document()
	if err != nil {
		return Draft{}, false
	}
	for _, payload := range embeddedPayloads(doc) {
		var root any
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil {
			continue
		}
		obj := findListing(root, 0)
		if obj == nil {
			continue
		}
		d := mapListing(obj, page)
		if d.usable() {
			return d, true
		}
	}
	return Draft{}, false
}

// embeddedPayloads returns candidate JSON documents in priority order.
func embeddedPayloads(doc *goquery.Document) []string {
	var next, state, typed []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		body := strings.TrimSpace(s.Text())
		if body == "" {
			return
		}
		id, _ := s.Attr("id")
		typ, _ := s.Attr("type")
		switch {
		case id == "__NEXT_DATA__":
			next = append(next, body)
		case strings.Contains(typ, "json"):
			typed = append(typed, body)
		default:
			for _, global := range stateGlobals {
				i := strings.Index(body, global)
				if i < 0 {
					continue
				}
				rest := body[i+len(global):]
				if j := strings.Index(rest, "{"); j >= 0 && strings.TrimSpace(rest[:j]) == "=" {
					state = append(state, rest[j:])
					break
				}
			}
		}
	})
	out := append(next, state...)
	return append(out, typed...)
}

// findListing walks the decoded payload depth-first and returns the first
// object that looks like a listing.
func findListing(v any, depth int) map[string]any {
	if depth > maxJSONDepth {
		return nil
	}
	switch node := v.(type) {
	case map[string]any:
		for _, key := range listingKeys {
			if child, ok := node[key].(map[string]any); ok && hasTitle(child) {
				return child
			}
		}
		if isVehicleLD(node) {
			return node
		}
		for _, key := range sortedKeys(node) {
			if found := findListing(node[key], depth+1); found != nil {
				return found
			}
		}
		if hasTitle(node) && node["price"] != nil {
			return node
		}
	case []any:
		for _, item := range node {
			if found := findListing(item, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func hasTitle(obj map[string]any) bool {
	return stringOf(obj["title"]) != "" || (isVehicleLD(obj) && stringOf(obj["name"]) != "")
}

// isVehicleLD matches schema.org Car/Vehicle/Product objects.
func isVehicleLD(obj map[string]any) bool {
	switch strings.ToLower(stringOf(obj["@type"])) {
	case "car", "vehicle", "product", "motorizedbicycle":
		return true
	}
	return false
}

func mapListing(obj map[string]any, page *Page) Draft {
	var d Draft
	d.Title = firstString(obj, "title", "name")
	d.Price = firstNumber(obj, "price", "offers")
	d.Mileage = firstNumber(obj, "mileageInKm", "mileage", "mileageFromOdometer")
	d.Year = firstYear(obj, "firstRegistration", "firstRegistrationDate", "dateVehicleFirstRegistered", "productionDate", "year")
	d.Fuel = firstString(obj, "fuel", "fuelType")
	d.Gearbox = firstString(obj, "transmission", "gearbox", "vehicleTransmission")
	d.Power = firstString(obj, "power", "enginePower")
	d.Description = plainText(firstString(obj, "description", "htmlDescription"))

	if attrs, ok := obj["attributes"]; ok {
		addAttributes(&d.Specs, attrs)
	}
	d.fillFromSpecs()

	for _, key := range photoKeys {
		collectPhotos(&d, obj[key], page)
	}
	return d
}

func addAttributes(specs *listing.Specs, v any) {
	switch attrs := v.(type) {
	case []any:
		for _, item := range attrs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label := firstString(m, "label", "name", "tag", "key")
			value := firstString(m, "value", "text")
			if label != "" && value != "" {
				specs.Set(label, value)
			}
		}
	case map[string]any:
		for _, key := range sortedKeys(attrs) {
			if value := stringOf(attrs[key]); value != "" {
				specs.Set(key, value)
			}
		}
	}
}

func collectPhotos(d *Draft, v any, page *Page) {
	switch photos := v.(type) {
	case string:
		d.addPhoto(page.absolute(expandSize(photos)))
	case []any:
		for _, item := range photos {
			collectPhotos(d, item, page)
		}
	case map[string]any:
		d.addPhoto(page.absolute(expandSize(firstString(photos, "uri", "url", "src", "contentUrl"))))
	}
}

// expandSize fills the size placeholder of templated image URLs.
func expandSize(u string) string {
	return strings.ReplaceAll(u, "{size}", "1024")
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringOf(obj[key]); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(obj map[string]any, keys ...string) *int {
	for _, key := range keys {
		if n := numberOf(obj[key], 0); n != nil {
			return n
		}
	}
	return nil
}

func firstYear(obj map[string]any, keys ...string) *int {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 1900 {
				year := int(n)
				return &year
			}
		default:
			if y := listing.ParseYear(stringOf(v)); y != nil {
				return y
			}
		}
	}
	return nil
}

// numberOf reads integers from numbers, digit strings, or price-like objects
// such as {"grossAmount": 9000} or {"value": "12.345 €"}.
func numberOf(v any, depth int) *int {
	if depth > 3 {
		return nil
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			out := int(i)
			return &out
		}
		if f, err := n.Float64(); err == nil {
			out := int(f)
			return &out
		}
	case float64:
		out := int(n)
		return &out
	case string:
		if p := listing.FindPrice(n); p != nil {
			return p
		}
		return listing.NormalizeNumber(n)
	case map[string]any:
		for _, key := range []string{"grossAmount", "amount", "value", "price", "gross", "consumerPriceGross"} {
			if out := numberOf(n[key], depth+1); out != nil {
				return out
			}
		}
	case []any:
		for _, item := range n {
			if out := numberOf(item, depth+1); out != nil {
				return out
			}
		}
	}
	return nil
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case bool:
		return fmt.Sprint(s)
	case map[string]any:
		return firstString(s, "formatted", "localized", "text", "value", "name", "label")
	}
	return ""
}

func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return blockText(doc.Selection)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
