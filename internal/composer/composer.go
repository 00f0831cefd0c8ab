// Package composer turns a resolved listing into channel-ready post text.
package composer

import (
	"fmt"
	"strings"

	"github.io/infrasutra/listingrelay/internal/listing"
)

// Input is what the composer knows about one listing.
type Input struct {
	Title       string
	Price       *int
	Mileage     *int
	Year        *int
	Fuel        string
	Gearbox     string
	Power       string
	Description string
	URL         string
	Specs       listing.Specs
	Language    string
	MarkupEUR   int
}

// InputFromRecord maps a resolved record onto composer input.
func InputFromRecord(rec listing.Record, language string, markupEUR int) Input {
	return Input{
		Title:       rec.Title,
		Price:       rec.Price,
		Mileage:     rec.Mileage,
		Year:        rec.Year,
		Fuel:        rec.Fuel,
		Gearbox:     rec.Gearbox,
		Power:       rec.Power,
		Description: rec.Description,
		URL:         rec.SourceURL,
		Specs:       rec.Specs,
		Language:    language,
		MarkupEUR:   markupEUR,
	}
}

// FinalPrice is the advertised price: the source price (zero when unknown)
// plus the account markup.
func FinalPrice(base *int, markupEUR int) int {
	price := 0
	if base != nil {
		price = *base
	}
	return price + markupEUR
}

// Fallback is the deterministic text used when composition fails: title,
// final price when positive, and the source URL, one per line.
func Fallback(in Input) string {
	var lines []string
	if title := strings.TrimSpace(in.Title); title != "" {
		lines = append(lines, title)
	}
	if final := FinalPrice(in.Price, in.MarkupEUR); final > 0 {
		lines = append(lines, fmt.Sprintf("Цена: %s €", FormatEUR(final)))
	}
	if u := strings.TrimSpace(in.URL); u != "" {
		lines = append(lines, u)
	}
	return strings.Join(lines, "\n")
}

// FormatEUR groups thousands with a space: 12345 -> "12 345".
func FormatEUR(n int) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := fmt.Sprint(n)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return sign + b.String()
}

// preferredSpecs are listed first in prompts, in this order.
var preferredSpecs = []string{
	"Kilometerstand", "Erstzulassung", "Hubraum", "Leistung", "Kraftstoffart", "Getriebe", "Kategorie", "Farbe",
	"Пробег", "Первая регистрация", "Объем двигателя", "Мощность", "Топливо", "Трансмиссия", "Категория", "Цвет", "Кузов",
}

func specsText(specs listing.Specs) string {
	if specs.Len() == 0 {
		return "(no extra specs)"
	}
	var lines []string
	used := map[string]bool{}
	for _, key := range preferredSpecs {
		if v, ok := specs.Get(key); ok && v != "" {
			lines = append(lines, key+": "+v)
			used[key] = true
		}
	}
	specs.Each(func(key, value string) {
		if used[key] || value == "" {
			return
		}
		lines = append(lines, key+": "+value)
	})
	return strings.Join(lines, "\n")
}

const systemPrompt = "You are an experienced automotive copywriter. " +
	"You create engaging but concise car sale posts for a Telegram channel. " +
	"Always write in the requested language."

func userPrompt(in Input) string {
	language := in.Language
	if language == "" {
		language = "ru"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short Telegram post in language: %s.\n", language)
	b.WriteString("Goal: create an attractive car sale listing for a Telegram channel.\n\n")
	b.WriteString("Requirements for the output:\n")
	b.WriteString("- Start with a catchy, short title (one line).\n")
	b.WriteString("- Then add a short bullet list with key specs (max 6 bullets).\n")
	b.WriteString("- Explicitly show the final sale price with euro symbol (e.g. '9 900 €').\n")
	b.WriteString("- Mention that the price already includes our margin.\n")
	b.WriteString("- Use friendly, trustworthy tone; avoid excessive emojis (0-2 max).\n")
	b.WriteString("- Do NOT use markdown other than simple bullet points and line breaks.\n")
	b.WriteString("- At the end of the post, add the link to the listing on a separate line.\n\n")
	b.WriteString("Source data for this car (you MUST rely on it, do not invent data):\n")
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	fmt.Fprintf(&b, "Base price from source (may be empty): %s\n", optInt(in.Price))
	fmt.Fprintf(&b, "Mileage (km): %s\n", optInt(in.Mileage))
	fmt.Fprintf(&b, "Year: %s\n", optInt(in.Year))
	fmt.Fprintf(&b, "Fuel: %s\n", in.Fuel)
	fmt.Fprintf(&b, "Gearbox: %s\n", in.Gearbox)
	fmt.Fprintf(&b, "Power: %s\n", in.Power)
	fmt.Fprintf(&b, "Description from seller: %s\n", in.Description)
	fmt.Fprintf(&b, "URL: %s\n", in.URL)
	fmt.Fprintf(&b, "Our margin to add: %d EUR\n", in.MarkupEUR)
	fmt.Fprintf(&b, "Final sale price in EUR (already with margin): %d\n\n", FinalPrice(in.Price, in.MarkupEUR))
	b.WriteString("Full technical specs (key = value, use only if helpful):\n")
	b.WriteString(specsText(in.Specs))
	b.WriteString("\n\nNow write the final post text in the requested language.")
	return b.String()
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
