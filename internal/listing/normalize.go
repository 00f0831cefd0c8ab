package listing

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	yearPattern    = regexp.MustCompile(`(19|20)\d{2}`)
	pricePattern   = regexp.MustCompile(`(\d[\d\s.,\x{00a0}\x{202f}]*)\s*(€|EUR)`)
	mileagePattern = regexp.MustCompile(`(?i)(\d[\d\s.,\x{00a0}\x{202f}]*)\s*km\b`)
)

// Digits keeps only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeNumber strips every non-digit from s and parses the rest.
// An empty digit string yields nil, never zero.
func NormalizeNumber(s string) *int {
	d := Digits(s)
	if d == "" {
		return nil
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return nil
	}
	return &n
}

// ParseYear returns the first plausible four-digit year in s, e.g. "06/2020".
func ParseYear(s string) *int {
	m := yearPattern.FindString(s)
	if m == "" {
		return nil
	}
	n, _ := strconv.Atoi(m)
	return &n
}

// FindPrice extracts a euro amount from free text such as "Preis: 12 345 €".
func FindPrice(text string) *int {
	m := pricePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return NormalizeNumber(cutDecimals(m[1]))
}

// FindMileage extracts a kilometre figure from text such as "171 278 km".
func FindMileage(text string) *int {
	m := mileagePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return NormalizeNumber(cutDecimals(m[1]))
}

// cutDecimals drops a trailing ",00" style fraction so cents are not read as digits.
func cutDecimals(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, ",."); i >= 0 && len(s)-i-1 == 2 {
		return s[:i]
	}
	return s
}

// IntPtr is a small helper for literals in tests and mappings.
func IntPtr(n int) *int {
	return &n
}
