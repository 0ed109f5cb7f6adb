// Package normalize holds the pure normalization helpers shared by every
// strategy: postal code canonicalization, price and date parsing, chain
// detection, and discount derivation. No state, no I/O.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseError flags a malformed field value. It is non-fatal: callers log it
// and skip the offending item, scraping continues.
type ParseError struct {
	Field string
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: malformed value %q", e.Field, e.Input)
}

// PostalCode canonicalizes a postal code: strip whitespace, uppercase, and
// for 6-character codes insert a single space after the third character
// ("M5V3A8" -> "M5V 3A8"). Other lengths pass through unchanged. The
// function is total and idempotent.
func PostalCode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	cleaned := b.String()
	if len(cleaned) == 6 {
		return cleaned[:3] + " " + cleaned[3:]
	}
	return cleaned
}

// Price extracts a numeric price from a raw string. Every character that is
// not a digit, comma, or period is stripped. When both comma and period are
// present the comma is a thousands separator and is dropped. When only
// commas appear, the string is decimal-separated if the substring after the
// last comma has length <= 2; otherwise the commas are thousands separators.
// On empty input or parse failure the result is 0.0 with a *ParseError.
//
// The comma heuristic is a deliberate locale guess carried over from the
// markets this feed covers; downstream tests depend on its exact behavior.
func Price(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, &ParseError{Field: "price", Input: s}
	}

	hasComma := strings.Contains(cleaned, ",")
	hasPeriod := strings.Contains(cleaned, ".")
	switch {
	case hasComma && hasPeriod:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case hasComma:
		idx := strings.LastIndex(cleaned, ",")
		if len(cleaned)-idx-1 <= 2 {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, &ParseError{Field: "price", Input: s}
	}
	return v, nil
}

// chainEntry pairs a lowercase name fragment with its canonical chain name.
// Order matters: the first match wins.
type chainEntry struct {
	fragment string
	chain    string
}

var chainTable = []chainEntry{
	{"no frills", "No Frills"},
	{"loblaws", "Loblaws"},
	{"metro", "Metro"},
	{"sobeys", "Sobeys"},
	{"foodland", "Foodland"},
	{"freshco", "FreshCo"},
	{"giant tiger", "Giant Tiger"},
	{"walmart", "Walmart"},
}

// Chain extracts the retail chain from a store name by case-insensitive
// substring match against a fixed ordered table. No match returns the input
// unchanged.
func Chain(storeName string) string {
	lower := strings.ToLower(storeName)
	for _, entry := range chainTable {
		if strings.Contains(lower, entry.fragment) {
			return entry.chain
		}
	}
	return storeName
}

// DiscountPercent derives the rounded discount percentage. It is defined only
// when original > current > 0; otherwise ok is false and no discount is
// asserted.
func DiscountPercent(original, current float64) (int, bool) {
	if !(original > current && current > 0) {
		return 0, false
	}
	pct := (original - current) / original * 100
	return int(pct + 0.5), true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
}

// Date parses a validity-window date from the formats the upstream feeds
// emit. The time portion is discarded; the result is a UTC civil date.
func Date(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &ParseError{Field: "date", Input: s}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, &ParseError{Field: "date", Input: s}
}
