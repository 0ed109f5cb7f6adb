package dococr

import (
	"regexp"
	"strings"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/scrape"
)

// priceLine matches "<product> ... $<price>" with an optional struck-through
// "was" price trailing it. Column layouts from pdftotext collapse to runs of
// spaces, which the product capture absorbs.
var priceLine = regexp.MustCompile(`^(.{3,80}?)\s{1,}\$?\s?(\d{1,4}(?:[.,]\d{2}))(?:\s+(?:was|reg\.?)\s+\$?\s?(\d{1,4}(?:[.,]\d{2})))?\s*$`)

// skipWords mark lines that are flyer chrome rather than products.
var skipWords = []string{"page", "valid", "store hours", "prices effective", "while supplies", "flyer"}

// parseFlyerText mines offer records out of extracted flyer text, one
// product per matching line.
func parseFlyerText(text, storeName string) []scrape.OfferRecord {
	var offers []scrape.OfferRecord
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || isChrome(line) {
			continue
		}
		m := priceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name == "" || looksNumeric(name) {
			continue
		}
		price, err := normalize.Price(m[2])
		if err != nil || price <= 0 {
			continue
		}
		offer := scrape.OfferRecord{
			StoreName:   storeName,
			ProductName: name,
			Price:       price,
		}
		if m[3] != "" {
			if original, err := normalize.Price(m[3]); err == nil && original > 0 {
				offer.OriginalPrice = &original
				if pct, ok := normalize.DiscountPercent(original, price); ok {
					offer.DiscountPercent = &pct
				}
			}
		}
		offers = append(offers, offer)
	}
	return offers
}

func isChrome(line string) bool {
	lower := strings.ToLower(line)
	for _, word := range skipWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func looksNumeric(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return false
		}
	}
	return true
}
