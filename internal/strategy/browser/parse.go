package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/scrape"
)

// flyerCardSelectors cover the flyer aggregator's layouts, newest first.
var flyerCardSelectors = []string{
	`a[href*="/flyers/"]`,
	`.flyer-card a`,
	`[data-flyer-id] a`,
}

// offerTileSelectors cover item tiles inside a rendered flyer.
var offerTileSelectors = []string{
	`[data-item-id]`,
	`.item-tile`,
	`.flyer-item`,
}

// parseFlyerCards extracts store records from the flyer listing DOM. A card
// needs at least a merchant name and a flyer link to count.
func parseFlyerCards(html, postal string) ([]scrape.StoreRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	seen := make(map[string]struct{})
	var stores []scrape.StoreRecord
	for _, sel := range flyerCardSelectors {
		doc.Find(sel).Each(func(_ int, card *goquery.Selection) {
			href, _ := card.Attr("href")
			name := cardMerchantName(card)
			if name == "" || href == "" {
				return
			}
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			stores = append(stores, scrape.StoreRecord{
				Name:       name,
				Chain:      normalize.Chain(name),
				PostalCode: postal,
				Website:    "https://flipp.com",
				FlyerURL:   absoluteFlyerURL(href),
			})
		})
		if len(stores) > 0 {
			break
		}
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("no flyer cards matched")
	}
	return stores, nil
}

// parseOfferTiles extracts offer records from a rendered flyer DOM. Tiles
// without a parsable price are skipped.
func parseOfferTiles(html, storeName string) ([]scrape.OfferRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var offers []scrape.OfferRecord
	for _, sel := range offerTileSelectors {
		doc.Find(sel).Each(func(_ int, tile *goquery.Selection) {
			offer, ok := tileOffer(tile, storeName)
			if ok {
				offers = append(offers, offer)
			}
		})
		if len(offers) > 0 {
			break
		}
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("no offer tiles matched")
	}
	return offers, nil
}

// parseFlyerTitle pulls the merchant name from a flyer page heading. Empty
// when nothing matches.
func parseFlyerTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range []string{`[data-merchant-name]`, `.flyer-header h1`, `h1`} {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func tileOffer(tile *goquery.Selection, storeName string) (scrape.OfferRecord, bool) {
	name := firstText(tile, `[data-item-name]`, `.item-name`, `.name`, `h3`)
	priceText := firstText(tile, `[data-price]`, `.item-price`, `.price`)
	if name == "" || priceText == "" {
		return scrape.OfferRecord{}, false
	}
	price, err := normalize.Price(priceText)
	if err != nil {
		return scrape.OfferRecord{}, false
	}

	offer := scrape.OfferRecord{
		StoreName:   storeName,
		ProductName: name,
		Brand:       firstText(tile, `.item-brand`, `.brand`),
		Price:       price,
		Unit:        firstText(tile, `.item-unit`, `.unit`),
		Description: firstText(tile, `.item-description`, `.description`),
	}
	if src, ok := tile.Find("img").First().Attr("src"); ok {
		offer.ImageURL = src
	}
	if wasText := firstText(tile, `.item-original-price`, `.original-price`, `.was-price`, `s`, `del`); wasText != "" {
		if original, err := normalize.Price(wasText); err == nil && original > 0 {
			offer.OriginalPrice = &original
			if pct, ok := normalize.DiscountPercent(original, price); ok {
				offer.DiscountPercent = &pct
			}
		}
	}
	return offer, true
}

func cardMerchantName(card *goquery.Selection) string {
	if name, ok := card.Attr("aria-label"); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if name := firstText(card, `.merchant-name`, `.flyer-merchant`, `p`, `span`); name != "" {
		return name
	}
	if alt, ok := card.Find("img").First().Attr("alt"); ok {
		return strings.TrimSpace(alt)
	}
	return ""
}

func firstText(sel *goquery.Selection, selectors ...string) string {
	for _, q := range selectors {
		if text := strings.TrimSpace(sel.Find(q).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func absoluteFlyerURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return "https://flipp.com" + href
}
