package crawl

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-price-watch/parser"
)

const maxOfferDates = 5

// pageInfo is what a product page says about itself beyond its price.
type pageInfo struct {
	Title      string
	IsOffer    bool
	OfferDates []string
}

var offerSelectors = []string{
	".onsale", ".on-sale", ".sale-badge", ".badge--sale", ".product-badge--sale",
	".discount", ".discount-badge", ".promo", ".promotion", ".special-price",
	".price del", ".price s", ".was-price", ".compare-at-price",
}

var (
	offerKeywords = regexp.MustCompile(`(?i)\b(sale|on offer|special offer|promo(tion)?|discount|clearance|\d{1,2}\s?% off)\b`)

	month      = `(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?`
	offerDates = regexp.MustCompile(`(?i)(?:until|ends?|ending|valid (?:through|until|till)|expires?|offer ends)\s*:?\s*(` +
		`\d{4}-\d{2}-\d{2}` +
		`|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}` +
		`|\d{1,2}(?:st|nd|rd|th)?\s+` + month + `,?\s+\d{4}` +
		`|` + month + `\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4})`)
)

// inspectPage reads title, offer markers and promotion end dates from html.
// Malformed markup yields an empty result.
func inspectPage(html string) pageInfo {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pageInfo{}
	}

	info := pageInfo{Title: pageTitle(doc)}

	for _, sel := range offerSelectors {
		if doc.Find(sel).Length() > 0 {
			info.IsOffer = true
			break
		}
	}
	if !info.IsOffer {
		doc.Find("h1, .badge, .label, .tag, .product-label, .price").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if offerKeywords.MatchString(s.Text()) {
				info.IsOffer = true
				return false
			}
			return true
		})
	}

	seen := make(map[string]struct{})
	add := func(date string) {
		date = parser.NormalizeText(date)
		if date == "" || len(info.OfferDates) >= maxOfferDates {
			return
		}
		if _, ok := seen[date]; ok {
			return
		}
		seen[date] = struct{}{}
		info.OfferDates = append(info.OfferDates, date)
	}
	doc.Find(`[itemprop="priceValidUntil"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			add(content)
			return
		}
		add(s.Text())
	})
	for _, match := range offerDates.FindAllStringSubmatch(doc.Find("body").Text(), -1) {
		add(match[1])
	}
	if len(info.OfferDates) > 0 {
		info.IsOffer = true
	}
	return info
}

func pageTitle(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if title := parser.NormalizeText(content); title != "" {
			return title
		}
	}
	if title := parser.NormalizeText(doc.Find("h1").First().Text()); title != "" {
		return title
	}
	return parser.NormalizeText(doc.Find("title").First().Text())
}
