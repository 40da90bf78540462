package extractor

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/shopspring/decimal"
)

const (
	profilePriceWeight = 0.6
	profileNameWeight  = 0.2
	profileSKUWeight   = 0.2
	profileHighScore   = 0.7
)

// domPriceSelectors are tried in order; sale classes come first.
var domPriceSelectors = []string{
	".sale-price",
	".special-price",
	".price--sale",
	".price-sale",
	".product-price",
	".price-current",
	".current-price",
	".our-price",
	".woocommerce-Price-amount",
	"#price",
	".price",
}

var wasPriceSelectors = []string{
	".was-price",
	".old-price",
	".compare-at-price",
	".price--compare",
	".price-was",
	".regular-price",
	".original-price",
	".rrp",
	"del",
	"s",
}

var wasPriceSelector = strings.Join(wasPriceSelectors, ", ")

// siteProfile reads the CSS selectors configured for the page's domain.
func siteProfile(p *page) (models.PriceExtractionResult, bool) {
	if p.profile == nil {
		return models.PriceExtractionResult{}, false
	}
	profile := p.profile

	priceSel, priceText := firstText(p.doc, append(append([]string{}, profile.SalePrice...), profile.Price...))
	if priceSel == nil {
		return models.PriceExtractionResult{}, false
	}
	sale, err := parser.ParsePrice(priceText)
	if err != nil {
		return models.PriceExtractionResult{}, false
	}

	res := models.PriceExtractionResult{
		SalePrice: decimalPtr(sale),
		Currency:  parser.NormalizeCurrency(profile.Currency, p.currency),
		Strategy:  models.StrategySiteProfile,
		Evidence:  outerHTML(priceSel),
		Score:     profilePriceWeight,
	}

	if _, text := firstText(p.doc, profile.OriginalPrice); text != "" {
		if original, err := parser.ParsePrice(text); err == nil {
			res.OriginalPrice = decimalPtr(original)
		}
	} else if len(profile.SalePrice) > 0 {
		// a regular price next to a matched sale price is the original
		if _, text := firstText(p.doc, profile.Price); text != "" {
			if regular, err := parser.ParsePrice(text); err == nil && regular.GreaterThan(sale) {
				res.OriginalPrice = decimalPtr(regular)
			}
		}
	}
	if _, name := firstText(p.doc, profile.Name); name != "" {
		res.Name = name
		res.Score += profileNameWeight
	}
	if _, sku := firstText(p.doc, profile.SKU); sku != "" {
		res.SKU = sku
		res.Score += profileSKUWeight
	}
	if res.Score > 1 {
		res.Score = 1
	}
	res.Confidence = models.ConfidenceLow
	if res.Score >= profileHighScore {
		res.Confidence = models.ConfidenceHigh
	}
	return res, true
}

// structuredData reads schema.org Product data from JSON-LD blocks.
func structuredData(p *page) (models.PriceExtractionResult, bool) {
	var found models.PriceExtractionResult
	ok := false
	p.doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return true
		}
		product := findProduct(data)
		if product == nil {
			return true
		}
		res, hit := productResult(product, p.currency)
		if !hit {
			return true
		}
		res.Evidence = truncate(raw, maxEvidence)
		found, ok = res, true
		return false
	})
	return found, ok
}

func findProduct(node any) map[string]any {
	switch v := node.(type) {
	case map[string]any:
		if isProductType(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			if product := findProduct(graph); product != nil {
				return product
			}
		}
		for key, child := range v {
			if key == "@graph" {
				continue
			}
			if product := findProduct(child); product != nil {
				return product
			}
		}
	case []any:
		for _, child := range v {
			if product := findProduct(child); product != nil {
				return product
			}
		}
	}
	return nil
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "Product") || strings.HasSuffix(v, "/Product")
	case []any:
		for _, item := range v {
			if isProductType(item) {
				return true
			}
		}
	}
	return false
}

func productResult(product map[string]any, currency string) (models.PriceExtractionResult, bool) {
	var offers []map[string]any
	switch v := product["offers"].(type) {
	case map[string]any:
		offers = append(offers, v)
	case []any:
		for _, item := range v {
			if offer, ok := item.(map[string]any); ok {
				offers = append(offers, offer)
			}
		}
	}

	for _, offer := range offers {
		price, ok := decimalValue(offer["price"])
		if !ok {
			price, ok = decimalValue(offer["lowPrice"])
		}
		if !ok {
			continue
		}
		res := models.PriceExtractionResult{
			SalePrice:  decimalPtr(price),
			Currency:   parser.NormalizeCurrency(stringValue(offer["priceCurrency"]), currency),
			Confidence: models.ConfidenceHigh,
			Strategy:   models.StrategyStructuredData,
			Name:       stringValue(product["name"]),
			SKU:        stringValue(product["sku"]),
		}
		if list, ok := listPrice(offer["priceSpecification"]); ok {
			res.OriginalPrice = decimalPtr(list)
		}
		return res, true
	}
	return models.PriceExtractionResult{}, false
}

func listPrice(spec any) (decimal.Decimal, bool) {
	var specs []any
	switch v := spec.(type) {
	case map[string]any:
		specs = []any{v}
	case []any:
		specs = v
	}
	for _, item := range specs {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind := stringValue(m["priceType"])
		if strings.Contains(kind, "ListPrice") || strings.Contains(kind, "StrikethroughPrice") {
			if price, ok := decimalValue(m["price"]); ok {
				return price, true
			}
		}
	}
	return decimal.Zero, false
}

// microdata reads itemprop and Open Graph product price markup.
func microdata(p *page) (models.PriceExtractionResult, bool) {
	sources := []struct {
		price    string
		currency string
	}{
		{price: `[itemprop="price"]`, currency: `[itemprop="priceCurrency"]`},
		{price: `meta[property="product:price:amount"]`, currency: `meta[property="product:price:currency"]`},
		{price: `meta[property="og:price:amount"]`, currency: `meta[property="og:price:currency"]`},
	}
	for _, src := range sources {
		sel, text := firstText(p.doc, []string{src.price})
		if sel == nil {
			continue
		}
		price, err := parser.ParsePrice(text)
		if err != nil {
			continue
		}
		_, code := firstText(p.doc, []string{src.currency})
		res := models.PriceExtractionResult{
			SalePrice:  decimalPtr(price),
			Currency:   parser.NormalizeCurrency(code, p.currency),
			Confidence: models.ConfidenceHigh,
			Strategy:   models.StrategyMicrodata,
			Evidence:   outerHTML(sel),
		}
		if _, name := firstText(p.doc, []string{`[itemprop="name"]`, `meta[property="og:title"]`}); name != "" {
			res.Name = name
		}
		if _, sku := firstText(p.doc, []string{`[itemprop="sku"]`}); sku != "" {
			res.SKU = sku
		}
		return res, true
	}
	return models.PriceExtractionResult{}, false
}

// domHeuristic scans common price class names. Results are low confidence.
func domHeuristic(p *page) (models.PriceExtractionResult, bool) {
	for _, selector := range domPriceSelectors {
		var (
			found models.PriceExtractionResult
			ok    bool
		)
		p.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Is(wasPriceSelector) || s.Closest(wasPriceSelector).Length() > 0 {
				return true
			}
			current := s.Clone()
			current.Find(wasPriceSelector).Remove()
			text := current.Text()
			if ins := current.Find("ins"); ins.Length() > 0 {
				text = ins.First().Text()
			}
			price, err := parser.ParsePrice(text)
			if err != nil {
				return true
			}
			found = models.PriceExtractionResult{
				SalePrice:  decimalPtr(price),
				Currency:   p.currency,
				Confidence: models.ConfidenceLow,
				Strategy:   models.StrategyDOMHeuristic,
				Evidence:   outerHTML(s),
			}
			if was, ok := comparePrice(s); ok && was.GreaterThan(price) {
				found.OriginalPrice = decimalPtr(was)
			}
			ok = true
			return false
		})
		if ok {
			return found, true
		}
	}
	return models.PriceExtractionResult{}, false
}

// comparePrice looks for a was-price inside the element or among its siblings.
func comparePrice(s *goquery.Selection) (decimal.Decimal, bool) {
	for _, scope := range []*goquery.Selection{s, s.Parent()} {
		was := scope.Find(wasPriceSelector).First()
		if was.Length() == 0 {
			continue
		}
		if price, err := parser.ParsePrice(was.Text()); err == nil {
			return price, true
		}
	}
	return decimal.Zero, false
}

// firstText returns the first selection among selectors with non-empty
// content, preferring the content attribute used by meta tags and microdata.
func firstText(doc *goquery.Document, selectors []string) (*goquery.Selection, string) {
	for _, selector := range selectors {
		var (
			match *goquery.Selection
			text  string
		)
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			value, ok := s.Attr("content")
			if !ok || strings.TrimSpace(value) == "" {
				value = s.Text()
			}
			value = parser.NormalizeText(value)
			if value == "" {
				return true
			}
			match, text = s, value
			return false
		})
		if match != nil {
			return match, text
		}
	}
	return nil, ""
}

func outerHTML(s *goquery.Selection) string {
	html, err := goquery.OuterHtml(s)
	if err != nil {
		return truncate(s.Text(), maxEvidence)
	}
	return truncate(html, maxEvidence)
}

func decimalValue(v any) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value).Round(2), true
	case string:
		price, err := parser.ParsePrice(value)
		if err != nil {
			return decimal.Zero, false
		}
		return price, true
	case json.Number:
		price, err := decimal.NewFromString(value.String())
		if err != nil {
			return decimal.Zero, false
		}
		return price.Round(2), true
	}
	return decimal.Zero, false
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return parser.NormalizeText(value)
	case float64:
		return decimal.NewFromFloat(value).String()
	case map[string]any:
		// schema.org brand/name objects
		return stringValue(value["name"])
	}
	return ""
}
