package parser

import (
	"net/url"
	"strings"
)

// nonProductSections are path fragments that never lead to a product page.
var nonProductSections = []string{
	"/cart", "/checkout", "/search", "/blog", "/news", "/account", "/login",
	"/register", "/wishlist", "/contact", "/about", "/faq", "/help", "/terms",
	"/privacy", "/policy", "/policies", "/sitemap", "/tag/", "/tags/", "/page/",
	"/category", "/categories", "/brands", "/wp-", "/feed", "/cdn-cgi",
	".xml", ".pdf", ".jpg", ".jpeg", ".png", ".gif", ".webp", ".css", ".js",
}

// categoryNames are single path segments that denote listing pages.
var categoryNames = map[string]struct{}{
	"products":    {},
	"product":     {},
	"shop":        {},
	"store":       {},
	"sale":        {},
	"offers":      {},
	"specials":    {},
	"promotions":  {},
	"deals":       {},
	"new":         {},
	"brands":      {},
	"collections": {},
	"catalog":     {},
	"catalogue":   {},
	"categories":  {},
	"accessories": {},
	"parts":       {},
	"clearance":   {},
	"all":         {},
}

// categoryMarkers identify listing pages deeper in a path.
var categoryMarkers = []string{
	"/category/", "/categories/", "/product-category/", "/collections/",
}

// PathSegments splits a URL path into its non-empty, lower-cased segments.
func PathSegments(rawURL string) []string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil
	}
	var segments []string
	for _, part := range strings.Split(strings.ToLower(u.Path), "/") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// IsProductPath reports whether a URL looks like a product detail page:
// no denylisted section, one or two path segments, and a single segment that
// is not a known category name.
func IsProductPath(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, section := range nonProductSections {
		if strings.Contains(path, section) {
			return false
		}
	}

	segments := PathSegments(rawURL)
	switch len(segments) {
	case 1:
		_, isCategory := categoryNames[segments[0]]
		return !isCategory
	case 2:
		return true
	default:
		return false
	}
}

// IsCategoryPath reports whether a URL looks like a category or listing page,
// including the site root.
func IsCategoryPath(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	segments := PathSegments(rawURL)
	if len(segments) == 0 {
		return true
	}
	if len(segments) == 1 {
		if _, ok := categoryNames[segments[0]]; ok {
			return true
		}
	}

	path := strings.ToLower(u.Path) + "/"
	if strings.Contains(path, "/products/") {
		return false
	}
	for _, marker := range categoryMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return strings.Contains(path, "/category") || strings.Contains(path, "/search")
}
