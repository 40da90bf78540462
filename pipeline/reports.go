package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-watch/models"
)

// DiscoveryHeader is the CSV header for discovery reports.
var DiscoveryHeader = []string{
	"canonical_url", "url", "site", "title", "is_offer", "offer_dates",
	"sale_price", "original_price", "currency", "confidence", "strategy", "flags",
	"redirect_action", "redirect_final_url", "fetch_error", "discovered_at",
}

// DiscoveryRow maps a discovery to a CSV row.
func DiscoveryRow(d models.Discovery) []string {
	var sale, original, currency, confidence, strategy, flags string
	if d.Price != nil {
		if d.Price.SalePrice != nil {
			sale = d.Price.SalePrice.StringFixed(2)
		}
		if d.Price.OriginalPrice != nil {
			original = d.Price.OriginalPrice.StringFixed(2)
		}
		currency = d.Price.Currency
		confidence = string(d.Price.Confidence)
		strategy = string(d.Price.Strategy)
		flags = strings.Join(d.Price.Flags, "|")
	}
	var action, finalURL string
	if d.Redirect != nil && d.Redirect.Detected {
		action = string(d.Redirect.SuggestedAction)
		finalURL = d.Redirect.FinalURL
	}
	return []string{
		d.CanonicalURL,
		d.URL,
		d.Site,
		d.Title,
		strconv.FormatBool(d.IsOffer),
		strings.Join(d.OfferDates, "|"),
		sale,
		original,
		currency,
		confidence,
		strategy,
		flags,
		action,
		finalURL,
		d.FetchError,
		d.DiscoveredAt.Format(time.RFC3339),
	}
}

// ResultHeader is the CSV header for reconcile reports.
var ResultHeader = []string{"id", "run_id", "product_type", "canonical_url", "status", "detected_at", "resolved_at"}

// ResultRow maps a reconcile result to a CSV row.
func ResultRow(r models.ReconcileResult) []string {
	resolved := ""
	if r.ResolvedAt != nil {
		resolved = r.ResolvedAt.Format(time.RFC3339)
	}
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.RunID,
		string(r.ProductType),
		r.CanonicalURL,
		string(r.Status),
		r.DetectedAt.Format(time.RFC3339),
		resolved,
	}
}
