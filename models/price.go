// Package models defines the data structures shared across the pipeline.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfidenceTier is the coarse trust label attached to an extracted price.
type ConfidenceTier string

const (
	ConfidenceHigh ConfidenceTier = "high"
	ConfidenceLow  ConfidenceTier = "low"
)

// StrategySource names the extraction strategy that produced a price.
type StrategySource string

const (
	StrategyNone           StrategySource = "none"
	StrategySiteProfile    StrategySource = "site_profile"
	StrategyStructuredData StrategySource = "structured_data"
	StrategyMicrodata      StrategySource = "microdata"
	StrategyDOMHeuristic   StrategySource = "dom_heuristic"
	StrategyLLMFallback    StrategySource = "llm_fallback"
)

// FlagRoundPrice marks a suspiciously round price for review.
const FlagRoundPrice = "round_price"

// PriceExtractionResult is the outcome of extracting a price from one page.
type PriceExtractionResult struct {
	SalePrice     *decimal.Decimal `json:"sale_price"`
	OriginalPrice *decimal.Decimal `json:"original_price"`
	Currency      string           `json:"currency"`
	Confidence    ConfidenceTier   `json:"confidence_tier"`
	Strategy      StrategySource   `json:"strategy_source"`
	Evidence      string           `json:"html_evidence,omitempty"`
	Score         float64          `json:"score,omitempty"`
	Name          string           `json:"name,omitempty"`
	SKU           string           `json:"sku,omitempty"`
	Flags         []string         `json:"flags,omitempty"`
}

// EmptyResult is the default result for pages without a usable price.
func EmptyResult(currency string) PriceExtractionResult {
	return PriceExtractionResult{
		Currency:   currency,
		Confidence: ConfidenceLow,
		Strategy:   StrategyNone,
	}
}

// HasPrice reports whether a sale price was extracted.
func (r PriceExtractionResult) HasPrice() bool {
	return r.SalePrice != nil
}

// IsHigh reports whether the result carries a high confidence tier.
func (r PriceExtractionResult) IsHigh() bool {
	return r.HasPrice() && r.Confidence == ConfidenceHigh
}

// HasFlag reports whether the result carries the given review flag.
func (r PriceExtractionResult) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// CatalogCacheRecord is the per-product row linking a supplier page to the
// platform catalog.
type CatalogCacheRecord struct {
	CanonicalURL          string              `db:"canonical_url" json:"canonical_url"`
	SupplierURL           string              `db:"supplier_url" json:"supplier_url"`
	SupplierPrice         decimal.NullDecimal `db:"supplier_price" json:"supplier_price"`
	SupplierOriginalPrice decimal.NullDecimal `db:"supplier_original_price" json:"supplier_original_price"`
	SupplierCurrency      string              `db:"supplier_currency" json:"supplier_currency"`
	SupplierConfidence    string              `db:"supplier_confidence" json:"supplier_confidence"`
	SupplierStrategy      string              `db:"supplier_strategy" json:"supplier_strategy"`
	SupplierFlags         string              `db:"supplier_flags" json:"supplier_flags"`
	SupplierCheckedAt     *time.Time          `db:"supplier_checked_at" json:"supplier_checked_at"`
	PlatformProductID     *string             `db:"platform_product_id" json:"platform_product_id"`
	PlatformVariantID     *string             `db:"platform_variant_id" json:"platform_variant_id"`
	PlatformPrice         decimal.NullDecimal `db:"platform_price" json:"platform_price"`
	PlatformComparePrice  decimal.NullDecimal `db:"platform_compare_price" json:"platform_compare_price"`
	PlatformSyncedAt      *time.Time          `db:"platform_synced_at" json:"platform_synced_at"`
}

// PlatformProduct is one product as read from the target commerce platform.
type PlatformProduct struct {
	ProductID    string
	VariantID    string
	SourceURL    string
	Price        *decimal.Decimal
	ComparePrice *decimal.Decimal
}
