package models

import "time"

// CrawlStatus is the lifecycle state of a crawl run.
type CrawlStatus string

const (
	CrawlPending   CrawlStatus = "pending"
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
)

// Terminal reports whether no further mutation of the run is allowed.
func (s CrawlStatus) Terminal() bool {
	return s == CrawlCompleted || s == CrawlFailed
}

// CrawlRun tracks one crawl across a set of sites. Counters reflect the last
// flushed discovery batch.
type CrawlRun struct {
	ID               string      `db:"id" json:"id"`
	Sites            []string    `db:"-" json:"sites"`
	Status           CrawlStatus `db:"status" json:"status"`
	URLsDiscovered   int         `db:"urls_discovered" json:"urls_discovered"`
	NewProductsFound int         `db:"new_products_found" json:"new_products_found"`
	NewOffersFound   int         `db:"new_offers_found" json:"new_offers_found"`
	ErrorCount       int         `db:"error_count" json:"error_count"`
	StartedAt        time.Time   `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage     *string     `db:"error_message" json:"error_message,omitempty"`
}

// RedirectAction is the suggested follow-up for an unexpected redirect.
type RedirectAction string

const (
	ActionNone             RedirectAction = ""
	ActionMarkDiscontinued RedirectAction = "mark_discontinued"
	ActionUpdateURL        RedirectAction = "update_url"
)

// RedirectType tags the kind of page a redirect landed on.
type RedirectType string

const (
	RedirectUnknown     RedirectType = "unknown"
	RedirectCategory    RedirectType = "category"
	RedirectProduct     RedirectType = "product"
	RedirectCrossDomain RedirectType = "cross_domain"
)

// RedirectRecommendation is the structured output of redirect classification.
type RedirectRecommendation struct {
	Detected        bool           `json:"detected"`
	RequestedURL    string         `json:"requested_url"`
	FinalURL        string         `json:"final_url,omitempty"`
	Type            RedirectType   `json:"type,omitempty"`
	SuggestedAction RedirectAction `json:"suggested_action,omitempty"`
	Confidence      string         `json:"confidence,omitempty"`
	NeedsReview     bool           `json:"needs_review"`
	Message         string         `json:"message,omitempty"`
}

// Discovery is one product URL found during a crawl, with whatever the fetch
// and extraction produced for it.
type Discovery struct {
	CanonicalURL string                  `json:"canonical_url"`
	URL          string                  `json:"url"`
	Site         string                  `json:"site"`
	Title        string                  `json:"title,omitempty"`
	IsOffer      bool                    `json:"is_offer"`
	OfferDates   []string                `json:"offer_dates,omitempty"`
	Price        *PriceExtractionResult  `json:"price,omitempty"`
	Redirect     *RedirectRecommendation `json:"redirect,omitempty"`
	FetchError   string                  `json:"fetch_error,omitempty"`
	DiscoveredAt time.Time               `json:"discovered_at"`
}

// BatchStats summarises what a flushed batch added to the store.
type BatchStats struct {
	Discovered  int
	NewProducts int
	NewOffers   int
	Errors      int
}

// SupplierProduct is a product URL observed on a supplier site.
type SupplierProduct struct {
	CanonicalURL   string     `db:"canonical_url" json:"canonical_url"`
	URL            string     `db:"url" json:"url"`
	Site           string     `db:"site" json:"site"`
	Title          string     `db:"title" json:"title"`
	IsOffer        bool       `db:"is_offer" json:"is_offer"`
	OfferDates     string     `db:"offer_dates" json:"offer_dates"`
	RedirectAction string     `db:"redirect_action" json:"redirect_action"`
	FirstSeenAt    time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time  `db:"last_seen_at" json:"last_seen_at"`
	LastRunID      string     `db:"last_run_id" json:"last_run_id"`
	DiscontinuedAt *time.Time `db:"discontinued_at" json:"discontinued_at,omitempty"`
}
