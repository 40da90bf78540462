package config

import (
	"fmt"
	"net/url"
	"time"
)

// Policies for suspiciously round prices.
const (
	RoundPriceFlag   = "flag"
	RoundPriceReject = "reject"
	RoundPriceIgnore = "ignore"
)

// Policies for discrepancies already pending from earlier reconcile runs.
const (
	DedupNone            = "none"
	DedupSuppressPending = "suppress_pending"
)

// URL map sources.
const (
	MapperSitemap = "sitemap"
	MapperService = "service"
)

// Config holds pipeline configuration.
type Config struct {
	Sites []string

	FetchServiceURL   string
	ExtractServiceURL string
	ProxyURL          string
	RenderJS          bool
	Stealth           bool
	FetchTimeout      time.Duration

	Concurrency    int
	BatchDelay     time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	MapperMode     string
	MaxURLsPerSite int
	DedupeMaxSize  int

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration

	Currency         string
	MinPrice         float64
	MaxPrice         float64
	LLMFallback      bool
	RoundPricePolicy string
	ProfilesFile     string

	DatabaseDriver string
	DatabaseDSN    string

	CatalogAPIURL   string
	CatalogAPIToken string
	CatalogPageSize int
	CatalogFields   CatalogFields

	DedupPolicy      string
	LivenessCacheTTL time.Duration

	MetricsAddr string
	UserAgent   string
	Verbose     bool
}

// CatalogFields are JMESPath expressions locating product fields in the
// platform API response.
type CatalogFields struct {
	Items        string `yaml:"items"`
	ProductID    string `yaml:"product_id"`
	VariantID    string `yaml:"variant_id"`
	SourceURL    string `yaml:"source_url"`
	Price        string `yaml:"price"`
	ComparePrice string `yaml:"compare_price"`
}

// DefaultCatalogFields matches a Shopify-style product listing whose source
// URL lives in a metafield.
func DefaultCatalogFields() CatalogFields {
	return CatalogFields{
		Items:        "products",
		ProductID:    "id",
		VariantID:    "variants[0].id",
		SourceURL:    "metafields[?key=='source_url'].value | [0]",
		Price:        "variants[0].price",
		ComparePrice: "variants[0].compare_at_price",
	}
}

// DefaultConfig returns conservative defaults that respect upstream rate limits.
func DefaultConfig() *Config {
	return &Config{
		FetchServiceURL:         "http://localhost:8002",
		ExtractServiceURL:       "",
		Stealth:                 true,
		FetchTimeout:            45 * time.Second,
		Concurrency:             3,
		BatchDelay:              2 * time.Second,
		BatchSize:               50,
		FlushInterval:           10 * time.Minute,
		MapperMode:              MapperSitemap,
		MaxURLsPerSite:          5000,
		DedupeMaxSize:           100000,
		MaxRetries:              3,
		RetryBackoff:            500 * time.Millisecond,
		RetryBackoffMax:         8 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerResetTimeout:     60 * time.Second,
		Currency:                "USD",
		MinPrice:                1,
		MaxPrice:                50000,
		LLMFallback:             true,
		RoundPricePolicy:        RoundPriceFlag,
		DatabaseDriver:          "sqlite",
		DatabaseDSN:             "pricewatch.db",
		CatalogPageSize:         250,
		CatalogFields:           DefaultCatalogFields(),
		DedupPolicy:             DedupNone,
		LivenessCacheTTL:        30 * time.Minute,
		UserAgent:               "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateServiceURL("fetch service URL", c.FetchServiceURL, true); err != nil {
		return err
	}
	if err := validateServiceURL("extract service URL", c.ExtractServiceURL, false); err != nil {
		return err
	}
	if err := validateServiceURL("catalog API URL", c.CatalogAPIURL, false); err != nil {
		return err
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("batch delay cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.MapperMode != MapperSitemap && c.MapperMode != MapperService {
		return fmt.Errorf("mapper mode must be sitemap or service")
	}
	if c.MapperMode == MapperService && c.ExtractServiceURL == "" {
		return fmt.Errorf("mapper mode service requires an extract service URL")
	}
	if c.MaxURLsPerSite <= 0 {
		return fmt.Errorf("max urls per site must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.BreakerSuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive")
	}
	if c.BreakerResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code")
	}
	if c.MinPrice < 0 {
		return fmt.Errorf("min price cannot be negative")
	}
	if c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("max price must exceed min price")
	}
	switch c.RoundPricePolicy {
	case RoundPriceFlag, RoundPriceReject, RoundPriceIgnore:
	default:
		return fmt.Errorf("round price policy must be flag, reject, or ignore")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database driver must be sqlite or postgres")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.CatalogPageSize <= 0 {
		return fmt.Errorf("catalog page size must be positive")
	}
	if c.DedupPolicy != DedupNone && c.DedupPolicy != DedupSuppressPending {
		return fmt.Errorf("dedup policy must be none or suppress_pending")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	for _, site := range c.Sites {
		if err := validateServiceURL("site", site, true); err != nil {
			return err
		}
	}

	return nil
}

func validateServiceURL(label, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s cannot be empty", label)
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", label)
	}
	return nil
}
