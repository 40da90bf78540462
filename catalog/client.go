// Package catalog reads the target commerce platform's product listing and
// links it to supplier URLs in the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/scraper"
	"github.com/jmespath/go-jmespath"
	"github.com/shopspring/decimal"
)

// maxPages bounds pagination against APIs that never return a short page.
const maxPages = 10000

// ErrNotConfigured is returned when no catalog API URL is set.
var ErrNotConfigured = errors.New("catalog API URL not configured")

type fieldPaths struct {
	items        *jmespath.JMESPath
	productID    *jmespath.JMESPath
	variantID    *jmespath.JMESPath
	sourceURL    *jmespath.JMESPath
	price        *jmespath.JMESPath
	comparePrice *jmespath.JMESPath
}

func compileFields(f config.CatalogFields) (fieldPaths, error) {
	var paths fieldPaths
	for _, field := range []struct {
		name string
		expr string
		dst  **jmespath.JMESPath
	}{
		{"items", f.Items, &paths.items},
		{"product_id", f.ProductID, &paths.productID},
		{"variant_id", f.VariantID, &paths.variantID},
		{"source_url", f.SourceURL, &paths.sourceURL},
		{"price", f.Price, &paths.price},
		{"compare_price", f.ComparePrice, &paths.comparePrice},
	} {
		if field.expr == "" {
			continue
		}
		compiled, err := jmespath.Compile(field.expr)
		if err != nil {
			return fieldPaths{}, fmt.Errorf("invalid %s expression %q: %w", field.name, field.expr, err)
		}
		*field.dst = compiled
	}
	if paths.items == nil || paths.productID == nil || paths.sourceURL == nil {
		return fieldPaths{}, fmt.Errorf("items, product_id and source_url expressions are required")
	}
	return paths, nil
}

// Client pages through the platform's product listing.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	fields   fieldPaths
	client   *http.Client
	guard    *resilience.Guard
	metrics  *metrics.Metrics
}

// NewClient builds a platform client. guard may be nil.
func NewClient(cfg *config.Config, guard *resilience.Guard, m *metrics.Metrics) (*Client, error) {
	if cfg.CatalogAPIURL == "" {
		return nil, ErrNotConfigured
	}
	fields, err := compileFields(cfg.CatalogFields)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.CatalogAPIURL, "/"),
		token:    cfg.CatalogAPIToken,
		pageSize: cfg.CatalogPageSize,
		fields:   fields,
		client:   scraper.NewHTTPClient(30 * time.Second),
		guard:    guard,
		metrics:  m,
	}, nil
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

// FetchPage returns the products of one 1-based page.
func (c *Client) FetchPage(ctx context.Context, page int) ([]models.PlatformProduct, error) {
	products, _, err := c.fetchPage(ctx, page)
	return products, err
}

// fetchPage also returns how many items the page listed before unusable
// ones were dropped.
func (c *Client) fetchPage(ctx context.Context, page int) ([]models.PlatformProduct, int, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(c.pageSize))
	endpoint := c.baseURL + "/products?" + query.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	fetch := func(ctx context.Context) (any, error) {
		var body any
		err := scraper.DoJSON(ctx, c.client, c.metrics, "catalog", http.MethodGet, endpoint, nil, header, &body)
		return body, err
	}
	var (
		body any
		err  error
	)
	if c.guard != nil {
		body, err = resilience.Call(ctx, c.guard, fetch)
	} else {
		body, err = fetch(ctx)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("catalog page %d: %w", page, err)
	}
	return c.decode(body)
}

// FetchAll walks pages until one lists fewer items than the page size.
// Items dropped for missing fields still count towards a full page.
func (c *Client) FetchAll(ctx context.Context) ([]models.PlatformProduct, error) {
	var all []models.PlatformProduct
	for page := 1; page <= maxPages; page++ {
		products, listed, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, products...)
		slog.Debug("catalog page fetched",
			slog.Int("page", page),
			slog.Int("items", listed),
			slog.Int("products", len(products)),
		)
		if listed < c.pageSize {
			return all, nil
		}
	}
	return nil, fmt.Errorf("catalog pagination exceeded %d pages", maxPages)
}

func (c *Client) decode(body any) ([]models.PlatformProduct, int, error) {
	raw, err := c.fields.items.Search(body)
	if err != nil {
		return nil, 0, fmt.Errorf("evaluate items expression: %w", err)
	}
	if raw == nil {
		return nil, 0, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, 0, fmt.Errorf("items expression returned %T, want a list", raw)
	}

	products := make([]models.PlatformProduct, 0, len(items))
	for _, item := range items {
		p := models.PlatformProduct{
			ProductID: search(c.fields.productID, item),
			VariantID: search(c.fields.variantID, item),
			SourceURL: search(c.fields.sourceURL, item),
		}
		if p.ProductID == "" {
			continue
		}
		p.Price = searchDecimal(c.fields.price, item)
		p.ComparePrice = searchDecimal(c.fields.comparePrice, item)
		products = append(products, p)
	}
	return products, len(items), nil
}

func search(path *jmespath.JMESPath, data any) string {
	if path == nil {
		return ""
	}
	result, err := path.Search(data)
	if err != nil || result == nil {
		return ""
	}
	switch v := result.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func searchDecimal(path *jmespath.JMESPath, data any) *decimal.Decimal {
	raw := search(path, data)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &d
}
