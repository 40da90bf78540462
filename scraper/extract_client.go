package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-watch/metrics"
)

// ExtractClient calls the structured extraction service, which turns a page
// into JSON matching a schema and can list the URLs of a site.
type ExtractClient struct {
	baseURL string
	client  *http.Client
	metrics *metrics.Metrics
}

// NewExtractClient builds a client for the service at baseURL.
func NewExtractClient(baseURL string, timeout time.Duration, m *metrics.Metrics) *ExtractClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExtractClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewHTTPClient(timeout),
		metrics: m,
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (c *ExtractClient) WithTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

// ExtractStructured returns the service's JSON data for url.
func (c *ExtractClient) ExtractStructured(ctx context.Context, url string, schema map[string]any, prompt string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"urls":   []string{url},
		"schema": schema,
		"prompt": prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode extract request: %w", err)
	}

	var decoded struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := DoJSON(ctx, c.client, c.metrics, "extract", http.MethodPost, c.baseURL+"/v1/extract", body, nil, &decoded); err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("extract %s: service reported failure: %s", url, decoded.Error)
	}
	return decoded.Data, nil
}

// Map lists up to limit URLs the service knows for site.
func (c *ExtractClient) Map(ctx context.Context, site string, limit int) ([]string, error) {
	body, err := json.Marshal(map[string]any{"url": site, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("encode map request: %w", err)
	}

	var decoded struct {
		Success bool     `json:"success"`
		Links   []string `json:"links"`
		Error   string   `json:"error"`
	}
	if err := DoJSON(ctx, c.client, c.metrics, "map", http.MethodPost, c.baseURL+"/v1/map", body, nil, &decoded); err != nil {
		return nil, fmt.Errorf("map %s: %w", site, err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("map %s: service reported failure: %s", site, decoded.Error)
	}
	return decoded.Links, nil
}
