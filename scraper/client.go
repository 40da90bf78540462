// Package scraper talks to the external services that fetch pages, extract
// structured data and map site URLs.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
)

const maxResponseBytes = 20 << 20

// FetchOptions are passed to the fetch service with every request.
type FetchOptions struct {
	RenderJS bool
	ProxyURL string
	Stealth  bool
	Timeout  time.Duration
}

// FetchResult is the rendered page returned by the fetch service.
type FetchResult struct {
	URL              string
	HTML             string
	StatusCode       int
	Headers          map[string]string
	FinalURL         string
	RedirectDetected bool
	RedirectType     models.RedirectType
}

// Fetcher fetches the HTML of one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

type scrapeRequest struct {
	URL       string `json:"url"`
	RenderJS  bool   `json:"render_js"`
	ProxyURL  string `json:"proxy_url,omitempty"`
	Stealth   bool   `json:"stealth"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		HTML             string            `json:"html"`
		Status           int               `json:"status"`
		Headers          map[string]string `json:"headers"`
		FinalURL         string            `json:"final_url"`
		RedirectDetected bool              `json:"redirect_detected"`
		RedirectType     string            `json:"redirect_type"`
	} `json:"data"`
	Detail *serviceErrorDetail `json:"detail"`
}

type serviceErrorDetail struct {
	Message   string `json:"message"`
	URL       string `json:"url"`
	ErrorType string `json:"error_type"`
}

// ServiceClient calls the HTML fetch service.
type ServiceClient struct {
	baseURL string
	opts    FetchOptions
	client  *http.Client
	metrics *metrics.Metrics
}

// NewServiceClient builds a fetch service client from cfg.
func NewServiceClient(cfg *config.Config, m *metrics.Metrics) *ServiceClient {
	opts := FetchOptions{
		RenderJS: cfg.RenderJS,
		ProxyURL: cfg.ProxyURL,
		Stealth:  cfg.Stealth,
		Timeout:  cfg.FetchTimeout,
	}
	return &ServiceClient{
		baseURL: strings.TrimRight(cfg.FetchServiceURL, "/"),
		opts:    opts,
		client:  NewHTTPClient(opts.Timeout + 5*time.Second),
		metrics: m,
	}
}

// NewHTTPClient returns a client with pooled keep-alive connections.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (c *ServiceClient) WithTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

// Fetch asks the service to load url and returns the rendered HTML.
func (c *ServiceClient) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(scrapeRequest{
		URL:       url,
		RenderJS:  c.opts.RenderJS,
		ProxyURL:  c.opts.ProxyURL,
		Stealth:   c.opts.Stealth,
		TimeoutMS: c.opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode scrape request: %w", err)
	}

	var decoded scrapeResponse
	if err := c.do(ctx, "fetch", http.MethodPost, c.baseURL+"/scrape", body, &decoded); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if !decoded.Success {
		msg := "fetch service reported failure"
		if decoded.Detail != nil && decoded.Detail.Message != "" {
			msg = decoded.Detail.Message
		}
		return nil, fmt.Errorf("fetch %s: %w", url, ErrServer{Status: http.StatusBadGateway, Err: fmt.Errorf("%s", msg)})
	}

	result := &FetchResult{
		URL:              url,
		HTML:             decoded.Data.HTML,
		StatusCode:       decoded.Data.Status,
		Headers:          decoded.Data.Headers,
		FinalURL:         decoded.Data.FinalURL,
		RedirectDetected: decoded.Data.RedirectDetected,
		RedirectType:     models.RedirectType(decoded.Data.RedirectType),
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("fetch %s: %w", url, ClassifyError(nil, result.StatusCode))
	}
	return result, nil
}

// Health checks that the fetch service is up.
func (c *ServiceClient) Health(ctx context.Context) error {
	var decoded struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "fetch_health", http.MethodGet, c.baseURL+"/health", nil, &decoded); err != nil {
		return fmt.Errorf("fetch service health: %w", err)
	}
	if decoded.Status != "ok" {
		return fmt.Errorf("fetch service health: status %q", decoded.Status)
	}
	return nil
}

func (c *ServiceClient) do(ctx context.Context, dependency, method, url string, body []byte, out any) error {
	return DoJSON(ctx, c.client, c.metrics, dependency, method, url, body, nil, out)
}

// DoJSON issues a JSON request and decodes a JSON response. Non-2xx responses
// are classified into the typed errors of this package; FastAPI style
// {"detail": {...}} bodies provide the message.
func DoJSON(ctx context.Context, client *http.Client, m *metrics.Metrics, dependency, method, url string, body []byte, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	m.ObserveDuration(dependency, time.Since(start))
	if err != nil {
		classified := ClassifyError(err, 0)
		m.IncRequest(dependency, "error")
		m.IncError(ErrorTypeLabel(classified))
		return classified
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		m.IncRequest(dependency, "error")
		return ErrConnection{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		classified := ClassifyError(fmt.Errorf("%s", serviceMessage(data, resp.StatusCode)), resp.StatusCode)
		m.IncRequest(dependency, "error")
		m.IncError(ErrorTypeLabel(classified))
		slog.Debug("service error response",
			slog.String("dependency", dependency),
			slog.Int("status", resp.StatusCode),
			slog.String("url", url),
		)
		return classified
	}

	m.IncRequest(dependency, "ok")
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func serviceMessage(data []byte, status int) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		var detail serviceErrorDetail
		if len(envelope.Detail) > 0 && json.Unmarshal(envelope.Detail, &detail) == nil && detail.Message != "" {
			if detail.ErrorType != "" {
				return detail.ErrorType + ": " + detail.Message
			}
			return detail.Message
		}
		var text string
		if len(envelope.Detail) > 0 && json.Unmarshal(envelope.Detail, &text) == nil && text != "" {
			return text
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return fmt.Sprintf("http status %d", status)
}
