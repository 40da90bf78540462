package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/scraper"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const livenessCacheSize = 4096

// Liveness is the result of probing one URL.
type Liveness struct {
	URL      string                   `json:"url"`
	Status   models.DiscrepancyStatus `json:"status,omitempty"`
	Code     int                      `json:"code,omitempty"`
	Location string                   `json:"location,omitempty"`
	Err      error                    `json:"-"`
}

// Label is the status, or "error" when the probe failed.
func (l Liveness) Label() string {
	if l.Err != nil {
		return "error"
	}
	return string(l.Status)
}

// LivenessChecker classifies URLs as active, redirect or 404 with HEAD
// requests that do not follow redirects.
type LivenessChecker struct {
	client    *http.Client
	userAgent string
	breaker   *resilience.Breaker
	cache     *expirable.LRU[string, Liveness]
	metrics   *metrics.Metrics
}

// NewLivenessChecker builds a checker. Successful probes are cached for ttl.
// breaker may be nil.
func NewLivenessChecker(userAgent string, timeout, ttl time.Duration, breaker *resilience.Breaker, m *metrics.Metrics) *LivenessChecker {
	client := scraper.NewHTTPClient(timeout)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &LivenessChecker{
		client:    client,
		userAgent: userAgent,
		breaker:   breaker,
		cache:     expirable.NewLRU[string, Liveness](livenessCacheSize, nil, ttl),
		metrics:   m,
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (c *LivenessChecker) WithTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

// Check probes url. Failures are reported on the result, never cached.
func (c *LivenessChecker) Check(ctx context.Context, url string) Liveness {
	if cached, ok := c.cache.Get(url); ok {
		return cached
	}

	var live Liveness
	probe := func() error {
		var err error
		live, err = c.probe(ctx, url)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(probe)
	} else {
		err = probe()
	}
	if err != nil {
		return Liveness{URL: url, Code: live.Code, Err: err}
	}
	c.cache.Add(url, live)
	return live
}

func (c *LivenessChecker) probe(ctx context.Context, url string) (Liveness, error) {
	resp, err := c.do(ctx, http.MethodHead, url)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp, err = c.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		return Liveness{URL: url}, err
	}

	live := Liveness{URL: url, Code: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		live.Status = models.StatusActive
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		live.Status = models.StatusRedirect
		live.Location = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		live.Status = models.StatusNotFound
	default:
		return live, scraper.ClassifyError(fmt.Errorf("liveness %s", url), resp.StatusCode)
	}
	return live, nil
}

func (c *LivenessChecker) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.Join(resilience.ErrValidation, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.metrics.ObserveDuration("liveness", time.Since(start))
	if err != nil {
		c.metrics.IncRequest("liveness", "error")
		return nil, scraper.ClassifyError(err, 0)
	}
	resp.Body.Close()
	c.metrics.IncRequest("liveness", "ok")
	return resp, nil
}
