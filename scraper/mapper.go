package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// Mapper lists candidate URLs for a site.
type Mapper interface {
	Map(ctx context.Context, site string) ([]string, error)
}

var sitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml"}

// SitemapMapper reads a site's XML sitemaps, following sitemap indexes.
type SitemapMapper struct {
	userAgent string
	timeout   time.Duration
	maxURLs   int
	transport http.RoundTripper
}

// NewSitemapMapper builds a mapper returning at most maxURLs per site.
func NewSitemapMapper(userAgent string, timeout time.Duration, maxURLs int) *SitemapMapper {
	return &SitemapMapper{userAgent: userAgent, timeout: timeout, maxURLs: maxURLs}
}

// WithTransport replaces the collector transport, mainly for tests.
func (m *SitemapMapper) WithTransport(rt http.RoundTripper) {
	m.transport = rt
}

// Map returns page URLs from the first sitemap location that yields any.
func (m *SitemapMapper) Map(ctx context.Context, site string) ([]string, error) {
	base := strings.TrimRight(site, "/")
	var lastErr error
	for _, path := range sitemapPaths {
		urls, err := m.collect(ctx, base+path)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Debug("sitemap unavailable", slog.String("url", base+path), slog.Any("error", err))
			continue
		}
		if len(urls) > 0 {
			return urls, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("map %s: %w", site, lastErr)
	}
	return nil, nil
}

func (m *SitemapMapper) collect(ctx context.Context, sitemapURL string) ([]string, error) {
	c := colly.NewCollector(
		colly.UserAgent(m.userAgent),
		colly.MaxDepth(4),
	)
	if m.timeout > 0 {
		c.SetRequestTimeout(m.timeout)
	}
	if m.transport != nil {
		c.WithTransport(m.transport)
	}

	var (
		mu   sync.Mutex
		urls []string
		seen = make(map[string]struct{})
		full bool
	)

	c.OnRequest(func(r *colly.Request) {
		mu.Lock()
		stop := full
		mu.Unlock()
		if stop || ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		child := strings.TrimSpace(e.Text)
		if child == "" {
			return
		}
		if err := e.Request.Visit(child); err != nil && !errors.Is(err, colly.ErrAlreadyVisited) {
			slog.Debug("child sitemap failed", slog.String("url", child), slog.Any("error", err))
		}
	})

	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if full {
			return
		}
		if _, ok := seen[loc]; ok {
			return
		}
		seen[loc] = struct{}{}
		urls = append(urls, loc)
		if m.maxURLs > 0 && len(urls) >= m.maxURLs {
			full = true
		}
	})

	if err := c.Visit(sitemapURL); err != nil {
		return nil, err
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	return urls, nil
}

// RemoteMapper asks the structured extraction service for a site's URLs.
type RemoteMapper struct {
	client  *ExtractClient
	maxURLs int
}

// NewRemoteMapper wraps client.Map with a per-site limit.
func NewRemoteMapper(client *ExtractClient, maxURLs int) *RemoteMapper {
	return &RemoteMapper{client: client, maxURLs: maxURLs}
}

// Map returns the service's URL list for site.
func (m *RemoteMapper) Map(ctx context.Context, site string) ([]string, error) {
	links, err := m.client.Map(ctx, site, m.maxURLs)
	if err != nil {
		return nil, err
	}
	if m.maxURLs > 0 && len(links) > m.maxURLs {
		links = links[:m.maxURLs]
	}
	return links, nil
}
