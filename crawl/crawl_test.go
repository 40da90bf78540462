package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/extractor"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/scraper"
	"github.com/aluiziolira/go-price-watch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const site = "https://shop.example.com"

type fakeMapper map[string][]string

func (m fakeMapper) Map(_ context.Context, site string) ([]string, error) {
	urls, ok := m[site]
	if !ok {
		return nil, errors.New("no sitemap")
	}
	return urls, nil
}

type fakeFetcher struct {
	calls atomic.Int64
	fn    func(ctx context.Context, url string) (*scraper.FetchResult, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*scraper.FetchResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, url)
}

// recordingStore records flushed batch sizes and can hook each save.
type recordingStore struct {
	*store.Store
	mu     sync.Mutex
	sizes  []int
	onSave func(saves int)
}

func (s *recordingStore) SaveDiscoveryBatch(ctx context.Context, runID string, batch []models.Discovery) (models.BatchStats, error) {
	stats, err := s.Store.SaveDiscoveryBatch(ctx, runID, batch)
	if err != nil {
		return stats, err
	}
	s.mu.Lock()
	s.sizes = append(s.sizes, len(batch))
	saves := len(s.sizes)
	s.mu.Unlock()
	if s.onSave != nil {
		s.onSave(saves)
	}
	return stats, nil
}

func (s *recordingStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

func productHTML(price string) string {
	return fmt.Sprintf(`<html><head><title>Widget | Shop</title>
<script type="application/ld+json">{"@type":"Product","name":"Widget","offers":{"price":"%s","priceCurrency":"USD"}}</script>
</head><body><h1>Widget</h1></body></html>`, price)
}

func okResult(url string) *scraper.FetchResult {
	return &scraper.FetchResult{URL: url, HTML: productHTML("19.99"), StatusCode: 200}
}

func productURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/widget-%03d", site, i)
	}
	return urls
}

func setup(t *testing.T, mapper scraper.Mapper, fetcher scraper.Fetcher, opts Options) (*Orchestrator, *recordingStore) {
	t.Helper()
	db, err := store.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rs := &recordingStore{Store: db}
	ext := extractor.New(extractor.OptionsFromConfig(config.DefaultConfig(), nil, nil), nil)
	return New(opts, mapper, fetcher, ext, rs, nil, nil), rs
}

func TestRunFlushesInBatches(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, url string) (*scraper.FetchResult, error) {
		return okResult(url), nil
	}}
	o, rs := setup(t, fakeMapper{site: productURLs(130)}, fetcher, Options{Concurrency: 5, BatchSize: 50})

	report, err := o.Run(context.Background(), []string{site})
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50, 30}, rs.batchSizes())
	assert.Equal(t, 3, report.Flushes)
	assert.Equal(t, models.CrawlCompleted, report.Run.Status)
	assert.Equal(t, 130, report.Run.URLsDiscovered)
	assert.Equal(t, 130, report.Run.NewProductsFound)
	assert.Empty(t, report.Errors)
	assert.False(t, o.Active())

	record, err := rs.GetCatalogRecord(context.Background(), site+"/widget-042")
	require.NoError(t, err)
	assert.Equal(t, "19.99", record.SupplierPrice.Decimal.StringFixed(2))
}

func TestRunInterruptedKeepsFlushedCounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	urls := productURLs(130)
	index := make(map[string]int, len(urls))
	for i, u := range urls {
		index[u] = i
	}
	fetcher := &fakeFetcher{fn: func(ctx context.Context, url string) (*scraper.FetchResult, error) {
		if index[url] >= 100 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okResult(url), nil
	}}
	o, rs := setup(t, fakeMapper{site: urls}, fetcher, Options{Concurrency: 5, BatchSize: 50})
	rs.onSave = func(saves int) {
		if saves == 2 {
			cancel()
		}
	}

	report, err := o.Run(ctx, []string{site})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report.Run)

	assert.Equal(t, models.CrawlFailed, report.Run.Status)
	assert.Equal(t, 100, report.Run.URLsDiscovered)
	require.NotNil(t, report.Run.ErrorMessage)
	assert.Contains(t, *report.Run.ErrorMessage, "interrupted")
	assert.Equal(t, []int{50, 50}, rs.batchSizes())
}

func TestStartRejectsConcurrentCrawl(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, url string) (*scraper.FetchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okResult(url), nil
	}}
	o, _ := setup(t, fakeMapper{site: productURLs(3)}, fetcher, Options{Concurrency: 3, BatchSize: 50})

	h, err := o.Start(context.Background(), []string{site})
	require.NoError(t, err)
	assert.Equal(t, models.CrawlPending, h.Run.Status)
	assert.True(t, o.Active())

	_, err = o.Start(context.Background(), []string{site})
	assert.ErrorIs(t, err, ErrCrawlActive)

	close(release)
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, report.Run.URLsDiscovered)
	assert.False(t, o.Active())

	report, err = o.Run(context.Background(), []string{site})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Run.NewProductsFound)
}

func TestRunClassifiesRedirectsAndCollectsErrors(t *testing.T) {
	mapper := fakeMapper{site: {
		site + "/widget",
		site + "/widget?utm_source=newsletter",
		site + "/old-widget",
		site + "/moved-widget",
		site + "/broken-widget",
		site + "/cart",
		"https://cdn.example.net/widget",
	}}
	fetcher := &fakeFetcher{fn: func(_ context.Context, url string) (*scraper.FetchResult, error) {
		res := okResult(url)
		switch url {
		case site + "/old-widget":
			res.FinalURL = site + "/collections/widgets"
			res.HTML = `<html><body><h1>Widgets</h1><span class="price">$5.00</span></body></html>`
		case site + "/moved-widget":
			res.FinalURL = site + "/new-widget"
		case site + "/broken-widget":
			return nil, scraper.ErrServer{Status: 502, Err: errors.New("bad gateway")}
		}
		return res, nil
	}}
	o, rs := setup(t, mapper, fetcher, Options{Concurrency: 2, BatchSize: 50})

	report, err := o.Run(context.Background(), []string{site})
	require.NoError(t, err)
	assert.Equal(t, int64(4), fetcher.calls.Load())
	assert.Equal(t, 4, report.Run.URLsDiscovered)
	assert.Equal(t, 1, report.Run.ErrorCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, site+"/broken-widget", report.Errors[0].URL)
	assert.Equal(t, "fetch", report.Errors[0].Stage)

	ctx := context.Background()
	urls, err := rs.SupplierURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example.com/broken-widget",
		"https://shop.example.com/moved-widget",
		"https://shop.example.com/widget",
	}, urls)

	_, err = rs.GetCatalogRecord(ctx, site+"/old-widget")
	assert.ErrorIs(t, err, store.ErrNotFound)

	moved, err := rs.GetSupplierProduct(ctx, site+"/moved-widget")
	require.NoError(t, err)
	assert.Equal(t, string(models.ActionUpdateURL), moved.RedirectAction)
	assert.Equal(t, "Widget", moved.Title)
}

func TestRunFailsWhenEveryMapFails(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, url string) (*scraper.FetchResult, error) {
		return okResult(url), nil
	}}
	o, _ := setup(t, fakeMapper{}, fetcher, Options{})

	report, err := o.Run(context.Background(), []string{site, "https://other.example.com"})
	require.Error(t, err)
	assert.Equal(t, models.CrawlFailed, report.Run.Status)
	assert.Len(t, report.Errors, 2)
	assert.Equal(t, "map", report.Errors[0].Stage)
	assert.Zero(t, fetcher.calls.Load())
}

type flakyMapper struct {
	calls    atomic.Int64
	failures int64
	urls     []string
}

func (m *flakyMapper) Map(context.Context, string) ([]string, error) {
	if m.calls.Add(1) <= m.failures {
		return nil, scraper.ErrServer{Status: 502, Err: errors.New("bad gateway")}
	}
	return m.urls, nil
}

func TestRunRetriesTransientMapFailure(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, url string) (*scraper.FetchResult, error) {
		return okResult(url), nil
	}}
	mapper := &flakyMapper{failures: 1, urls: productURLs(3)}
	o, _ := setup(t, mapper, fetcher, Options{Concurrency: 3, BatchSize: 50})
	registry := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, nil)
	o.WithMapGuard(resilience.NewRegistryGuard(registry, "map", resilience.RetryConfig{
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	}))

	report, err := o.Run(context.Background(), []string{site})
	require.NoError(t, err)
	assert.Equal(t, int64(2), mapper.calls.Load())
	assert.Equal(t, models.CrawlCompleted, report.Run.Status)
	assert.Equal(t, 3, report.Run.URLsDiscovered)
	assert.Empty(t, report.Errors)
}

func TestRunWithGuardStopsFetchingWhenBreakerOpens(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, string) (*scraper.FetchResult, error) {
		return nil, scraper.ErrServer{Status: 503, Err: errors.New("unavailable")}
	}}
	o, _ := setup(t, fakeMapper{site: productURLs(6)}, fetcher, Options{Concurrency: 1, BatchSize: 50})
	registry := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, nil)
	o.guard = resilience.NewRegistryGuard(registry, "fetch", resilience.RetryConfig{})

	report, err := o.Run(context.Background(), []string{site})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.calls.Load())
	assert.Equal(t, 6, report.Run.ErrorCount)
	assert.Contains(t, report.Errors[5].Err, resilience.ErrBreakerOpen.Error())
}

func TestRescrape(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		result func(url string) (*scraper.FetchResult, error)
		status RescrapeStatus
		saved  bool
	}{
		{
			name:   "price found",
			url:    site + "/widget",
			result: func(url string) (*scraper.FetchResult, error) { return okResult(url), nil },
			status: RescrapeOK,
			saved:  true,
		},
		{
			name: "fetch failed",
			url:  site + "/widget",
			result: func(string) (*scraper.FetchResult, error) {
				return nil, scraper.ErrTimeout{Err: context.DeadlineExceeded}
			},
			status: RescrapeFetchFailed,
		},
		{
			name: "no price",
			url:  site + "/widget",
			result: func(url string) (*scraper.FetchResult, error) {
				return &scraper.FetchResult{URL: url, HTML: "<html><body><p>Call us</p></body></html>"}, nil
			},
			status: RescrapeNoPrice,
		},
		{
			name: "category redirect",
			url:  site + "/widget",
			result: func(url string) (*scraper.FetchResult, error) {
				return &scraper.FetchResult{URL: url, HTML: "<html></html>", FinalURL: site + "/collections/all", RedirectDetected: true}, nil
			},
			status: RescrapeDiscontinued,
		},
		{
			name: "product redirect",
			url:  site + "/widget",
			result: func(url string) (*scraper.FetchResult, error) {
				res := okResult(url)
				res.FinalURL = site + "/widget-v2"
				return res, nil
			},
			status: RescrapeRedirected,
			saved:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{fn: func(_ context.Context, url string) (*scraper.FetchResult, error) {
				return tt.result(url)
			}}
			o, rs := setup(t, fakeMapper{}, fetcher, Options{})

			out, err := o.Rescrape(context.Background(), tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status)
			assert.NotEmpty(t, out.Message)

			_, err = rs.GetCatalogRecord(context.Background(), "https://shop.example.com/widget")
			if tt.saved {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, store.ErrNotFound)
			}
		})
	}
}

func TestRescrapeRejectsInvalidURL(t *testing.T) {
	o, _ := setup(t, fakeMapper{}, &fakeFetcher{}, Options{})
	_, err := o.Rescrape(context.Background(), "https://")
	assert.ErrorIs(t, err, resilience.ErrValidation)
}

func TestInspectPage(t *testing.T) {
	tests := []struct {
		name  string
		html  string
		title string
		offer bool
		dates []string
	}{
		{
			name:  "og title wins",
			html:  `<html><head><meta property="og:title" content=" Blue  Widget "><title>Shop</title></head><body><h1>Widget</h1></body></html>`,
			title: "Blue Widget",
		},
		{
			name:  "sale badge",
			html:  `<html><body><h1>Widget</h1><span class="onsale">Sale!</span></body></html>`,
			title: "Widget",
			offer: true,
		},
		{
			name:  "percent off keyword",
			html:  `<html><body><h1>Widget</h1><span class="badge">20% off</span></body></html>`,
			title: "Widget",
			offer: true,
		},
		{
			name:  "promotion dates",
			html:  `<html><head><title>Widget</title></head><body><p>Sale ends 31/12/2026.</p><p>Offer valid until March 3, 2027</p><meta itemprop="priceValidUntil" content="2027-03-03"></body></html>`,
			title: "Widget",
			offer: true,
			dates: []string{"2027-03-03", "31/12/2026", "March 3, 2027"},
		},
		{
			name:  "plain page",
			html:  `<html><body><h1>Widget</h1><span class="price">$10.00</span></body></html>`,
			title: "Widget",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := inspectPage(tt.html)
			assert.Equal(t, tt.title, info.Title)
			assert.Equal(t, tt.offer, info.IsOffer)
			assert.Equal(t, tt.dates, info.OfferDates)
		})
	}
}
