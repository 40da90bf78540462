// Package crawl discovers product URLs on supplier sites, fetches and
// classifies them, and streams discoveries to the store in batches.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/aluiziolira/go-price-watch/pipeline"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/scraper"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrCrawlActive is returned when a crawl is started while another one is
// still running on the same orchestrator.
var ErrCrawlActive = errors.New("crawl: a crawl is already running")

// RunStore persists crawl runs and their discoveries.
type RunStore interface {
	CreateRun(ctx context.Context, sites []string) (*models.CrawlRun, error)
	MarkRunning(ctx context.Context, id string) error
	SaveDiscoveryBatch(ctx context.Context, runID string, batch []models.Discovery) (models.BatchStats, error)
	CompleteRun(ctx context.Context, id string) error
	FailRun(ctx context.Context, id, message string) error
	GetRun(ctx context.Context, id string) (*models.CrawlRun, error)
	UpsertSupplierPrice(ctx context.Context, supplierURL string, result models.PriceExtractionResult) error
	MarkDiscontinued(ctx context.Context, canonicalURL string) error
}

// PriceExtractor turns a fetched page into a price result.
type PriceExtractor interface {
	Extract(ctx context.Context, url, html string) models.PriceExtractionResult
}

// Options tunes an Orchestrator.
type Options struct {
	Concurrency    int
	BatchDelay     time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	MaxURLsPerSite int
	DedupeMaxSize  int
}

// OptionsFromConfig copies crawl settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:    cfg.Concurrency,
		BatchDelay:     cfg.BatchDelay,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxURLsPerSite: cfg.MaxURLsPerSite,
		DedupeMaxSize:  cfg.DedupeMaxSize,
	}
}

// ItemError is a per-URL or per-site failure that did not stop the run.
type ItemError struct {
	URL   string `json:"url"`
	Stage string `json:"stage"`
	Err   string `json:"error"`
}

// RunReport is the outcome of one crawl.
type RunReport struct {
	Run     *models.CrawlRun `json:"run"`
	Errors  []ItemError      `json:"errors,omitempty"`
	Flushes int              `json:"flushes"`
}

// Orchestrator runs crawls. At most one crawl runs per instance.
type Orchestrator struct {
	opts      Options
	mapper    scraper.Mapper
	fetcher   scraper.Fetcher
	extractor PriceExtractor
	store     RunStore
	guard     *resilience.Guard
	mapGuard  *resilience.Guard
	metrics   *metrics.Metrics
	export    pipeline.OutputWriter[models.Discovery]

	active atomic.Bool
}

// New builds an orchestrator. guard wraps every fetch and may be nil.
func New(opts Options, mapper scraper.Mapper, fetcher scraper.Fetcher, extractor PriceExtractor, store RunStore, guard *resilience.Guard, m *metrics.Metrics) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.DedupeMaxSize <= 0 {
		opts.DedupeMaxSize = 100000
	}
	return &Orchestrator{
		opts:      opts,
		mapper:    mapper,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		guard:     guard,
		metrics:   m,
	}
}

// WithExport also writes every flushed batch to w. Export failures are logged
// and never fail the run.
func (o *Orchestrator) WithExport(w pipeline.OutputWriter[models.Discovery]) *Orchestrator {
	o.export = w
	return o
}

// WithMapGuard routes site mapping through g. Without it mapping runs
// unguarded.
func (o *Orchestrator) WithMapGuard(g *resilience.Guard) *Orchestrator {
	o.mapGuard = g
	return o
}

// Active reports whether a crawl is in progress.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// Handle tracks a crawl started in the background.
type Handle struct {
	Run *models.CrawlRun

	done   chan struct{}
	report *RunReport
	err    error
}

// Done is closed when the crawl has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the crawl finishes.
func (h *Handle) Wait() (*RunReport, error) {
	<-h.done
	return h.report, h.err
}

// Start creates a run record and crawls sites in the background.
func (o *Orchestrator) Start(ctx context.Context, sites []string) (*Handle, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrCrawlActive
	}
	run, err := o.store.CreateRun(ctx, sites)
	if err != nil {
		o.active.Store(false)
		return nil, err
	}

	h := &Handle{Run: run, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer o.active.Store(false)
		h.report, h.err = o.execute(ctx, run, sites)
	}()
	return h, nil
}

// Run crawls sites and returns once the run is terminal.
func (o *Orchestrator) Run(ctx context.Context, sites []string) (*RunReport, error) {
	h, err := o.Start(ctx, sites)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

type target struct {
	url       string
	canonical string
}

type reportErrors struct {
	mu     sync.Mutex
	errors []ItemError
}

func (r *reportErrors) add(url, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ItemError{URL: url, Stage: stage, Err: err.Error()})
}

func (o *Orchestrator) execute(ctx context.Context, run *models.CrawlRun, sites []string) (*RunReport, error) {
	// bookkeeping must outlive a cancelled crawl
	bg := context.WithoutCancel(ctx)
	logger := slog.With(slog.String("run_id", run.ID))
	errs := &reportErrors{}

	if err := o.store.MarkRunning(ctx, run.ID); err != nil {
		return o.finish(bg, run.ID, nil, errs, fmt.Errorf("mark running: %w", err))
	}
	logger.Info("crawl started", slog.Int("sites", len(sites)))

	batcher := pipeline.NewBatcher(pipeline.BatchWriterFunc(func(ctx context.Context, batch []models.Discovery) error {
		stats, err := o.store.SaveDiscoveryBatch(ctx, run.ID, batch)
		if err != nil {
			return err
		}
		logger.Info("discovery batch saved",
			slog.Int("size", stats.Discovered),
			slog.Int("new_products", stats.NewProducts),
			slog.Int("new_offers", stats.NewOffers),
		)
		if o.export != nil {
			if err := o.export.Write(batch); err != nil {
				logger.Warn("export batch failed", slog.Any("error", err))
			}
		}
		return nil
	}), pipeline.Options{
		BatchSize:     o.opts.BatchSize,
		FlushInterval: o.opts.FlushInterval,
	}, o.metrics)
	batcher.Start(bg)

	seen, err := lru.New[string, struct{}](o.opts.DedupeMaxSize)
	if err != nil {
		_ = batcher.Discard()
		return o.finish(bg, run.ID, batcher, errs, err)
	}

	mapFailures := 0
	var runErr error
	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		targets, err := o.discover(ctx, site, seen)
		if err != nil {
			mapFailures++
			errs.add(site, "map", err)
			logger.Warn("site discovery failed", slog.String("site", site), slog.Any("error", err))
			continue
		}
		if runErr = o.crawlSite(ctx, site, targets, batcher, errs); runErr != nil {
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		_ = batcher.Discard()
		runErr = fmt.Errorf("crawl interrupted: %w", ctx.Err())
	case batcher.Err() != nil:
		_ = batcher.Discard()
		runErr = batcher.Err()
	case runErr != nil:
		_ = batcher.Discard()
	case len(sites) > 0 && mapFailures == len(sites):
		_ = batcher.Discard()
		runErr = fmt.Errorf("discovery failed for every site")
	default:
		runErr = batcher.Close()
	}
	return o.finish(bg, run.ID, batcher, errs, runErr)
}

func (o *Orchestrator) finish(ctx context.Context, runID string, batcher *pipeline.Batcher, errs *reportErrors, runErr error) (*RunReport, error) {
	logger := slog.With(slog.String("run_id", runID))
	if runErr != nil {
		if err := o.store.FailRun(ctx, runID, runErr.Error()); err != nil {
			logger.Error("record run failure", slog.Any("error", err))
		}
		logger.Error("crawl failed", slog.Any("error", runErr))
	} else if err := o.store.CompleteRun(ctx, runID); err != nil {
		runErr = fmt.Errorf("complete run: %w", err)
	}

	report := &RunReport{Errors: errs.errors}
	if batcher != nil {
		report.Flushes, _ = batcher.Stats()
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return report, errors.Join(runErr, err)
	}
	report.Run = run
	if runErr == nil {
		logger.Info("crawl completed",
			slog.Int("urls_discovered", run.URLsDiscovered),
			slog.Int("new_products", run.NewProductsFound),
			slog.Int("new_offers", run.NewOffersFound),
			slog.Int("errors", len(report.Errors)),
		)
	}
	return report, runErr
}

// discover maps site and keeps product-like URLs on the site's own host that
// were not seen earlier in the run.
func (o *Orchestrator) discover(ctx context.Context, site string, seen *lru.Cache[string, struct{}]) ([]target, error) {
	urls, err := o.mapSite(ctx, site)
	if err != nil {
		return nil, err
	}

	host := parser.HostOf(site)
	var targets []target
	for _, u := range urls {
		if parser.HostOf(u) != host || !parser.IsProductPath(u) {
			continue
		}
		canonical, err := parser.CanonicalURL(u)
		if err != nil {
			continue
		}
		if ok, _ := seen.ContainsOrAdd(canonical, struct{}{}); ok {
			continue
		}
		targets = append(targets, target{url: u, canonical: canonical})
		if o.opts.MaxURLsPerSite > 0 && len(targets) >= o.opts.MaxURLsPerSite {
			break
		}
	}
	slog.Info("site mapped",
		slog.String("site", site),
		slog.Int("mapped", len(urls)),
		slog.Int("candidates", len(targets)),
	)
	return targets, nil
}

// crawlSite fetches targets in chunks of Concurrency, pausing BatchDelay
// between chunks, and hands results to the batcher in discovery order.
func (o *Orchestrator) crawlSite(ctx context.Context, site string, targets []target, batcher *pipeline.Batcher, errs *reportErrors) error {
	for start := 0; start < len(targets); start += o.opts.Concurrency {
		if start > 0 && o.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.opts.BatchDelay):
			}
		}

		chunk := targets[start:min(start+o.opts.Concurrency, len(targets))]
		results := make([]models.Discovery, len(chunk))
		var wg sync.WaitGroup
		for i, t := range chunk {
			wg.Add(1)
			go func(i int, t target) {
				defer wg.Done()
				results[i] = o.process(ctx, site, t)
			}(i, t)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		for _, d := range results {
			if d.FetchError != "" {
				errs.add(d.URL, "fetch", errors.New(d.FetchError))
			}
			if err := batcher.Add(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// process fetches one URL and builds its discovery. Failures are recorded on
// the discovery rather than returned.
func (o *Orchestrator) process(ctx context.Context, site string, t target) models.Discovery {
	d := models.Discovery{
		CanonicalURL: t.canonical,
		URL:          t.url,
		Site:         site,
		DiscoveredAt: time.Now().UTC(),
	}

	res, err := o.fetch(ctx, t.url)
	if err != nil {
		d.FetchError = err.Error()
		slog.Debug("fetch failed", slog.String("url", t.url), slog.Any("error", err))
		return d
	}

	rec := resilience.ClassifyRedirect(t.url, redirectSignal(res))
	if rec.Detected {
		d.Redirect = &rec
	}

	info := inspectPage(res.HTML)
	d.Title = info.Title
	d.IsOffer = info.IsOffer
	d.OfferDates = info.OfferDates

	// a category landing page carries listing prices, not this product's
	if rec.SuggestedAction == models.ActionMarkDiscontinued {
		return d
	}
	price := o.extractor.Extract(ctx, t.url, res.HTML)
	if price.HasPrice() {
		d.Price = &price
		if price.OriginalPrice != nil && price.OriginalPrice.GreaterThan(*price.SalePrice) {
			d.IsOffer = true
		}
		if d.Title == "" {
			d.Title = price.Name
		}
	}
	return d
}

func (o *Orchestrator) fetch(ctx context.Context, url string) (*scraper.FetchResult, error) {
	if o.guard == nil {
		return o.fetcher.Fetch(ctx, url)
	}
	return resilience.Call(ctx, o.guard, func(ctx context.Context) (*scraper.FetchResult, error) {
		return o.fetcher.Fetch(ctx, url)
	})
}

func (o *Orchestrator) mapSite(ctx context.Context, site string) ([]string, error) {
	if o.mapGuard == nil {
		return o.mapper.Map(ctx, site)
	}
	return resilience.Call(ctx, o.mapGuard, func(ctx context.Context) ([]string, error) {
		return o.mapper.Map(ctx, site)
	})
}

func redirectSignal(res *scraper.FetchResult) resilience.RedirectSignal {
	return resilience.RedirectSignal{
		FinalURL: res.FinalURL,
		Detected: res.RedirectDetected,
		Type:     res.RedirectType,
	}
}
