// Package extractor pulls a price out of arbitrary product page HTML by
// running an ordered chain of strategies.
package extractor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/shopspring/decimal"
)

const maxEvidence = 500

// Options configures an Extractor.
type Options struct {
	Currency         string
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	RoundPricePolicy string
	Profiles         map[string]config.SiteProfile
	Fallback         Fallback
}

// OptionsFromConfig derives extractor options from cfg. profiles may be nil.
func OptionsFromConfig(cfg *config.Config, profiles map[string]config.SiteProfile, fallback Fallback) Options {
	return Options{
		Currency:         cfg.Currency,
		MinPrice:         decimal.NewFromFloat(cfg.MinPrice),
		MaxPrice:         decimal.NewFromFloat(cfg.MaxPrice),
		RoundPricePolicy: cfg.RoundPricePolicy,
		Profiles:         profiles,
		Fallback:         fallback,
	}
}

// page is the parsed input shared by every strategy.
type page struct {
	url      string
	host     string
	doc      *goquery.Document
	currency string
	profile  *config.SiteProfile
}

// strategy inspects a page and reports a result when it found a price.
type strategy func(*page) (models.PriceExtractionResult, bool)

// Extractor runs the strategy chain. It is safe for concurrent use.
type Extractor struct {
	opts       Options
	strategies []strategy
	metrics    *metrics.Metrics
}

// New builds an extractor. A nil Fallback disables the last-resort strategy.
func New(opts Options, m *metrics.Metrics) *Extractor {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.RoundPricePolicy == "" {
		opts.RoundPricePolicy = config.RoundPriceFlag
	}
	return &Extractor{
		opts: opts,
		strategies: []strategy{
			siteProfile,
			structuredData,
			microdata,
			domHeuristic,
		},
		metrics: m,
	}
}

// Extract returns the best price found on the page. The first high
// confidence result wins; otherwise the first low one is kept unless the
// fallback produces a valid price. It never fails: pages without a usable
// price yield a result with no price and strategy none.
func (e *Extractor) Extract(ctx context.Context, url, html string) (result models.PriceExtractionResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("extractor panic", slog.String("url", url), slog.Any("panic", r))
			result = models.EmptyResult(e.opts.Currency)
		}
		e.metrics.IncExtraction(string(result.Strategy), string(result.Confidence))
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		slog.Debug("unparseable html", slog.String("url", url), slog.Any("error", err))
		return models.EmptyResult(e.opts.Currency)
	}

	p := &page{
		url:      url,
		host:     parser.HostOf(parser.MustCanonicalURL(url)),
		doc:      doc,
		currency: e.opts.Currency,
	}
	if profile, ok := e.opts.Profiles[p.host]; ok {
		p.profile = &profile
	}

	var candidate *models.PriceExtractionResult
	for _, run := range e.strategies {
		res, ok := run(p)
		if !ok {
			continue
		}
		res, ok = e.review(url, res)
		if !ok {
			continue
		}
		if res.IsHigh() {
			return res
		}
		if candidate == nil {
			candidate = &res
		}
	}

	if e.opts.Fallback != nil {
		if res, ok := e.fallback(ctx, p); ok {
			return res
		}
	}
	if candidate != nil {
		return *candidate
	}
	return models.EmptyResult(e.opts.Currency)
}

// review applies the sanity bounds and the round price policy. A result that
// fails either is dropped as if the strategy had found nothing.
func (e *Extractor) review(url string, res models.PriceExtractionResult) (models.PriceExtractionResult, bool) {
	if !res.HasPrice() {
		return res, false
	}
	if err := parser.ValidatePrice(*res.SalePrice, e.opts.MinPrice, e.opts.MaxPrice); err != nil {
		slog.Debug("price outside bounds",
			slog.String("url", url),
			slog.String("strategy", string(res.Strategy)),
			slog.Any("error", err),
		)
		return res, false
	}
	if res.OriginalPrice != nil && !res.OriginalPrice.GreaterThan(*res.SalePrice) {
		res.OriginalPrice = nil
	}
	if parser.IsRoundPrice(*res.SalePrice) {
		switch e.opts.RoundPricePolicy {
		case config.RoundPriceReject:
			slog.Debug("round price rejected", slog.String("url", url), slog.String("price", res.SalePrice.String()))
			return res, false
		case config.RoundPriceFlag:
			if !res.HasFlag(models.FlagRoundPrice) {
				res.Flags = append(res.Flags, models.FlagRoundPrice)
			}
		}
	}
	return res, true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
