package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/store"
)

// RescrapeStatus is the outcome class of a single-URL re-scrape.
type RescrapeStatus string

const (
	RescrapeOK           RescrapeStatus = "ok"
	RescrapeFetchFailed  RescrapeStatus = "fetch_failed"
	RescrapeNoPrice      RescrapeStatus = "no_price"
	RescrapeDiscontinued RescrapeStatus = "discontinued"
	RescrapeRedirected   RescrapeStatus = "redirected"
)

// RescrapeOutcome describes what happened when one URL was re-scraped.
type RescrapeOutcome struct {
	URL          string                         `json:"url"`
	CanonicalURL string                         `json:"canonical_url"`
	Status       RescrapeStatus                 `json:"status"`
	Message      string                         `json:"message"`
	Price        *models.PriceExtractionResult  `json:"price,omitempty"`
	Redirect     *models.RedirectRecommendation `json:"redirect,omitempty"`
}

// Rescrape fetches a single supplier URL and refreshes its cached price. It
// does not count as a crawl and may run while one is active. Only invalid
// input or store failures are returned as errors; fetch and extraction
// problems are reported in the outcome.
func (o *Orchestrator) Rescrape(ctx context.Context, rawURL string) (*RescrapeOutcome, error) {
	canonical, err := parser.CanonicalURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrValidation, err)
	}
	out := &RescrapeOutcome{URL: rawURL, CanonicalURL: canonical}

	res, err := o.fetch(ctx, rawURL)
	if err != nil {
		out.Status = RescrapeFetchFailed
		out.Message = fmt.Sprintf("fetch failed: %v", err)
		return out, nil
	}

	rec := resilience.ClassifyRedirect(rawURL, redirectSignal(res))
	if rec.Detected {
		out.Redirect = &rec
	}
	if rec.SuggestedAction == models.ActionMarkDiscontinued {
		if err := o.store.MarkDiscontinued(ctx, canonical); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		out.Status = RescrapeDiscontinued
		out.Message = fmt.Sprintf("redirected to %s; %s", rec.FinalURL, rec.Message)
		return out, nil
	}

	price := o.extractor.Extract(ctx, rawURL, res.HTML)
	if !price.HasPrice() {
		if rec.Detected {
			out.Status = RescrapeRedirected
			out.Message = fmt.Sprintf("redirected to %s and no price was found; %s", rec.FinalURL, rec.Message)
			return out, nil
		}
		out.Status = RescrapeNoPrice
		out.Message = "fetch succeeded but no price could be extracted"
		return out, nil
	}

	out.Price = &price
	if err := o.store.UpsertSupplierPrice(ctx, rawURL, price); err != nil {
		return nil, err
	}
	slog.Info("price refreshed",
		slog.String("url", canonical),
		slog.String("price", price.SalePrice.StringFixed(2)),
		slog.String("strategy", string(price.Strategy)),
	)

	if rec.Detected {
		out.Status = RescrapeRedirected
		out.Message = fmt.Sprintf("price %s saved from redirect target %s; %s", price.SalePrice.StringFixed(2), rec.FinalURL, rec.Message)
		return out, nil
	}
	out.Status = RescrapeOK
	out.Message = fmt.Sprintf("price %s %s (%s, %s)", price.SalePrice.StringFixed(2), price.Currency, price.Strategy, price.Confidence)
	return out, nil
}
