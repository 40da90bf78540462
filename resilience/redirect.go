package resilience

import (
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
)

// RedirectSignal is what the fetch layer reports about where a request ended up.
type RedirectSignal struct {
	FinalURL string
	Detected bool
	Type     models.RedirectType
}

// ClassifyRedirect turns a redirect signal into a follow-up recommendation.
// An untagged redirect is typed from the hosts and path heuristics.
func ClassifyRedirect(requestedURL string, signal RedirectSignal) models.RedirectRecommendation {
	rec := models.RedirectRecommendation{RequestedURL: requestedURL, FinalURL: signal.FinalURL}
	if !redirected(requestedURL, signal) {
		return rec
	}
	rec.Detected = true

	kind := signal.Type
	switch kind {
	case models.RedirectCategory, models.RedirectProduct, models.RedirectCrossDomain:
	default:
		kind = inferRedirectType(requestedURL, signal.FinalURL)
	}
	rec.Type = kind

	switch kind {
	case models.RedirectCategory:
		rec.SuggestedAction = models.ActionMarkDiscontinued
		rec.Confidence = "high"
		rec.Message = "redirected to a category page; product is likely discontinued"
	case models.RedirectProduct:
		rec.SuggestedAction = models.ActionUpdateURL
		rec.Confidence = "medium"
		rec.Message = "redirected to another product page; product URL likely changed"
	case models.RedirectCrossDomain:
		rec.SuggestedAction = models.ActionUpdateURL
		rec.Confidence = "low"
		rec.NeedsReview = true
		rec.Message = "redirected to a different domain; confirm manually before updating"
	default:
		rec.SuggestedAction = models.ActionUpdateURL
		rec.Confidence = "low"
		rec.NeedsReview = true
		rec.Message = "redirected to an unrecognised page; review manually"
	}
	return rec
}

func redirected(requestedURL string, signal RedirectSignal) bool {
	if signal.FinalURL == "" {
		return signal.Detected
	}
	// canonical URLs fold http into https, so scheme upgrades are not redirects
	return parser.MustCanonicalURL(signal.FinalURL) != parser.MustCanonicalURL(requestedURL)
}

func inferRedirectType(requestedURL, finalURL string) models.RedirectType {
	if finalURL == "" {
		return models.RedirectUnknown
	}
	if parser.HostOf(parser.MustCanonicalURL(finalURL)) != parser.HostOf(parser.MustCanonicalURL(requestedURL)) {
		return models.RedirectCrossDomain
	}
	switch {
	case parser.IsCategoryPath(finalURL):
		return models.RedirectCategory
	case parser.IsProductPath(finalURL):
		return models.RedirectProduct
	default:
		return models.RedirectUnknown
	}
}
