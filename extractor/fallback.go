package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/aluiziolira/go-price-watch/resilience"
)

// Fallback is a last-resort structured extractor, typically an LLM service.
type Fallback interface {
	ExtractStructured(ctx context.Context, url string, schema map[string]any, prompt string) (json.RawMessage, error)
}

var fallbackSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"price":          map[string]any{"type": "string", "description": "current selling price"},
		"original_price": map[string]any{"type": "string", "description": "price before discount, if shown"},
		"currency":       map[string]any{"type": "string", "description": "ISO 4217 currency code"},
		"name":           map[string]any{"type": "string"},
		"sku":            map[string]any{"type": "string"},
	},
	"required": []string{"price"},
}

const fallbackPrompt = "Extract the product's current selling price as shown to a buyer. " +
	"Ignore prices of related products, shipping costs and instalment amounts."

// GuardedFallback routes a Fallback through a resilience guard.
type GuardedFallback struct {
	Fallback Fallback
	Guard    *resilience.Guard
}

// ExtractStructured calls the wrapped fallback through the guard.
func (g GuardedFallback) ExtractStructured(ctx context.Context, url string, schema map[string]any, prompt string) (json.RawMessage, error) {
	return resilience.Call(ctx, g.Guard, func(ctx context.Context) (json.RawMessage, error) {
		return g.Fallback.ExtractStructured(ctx, url, schema, prompt)
	})
}

type fallbackData struct {
	Price         any    `json:"price"`
	OriginalPrice any    `json:"original_price"`
	Currency      string `json:"currency"`
	Name          string `json:"name"`
	SKU           string `json:"sku"`
}

// fallback asks the structured extractor for a price. Anything it returns
// that fails validation is discarded.
func (e *Extractor) fallback(ctx context.Context, p *page) (models.PriceExtractionResult, bool) {
	raw, err := e.opts.Fallback.ExtractStructured(ctx, p.url, fallbackSchema, fallbackPrompt)
	if err != nil {
		slog.Debug("fallback extraction failed", slog.String("url", p.url), slog.Any("error", err))
		return models.PriceExtractionResult{}, false
	}

	data, ok := decodeFallback(raw)
	if !ok {
		return models.PriceExtractionResult{}, false
	}
	price, ok := decimalValue(data.Price)
	if !ok {
		return models.PriceExtractionResult{}, false
	}

	res := models.PriceExtractionResult{
		SalePrice:  decimalPtr(price),
		Currency:   parser.NormalizeCurrency(data.Currency, p.currency),
		Confidence: models.ConfidenceHigh,
		Strategy:   models.StrategyLLMFallback,
		Evidence:   truncate(string(raw), maxEvidence),
		Name:       parser.NormalizeText(data.Name),
		SKU:        parser.NormalizeText(data.SKU),
	}
	if original, ok := decimalValue(data.OriginalPrice); ok {
		res.OriginalPrice = decimalPtr(original)
	}
	return e.review(p.url, res)
}

// decodeFallback accepts an object or a one-element array of objects.
func decodeFallback(raw json.RawMessage) (fallbackData, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fallbackData{}, false
	}
	if raw[0] == '[' {
		var items []fallbackData
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return fallbackData{}, false
		}
		return items[0], true
	}
	var data fallbackData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fallbackData{}, false
	}
	return data, true
}
