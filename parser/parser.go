package parser

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidatePrice ensures a price lies within the sanity bounds [min, max].
func ValidatePrice(price decimal.Decimal, min, max decimal.Decimal) error {
	if price.LessThan(min) {
		return fmt.Errorf("price %s below minimum %s", price.StringFixed(2), min.StringFixed(2))
	}
	if !max.IsZero() && price.GreaterThan(max) {
		return fmt.Errorf("price %s above maximum %s", price.StringFixed(2), max.StringFixed(2))
	}
	return nil
}

// NormalizeText collapses internal whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeCurrency upper-cases an ISO currency code, falling back to def.
func NormalizeCurrency(code, def string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return def
	}
	return code
}
