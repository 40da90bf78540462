// Package parser turns raw scraped text into normalized values: prices,
// canonical URLs and product path classifications.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

var priceToken = regexp.MustCompile(`\d(?:[\d.,]*\d)?`)

// NormalizePrice strips currency symbols, labels and whitespace and returns
// the first numeric token, keeping the separators ParsePrice needs.
func NormalizePrice(price string) string {
	return priceToken.FindString(strings.TrimSpace(price))
}

// ParsePrice converts price text into a decimal with at most two fraction
// digits.
//
// Supported conventions:
//   - thousands comma, period decimal: "1,299.00"
//   - period thousands, comma decimal: "1.299,00"
//   - comma decimal with a 2-digit fraction: "49,99"
//
// A comma-only string that is not a 2-digit fraction is read as a thousands
// separator ("1,299" is 1299), and so is a single period followed by exactly
// three digits ("1.299" is 1299). Values that would need rounding to reach
// cents are rejected.
func ParsePrice(text string) (decimal.Decimal, error) {
	clean := NormalizePrice(text)
	if clean == "" {
		return decimal.Zero, fmt.Errorf("no digits in %q", text)
	}

	lastComma := strings.LastIndex(clean, ",")
	lastDot := strings.LastIndex(clean, ".")

	var number string
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// whichever separator comes last is the decimal mark
		if lastComma > lastDot {
			number = strings.ReplaceAll(clean, ".", "")
			number = strings.Replace(number, ",", ".", 1)
		} else {
			number = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		number = resolveSingleSeparator(clean, ",", strings.Count(clean, ","))
	case lastDot >= 0:
		number = resolveSingleSeparator(clean, ".", strings.Count(clean, "."))
	default:
		number = clean
	}

	if strings.Count(number, ".") > 1 {
		return decimal.Zero, fmt.Errorf("ambiguous price %q", text)
	}

	value, err := decimal.NewFromString(number)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", text, err)
	}
	if !value.Equal(value.Round(2)) {
		return decimal.Zero, fmt.Errorf("ambiguous price %q: more than two fraction digits", text)
	}
	return value, nil
}

// resolveSingleSeparator handles strings that only use one kind of separator.
func resolveSingleSeparator(clean, sep string, count int) string {
	if count > 1 {
		return strings.ReplaceAll(clean, sep, "")
	}
	fraction := clean[strings.Index(clean, sep)+1:]

	if sep == "," && len(fraction) != 2 {
		return strings.ReplaceAll(clean, ",", "")
	}
	if sep == "." && len(fraction) == 3 {
		return strings.ReplaceAll(clean, ".", "")
	}
	return strings.Replace(clean, sep, ".", 1)
}

// IsRoundPrice reports whether a price is a whole number of at least 100
// ending in "00". Such values are often mis-parsed cents or placeholder prices.
func IsRoundPrice(price decimal.Decimal) bool {
	if !price.Equal(price.Truncate(0)) {
		return false
	}
	if price.LessThan(hundred) {
		return false
	}
	return price.Mod(hundred).IsZero()
}
