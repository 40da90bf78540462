package parser

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "thousands comma with period decimal", input: "$1,299.00", expected: "1299"},
		{name: "period thousands with comma decimal", input: "1.299,00 €", expected: "1299"},
		{name: "comma decimal two digit fraction", input: "49,99", expected: "49.99"},
		{name: "comma only thousands", input: "1,299", expected: "1299"},
		{name: "multiple comma groups", input: "1,299,000", expected: "1299000"},
		{name: "multiple period groups", input: "1.299.000", expected: "1299000"},
		{name: "plain decimal", input: "299.99", expected: "299.99"},
		{name: "integer", input: "USD 42", expected: "42"},
		{name: "first token wins", input: "$10.00 $8.00", expected: "10"},
		{name: "single period thousands", input: "1.299", expected: "1299"},
		{name: "single period thousands with symbol", input: "€1.299", expected: "1299"},
		{name: "single period one digit fraction", input: "9.5", expected: "9.5"},
		{name: "trailing zero fraction kept", input: "1,299.000", expected: "1299"},
		{name: "extra fraction digits rejected", input: "1,299.999", wantErr: true},
		{name: "four digit fraction rejected", input: "9.9999", wantErr: true},
		{name: "label around price", input: "Now only $ 19.95 inc GST", expected: "19.95"},
		{name: "empty string", input: "", wantErr: true},
		{name: "no digits", input: "Call for price", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrice(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			want := decimal.RequireFromString(tt.expected)
			if !got.Equal(want) {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "with currency symbol", input: "£51.77", expected: "51.77"},
		{name: "with whitespace", input: "  £10.50  ", expected: "10.50"},
		{name: "already clean", input: "25.99", expected: "25.99"},
		{name: "trailing separator", input: "$1,299.", expected: "1,299"},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := NormalizePrice(tt.input); result != tt.expected {
				t.Errorf("NormalizePrice(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsRoundPrice(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{input: "1200", expected: true},
		{input: "4900", expected: true},
		{input: "100", expected: true},
		{input: "1299", expected: false},
		{input: "1200.50", expected: false},
		{input: "49.99", expected: false},
		{input: "0", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsRoundPrice(decimal.RequireFromString(tt.input)); got != tt.expected {
				t.Errorf("IsRoundPrice(%s) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidatePrice(t *testing.T) {
	min := decimal.NewFromInt(1)
	max := decimal.NewFromInt(50000)

	tests := []struct {
		name    string
		price   string
		wantErr bool
	}{
		{name: "in range", price: "299.99"},
		{name: "at minimum", price: "1"},
		{name: "below minimum", price: "0.50", wantErr: true},
		{name: "above maximum", price: "50000.01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrice(decimal.RequireFromString(tt.price), min, max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePrice(%s) error = %v, wantErr %v", tt.price, err, tt.wantErr)
			}
		})
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips www tracking and slash", input: "https://WWW.Site.com/p/?utm_source=x", expected: "https://site.com/p"},
		{name: "already canonical", input: "https://site.com/p", expected: "https://site.com/p"},
		{name: "sorts remaining params", input: "https://site.com/p?b=2&a=1&gclid=abc", expected: "https://site.com/p?a=1&b=2"},
		{name: "drops fragment and default port", input: "https://site.com:443/p#reviews", expected: "https://site.com/p"},
		{name: "keeps custom port", input: "http://site.com:8080/p/", expected: "https://site.com:8080/p"},
		{name: "http folded into https", input: "http://site.com/p", expected: "https://site.com/p"},
		{name: "http default port dropped", input: "http://www.site.com:80/p", expected: "https://site.com/p"},
		{name: "ipv6 literal with port", input: "https://[::1]:8080/p", expected: "https://[::1]:8080/p"},
		{name: "ipv6 literal default port", input: "https://[2001:DB8::1]:443/p/", expected: "https://[2001:db8::1]/p"},
		{name: "root path", input: "https://www.site.com", expected: "https://site.com/"},
		{name: "missing scheme", input: "site.com/widget", expected: "https://site.com/widget"},
		{name: "mobile prefix", input: "https://m.site.com/widget", expected: "https://site.com/widget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.input)
			if err != nil {
				t.Fatalf("CanonicalURL(%q) error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
			again, err := CanonicalURL(got)
			if err != nil {
				t.Fatalf("CanonicalURL(%q) error: %v", got, err)
			}
			if again != got {
				t.Fatalf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	for _, input := range []string{"", "   ", "https://"} {
		if _, err := CanonicalURL(input); err == nil {
			t.Errorf("CanonicalURL(%q) expected error", input)
		}
	}
}

func TestIsProductPath(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{url: "https://site.com/blue-widget", expected: true},
		{url: "https://site.com/widgets/blue-widget", expected: true},
		{url: "https://site.com/a/b/c", expected: false},
		{url: "https://site.com/", expected: false},
		{url: "https://site.com/cart", expected: false},
		{url: "https://site.com/blog/post-1", expected: false},
		{url: "https://site.com/category/widgets", expected: false},
		{url: "https://site.com/shop", expected: false},
		{url: "https://site.com/Sale", expected: false},
		{url: "https://site.com/sitemap.xml", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsProductPath(tt.url); got != tt.expected {
				t.Errorf("IsProductPath(%q) = %v, want %v", tt.url, got, tt.expected)
			}
		})
	}
}

func TestIsCategoryPath(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{url: "https://site.com/", expected: true},
		{url: "https://site.com/products", expected: true},
		{url: "https://site.com/collections/widgets", expected: true},
		{url: "https://site.com/category/widgets/blue", expected: true},
		{url: "https://site.com/collections/widgets/products/blue", expected: false},
		{url: "https://site.com/blue-widget", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsCategoryPath(tt.url); got != tt.expected {
				t.Errorf("IsCategoryPath(%q) = %v, want %v", tt.url, got, tt.expected)
			}
		})
	}
}
