package config

import (
	"fmt"
	"os"

	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SiteProfile lists the CSS selectors known to locate product data on one
// supplier domain. Selectors are tried in order.
type SiteProfile struct {
	Domain        string   `yaml:"domain" validate:"required,fqdn"`
	Price         []string `yaml:"price" validate:"required,min=1,dive,required"`
	SalePrice     []string `yaml:"sale_price" validate:"dive,required"`
	OriginalPrice []string `yaml:"original_price" validate:"dive,required"`
	Name          []string `yaml:"name" validate:"dive,required"`
	SKU           []string `yaml:"sku" validate:"dive,required"`
	Currency      string   `yaml:"currency" validate:"omitempty,len=3"`
}

// File is the on-disk YAML configuration: crawl targets, site profiles and
// catalog field mapping.
type File struct {
	Sites         []string       `yaml:"sites"`
	Profiles      []SiteProfile  `yaml:"profiles"`
	CatalogFields *CatalogFields `yaml:"catalog_fields"`
}

var validate = validator.New()

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes and validates YAML configuration content.
func ParseFile(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	for i := range file.Profiles {
		profile := &file.Profiles[i]
		profile.Domain = parser.CanonicalHost(profile.Domain)
		if err := validate.Struct(profile); err != nil {
			return nil, fmt.Errorf("profile %d (%s): %w", i, profile.Domain, err)
		}
	}
	return &file, nil
}

// Apply merges file settings into cfg. Sites already set on cfg win.
func (f *File) Apply(cfg *Config) {
	if len(cfg.Sites) == 0 {
		cfg.Sites = append(cfg.Sites, f.Sites...)
	}
	if f.CatalogFields != nil {
		cfg.CatalogFields = f.CatalogFields.withDefaults(DefaultCatalogFields())
	}
}

func (c CatalogFields) withDefaults(d CatalogFields) CatalogFields {
	pick := func(value, def string) string {
		if value == "" {
			return def
		}
		return value
	}
	return CatalogFields{
		Items:        pick(c.Items, d.Items),
		ProductID:    pick(c.ProductID, d.ProductID),
		VariantID:    pick(c.VariantID, d.VariantID),
		SourceURL:    pick(c.SourceURL, d.SourceURL),
		Price:        pick(c.Price, d.Price),
		ComparePrice: pick(c.ComparePrice, d.ComparePrice),
	}
}

// ProfileIndex maps a canonical domain to its profile.
func (f *File) ProfileIndex() map[string]SiteProfile {
	index := make(map[string]SiteProfile, len(f.Profiles))
	for _, profile := range f.Profiles {
		index[profile.Domain] = profile
	}
	return index
}
