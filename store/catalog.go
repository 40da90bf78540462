package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/parser"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const supplierProductConflict = `ON CONFLICT (canonical_url) DO UPDATE SET
    url = excluded.url,
    site = excluded.site,
    title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE supplier_products.title END,
    is_offer = excluded.is_offer,
    offer_dates = excluded.offer_dates,
    redirect_action = excluded.redirect_action,
    last_seen_at = excluded.last_seen_at,
    last_run_id = excluded.last_run_id,
    discontinued_at = excluded.discontinued_at`

const supplierPriceConflict = `ON CONFLICT (canonical_url) DO UPDATE SET
    supplier_url = excluded.supplier_url,
    supplier_price = excluded.supplier_price,
    supplier_original_price = excluded.supplier_original_price,
    supplier_currency = excluded.supplier_currency,
    supplier_confidence = excluded.supplier_confidence,
    supplier_strategy = excluded.supplier_strategy,
    supplier_flags = excluded.supplier_flags,
    supplier_checked_at = excluded.supplier_checked_at`

const platformConflict = `ON CONFLICT (canonical_url) DO UPDATE SET
    platform_product_id = excluded.platform_product_id,
    platform_variant_id = excluded.platform_variant_id,
    platform_price = excluded.platform_price,
    platform_compare_price = excluded.platform_compare_price,
    platform_synced_at = excluded.platform_synced_at`

var catalogColumns = []string{
	"canonical_url", "supplier_url", "supplier_price", "supplier_original_price",
	"supplier_currency", "supplier_confidence", "supplier_strategy", "supplier_flags",
	"supplier_checked_at", "platform_product_id", "platform_variant_id",
	"platform_price", "platform_compare_price", "platform_synced_at",
}

func supplierProduct(runID string, d models.Discovery, now time.Time) models.SupplierProduct {
	p := models.SupplierProduct{
		CanonicalURL: d.CanonicalURL,
		URL:          d.URL,
		Site:         d.Site,
		Title:        d.Title,
		IsOffer:      d.IsOffer,
		OfferDates:   strings.Join(d.OfferDates, ","),
		FirstSeenAt:  now,
		LastSeenAt:   now,
		LastRunID:    runID,
	}
	if d.Redirect != nil {
		p.RedirectAction = string(d.Redirect.SuggestedAction)
		if d.Redirect.SuggestedAction == models.ActionMarkDiscontinued {
			p.DiscontinuedAt = &now
		}
	}
	return p
}

func (s *Store) lookupSupplierProduct(ctx context.Context, q sqlx.QueryerContext, canonicalURL string) (isNew, wasOffer bool, err error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("is_offer").From("supplier_products").Where(sb.Equal("canonical_url", canonicalURL))
	query, args := sb.Build()
	err = sqlx.GetContext(ctx, q, &wasOffer, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return true, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("lookup supplier product: %w", err)
	}
	return false, wasOffer, nil
}

func (s *Store) upsertSupplierProduct(ctx context.Context, ex sqlx.ExecerContext, p models.SupplierProduct) error {
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("supplier_products").
		Cols("canonical_url", "url", "site", "title", "is_offer", "offer_dates",
			"redirect_action", "first_seen_at", "last_seen_at", "last_run_id", "discontinued_at").
		Values(p.CanonicalURL, p.URL, p.Site, p.Title, p.IsOffer, p.OfferDates,
			p.RedirectAction, p.FirstSeenAt, p.LastSeenAt, p.LastRunID, p.DiscontinuedAt)
	ib.SQL(supplierProductConflict)
	query, args := ib.Build()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert supplier product %s: %w", p.CanonicalURL, err)
	}
	return nil
}

func (s *Store) upsertSupplierPrice(ctx context.Context, ex sqlx.ExecerContext, canonicalURL, supplierURL string, result models.PriceExtractionResult, now time.Time) error {
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("catalog_cache").
		Cols("canonical_url", "supplier_url", "supplier_price", "supplier_original_price",
			"supplier_currency", "supplier_confidence", "supplier_strategy", "supplier_flags",
			"supplier_checked_at").
		Values(canonicalURL, supplierURL, nullDecimal(result.SalePrice), nullDecimal(result.OriginalPrice),
			result.Currency, string(result.Confidence), string(result.Strategy),
			strings.Join(result.Flags, ","), now)
	ib.SQL(supplierPriceConflict)
	query, args := ib.Build()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert supplier price %s: %w", canonicalURL, err)
	}
	return nil
}

// UpsertSupplierPrice writes a freshly extracted supplier price for one URL.
func (s *Store) UpsertSupplierPrice(ctx context.Context, supplierURL string, result models.PriceExtractionResult) error {
	if !result.HasPrice() {
		return fmt.Errorf("no price extracted for %s", supplierURL)
	}
	canonical, err := parser.CanonicalURL(supplierURL)
	if err != nil {
		return err
	}
	return s.upsertSupplierPrice(ctx, s.db, canonical, supplierURL, result, s.now())
}

// MarkDiscontinued stamps a supplier product as discontinued so it leaves the
// supplier URL set.
func (s *Store) MarkDiscontinued(ctx context.Context, canonicalURL string) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("supplier_products").
		Set(ub.Assign("discontinued_at", s.now()), ub.Assign("redirect_action", "mark_discontinued")).
		Where(ub.Equal("canonical_url", canonicalURL))
	query, args := ub.Build()
	n, err := s.exec(ctx, s.db, query, args)
	if err != nil {
		return fmt.Errorf("mark discontinued %s: %w", canonicalURL, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPlatformProducts links platform catalog entries to their canonical
// supplier URL. Products without a usable source URL are skipped; the count
// of stored products is returned.
func (s *Store) UpsertPlatformProducts(ctx context.Context, products []models.PlatformProduct) (int, error) {
	stored := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		for _, p := range products {
			canonical, err := parser.CanonicalURL(p.SourceURL)
			if err != nil || p.ProductID == "" {
				continue
			}
			ib := s.flavor.NewInsertBuilder()
			ib.InsertInto("catalog_cache").
				Cols("canonical_url", "platform_product_id", "platform_variant_id",
					"platform_price", "platform_compare_price", "platform_synced_at").
				Values(canonical, p.ProductID, nullString(p.VariantID),
					nullDecimal(p.Price), nullDecimal(p.ComparePrice), now)
			ib.SQL(platformConflict)
			query, args := ib.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert platform product %s: %w", p.ProductID, err)
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// PrunePlatformProducts unlinks platform products not seen by a sync that
// started at since, returning how many were unlinked.
func (s *Store) PrunePlatformProducts(ctx context.Context, since time.Time) (int64, error) {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("catalog_cache").
		Set(
			ub.Assign("platform_product_id", nil),
			ub.Assign("platform_variant_id", nil),
		).
		Where(ub.IsNotNull("platform_product_id"), ub.LessThan("platform_synced_at", since.UTC()))
	query, args := ub.Build()
	n, err := s.exec(ctx, s.db, query, args)
	if err != nil {
		return 0, fmt.Errorf("prune platform products: %w", err)
	}
	return n, nil
}

// SupplierURLs returns the canonical URLs of active supplier products.
func (s *Store) SupplierURLs(ctx context.Context) ([]string, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("canonical_url").From("supplier_products").
		Where(sb.IsNull("discontinued_at")).
		OrderBy("canonical_url")
	return s.urls(ctx, sb.Build)
}

// TargetURLs returns the canonical URLs linked to a platform product.
func (s *Store) TargetURLs(ctx context.Context) ([]string, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("canonical_url").From("catalog_cache").
		Where(sb.IsNotNull("platform_product_id")).
		OrderBy("canonical_url")
	return s.urls(ctx, sb.Build)
}

func (s *Store) urls(ctx context.Context, build func() (string, []interface{})) ([]string, error) {
	query, args := build()
	var urls []string
	if err := sqlx.SelectContext(ctx, s.db, &urls, query, args...); err != nil {
		return nil, fmt.Errorf("load url set: %w", err)
	}
	return urls, nil
}

// GetCatalogRecord loads the catalog cache row for a canonical URL.
func (s *Store) GetCatalogRecord(ctx context.Context, canonicalURL string) (*models.CatalogCacheRecord, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(catalogColumns...).From("catalog_cache").Where(sb.Equal("canonical_url", canonicalURL))
	query, args := sb.Build()

	var record models.CatalogCacheRecord
	if err := sqlx.GetContext(ctx, s.db, &record, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// GetSupplierProduct loads one supplier product by canonical URL.
func (s *Store) GetSupplierProduct(ctx context.Context, canonicalURL string) (*models.SupplierProduct, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("canonical_url", "url", "site", "title", "is_offer", "offer_dates", "redirect_action",
		"first_seen_at", "last_seen_at", "last_run_id", "discontinued_at").
		From("supplier_products").
		Where(sb.Equal("canonical_url", canonicalURL))
	query, args := sb.Build()

	var product models.SupplierProduct
	if err := sqlx.GetContext(ctx, s.db, &product, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
