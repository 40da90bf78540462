package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// schema is written with {{id}} and {{ts}} placeholders filled per flavor.
const schema = `
CREATE TABLE IF NOT EXISTS supplier_products (
    canonical_url   TEXT PRIMARY KEY,
    url             TEXT NOT NULL,
    site            TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    is_offer        BOOLEAN NOT NULL DEFAULT FALSE,
    offer_dates     TEXT NOT NULL DEFAULT '',
    redirect_action TEXT NOT NULL DEFAULT '',
    first_seen_at   {{ts}} NOT NULL,
    last_seen_at    {{ts}} NOT NULL,
    last_run_id     TEXT NOT NULL DEFAULT '',
    discontinued_at {{ts}}
);

CREATE INDEX IF NOT EXISTS idx_supplier_products_site ON supplier_products(site);

CREATE TABLE IF NOT EXISTS catalog_cache (
    canonical_url           TEXT PRIMARY KEY,
    supplier_url            TEXT NOT NULL DEFAULT '',
    supplier_price          TEXT,
    supplier_original_price TEXT,
    supplier_currency       TEXT NOT NULL DEFAULT '',
    supplier_confidence     TEXT NOT NULL DEFAULT '',
    supplier_strategy       TEXT NOT NULL DEFAULT '',
    supplier_flags          TEXT NOT NULL DEFAULT '',
    supplier_checked_at     {{ts}},
    platform_product_id     TEXT,
    platform_variant_id     TEXT,
    platform_price          TEXT,
    platform_compare_price  TEXT,
    platform_synced_at      {{ts}}
);

CREATE INDEX IF NOT EXISTS idx_catalog_cache_platform ON catalog_cache(platform_product_id);

CREATE TABLE IF NOT EXISTS crawl_runs (
    id                 TEXT PRIMARY KEY,
    sites              TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    urls_discovered    INTEGER NOT NULL DEFAULT 0,
    new_products_found INTEGER NOT NULL DEFAULT 0,
    new_offers_found   INTEGER NOT NULL DEFAULT 0,
    error_count        INTEGER NOT NULL DEFAULT 0,
    started_at         {{ts}} NOT NULL,
    completed_at       {{ts}},
    error_message      TEXT
);

CREATE TABLE IF NOT EXISTS reconcile_results (
    id            {{id}},
    run_id        TEXT NOT NULL,
    product_type  TEXT NOT NULL,
    canonical_url TEXT NOT NULL,
    status        TEXT NOT NULL,
    detected_at   {{ts}} NOT NULL,
    resolved_at   {{ts}}
);

CREATE INDEX IF NOT EXISTS idx_reconcile_results_run ON reconcile_results(run_id);
CREATE INDEX IF NOT EXISTS idx_reconcile_results_open ON reconcile_results(product_type, canonical_url);
`

func schemaFor(flavor sqlbuilder.Flavor) []string {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if flavor == sqlbuilder.PostgreSQL {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	ddl := strings.NewReplacer("{{id}}", id, "{{ts}}", ts).Replace(schema)

	var statements []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// EnsureSchema creates missing tables and indexes. It never alters existing
// ones.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaFor(s.flavor) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
