package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

var runColumns = []string{
	"id", "sites", "status", "urls_discovered", "new_products_found",
	"new_offers_found", "error_count", "started_at", "completed_at", "error_message",
}

type runRow struct {
	models.CrawlRun
	SitesRaw string `db:"sites"`
}

func (r runRow) run() *models.CrawlRun {
	run := r.CrawlRun
	if r.SitesRaw != "" {
		run.Sites = strings.Split(r.SitesRaw, ",")
	}
	return &run
}

// CreateRun records a new pending crawl run.
func (s *Store) CreateRun(ctx context.Context, sites []string) (*models.CrawlRun, error) {
	run := &models.CrawlRun{
		ID:        uuid.NewString(),
		Sites:     append([]string(nil), sites...),
		Status:    models.CrawlPending,
		StartedAt: s.now(),
	}

	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("crawl_runs").
		Cols("id", "sites", "status", "started_at").
		Values(run.ID, strings.Join(run.Sites, ","), string(run.Status), run.StartedAt)
	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create crawl run: %w", err)
	}
	return run, nil
}

// MarkRunning moves a pending run to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("crawl_runs").
		Set(ub.Assign("status", string(models.CrawlRunning))).
		Where(ub.Equal("id", id), ub.Equal("status", string(models.CrawlPending)))
	return s.transition(ctx, id, ub)
}

// CompleteRun marks a run completed. Counters are left as flushed.
func (s *Store) CompleteRun(ctx context.Context, id string) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("crawl_runs").
		Set(
			ub.Assign("status", string(models.CrawlCompleted)),
			ub.Assign("completed_at", s.now()),
		).
		Where(ub.Equal("id", id), ub.NotIn("status", string(models.CrawlCompleted), string(models.CrawlFailed)))
	return s.transition(ctx, id, ub)
}

// FailRun marks a run failed with message. Counters are never reset.
func (s *Store) FailRun(ctx context.Context, id, message string) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("crawl_runs").
		Set(
			ub.Assign("status", string(models.CrawlFailed)),
			ub.Assign("completed_at", s.now()),
			ub.Assign("error_message", message),
		).
		Where(ub.Equal("id", id), ub.NotIn("status", string(models.CrawlCompleted), string(models.CrawlFailed)))
	return s.transition(ctx, id, ub)
}

func (s *Store) transition(ctx context.Context, id string, ub *sqlbuilder.UpdateBuilder) error {
	query, args := ub.Build()
	n, err := s.exec(ctx, s.db, query, args)
	if err != nil {
		return fmt.Errorf("update crawl run %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	return fmt.Errorf("crawl run %s is %s", id, run.Status)
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.CrawlRun, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(runColumns...).From("crawl_runs").Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row runRow
	if err := sqlx.GetContext(ctx, s.db, &row, query, args...); err != nil {
		return nil, notFound(err)
	}
	return row.run(), nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*models.CrawlRun, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(runColumns...).From("crawl_runs").OrderBy("started_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []runRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	runs := make([]*models.CrawlRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.run())
	}
	return runs, nil
}

// SaveDiscoveryBatch persists one flushed batch atomically: supplier products
// are upserted, extracted prices are written to the catalog cache and the
// run counters are incremented by what the batch added.
func (s *Store) SaveDiscoveryBatch(ctx context.Context, runID string, batch []models.Discovery) (models.BatchStats, error) {
	var stats models.BatchStats
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		sb := s.flavor.NewSelectBuilder()
		sb.Select("status").From("crawl_runs").Where(sb.Equal("id", runID))
		query, args := sb.Build()
		var status models.CrawlStatus
		if err := sqlx.GetContext(ctx, tx, &status, query, args...); err != nil {
			return notFound(err)
		}
		if status.Terminal() {
			return ErrRunTerminal
		}

		now := s.now()
		for _, d := range batch {
			isNew, wasOffer, err := s.lookupSupplierProduct(ctx, tx, d.CanonicalURL)
			if err != nil {
				return err
			}
			if err := s.upsertSupplierProduct(ctx, tx, supplierProduct(runID, d, now)); err != nil {
				return err
			}
			if d.Price != nil && d.Price.HasPrice() {
				if err := s.upsertSupplierPrice(ctx, tx, d.CanonicalURL, d.URL, *d.Price, now); err != nil {
					return err
				}
			}

			stats.Discovered++
			if isNew {
				stats.NewProducts++
			}
			if d.IsOffer && (isNew || !wasOffer) {
				stats.NewOffers++
			}
			if d.FetchError != "" {
				stats.Errors++
			}
		}

		ub := s.flavor.NewUpdateBuilder()
		ub.Update("crawl_runs").
			Set(
				ub.Add("urls_discovered", stats.Discovered),
				ub.Add("new_products_found", stats.NewProducts),
				ub.Add("new_offers_found", stats.NewOffers),
				ub.Add("error_count", stats.Errors),
			).
			Where(ub.Equal("id", runID))
		query, args = ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.BatchStats{}, err
	}
	return stats, nil
}
