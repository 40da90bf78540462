package store

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/jmoiron/sqlx"
)

// insertChunk keeps multi-row inserts under SQLite's bound variable limit.
const insertChunk = 500

var resultColumns = []string{
	"id", "run_id", "product_type", "canonical_url", "status", "detected_at", "resolved_at",
}

// InsertReconcileResults persists the discrepancies of one reconcile run.
func (s *Store) InsertReconcileResults(ctx context.Context, results []models.ReconcileResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(results); start += insertChunk {
			end := min(start+insertChunk, len(results))
			ib := s.flavor.NewInsertBuilder()
			ib.InsertInto("reconcile_results").
				Cols("run_id", "product_type", "canonical_url", "status", "detected_at")
			for _, r := range results[start:end] {
				ib.Values(r.RunID, string(r.ProductType), r.CanonicalURL, string(r.Status), r.DetectedAt)
			}
			query, args := ib.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert reconcile results: %w", err)
			}
		}
		return nil
	})
}

// OpenDiscrepancies returns the canonical URLs with an unresolved result of
// the given product type.
func (s *Store) OpenDiscrepancies(ctx context.Context, productType models.ProductType) (map[string]struct{}, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("canonical_url").Distinct().From("reconcile_results").
		Where(sb.Equal("product_type", string(productType)), sb.IsNull("resolved_at"))
	query, args := sb.Build()

	var urls []string
	if err := sqlx.SelectContext(ctx, s.db, &urls, query, args...); err != nil {
		return nil, fmt.Errorf("load open discrepancies: %w", err)
	}
	open := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		open[u] = struct{}{}
	}
	return open, nil
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	RunID      string
	OnlyOpen   bool
	OnlyStatus models.DiscrepancyStatus
	Limit      int
}

// ListResults returns reconcile results in insertion order.
func (s *Store) ListResults(ctx context.Context, filter ResultFilter) ([]models.ReconcileResult, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(resultColumns...).From("reconcile_results")
	if filter.RunID != "" {
		sb.Where(sb.Equal("run_id", filter.RunID))
	}
	if filter.OnlyOpen {
		sb.Where(sb.IsNull("resolved_at"))
	}
	if filter.OnlyStatus != "" {
		sb.Where(sb.Equal("status", string(filter.OnlyStatus)))
	}
	sb.OrderBy("id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	query, args := sb.Build()

	var results []models.ReconcileResult
	if err := sqlx.SelectContext(ctx, s.db, &results, query, args...); err != nil {
		return nil, fmt.Errorf("list reconcile results: %w", err)
	}
	return results, nil
}

// UpdateResultStatus records a liveness status for one result.
func (s *Store) UpdateResultStatus(ctx context.Context, id int64, status models.DiscrepancyStatus) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("reconcile_results").
		Set(ub.Assign("status", string(status))).
		Where(ub.Equal("id", id))
	query, args := ub.Build()
	n, err := s.exec(ctx, s.db, query, args)
	if err != nil {
		return fmt.Errorf("update result %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveDiscrepancy stamps a result as resolved after manual review.
// Resolving an already resolved result is a no-op.
func (s *Store) ResolveDiscrepancy(ctx context.Context, id int64) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("reconcile_results").
		Set(ub.Assign("resolved_at", s.now())).
		Where(ub.Equal("id", id), ub.IsNull("resolved_at"))
	query, args := ub.Build()
	n, err := s.exec(ctx, s.db, query, args)
	if err != nil {
		return fmt.Errorf("resolve result %d: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	sb := s.flavor.NewSelectBuilder()
	sb.Select("id").From("reconcile_results").Where(sb.Equal("id", id))
	query, args = sb.Build()
	var found int64
	if err := sqlx.GetContext(ctx, s.db, &found, query, args...); err != nil {
		return notFound(err)
	}
	return nil
}
