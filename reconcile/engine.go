// Package reconcile diffs the supplier-observed URL set against the target
// catalog and spot-checks the discrepancies.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/store"
	"github.com/google/uuid"
)

// Store exposes both URL sets and the reconcile result table.
type Store interface {
	SupplierURLs(ctx context.Context) ([]string, error)
	TargetURLs(ctx context.Context) ([]string, error)
	InsertReconcileResults(ctx context.Context, results []models.ReconcileResult) error
	OpenDiscrepancies(ctx context.Context, productType models.ProductType) (map[string]struct{}, error)
	ListResults(ctx context.Context, filter store.ResultFilter) ([]models.ReconcileResult, error)
	UpdateResultStatus(ctx context.Context, id int64, status models.DiscrepancyStatus) error
}

// Report is the outcome of one reconcile run.
type Report struct {
	RunID        string   `json:"run_id"`
	SupplierOnly []string `json:"supplier_only"`
	TargetOnly   []string `json:"target_only"`
	Suppressed   int      `json:"suppressed,omitempty"`
}

// Engine computes catalog discrepancies.
type Engine struct {
	store   Store
	policy  string
	metrics *metrics.Metrics
}

// NewEngine builds an engine. policy is config.DedupNone or
// config.DedupSuppressPending.
func NewEngine(s Store, policy string, m *metrics.Metrics) *Engine {
	if policy == "" {
		policy = config.DedupNone
	}
	return &Engine{store: s, policy: policy, metrics: m}
}

// Diff returns the sorted, de-duplicated members of a missing from b and of
// b missing from a.
func Diff(a, b []string) (aOnly, bOnly []string) {
	setA := toSet(a)
	setB := toSet(b)
	return minus(setA, setB), minus(setB, setA)
}

func toSet(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set
}

func minus(a, b map[string]struct{}) []string {
	out := []string{}
	for u := range a {
		if _, ok := b[u]; !ok {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Reconcile loads both URL sets fresh and records every discrepancy as a
// pending result under a new run id.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	supplier, err := e.store.SupplierURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load supplier urls: %w", err)
	}
	target, err := e.store.TargetURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load target urls: %w", err)
	}

	report := &Report{RunID: uuid.NewString()}
	report.SupplierOnly, report.TargetOnly = Diff(supplier, target)

	if e.policy == config.DedupSuppressPending {
		if report.SupplierOnly, err = e.suppress(ctx, models.SupplierOnly, report.SupplierOnly, &report.Suppressed); err != nil {
			return nil, err
		}
		if report.TargetOnly, err = e.suppress(ctx, models.TargetOnly, report.TargetOnly, &report.Suppressed); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	results := make([]models.ReconcileResult, 0, len(report.SupplierOnly)+len(report.TargetOnly))
	for _, group := range []struct {
		kind models.ProductType
		urls []string
	}{
		{models.SupplierOnly, report.SupplierOnly},
		{models.TargetOnly, report.TargetOnly},
	} {
		for _, u := range group.urls {
			results = append(results, models.ReconcileResult{
				RunID:        report.RunID,
				ProductType:  group.kind,
				CanonicalURL: u,
				Status:       models.StatusPending,
				DetectedAt:   now,
			})
		}
	}
	if err := e.store.InsertReconcileResults(ctx, results); err != nil {
		return nil, fmt.Errorf("save reconcile results: %w", err)
	}

	e.metrics.AddDiscrepancies(string(models.SupplierOnly), len(report.SupplierOnly))
	e.metrics.AddDiscrepancies(string(models.TargetOnly), len(report.TargetOnly))
	slog.Info("reconcile completed",
		slog.String("run_id", report.RunID),
		slog.Int("supplier_urls", len(supplier)),
		slog.Int("target_urls", len(target)),
		slog.Int("supplier_only", len(report.SupplierOnly)),
		slog.Int("target_only", len(report.TargetOnly)),
		slog.Int("suppressed", report.Suppressed),
	)
	return report, nil
}

func (e *Engine) suppress(ctx context.Context, kind models.ProductType, urls []string, suppressed *int) ([]string, error) {
	open, err := e.store.OpenDiscrepancies(ctx, kind)
	if err != nil {
		return nil, err
	}
	kept := urls[:0]
	for _, u := range urls {
		if _, ok := open[u]; ok {
			*suppressed++
			continue
		}
		kept = append(kept, u)
	}
	return kept, nil
}

// VerifyPending checks the liveness of up to limit pending results of runID
// (all runs when empty) and records what it found. Checks that error leave
// the result pending. It returns how many results ended in each status.
func (e *Engine) VerifyPending(ctx context.Context, checker *LivenessChecker, runID string, limit int) (map[string]int, error) {
	results, err := e.store.ListResults(ctx, store.ResultFilter{
		RunID:      runID,
		OnlyOpen:   true,
		OnlyStatus: models.StatusPending,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		live := checker.Check(ctx, r.CanonicalURL)
		counts[live.Label()]++
		if live.Err != nil {
			slog.Debug("liveness check failed", slog.String("url", r.CanonicalURL), slog.Any("error", live.Err))
			continue
		}
		if err := e.store.UpdateResultStatus(ctx, r.ID, live.Status); err != nil {
			return counts, err
		}
	}
	return counts, nil
}
