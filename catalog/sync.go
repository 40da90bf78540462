package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-price-watch/models"
)

// Source lists every product of the platform catalog.
type Source interface {
	FetchAll(ctx context.Context) ([]models.PlatformProduct, error)
}

// Store receives platform products keyed by canonical supplier URL.
type Store interface {
	UpsertPlatformProducts(ctx context.Context, products []models.PlatformProduct) (int, error)
	PrunePlatformProducts(ctx context.Context, since time.Time) (int64, error)
}

// SyncReport summarises one catalog sync.
type SyncReport struct {
	Fetched int   `json:"fetched"`
	Stored  int   `json:"stored"`
	Skipped int   `json:"skipped"`
	Pruned  int64 `json:"pruned"`
}

// Syncer copies the platform catalog into the store.
type Syncer struct {
	source Source
	store  Store
}

// NewSyncer builds a syncer.
func NewSyncer(source Source, store Store) *Syncer {
	return &Syncer{source: source, store: store}
}

// Sync fetches the full catalog and upserts it. With prune, products that
// were linked before but are missing from this listing are unlinked, so they
// leave the target URL set.
func (s *Syncer) Sync(ctx context.Context, prune bool) (*SyncReport, error) {
	started := time.Now().UTC().Truncate(time.Microsecond)

	products, err := s.source.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	stored, err := s.store.UpsertPlatformProducts(ctx, products)
	if err != nil {
		return nil, fmt.Errorf("store catalog: %w", err)
	}

	report := &SyncReport{
		Fetched: len(products),
		Stored:  stored,
		Skipped: len(products) - stored,
	}
	if prune {
		if report.Pruned, err = s.store.PrunePlatformProducts(ctx, started); err != nil {
			return report, err
		}
	}

	slog.Info("catalog synced",
		slog.Int("fetched", report.Fetched),
		slog.Int("stored", report.Stored),
		slog.Int("skipped", report.Skipped),
		slog.Int64("pruned", report.Pruned),
	)
	return report, nil
}
