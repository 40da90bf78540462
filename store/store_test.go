package store

import (
	"context"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-watch/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func discovery(url string, offer bool) models.Discovery {
	return models.Discovery{
		CanonicalURL: url,
		URL:          url,
		Site:         "https://supplier.example.com",
		Title:        "Widget",
		IsOffer:      offer,
		DiscoveredAt: time.Now(),
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	run, err := s.CreateRun(ctx, []string{"https://a.example.com", "https://b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.CrawlPending, run.Status)
	require.NoError(t, s.MarkRunning(ctx, run.ID))

	withPrice := discovery("https://a.example.com/widget", true)
	withPrice.Price = &models.PriceExtractionResult{
		SalePrice:  price("299.99"),
		Currency:   "USD",
		Confidence: models.ConfidenceHigh,
		Strategy:   models.StrategyStructuredData,
	}
	failed := discovery("https://a.example.com/gadget", false)
	failed.FetchError = "timeout"

	stats, err := s.SaveDiscoveryBatch(ctx, run.ID, []models.Discovery{withPrice, failed})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStats{Discovered: 2, NewProducts: 2, NewOffers: 1, Errors: 1}, stats)

	// gadget is known now but turns into an offer; widget stays an offer
	again := discovery("https://a.example.com/gadget", true)
	stats, err = s.SaveDiscoveryBatch(ctx, run.ID, []models.Discovery{again, withPrice})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStats{Discovered: 2, NewProducts: 0, NewOffers: 1}, stats)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlRunning, got.Status)
	assert.Equal(t, 4, got.URLsDiscovered)
	assert.Equal(t, 2, got.NewProductsFound)
	assert.Equal(t, 2, got.NewOffersFound)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, got.Sites)

	require.NoError(t, s.CompleteRun(ctx, run.ID))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.SaveDiscoveryBatch(ctx, run.ID, []models.Discovery{withPrice})
	assert.ErrorIs(t, err, ErrRunTerminal)
	assert.ErrorIs(t, s.FailRun(ctx, run.ID, "late"), ErrRunTerminal)

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.URLsDiscovered)
	assert.Nil(t, got.ErrorMessage)

	record, err := s.GetCatalogRecord(ctx, "https://a.example.com/widget")
	require.NoError(t, err)
	require.True(t, record.SupplierPrice.Valid)
	assert.True(t, record.SupplierPrice.Decimal.Equal(decimal.RequireFromString("299.99")))
	assert.Equal(t, "structured_data", record.SupplierStrategy)
	assert.Nil(t, record.PlatformProductID)
}

func TestFailRunKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	run, err := s.CreateRun(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, run.ID))
	_, err = s.SaveDiscoveryBatch(ctx, run.ID, []models.Discovery{discovery("https://a.example.com/one", false)})
	require.NoError(t, err)

	require.NoError(t, s.FailRun(ctx, run.ID, "context canceled"))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlFailed, got.Status)
	assert.Equal(t, 1, got.URLsDiscovered)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "context canceled", *got.ErrorMessage)
	assert.Empty(t, got.Sites)
}

func TestRunNotFound(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkRunning(ctx, "missing"), ErrNotFound)
	_, err = s.SaveDiscoveryBatch(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.CreateRun(ctx, []string{"https://a.example.com"})
		require.NoError(t, err)
	}
	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPlatformProducts(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	stored, err := s.UpsertPlatformProducts(ctx, []models.PlatformProduct{
		{ProductID: "p1", VariantID: "v1", SourceURL: "https://www.supplier.com/widget/?utm_source=feed", Price: price("310.00")},
		{ProductID: "p2", SourceURL: "https://supplier.com/gadget"},
		{ProductID: "p3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	require.NoError(t, s.UpsertSupplierPrice(ctx, "https://supplier.com/widget", models.PriceExtractionResult{
		SalePrice:     price("299.99"),
		OriginalPrice: price("349.99"),
		Currency:      "USD",
		Confidence:    models.ConfidenceHigh,
		Strategy:      models.StrategyMicrodata,
		Flags:         []string{models.FlagRoundPrice},
	}))

	record, err := s.GetCatalogRecord(ctx, "https://supplier.com/widget")
	require.NoError(t, err)
	require.NotNil(t, record.PlatformProductID)
	assert.Equal(t, "p1", *record.PlatformProductID)
	require.NotNil(t, record.PlatformVariantID)
	assert.Equal(t, "v1", *record.PlatformVariantID)
	assert.True(t, record.PlatformPrice.Decimal.Equal(decimal.RequireFromString("310")))
	assert.True(t, record.SupplierOriginalPrice.Decimal.Equal(decimal.RequireFromString("349.99")))
	assert.Equal(t, "round_price", record.SupplierFlags)

	urls, err := s.TargetURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://supplier.com/gadget", "https://supplier.com/widget"}, urls)

	pruned, err := s.PrunePlatformProducts(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
	urls, err = s.TargetURLs(ctx)
	require.NoError(t, err)
	assert.Empty(t, urls)

	assert.Error(t, s.UpsertSupplierPrice(ctx, "https://supplier.com/widget", models.EmptyResult("USD")))
	_, err = s.GetCatalogRecord(ctx, "https://supplier.com/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupplierURLsExcludeDiscontinued(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	run, err := s.CreateRun(ctx, nil)
	require.NoError(t, err)

	gone := discovery("https://a.example.com/old", false)
	gone.Redirect = &models.RedirectRecommendation{
		Detected:        true,
		Type:            models.RedirectCategory,
		SuggestedAction: models.ActionMarkDiscontinued,
	}
	_, err = s.SaveDiscoveryBatch(ctx, run.ID, []models.Discovery{
		discovery("https://a.example.com/b", false),
		gone,
		discovery("https://a.example.com/a", false),
	})
	require.NoError(t, err)

	urls, err := s.SupplierURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/a", "https://a.example.com/b"}, urls)

	require.NoError(t, s.MarkDiscontinued(ctx, "https://a.example.com/a"))
	urls, err = s.SupplierURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/b"}, urls)

	product, err := s.GetSupplierProduct(ctx, "https://a.example.com/old")
	require.NoError(t, err)
	assert.Equal(t, "mark_discontinued", product.RedirectAction)
	assert.NotNil(t, product.DiscontinuedAt)

	assert.ErrorIs(t, s.MarkDiscontinued(ctx, "https://a.example.com/missing"), ErrNotFound)
}

func TestReconcileResults(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.InsertReconcileResults(ctx, []models.ReconcileResult{
		{RunID: "r1", ProductType: models.SupplierOnly, CanonicalURL: "https://a.example.com/a", Status: models.StatusPending, DetectedAt: now},
		{RunID: "r1", ProductType: models.TargetOnly, CanonicalURL: "https://a.example.com/d", Status: models.StatusPending, DetectedAt: now},
	}))
	require.NoError(t, s.InsertReconcileResults(ctx, nil))

	results, err := s.ListResults(ctx, ResultFilter{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.SupplierOnly, results[0].ProductType)
	assert.Nil(t, results[0].ResolvedAt)

	open, err := s.OpenDiscrepancies(ctx, models.SupplierOnly)
	require.NoError(t, err)
	assert.Contains(t, open, "https://a.example.com/a")
	assert.NotContains(t, open, "https://a.example.com/d")

	require.NoError(t, s.UpdateResultStatus(ctx, results[1].ID, models.StatusNotFound))
	require.NoError(t, s.ResolveDiscrepancy(ctx, results[0].ID))
	require.NoError(t, s.ResolveDiscrepancy(ctx, results[0].ID))

	open, err = s.OpenDiscrepancies(ctx, models.SupplierOnly)
	require.NoError(t, err)
	assert.Empty(t, open)

	pending, err := s.ListResults(ctx, ResultFilter{OnlyOpen: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusNotFound, pending[0].Status)

	assert.ErrorIs(t, s.ResolveDiscrepancy(ctx, 999), ErrNotFound)
	assert.ErrorIs(t, s.UpdateResultStatus(ctx, 999, models.StatusActive), ErrNotFound)
}
