package reconcile

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/store"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shop = "https://shop.example.com"

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		a, b      []string
		wantAOnly []string
		wantBOnly []string
	}{
		{
			name:      "overlapping sets",
			a:         []string{"C", "A", "B"},
			b:         []string{"D", "B", "C"},
			wantAOnly: []string{"A"},
			wantBOnly: []string{"D"},
		},
		{
			name:      "identical",
			a:         []string{"A", "B"},
			b:         []string{"B", "A"},
			wantAOnly: []string{},
			wantBOnly: []string{},
		},
		{
			name:      "empty target",
			a:         []string{"B", "A", "A"},
			b:         nil,
			wantAOnly: []string{"A", "B"},
			wantBOnly: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aOnly, bOnly := Diff(tt.a, tt.b)
			assert.Equal(t, tt.wantAOnly, aOnly)
			assert.Equal(t, tt.wantBOnly, bOnly)
		})
	}
}

// seedStore builds supplier set {a,b,c} and target set {b,c,d}.
func seedStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	run, err := s.CreateRun(ctx, []string{shop})
	require.NoError(t, err)
	var batch []models.Discovery
	for _, p := range []string{"/a", "/b", "/c"} {
		batch = append(batch, models.Discovery{CanonicalURL: shop + p, URL: shop + p, Site: shop})
	}
	_, err = s.SaveDiscoveryBatch(ctx, run.ID, batch)
	require.NoError(t, err)

	_, err = s.UpsertPlatformProducts(ctx, []models.PlatformProduct{
		{ProductID: "2", SourceURL: "https://www.shop.example.com/b"},
		{ProductID: "3", SourceURL: shop + "/c/"},
		{ProductID: "4", SourceURL: shop + "/d?utm_source=feed"},
	})
	require.NoError(t, err)
	return s
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	engine := NewEngine(s, config.DedupNone, nil)

	first, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{shop + "/a"}, first.SupplierOnly)
	assert.Equal(t, []string{shop + "/d"}, first.TargetOnly)

	results, err := s.ListResults(ctx, store.ResultFilter{RunID: first.RunID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.StatusPending, r.Status)
		assert.Nil(t, r.ResolvedAt)
	}

	second, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.SupplierOnly, second.SupplierOnly)
	assert.Equal(t, first.TargetOnly, second.TargetOnly)

	all, err := s.ListResults(ctx, store.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestReconcileSuppressPending(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	_, err := NewEngine(s, config.DedupNone, nil).Reconcile(ctx)
	require.NoError(t, err)

	engine := NewEngine(s, config.DedupSuppressPending, nil)
	report, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.SupplierOnly)
	assert.Empty(t, report.TargetOnly)
	assert.Equal(t, 2, report.Suppressed)

	all, err := s.ListResults(ctx, store.ResultFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// resolving reopens the URL for future runs
	require.NoError(t, s.ResolveDiscrepancy(ctx, all[0].ID))
	report, err = engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{shop + "/a"}, report.SupplierOnly)
	assert.Empty(t, report.TargetOnly)
	assert.Equal(t, 1, report.Suppressed)
}

func newTestChecker(breaker *resilience.Breaker) (*LivenessChecker, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	checker := NewLivenessChecker("pricewatch-test", time.Second, time.Minute, breaker, nil)
	checker.WithTransport(transport)
	return checker, transport
}

func TestLivenessChecker(t *testing.T) {
	checker, transport := newTestChecker(nil)

	redirect := httpmock.NewStringResponse(http.StatusMovedPermanently, "")
	redirect.Header.Set("Location", shop+"/collections/all")
	transport.RegisterResponder(http.MethodHead, shop+"/live", httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder(http.MethodHead, shop+"/moved", httpmock.ResponderFromResponse(redirect))
	transport.RegisterResponder(http.MethodHead, shop+"/gone", httpmock.NewStringResponder(http.StatusGone, ""))
	transport.RegisterResponder(http.MethodHead, shop+"/no-head", httpmock.NewStringResponder(http.StatusMethodNotAllowed, ""))
	transport.RegisterResponder(http.MethodGet, shop+"/no-head", httpmock.NewStringResponder(http.StatusOK, "<html></html>"))
	transport.RegisterResponder(http.MethodHead, shop+"/down", httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	tests := []struct {
		path     string
		label    string
		location string
	}{
		{path: "/live", label: "active"},
		{path: "/moved", label: "redirect", location: shop + "/collections/all"},
		{path: "/gone", label: "404"},
		{path: "/no-head", label: "active"},
		{path: "/down", label: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			live := checker.Check(context.Background(), shop+tt.path)
			assert.Equal(t, tt.label, live.Label())
			assert.Equal(t, tt.location, live.Location)
		})
	}
}

func TestLivenessCheckerCachesSuccess(t *testing.T) {
	checker, transport := newTestChecker(nil)
	transport.RegisterResponder(http.MethodHead, shop+"/live", httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder(http.MethodHead, shop+"/down", httpmock.NewStringResponder(http.StatusBadGateway, ""))

	for i := 0; i < 3; i++ {
		checker.Check(context.Background(), shop+"/live")
		checker.Check(context.Background(), shop+"/down")
	}
	info := transport.GetCallCountInfo()
	assert.Equal(t, 1, info["HEAD "+shop+"/live"])
	assert.Equal(t, 3, info["HEAD "+shop+"/down"])
}

func TestLivenessCheckerBreaker(t *testing.T) {
	breaker := resilience.NewBreaker("liveness", resilience.BreakerSettings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, nil)
	checker, transport := newTestChecker(breaker)
	transport.RegisterResponder(http.MethodHead, shop+"/down", httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	for i := 0; i < 4; i++ {
		live := checker.Check(context.Background(), shop+"/down")
		assert.Equal(t, "error", live.Label())
	}
	assert.Equal(t, 2, transport.GetTotalCallCount())
	assert.Equal(t, models.BreakerOpen, breaker.State())

	live := checker.Check(context.Background(), shop+"/down")
	assert.ErrorIs(t, live.Err, resilience.ErrBreakerOpen)
}

func TestVerifyPending(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	engine := NewEngine(s, config.DedupNone, nil)
	report, err := engine.Reconcile(ctx)
	require.NoError(t, err)

	checker, transport := newTestChecker(nil)
	transport.RegisterResponder(http.MethodHead, shop+"/a", httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder(http.MethodHead, shop+"/d", httpmock.NewStringResponder(http.StatusNotFound, ""))

	counts, err := engine.VerifyPending(ctx, checker, report.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"active": 1, "404": 1}, counts)

	results, err := s.ListResults(ctx, store.ResultFilter{RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.StatusActive, results[0].Status)
	assert.Equal(t, models.StatusNotFound, results[1].Status)

	counts, err = engine.VerifyPending(ctx, checker, report.RunID, 0)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
