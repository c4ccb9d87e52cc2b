package stocklinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/engine"
	"stockline/internal/migrate"
	"stockline/internal/server"
	stocklinesdk "stockline/sdk/go"
)

func newClient(t *testing.T) *stocklinesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default(app.DefaultWarehouseID))
	_, err = app.ResolveConfig(context.Background(), eng, "tester")
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := stocklinesdk.New(srv.URL + "/v0")
	c.ActorID = "sdk"
	return c
}

func TestAllocationRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	p, err := c.CreateProduct(ctx, "SKU-1", "Widget", 3)
	require.NoError(t, err)
	moved, err := c.RecordMovement(ctx, p.ID, "purchase_in", 2, "restock")
	require.NoError(t, err)
	assert.Equal(t, 5, moved.Stock)

	first, err := c.CreateOrder(ctx, stocklinesdk.NewOrder{ProductID: p.ID, Quantity: 4, CustomerReference: "alpha"})
	require.NoError(t, err)
	second, err := c.CreateOrder(ctx, stocklinesdk.NewOrder{ProductID: p.ID, Quantity: 4, CustomerReference: "beta"})
	require.NoError(t, err)

	q, err := c.Queue(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, q.Orders, 2)
	assert.Equal(t, first.ID, q.Orders[0].ID)

	run, err := c.RunAllocation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, run.TotalAllocated)
	assert.Equal(t, 0, run.StockAfter)

	open, err := c.ListOrders(ctx, stocklinesdk.OrderFilter{ProductID: p.ID, Status: "partial"})
	require.NoError(t, err)
	require.Len(t, open.Items, 1)
	assert.Equal(t, second.ID, open.Items[0].ID)
	assert.Equal(t, 1, open.Items[0].QuantityGranted)

	runs, err := c.Runs(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].ID)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	c := newClient(t)
	_, err := c.RunAllocation(context.Background(), 42)
	require.Error(t, err)
	var apiErr *stocklinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, stocklinesdk.CodeNotFound, apiErr.Code)
	assert.False(t, stocklinesdk.IsStale(err))
}
