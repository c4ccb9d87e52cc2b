package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockline/internal/allocation"
	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/logging"
	"stockline/internal/migrate"
	"stockline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng := engine.New(conn, config.Default(app.DefaultWarehouseID)).WithLogger(logging.NewTestLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	_, err = app.ResolveConfig(ctx, eng, "tester")
	require.NoError(t, err, "seed config")
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) product(t *testing.T, code string, stock int) domain.Product {
	t.Helper()
	p, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Code: code, Name: code, Stock: stock, ActorID: "tester"})
	require.NoError(t, err)
	return p
}

func (env testEnv) order(t *testing.T, productID int64, qty, priority int, customer string) domain.Order {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		ProductID: productID, Quantity: qty, Priority: priority, CustomerReference: customer, ActorID: "tester",
	})
	require.NoError(t, err)
	return o
}

func (env testEnv) activate(t *testing.T, criterion string) {
	t.Helper()
	rules, err := env.Engine.ListRules(env.Ctx)
	require.NoError(t, err)
	for _, rule := range rules {
		if rule.Criterion == criterion {
			active := true
			_, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rule.ID, Active: &active, ActorID: "tester"})
			require.NoError(t, err)
			return
		}
	}
	t.Fatalf("no rule with criterion %s", criterion)
}

func (env testEnv) mustOrder(t *testing.T, id int64) domain.Order {
	t.Helper()
	o, err := env.Engine.GetOrder(env.Ctx, id)
	require.NoError(t, err)
	return o
}

func (env testEnv) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := env.Engine.GetProduct(env.Ctx, id)
	require.NoError(t, err)
	return p.Stock
}

func TestRunAllocationFIFOSplitsStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 10)
	a := env.order(t, p.ID, 4, 0, "alpha")
	b := env.order(t, p.ID, 8, 0, "beta")

	res, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "fifo", res.Criterion)
	assert.Equal(t, 10, res.TotalAllocated)
	assert.Equal(t, 10, res.StockBefore)
	assert.Equal(t, 0, res.StockAfter)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, engine.OrderOutcome{
		OrderID: a.ID, CustomerReference: "alpha", Requested: 4, PreviousGranted: 0, Granted: 4, NewGranted: 4,
		PreviousStatus: domain.OrderPending, Status: domain.OrderFulfilled,
	}, res.Orders[0])
	assert.Equal(t, 6, res.Orders[1].Granted)
	assert.Equal(t, domain.OrderPartial, res.Orders[1].Status)

	assert.Equal(t, 0, env.stock(t, p.ID))
	assert.Equal(t, domain.OrderFulfilled, env.mustOrder(t, a.ID).Status)
	gotB := env.mustOrder(t, b.ID)
	assert.Equal(t, 6, gotB.QuantityGranted)
	assert.Equal(t, domain.OrderPartial, gotB.Status)

	runs, err := env.Engine.ListRuns(env.Ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, 2, runs[0].OrdersTouched)
}

func TestRunAllocationZeroStockIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 0)
	a := env.order(t, p.ID, 5, 0, "alpha")
	before := env.mustOrder(t, a.ID)

	res, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalAllocated)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, 0, res.Orders[0].Granted)
	assert.Equal(t, domain.OrderPending, res.Orders[0].Status)
	assert.Equal(t, before, env.mustOrder(t, a.ID), "zero grant does not touch the row")
	assert.Equal(t, 0, env.stock(t, p.ID))
}

func TestRunAllocationLeavesSurplusStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 20)
	a := env.order(t, p.ID, 5, 0, "alpha")
	b := env.order(t, p.ID, 3, 0, "beta")

	res, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, 8, res.TotalAllocated)
	assert.Equal(t, 12, env.stock(t, p.ID))
	assert.Equal(t, domain.OrderFulfilled, env.mustOrder(t, a.ID).Status)
	assert.Equal(t, domain.OrderFulfilled, env.mustOrder(t, b.ID).Status)

	again, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Empty(t, again.Orders, "fulfilled orders leave the queue")
	assert.Equal(t, 12, env.stock(t, p.ID))
}

func TestRunAllocationPriorityDesc(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "priority_desc")
	p := env.product(t, "SKU-1", 6)
	a := env.order(t, p.ID, 6, 1, "alpha")
	b := env.order(t, p.ID, 6, 5, "beta")

	res, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "priority_desc", res.Criterion)
	assert.Equal(t, b.ID, res.Orders[0].OrderID)
	assert.Equal(t, domain.OrderFulfilled, env.mustOrder(t, b.ID).Status)
	gotA := env.mustOrder(t, a.ID)
	assert.Equal(t, 0, gotA.QuantityGranted)
	assert.Equal(t, domain.OrderPending, gotA.Status)
}

func TestRunAllocationCustomerPriority(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "customer_priority")
	_, err := env.Engine.SetCustomerRank(env.Ctx, "vip", 10, "tester")
	require.NoError(t, err)
	p := env.product(t, "SKU-1", 3)
	regular := env.order(t, p.ID, 3, 0, "regular")
	vip := env.order(t, p.ID, 3, 0, "vip")

	_, err = env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFulfilled, env.mustOrder(t, vip.ID).Status)
	assert.Equal(t, domain.OrderPending, env.mustOrder(t, regular.ID).Status)
}

func TestCommitRejectsStaleStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 5)
	a := env.order(t, p.ID, 5, 0, "alpha")
	b := env.order(t, p.ID, 5, 0, "beta")

	snap, err := env.Engine.Snapshot(env.Ctx, p.ID)
	require.NoError(t, err)
	entries, err := snap.Entries()
	require.NoError(t, err)
	plan, err := allocation.NewPlan(allocation.FIFO, snap.Product.Stock, entries)
	require.NoError(t, err)
	req := engine.CommitRequest{ProductID: p.ID, StockAvailable: plan.StockAvailable, Criterion: plan.Criterion, Decisions: plan.Decisions, ActorID: "tester"}

	_, err = env.Engine.Commit(env.Ctx, req)
	require.NoError(t, err)
	afterFirst := []domain.Order{env.mustOrder(t, a.ID), env.mustOrder(t, b.ID)}

	_, err = env.Engine.Commit(env.Ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, allocation.ErrStaleState), "got %v", err)
	assert.Equal(t, 0, env.stock(t, p.ID))
	assert.Equal(t, afterFirst, []domain.Order{env.mustOrder(t, a.ID), env.mustOrder(t, b.ID)})
}

func TestMovementBetweenSnapshotAndCommitIsStale(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 10)
	a := env.order(t, p.ID, 4, 0, "alpha")

	snap, err := env.Engine.Snapshot(env.Ctx, p.ID)
	require.NoError(t, err)
	entries, err := snap.Entries()
	require.NoError(t, err)
	plan, err := allocation.NewPlan(allocation.FIFO, snap.Product.Stock, entries)
	require.NoError(t, err)

	_, err = env.Engine.RecordMovement(env.Ctx, engine.MovementOptions{ProductID: p.ID, Type: domain.MovementSaleOut, Quantity: 1, ActorID: "tester"})
	require.NoError(t, err)

	_, err = env.Engine.Commit(env.Ctx, engine.CommitRequest{ProductID: p.ID, StockAvailable: plan.StockAvailable, Criterion: plan.Criterion, Decisions: plan.Decisions})
	require.ErrorIs(t, err, allocation.ErrStaleState)
	assert.Equal(t, 9, env.stock(t, p.ID))
	assert.Equal(t, 0, env.mustOrder(t, a.ID).QuantityGranted)

	var ae *allocation.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, p.ID, ae.ProductID)
	assert.Equal(t, 9, ae.Details["current_stock"])
}

func TestCommitRejectsGrantAboveRemainingNeed(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 10)
	a := env.order(t, p.ID, 4, 0, "alpha")

	_, err := env.Engine.Commit(env.Ctx, engine.CommitRequest{
		ProductID: p.ID, StockAvailable: 10, Criterion: allocation.FIFO,
		Decisions: []allocation.Decision{{OrderID: a.ID, Quantity: 5}},
	})
	require.ErrorIs(t, err, allocation.ErrStaleState)
	assert.Equal(t, 10, env.stock(t, p.ID))

	_, err = env.Engine.Commit(env.Ctx, engine.CommitRequest{
		ProductID: p.ID, StockAvailable: 3, Criterion: allocation.FIFO,
		Decisions: []allocation.Decision{{OrderID: a.ID, Quantity: 4}},
	})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)

	_, err = env.Engine.Commit(env.Ctx, engine.CommitRequest{
		ProductID: p.ID, StockAvailable: 10, Criterion: allocation.FIFO,
		Decisions: []allocation.Decision{{OrderID: 9999, Quantity: 1}},
	})
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestRunAllocationUnknownCriterion(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 10)
	a := env.order(t, p.ID, 4, 0, "alpha")

	rule, err := env.Engine.Repo.ActiveRule(env.Ctx)
	require.NoError(t, err)
	// Rules are validated on write, so corrupt the stored name directly.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE allocation_rules SET criterion='bogus' WHERE id=?`, rule.ID)
	require.NoError(t, err)

	_, err = env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
	assert.Equal(t, 10, env.stock(t, p.ID))
	assert.Equal(t, 0, env.mustOrder(t, a.ID).QuantityGranted)

	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rule.ID, Criterion: ptr("bogus")})
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
}

func TestRunAllocationWithoutActiveRule(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 10)
	rule, err := env.Engine.Repo.ActiveRule(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rule.ID, Active: ptr(false)})
	require.NoError(t, err)

	_, err = env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID})
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
}

func TestRunAllocationMissingProduct(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: 42})
	require.ErrorIs(t, err, allocation.ErrNotFound)
	var ae *allocation.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int64(42), ae.ProductID)

	_, err = env.Engine.Snapshot(env.Ctx, 42)
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestSnapshotIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 3)
	env.order(t, p.ID, 2, 1, "alpha")
	env.order(t, p.ID, 5, 2, "beta")

	first, err := env.Engine.Snapshot(env.Ctx, p.ID)
	require.NoError(t, err)
	second, err := env.Engine.Snapshot(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first.Orders, 2)
}

func TestConcurrentRunsConserveStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 25)
	var ids []int64
	for i := 0; i < 8; i++ {
		ids = append(ids, env.order(t, p.ID, 4, i, "c").ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, allocation.ErrStaleState)
	}
	assert.GreaterOrEqual(t, ok, 1)

	granted := 0
	for _, id := range ids {
		o := env.mustOrder(t, id)
		assert.Equal(t, domain.OrderStatus(o.QuantityGranted, o.QuantityRequested), o.Status)
		assert.LessOrEqual(t, o.QuantityGranted, o.QuantityRequested)
		granted += o.QuantityGranted
	}
	assert.Equal(t, 25, granted+env.stock(t, p.ID), "units are conserved")
	assert.Equal(t, 25, granted)
}

func TestQueueFollowsActiveRule(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 0)
	big := env.order(t, p.ID, 9, 0, "alpha")
	small := env.order(t, p.ID, 2, 0, "beta")

	view, err := env.Engine.Queue(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, view.Orders, 2)
	assert.Equal(t, big.ID, view.Orders[0].ID)

	env.activate(t, "smallest_first")
	view, err = env.Engine.Queue(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "smallest_first", view.Criterion)
	assert.Equal(t, small.ID, view.Orders[0].ID)
	assert.Equal(t, 2, view.Orders[0].Remaining)
}

func TestRecordMovement(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 2)

	res, err := env.Engine.RecordMovement(env.Ctx, engine.MovementOptions{ProductID: p.ID, Type: domain.MovementPurchaseIn, Quantity: 10, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PreviousStock)
	assert.Equal(t, 12, res.Stock)

	_, err = env.Engine.RecordMovement(env.Ctx, engine.MovementOptions{ProductID: p.ID, Type: domain.MovementWriteoffOut, Quantity: 13})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)
	assert.Contains(t, err.Error(), "insufficient stock")
	assert.Equal(t, 12, env.stock(t, p.ID))

	_, err = env.Engine.RecordMovement(env.Ctx, engine.MovementOptions{ProductID: p.ID, Type: "teleport", Quantity: 1})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)

	movements, err := env.Engine.ListMovements(env.Ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, 12, movements[0].StockAfter)
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 0)
	tests := map[string]engine.OrderCreateOptions{
		"zero quantity":    {ProductID: p.ID, Quantity: 0, CustomerReference: "c"},
		"missing customer": {ProductID: p.ID, Quantity: 1},
		"bad timestamp":    {ProductID: p.ID, Quantity: 1, CustomerReference: "c", SubmittedAt: "yesterday"},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateOrder(env.Ctx, opts)
			require.ErrorIs(t, err, allocation.ErrInvalidInput)
		})
	}
	_, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{ProductID: 777, Quantity: 1, CustomerReference: "c"})
	require.ErrorIs(t, err, allocation.ErrNotFound)

	_, err = env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Code: "SKU-1", Name: "dup"})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)
}

func TestUpdateRuleKeepsSingleActive(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "smallest_first")
	env.activate(t, "priority_desc")
	rules, err := env.Engine.ListRules(env.Ctx)
	require.NoError(t, err)
	active := 0
	for _, r := range rules {
		if r.Active {
			active++
			assert.Equal(t, "priority_desc", r.Criterion)
		}
	}
	assert.Equal(t, 1, active)

	rule, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: rules[0].ID, Criterion: ptr("prioridad_cantidad")})
	require.NoError(t, err)
	assert.Equal(t, "smallest_first", rule.Criterion)

	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: 999, Active: ptr(true)})
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestDashboardAndEvents(t *testing.T) {
	env := newTestEnv(t)
	p := env.product(t, "SKU-1", 3)
	env.product(t, "SKU-2", 0)
	env.order(t, p.ID, 5, 0, "alpha")
	_, err := env.Engine.RunAllocation(env.Ctx, engine.RunOptions{ProductID: p.ID, ActorID: "tester"})
	require.NoError(t, err)

	d, err := env.Engine.Dashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Dashboard{OutOfStockProducts: 2, OpenOrders: 1, TotalProducts: 2, TotalUnits: 0}, d)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "allocation.committed", evts[0].Type)
	assert.Equal(t, "order.allocated", evts[1].Type)
	assert.Equal(t, "order.created", evts[2].Type)
}

func ptr[T any](v T) *T { return &v }
