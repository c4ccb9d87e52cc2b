package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"stockline/internal/allocation"
	"stockline/internal/domain"
	"stockline/internal/events"
	"stockline/internal/logging"
	"stockline/internal/metrics"
	"stockline/internal/repo"
	"stockline/internal/tracing"
)

// ActiveCriterion reads the active rule. It is read on every run so rule
// changes apply to the next run without a restart.
func (e Engine) ActiveCriterion(ctx context.Context) (allocation.Criterion, error) {
	rule, err := e.Repo.ActiveRule(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", allocation.Errorf(allocation.KindInvalidPolicy, "active rule", "no allocation rule is active")
	}
	if err != nil {
		return "", storeErr("active rule", "rule", err)
	}
	return allocation.ParseCriterion(rule.Criterion)
}

// Snapshot is a point-in-time read of one product and its open orders.
type Snapshot struct {
	Product domain.Product       `json:"product"`
	Orders  []domain.QueuedOrder `json:"orders"`
}

// Entries converts the open orders into allocation input.
func (s Snapshot) Entries() ([]allocation.Entry, error) {
	entries := make([]allocation.Entry, 0, len(s.Orders))
	for _, o := range s.Orders {
		ts, err := allocation.ParseTimestamp(o.SubmittedAt)
		if err != nil {
			return nil, &allocation.Error{
				Kind:      allocation.KindInvalidInput,
				Op:        "snapshot",
				ProductID: s.Product.ID,
				Msg:       fmt.Sprintf("order %d submitted_at", o.ID),
				Err:       err,
			}
		}
		entries = append(entries, allocation.Entry{
			OrderID:           o.ID,
			QuantityRequested: o.QuantityRequested,
			QuantityGranted:   o.QuantityGranted,
			Remaining:         o.Remaining,
			Priority:          o.Priority,
			SubmittedAt:       ts,
			CustomerReference: o.CustomerReference,
			CustomerRank:      o.CustomerRank,
		})
	}
	return entries, nil
}

// Snapshot reads the product stock and its pending and partial orders in
// one transaction. It writes nothing.
func (e Engine) Snapshot(ctx context.Context, productID int64) (Snapshot, error) {
	const op = "snapshot"
	tx, err := e.begin(ctx, op)
	if err != nil {
		return Snapshot{}, allocation.WithProduct(err, productID)
	}
	defer tx.Rollback()
	product, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return Snapshot{}, allocation.WithProduct(storeErr(op, "product", err), productID)
	}
	orders, err := e.Repo.OpenOrdersTx(ctx, tx, productID)
	if err != nil {
		return Snapshot{}, allocation.WithProduct(storeErr(op, "orders", err), productID)
	}
	if orders == nil {
		orders = []domain.QueuedOrder{}
	}
	return Snapshot{Product: product, Orders: orders}, nil
}

type CommitRequest struct {
	ProductID      int64
	StockAvailable int
	Criterion      allocation.Criterion
	Decisions      []allocation.Decision
	ActorID        string
}

// OrderOutcome reports one order's change in a committed run.
type OrderOutcome struct {
	OrderID           int64  `json:"order_id"`
	CustomerReference string `json:"customer_reference"`
	Requested         int    `json:"quantity_requested"`
	PreviousGranted   int    `json:"previous_granted"`
	Granted           int    `json:"granted"`
	NewGranted        int    `json:"new_granted"`
	PreviousStatus    string `json:"previous_status" enum:"pending,partial,fulfilled"`
	Status            string `json:"status" enum:"pending,partial,fulfilled"`
}

type RunResult struct {
	RunID          string         `json:"run_id"`
	ProductID      int64          `json:"product_id"`
	Criterion      string         `json:"criterion"`
	StockBefore    int            `json:"stock_before"`
	StockAfter     int            `json:"stock_after"`
	TotalAllocated int            `json:"total_allocated"`
	Orders         []OrderOutcome `json:"orders"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Fulfilled counts orders that became fulfilled in this run.
func (r RunResult) Fulfilled() int {
	n := 0
	for _, o := range r.Orders {
		if o.Status == domain.OrderFulfilled && o.PreviousStatus != domain.OrderFulfilled {
			n++
		}
	}
	return n
}

// Commit applies decisions atomically. Stock is re-read inside the
// transaction and must still equal StockAvailable; every granted order must
// still have room for its grant. Otherwise nothing is written and the error
// is StaleState. Zero grants do not touch the order row.
func (e Engine) Commit(ctx context.Context, req CommitRequest) (RunResult, error) {
	const op = "commit"
	ctx, span := tracing.StartSpan(ctx, "allocation.commit",
		attribute.Int64("product_id", req.ProductID),
		attribute.Int("decisions", len(req.Decisions)),
	)
	res, err := e.commit(ctx, op, req)
	err = allocation.WithProduct(err, req.ProductID)
	span.End(err)
	return res, err
}

func (e Engine) commit(ctx context.Context, op string, req CommitRequest) (RunResult, error) {
	if req.StockAvailable < 0 {
		return RunResult{}, invalid(op, "stock_available %d is negative", req.StockAvailable)
	}
	total := 0
	seen := make(map[int64]bool, len(req.Decisions))
	for _, d := range req.Decisions {
		if d.Quantity < 0 {
			return RunResult{}, invalid(op, "order %d grant %d is negative", d.OrderID, d.Quantity)
		}
		if seen[d.OrderID] {
			return RunResult{}, invalid(op, "order %d appears twice", d.OrderID)
		}
		seen[d.OrderID] = true
		total += d.Quantity
	}
	if total > req.StockAvailable {
		return RunResult{}, invalid(op, "grants total %d exceeds stock %d", total, req.StockAvailable)
	}

	tx, err := e.begin(ctx, op)
	if err != nil {
		return RunResult{}, err
	}
	defer tx.Rollback()

	product, err := e.Repo.GetProductTx(ctx, tx, req.ProductID)
	if err != nil {
		return RunResult{}, storeErr(op, "product", err)
	}
	if product.Stock != req.StockAvailable {
		return RunResult{}, &allocation.Error{
			Kind:    allocation.KindStaleState,
			Op:      op,
			Msg:     fmt.Sprintf("stock changed from %d to %d", req.StockAvailable, product.Stock),
			Details: map[string]any{"expected_stock": req.StockAvailable, "current_stock": product.Stock},
		}
	}

	now := e.stamp()
	ev := e.events()
	result := RunResult{
		RunID:          uuid.NewString(),
		ProductID:      product.ID,
		Criterion:      string(req.Criterion),
		StockBefore:    product.Stock,
		StockAfter:     product.Stock - total,
		TotalAllocated: total,
		Orders:         make([]OrderOutcome, 0, len(req.Decisions)),
		CreatedAt:      now,
	}
	touched := 0
	for _, d := range req.Decisions {
		order, err := e.Repo.GetOrderTx(ctx, tx, d.OrderID)
		if err != nil {
			return RunResult{}, storeErr(op, fmt.Sprintf("order %d", d.OrderID), err)
		}
		if order.ProductID != product.ID {
			return RunResult{}, invalid(op, "order %d belongs to product %d", order.ID, order.ProductID)
		}
		outcome := OrderOutcome{
			OrderID:           order.ID,
			CustomerReference: order.CustomerReference,
			Requested:         order.QuantityRequested,
			PreviousGranted:   order.QuantityGranted,
			Granted:           d.Quantity,
			NewGranted:        order.QuantityGranted + d.Quantity,
			PreviousStatus:    order.Status,
			Status:            domain.OrderStatus(order.QuantityGranted+d.Quantity, order.QuantityRequested),
		}
		if d.Quantity == 0 {
			outcome.Status = order.Status
			result.Orders = append(result.Orders, outcome)
			continue
		}
		if d.Quantity > order.Remaining() {
			return RunResult{}, &allocation.Error{
				Kind:    allocation.KindStaleState,
				Op:      op,
				Msg:     fmt.Sprintf("order %d needs %d, grant is %d", order.ID, order.Remaining(), d.Quantity),
				Details: map[string]any{"order_id": order.ID, "remaining": order.Remaining(), "grant": d.Quantity},
			}
		}
		ok, err := e.Repo.SwapOrderGrantedTx(ctx, tx, order.ID, order.QuantityGranted, outcome.NewGranted, outcome.Status, now)
		if err != nil {
			return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
		}
		if !ok {
			return RunResult{}, allocation.Errorf(allocation.KindStaleState, op, "order %d changed during commit", order.ID)
		}
		if err := ev.Append(ctx, tx, events.OrderAllocated, "order", strconv.FormatInt(order.ID, 10), req.ActorID, events.EventPayload{
			"run_id":           result.RunID,
			"product_id":       product.ID,
			"granted":          d.Quantity,
			"quantity_granted": outcome.NewGranted,
			"status":           outcome.Status,
		}); err != nil {
			return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
		}
		touched++
		result.Orders = append(result.Orders, outcome)
	}

	if total > 0 {
		ok, err := e.Repo.SwapProductStockTx(ctx, tx, product.ID, req.StockAvailable, result.StockAfter, now)
		if err != nil {
			return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
		}
		if !ok {
			return RunResult{}, allocation.Errorf(allocation.KindStaleState, op, "stock changed during commit")
		}
	}
	run := domain.AllocationRun{
		ID:            result.RunID,
		ProductID:     product.ID,
		Criterion:     result.Criterion,
		StockBefore:   result.StockBefore,
		StockAfter:    result.StockAfter,
		TotalGranted:  total,
		OrdersTouched: touched,
		ActorID:       req.ActorID,
		CreatedAt:     now,
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
	}
	if err := ev.Append(ctx, tx, events.AllocationCommitted, "product", strconv.FormatInt(product.ID, 10), req.ActorID, events.EventPayload{
		"run_id":          run.ID,
		"criterion":       run.Criterion,
		"stock_before":    run.StockBefore,
		"stock_after":     run.StockAfter,
		"total_allocated": total,
		"orders_touched":  touched,
	}); err != nil {
		return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
	}
	if err := tx.Commit(); err != nil {
		return RunResult{}, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
	}
	return result, nil
}

type RunOptions struct {
	ProductID int64
	ActorID   string
}

// RunAllocation executes one allocation run: active rule, snapshot, plan,
// commit. A StaleState failure leaves storage untouched and the caller may
// run again from scratch.
func (e Engine) RunAllocation(ctx context.Context, opts RunOptions) (RunResult, error) {
	start := e.now()
	log := e.Log.WithValues("product_id", opts.ProductID)
	ctx, span := tracing.StartSpan(ctx, "allocation.run", attribute.Int64("product_id", opts.ProductID))

	var criterion allocation.Criterion
	res, err := func() (RunResult, error) {
		if opts.ProductID <= 0 {
			return RunResult{}, invalid("run", "product_id must be positive")
		}
		c, err := e.ActiveCriterion(ctx)
		if err != nil {
			return RunResult{}, err
		}
		criterion = c
		snap, err := e.Snapshot(ctx, opts.ProductID)
		if err != nil {
			return RunResult{}, err
		}
		entries, err := snap.Entries()
		if err != nil {
			return RunResult{}, err
		}
		plan, err := allocation.NewPlan(c, snap.Product.Stock, entries)
		if err != nil {
			return RunResult{}, err
		}
		log.V(logging.DEBUG).Info("allocation planned", "criterion", c, "stock", plan.StockAvailable, "orders", len(plan.Ordered), "total", plan.Total())
		return e.Commit(ctx, CommitRequest{
			ProductID:      opts.ProductID,
			StockAvailable: plan.StockAvailable,
			Criterion:      c,
			Decisions:      plan.Decisions,
			ActorID:        opts.ActorID,
		})
	}()
	err = allocation.WithProduct(err, opts.ProductID)
	elapsed := e.now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = string(allocation.KindOf(err))
		if outcome == "" {
			outcome = string(allocation.KindPersistenceFailure)
		}
	}
	metrics.RecordRun(string(criterion), outcome, res.TotalAllocated, res.Fulfilled(), elapsed)
	span.SetAttributes(attribute.String("criterion", string(criterion)), attribute.String("outcome", outcome))
	span.End(err)

	switch {
	case err == nil:
		log.V(logging.VERBOSE).Info("allocation committed", "run_id", res.RunID, "criterion", criterion,
			"stock_before", res.StockBefore, "stock_after", res.StockAfter, "total", res.TotalAllocated, "elapsed", elapsed)
	case errors.Is(err, allocation.ErrStaleState):
		log.Info("allocation rejected as stale", "error", err.Error())
	default:
		log.Error(err, "allocation failed", "kind", outcome)
	}
	return res, err
}

func (e Engine) ListRuns(ctx context.Context, productID int64, limit int) ([]domain.AllocationRun, error) {
	runs, err := e.Repo.ListRuns(ctx, productID, limit)
	if err != nil {
		return nil, storeErr("list runs", "runs", err)
	}
	return runs, nil
}

// QueueView is the open-order queue of a product in allocation order.
type QueueView struct {
	Product   domain.Product       `json:"product"`
	Criterion string               `json:"criterion"`
	Orders    []domain.QueuedOrder `json:"orders"`
}

// Queue returns the snapshot sorted under the active rule. It writes nothing.
func (e Engine) Queue(ctx context.Context, productID int64) (QueueView, error) {
	c, err := e.ActiveCriterion(ctx)
	if err != nil {
		return QueueView{}, err
	}
	snap, err := e.Snapshot(ctx, productID)
	if err != nil {
		return QueueView{}, err
	}
	entries, err := snap.Entries()
	if err != nil {
		return QueueView{}, err
	}
	sorted, err := allocation.Sort(c, entries)
	if err != nil {
		return QueueView{}, err
	}
	byID := make(map[int64]domain.QueuedOrder, len(snap.Orders))
	for _, o := range snap.Orders {
		byID[o.ID] = o
	}
	view := QueueView{Product: snap.Product, Criterion: string(c), Orders: make([]domain.QueuedOrder, 0, len(sorted))}
	for _, entry := range sorted {
		view.Orders = append(view.Orders, byID[entry.OrderID])
	}
	return view, nil
}
