package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"stockline/internal/allocation"
	"stockline/internal/domain"
	"stockline/internal/events"
	"stockline/internal/repo"
)

type OrderCreateOptions struct {
	ProductID         int64
	Quantity          int
	Priority          int
	CustomerReference string
	// SubmittedAt defaults to now.
	SubmittedAt string
	ActorID     string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	const op = "create order"
	if opts.Quantity <= 0 {
		return domain.Order{}, invalid(op, "quantity must be positive")
	}
	customer := strings.TrimSpace(opts.CustomerReference)
	if customer == "" {
		return domain.Order{}, invalid(op, "customer_reference is required")
	}
	submitted := e.now().UTC()
	if strings.TrimSpace(opts.SubmittedAt) != "" {
		ts, err := allocation.ParseTimestamp(opts.SubmittedAt)
		if err != nil {
			return domain.Order{}, invalid(op, "submitted_at %q is not a timestamp", opts.SubmittedAt)
		}
		submitted = ts.UTC()
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProductTx(ctx, tx, opts.ProductID); err != nil {
		return domain.Order{}, allocation.WithProduct(storeErr(op, "product", err), opts.ProductID)
	}
	o := domain.Order{
		ProductID:         opts.ProductID,
		QuantityRequested: opts.Quantity,
		Status:            domain.OrderPending,
		Priority:          opts.Priority,
		SubmittedAt:       submitted.Format(time.RFC3339Nano),
		CustomerReference: customer,
		UpdatedAt:         e.stamp(),
	}
	id, err := e.Repo.InsertOrderTx(ctx, tx, o)
	if err != nil {
		return domain.Order{}, storeErr(op, "order", err)
	}
	o.ID = id
	if err := e.events().Append(ctx, tx, events.OrderCreated, "order", strconv.FormatInt(id, 10), opts.ActorID, events.EventPayload{
		"product_id":         o.ProductID,
		"quantity_requested": o.QuantityRequested,
		"priority":           o.Priority,
		"customer_reference": o.CustomerReference,
	}); err != nil {
		return domain.Order{}, storeErr(op, "event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, storeErr(op, "order", err)
	}
	return o, nil
}

func (e Engine) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, storeErr("get order", "order "+strconv.FormatInt(id, 10), err)
	}
	return o, nil
}

func (e Engine) ListOrders(ctx context.Context, f repo.OrderFilter) ([]domain.Order, error) {
	switch f.Status {
	case "", domain.OrderPending, domain.OrderPartial, domain.OrderFulfilled:
	default:
		return nil, invalid("list orders", "unknown status %q", f.Status)
	}
	orders, err := e.Repo.ListOrders(ctx, f)
	if err != nil {
		return nil, storeErr("list orders", "orders", err)
	}
	return orders, nil
}
