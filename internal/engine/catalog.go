package engine

import (
	"context"
	"strconv"
	"strings"

	"stockline/internal/allocation"
	"stockline/internal/domain"
	"stockline/internal/events"
	"stockline/internal/logging"
	"stockline/internal/metrics"
	"stockline/internal/repo"
)

type ProductCreateOptions struct {
	Code    string
	Name    string
	Stock   int
	ActorID string
}

func (e Engine) CreateProduct(ctx context.Context, opts ProductCreateOptions) (domain.Product, error) {
	const op = "create product"
	code := strings.TrimSpace(opts.Code)
	name := strings.TrimSpace(opts.Name)
	if code == "" {
		return domain.Product{}, invalid(op, "code is required")
	}
	if name == "" {
		return domain.Product{}, invalid(op, "name is required")
	}
	if opts.Stock < 0 {
		return domain.Product{}, invalid(op, "stock %d is negative", opts.Stock)
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	p := domain.Product{Code: code, Name: name, Stock: opts.Stock, CreatedAt: now, UpdatedAt: now}
	id, err := e.Repo.InsertProductTx(ctx, tx, p)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Product{}, invalid(op, "product code %s already exists", code)
		}
		return domain.Product{}, storeErr(op, "product", err)
	}
	p.ID = id
	if err := e.events().Append(ctx, tx, events.ProductCreated, "product", strconv.FormatInt(id, 10), opts.ActorID, events.EventPayload{
		"code":  p.Code,
		"name":  p.Name,
		"stock": p.Stock,
	}); err != nil {
		return domain.Product{}, storeErr(op, "event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Product{}, storeErr(op, "product", err)
	}
	return p, nil
}

func (e Engine) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := e.Repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, allocation.WithProduct(storeErr("get product", "product", err), id)
	}
	return p, nil
}

func (e Engine) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := e.Repo.ListProducts(ctx)
	if err != nil {
		return nil, storeErr("list products", "products", err)
	}
	return products, nil
}

type MovementOptions struct {
	ProductID int64
	Type      string
	Quantity  int
	Notes     string
	ActorID   string
}

type MovementResult struct {
	Movement      domain.Movement `json:"movement"`
	PreviousStock int             `json:"previous_stock"`
	Stock         int             `json:"stock"`
}

// movementSign is +1 for inbound types and -1 for outbound ones.
var movementSign = map[string]int{
	domain.MovementPurchaseIn:  1,
	domain.MovementReturnIn:    1,
	domain.MovementSaleOut:     -1,
	domain.MovementWriteoffOut: -1,
}

// RecordMovement adjusts product stock and logs the movement. Stock never
// goes below zero. Any allocation computed against the old stock becomes
// stale.
func (e Engine) RecordMovement(ctx context.Context, opts MovementOptions) (MovementResult, error) {
	const op = "record movement"
	sign, ok := movementSign[opts.Type]
	if !ok {
		return MovementResult{}, invalid(op, "unknown movement type %q", opts.Type)
	}
	if opts.Quantity <= 0 {
		return MovementResult{}, invalid(op, "quantity must be positive")
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return MovementResult{}, err
	}
	defer tx.Rollback()
	product, err := e.Repo.GetProductTx(ctx, tx, opts.ProductID)
	if err != nil {
		return MovementResult{}, allocation.WithProduct(storeErr(op, "product", err), opts.ProductID)
	}
	next := product.Stock + sign*opts.Quantity
	if next < 0 {
		return MovementResult{}, &allocation.Error{
			Kind:      allocation.KindInvalidInput,
			Op:        op,
			ProductID: product.ID,
			Msg:       "insufficient stock",
			Details:   map[string]any{"stock": product.Stock, "quantity": opts.Quantity},
		}
	}
	now := e.stamp()
	if _, err := e.Repo.SwapProductStockTx(ctx, tx, product.ID, product.Stock, next, now); err != nil {
		return MovementResult{}, storeErr(op, "product", err)
	}
	m := domain.Movement{
		ProductID:  product.ID,
		Type:       opts.Type,
		Quantity:   opts.Quantity,
		StockAfter: next,
		ActorID:    opts.ActorID,
		Notes:      strings.TrimSpace(opts.Notes),
		CreatedAt:  now,
	}
	id, err := e.Repo.InsertMovementTx(ctx, tx, m)
	if err != nil {
		return MovementResult{}, storeErr(op, "movement", err)
	}
	m.ID = id
	if err := e.events().Append(ctx, tx, events.StockMoved, "product", strconv.FormatInt(product.ID, 10), opts.ActorID, events.EventPayload{
		"movement_id":    id,
		"type":           m.Type,
		"quantity":       m.Quantity,
		"previous_stock": product.Stock,
		"stock":          next,
	}); err != nil {
		return MovementResult{}, storeErr(op, "event", err)
	}
	if err := tx.Commit(); err != nil {
		return MovementResult{}, storeErr(op, "movement", err)
	}
	metrics.RecordMovement(m.Type, m.Quantity)
	e.Log.V(logging.VERBOSE).Info("stock moved", "product_id", product.ID, "type", m.Type, "quantity", m.Quantity, "stock", next)
	return MovementResult{Movement: m, PreviousStock: product.Stock, Stock: next}, nil
}

func (e Engine) ListMovements(ctx context.Context, productID int64, limit int) ([]domain.Movement, error) {
	if _, err := e.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	movements, err := e.Repo.ListMovements(ctx, productID, limit)
	if err != nil {
		return nil, storeErr("list movements", "movements", err)
	}
	return movements, nil
}

func (e Engine) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	d, err := e.Repo.Dashboard(ctx)
	if err != nil {
		return domain.Dashboard{}, storeErr("dashboard", "dashboard", err)
	}
	return d, nil
}
