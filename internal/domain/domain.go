package domain

// Order statuses. Status is always derived from granted vs requested.
const (
	OrderPending   = "pending"
	OrderPartial   = "partial"
	OrderFulfilled = "fulfilled"
)

// Movement types.
const (
	MovementPurchaseIn  = "purchase_in"
	MovementReturnIn    = "return_in"
	MovementSaleOut     = "sale_out"
	MovementWriteoffOut = "writeoff_out"
)

type Product struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Movement struct {
	ID         int64  `json:"id"`
	ProductID  int64  `json:"product_id"`
	Type       string `json:"type" enum:"purchase_in,return_in,sale_out,writeoff_out"`
	Quantity   int    `json:"quantity"`
	StockAfter int    `json:"stock_after"`
	ActorID    string `json:"actor_id"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Order struct {
	ID                int64  `json:"id"`
	ProductID         int64  `json:"product_id"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityGranted   int    `json:"quantity_granted"`
	Status            string `json:"status" enum:"pending,partial,fulfilled"`
	Priority          int    `json:"priority"`
	SubmittedAt       string `json:"submitted_at" format:"date-time"`
	CustomerReference string `json:"customer_reference"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// Remaining is the quantity still owed to the order.
func (o Order) Remaining() int {
	return o.QuantityRequested - o.QuantityGranted
}

// QueuedOrder is an open order as seen by an allocation run.
type QueuedOrder struct {
	Order
	Remaining    int `json:"remaining"`
	CustomerRank int `json:"customer_rank"`
}

// OrderStatus derives the status of an order from its quantities.
func OrderStatus(granted, requested int) string {
	switch {
	case granted <= 0:
		return OrderPending
	case granted >= requested:
		return OrderFulfilled
	default:
		return OrderPartial
	}
}

type AllocationRule struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Criterion string `json:"criterion"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CustomerRank struct {
	Reference string `json:"reference"`
	Rank      int    `json:"rank"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AllocationRun struct {
	ID            string `json:"id"`
	ProductID     int64  `json:"product_id"`
	Criterion     string `json:"criterion"`
	StockBefore   int    `json:"stock_before"`
	StockAfter    int    `json:"stock_after"`
	TotalGranted  int    `json:"total_granted"`
	OrdersTouched int    `json:"orders_touched"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Dashboard struct {
	OutOfStockProducts int `json:"out_of_stock_products"`
	OpenOrders         int `json:"open_orders"`
	TotalProducts      int `json:"total_products"`
	TotalUnits         int `json:"total_units"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Roles     string `json:"roles,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
