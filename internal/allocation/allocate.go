// Package allocation decides how a product's stock is split across its open
// orders. Everything here is pure: no storage, no clocks, no shared state.
package allocation

import "fmt"

// Decision is the quantity granted to one order in one run.
type Decision struct {
	OrderID  int64 `json:"order_id"`
	Quantity int   `json:"quantity_to_grant"`
}

// Allocate walks entries in the given order granting min(remaining, stock
// left) to each. Every entry gets a decision, zero once stock runs out, so the
// output lines up with the input index for index.
func Allocate(stock int, entries []Entry) ([]Decision, error) {
	if stock < 0 {
		return nil, &Error{
			Kind:    KindInvalidInput,
			Op:      "allocate",
			Msg:     fmt.Sprintf("negative stock %d", stock),
			Details: map[string]any{"stock_available": stock},
		}
	}
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if e.Remaining <= 0 {
			return nil, &Error{
				Kind:    KindInvalidInput,
				Op:      "allocate",
				Msg:     fmt.Sprintf("order %d has non-positive remaining need %d", e.OrderID, e.Remaining),
				Details: map[string]any{"order_id": e.OrderID, "remaining": e.Remaining},
			}
		}
		if _, dup := seen[e.OrderID]; dup {
			return nil, &Error{
				Kind:    KindInvalidInput,
				Op:      "allocate",
				Msg:     fmt.Sprintf("order %d appears twice", e.OrderID),
				Details: map[string]any{"order_id": e.OrderID},
			}
		}
		seen[e.OrderID] = struct{}{}
	}

	left := stock
	out := make([]Decision, len(entries))
	for i, e := range entries {
		grant := min(e.Remaining, left)
		left -= grant
		out[i] = Decision{OrderID: e.OrderID, Quantity: grant}
	}
	return out, nil
}

// Total sums the granted quantities.
func Total(decisions []Decision) int {
	total := 0
	for _, d := range decisions {
		total += d.Quantity
	}
	return total
}

// Plan is the full outcome of the pure stages of a run.
type Plan struct {
	Criterion      Criterion  `json:"criterion"`
	StockAvailable int        `json:"stock_available"`
	Ordered        []Entry    `json:"ordered"`
	Decisions      []Decision `json:"decisions"`
}

// Total is the number of units the plan grants.
func (p Plan) Total() int { return Total(p.Decisions) }

// NewPlan sorts entries under c and allocates stock across them.
func NewPlan(c Criterion, stock int, entries []Entry) (Plan, error) {
	ordered, err := Sort(c, entries)
	if err != nil {
		return Plan{}, err
	}
	decisions, err := Allocate(stock, ordered)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Criterion: c, StockAvailable: stock, Ordered: ordered, Decisions: decisions}, nil
}
