package allocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Request is the self-contained input of one allocation decision when it is
// computed across a process boundary.
type Request struct {
	ProductID      int64       `json:"product_id"`
	StockAvailable int         `json:"stock_available"`
	Criterion      string      `json:"criterion"`
	Orders         []WireOrder `json:"orders"`
}

type WireOrder struct {
	ID                int64  `json:"id"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityGranted   int    `json:"quantity_granted"`
	Priority          int    `json:"priority"`
	SubmittedAt       string `json:"submitted_at"`
	CustomerRank      int    `json:"customer_rank"`
}

// Response carries either decisions or a structured error, never both.
type Response struct {
	Decisions []Decision `json:"decisions"`
	Error     *WireError `json:"error,omitempty"`
}

type WireError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Handle runs the pure pipeline for one request.
func Handle(req Request) Response {
	c, err := ParseCriterion(req.Criterion)
	if err != nil {
		return errorResponse(err)
	}
	entries := make([]Entry, 0, len(req.Orders))
	for _, o := range req.Orders {
		ts, err := ParseTimestamp(o.SubmittedAt)
		if err != nil {
			return errorResponse(&Error{
				Kind: KindInvalidInput,
				Op:   "decode request",
				Msg:  fmt.Sprintf("order %d submitted_at", o.ID),
				Err:  err,
			})
		}
		entries = append(entries, Entry{
			OrderID:           o.ID,
			QuantityRequested: o.QuantityRequested,
			QuantityGranted:   o.QuantityGranted,
			Remaining:         o.QuantityRequested - o.QuantityGranted,
			Priority:          o.Priority,
			SubmittedAt:       ts,
			CustomerRank:      o.CustomerRank,
		})
	}
	plan, err := NewPlan(c, req.StockAvailable, entries)
	if err != nil {
		return errorResponse(WithProduct(err, req.ProductID))
	}
	return Response{Decisions: plan.Decisions}
}

// Serve decodes exactly one Request from r and writes one Response to w.
// Malformed input is reported in the response; the returned error is only
// for failures writing to w.
func Serve(r io.Reader, w io.Writer) error {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var resp Response
	if err := dec.Decode(&req); err != nil {
		resp = errorResponse(&Error{Kind: KindInvalidInput, Op: "decode request", Err: err})
	} else {
		resp = Handle(req)
	}
	if resp.Decisions == nil {
		resp.Decisions = []Decision{}
	}
	return json.NewEncoder(w).Encode(resp)
}

func errorResponse(err error) Response {
	kind := KindOf(err)
	if kind == "" {
		kind = KindInvalidInput
	}
	return Response{Decisions: []Decision{}, Error: &WireError{Kind: kind, Message: err.Error()}}
}

// ParseTimestamp accepts RFC 3339 and naive UTC datetime layouts.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp " + quote(s))
}
