package stocklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stockline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Product struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

type Order struct {
	ID                int64  `json:"id"`
	ProductID         int64  `json:"product_id"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityGranted   int    `json:"quantity_granted"`
	Status            string `json:"status"`
	Priority          int    `json:"priority"`
	SubmittedAt       string `json:"submitted_at"`
	CustomerReference string `json:"customer_reference"`
}

// NewOrder is the body of CreateOrder. SubmittedAt defaults to now.
type NewOrder struct {
	ProductID         int64  `json:"product_id"`
	Quantity          int    `json:"quantity"`
	Priority          int    `json:"priority,omitempty"`
	CustomerReference string `json:"customer_reference"`
	SubmittedAt       string `json:"submitted_at,omitempty"`
}

type OrderFilter struct {
	ProductID int64
	Status    string
	Limit     int
	Cursor    string
}

type PaginatedOrders struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type QueuedOrder struct {
	Order
	Remaining    int `json:"remaining"`
	CustomerRank int `json:"customer_rank"`
}

type Queue struct {
	Product   Product       `json:"product"`
	Criterion string        `json:"criterion"`
	Orders    []QueuedOrder `json:"orders"`
}

type Movement struct {
	ID         int64  `json:"id"`
	ProductID  int64  `json:"product_id"`
	Type       string `json:"type"`
	Quantity   int    `json:"quantity"`
	StockAfter int    `json:"stock_after"`
}

type MovementResult struct {
	Movement      Movement `json:"movement"`
	PreviousStock int      `json:"previous_stock"`
	Stock         int      `json:"stock"`
}

type OrderOutcome struct {
	OrderID           int64  `json:"order_id"`
	CustomerReference string `json:"customer_reference"`
	Requested         int    `json:"quantity_requested"`
	PreviousGranted   int    `json:"previous_granted"`
	Granted           int    `json:"granted"`
	NewGranted        int    `json:"new_granted"`
	PreviousStatus    string `json:"previous_status"`
	Status            string `json:"status"`
}

// RunResult is the outcome of one committed allocation run.
type RunResult struct {
	RunID          string         `json:"run_id"`
	ProductID      int64          `json:"product_id"`
	Criterion      string         `json:"criterion"`
	StockBefore    int            `json:"stock_before"`
	StockAfter     int            `json:"stock_after"`
	TotalAllocated int            `json:"total_allocated"`
	Orders         []OrderOutcome `json:"orders"`
	CreatedAt      string         `json:"created_at"`
}

// Run is a stored allocation run.
type Run struct {
	ID            string `json:"id"`
	ProductID     int64  `json:"product_id"`
	Criterion     string `json:"criterion"`
	StockBefore   int    `json:"stock_before"`
	StockAfter    int    `json:"stock_after"`
	TotalGranted  int    `json:"total_granted"`
	OrdersTouched int    `json:"orders_touched"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at"`
}

// Error codes returned by the API.
const (
	CodeNotFound           = "not_found"
	CodeStaleState         = "stale_state"
	CodeInvalidPolicy      = "invalid_policy"
	CodeInvalidInput       = "invalid_input"
	CodePersistenceFailure = "persistence_failure"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStale reports whether err is a stale_state rejection. The run can be
// retried from scratch.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeStaleState
}

// RunAllocation runs allocation for productID.
func (c *Client) RunAllocation(ctx context.Context, productID int64) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "allocations", map[string]any{"product_id": productID}, &resp)
	return resp, err
}

// Runs lists committed runs, newest first. productID 0 lists all products.
func (c *Client) Runs(ctx context.Context, productID int64, limit int) ([]Run, error) {
	q := url.Values{}
	if productID > 0 {
		q.Set("product_id", strconv.FormatInt(productID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("allocations", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateOrder(ctx context.Context, o NewOrder) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders", o, &resp)
	return resp, err
}

func (c *Client) ListOrders(ctx context.Context, f OrderFilter) (PaginatedOrders, error) {
	q := url.Values{}
	if f.ProductID > 0 {
		q.Set("product_id", strconv.FormatInt(f.ProductID, 10))
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var resp PaginatedOrders
	err := c.do(ctx, http.MethodGet, withQuery("orders", q), nil, &resp)
	return resp, err
}

// Queue returns the product's open orders in the order the active rule serves them.
func (c *Client) Queue(ctx context.Context, productID int64) (Queue, error) {
	var resp Queue
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("products/%d/queue", productID), nil, &resp)
	return resp, err
}

// RecordMovement moves stock in or out of a product.
func (c *Client) RecordMovement(ctx context.Context, productID int64, movementType string, quantity int, notes string) (MovementResult, error) {
	body := map[string]any{"type": movementType, "quantity": quantity}
	if notes != "" {
		body["notes"] = notes
	}
	var resp MovementResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("products/%d/movements", productID), body, &resp)
	return resp, err
}

func (c *Client) CreateProduct(ctx context.Context, code, name string, stock int) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPost, "products", map[string]any{"code": code, "name": name, "stock": stock}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
