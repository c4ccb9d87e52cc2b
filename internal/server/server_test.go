package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/logging"
	"stockline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	eng := newTestEngine(t)
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
		Log: logging.NewTestLogger(),
	})
	require.NoError(t, err, "build handler")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: eng}
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err, "ensure workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng := engine.New(conn, config.Default(app.DefaultWarehouseID)).WithLogger(logging.NewTestLogger())
	_, err = app.ResolveConfig(context.Background(), eng, "tester")
	require.NoError(t, err, "seed config")
	return eng
}

var actor = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) createProduct(t *testing.T, code string, stock int) domain.Product {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/products", map[string]any{
		"code": code, "name": code, "stock": stock,
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Product](t, data)
}

func (s *testServer) createOrder(t *testing.T, productID int64, qty int, customer string) domain.Order {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/orders", map[string]any{
		"product_id": productID, "quantity": qty, "customer_reference": customer,
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Order](t, data)
}

func TestRunAllocationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProduct(t, "SKU-1", 10)
	a := srv.createOrder(t, p.ID, 4, "alpha")
	b := srv.createOrder(t, p.ID, 8, "beta")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/allocations", map[string]any{"product_id": p.ID}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	run := decode[engine.RunResult](t, data)
	assert.Equal(t, "fifo", run.Criterion)
	assert.Equal(t, 10, run.TotalAllocated)
	assert.Equal(t, 0, run.StockAfter)
	require.Len(t, run.Orders, 2)
	assert.Equal(t, a.ID, run.Orders[0].OrderID)
	assert.Equal(t, domain.OrderFulfilled, run.Orders[0].Status)
	assert.Equal(t, b.ID, run.Orders[1].OrderID)
	assert.Equal(t, 6, run.Orders[1].NewGranted)
	assert.Equal(t, domain.OrderPartial, run.Orders[1].Status)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/"+strconv.FormatInt(p.ID, 10), nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 0, decode[domain.Product](t, data).Stock)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders?status=partial", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedOrders](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, b.ID, page.Items[0].ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/allocations?product_id="+strconv.FormatInt(p.ID, 10), nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	runs := decode[itemsResponse[domain.AllocationRun]](t, data)
	require.Len(t, runs.Items, 1)
	assert.Equal(t, run.RunID, runs.Items[0].ID)
	assert.Equal(t, 10, runs.Items[0].TotalGranted)
}

func TestUnknownCriterionIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProduct(t, "SKU-1", 5)
	srv.createOrder(t, p.ID, 2, "alpha")
	_, err := srv.engine.DB.Exec(`UPDATE allocation_rules SET criterion='bogus' WHERE active=1`)
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/allocations", map[string]any{"product_id": p.ID}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "invalid_policy", env.Error.Code)

	got, err := srv.engine.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)
}

func TestMissingProductIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/allocations", map[string]any{"product_id": 999}, actor)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "not_found", env.Error.Code)
	assert.EqualValues(t, 999, env.Error.Details["product_id"])

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/999", nil, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOverdrawnMovementIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProduct(t, "SKU-1", 3)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/products/"+strconv.FormatInt(p.ID, 10)+"/movements", map[string]any{
		"type": "sale_out", "quantity": 5,
	}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_input", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/products/"+strconv.FormatInt(p.ID, 10)+"/movements", map[string]any{
		"type": "purchase_in", "quantity": 5,
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, 8, decode[engine.MovementResult](t, data).Stock)
}

func TestQueueFollowsActiveRule(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProduct(t, "SKU-1", 0)
	big := srv.createOrder(t, p.ID, 9, "alpha")
	small := srv.createOrder(t, p.ID, 2, "beta")

	token, err := IssueToken(testSecret, "boss", []string{RoleAdmin})
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}
	rules, err := srv.engine.ListRules(context.Background())
	require.NoError(t, err)
	var smallest domain.AllocationRule
	for _, r := range rules {
		if r.Criterion == "smallest_first" {
			smallest = r
		}
	}
	require.NotZero(t, smallest.ID)
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/allocation-rules/"+strconv.FormatInt(smallest.ID, 10), map[string]any{"active": true}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/"+strconv.FormatInt(p.ID, 10)+"/queue", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	view := decode[engine.QueueView](t, data)
	assert.Equal(t, "smallest_first", view.Criterion)
	require.Len(t, view.Orders, 2)
	assert.Equal(t, small.ID, view.Orders[0].ID)
	assert.Equal(t, big.ID, view.Orders[1].ID)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	rules, err := srv.engine.ListRules(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	ruleURL := srv.URL + "/v0/allocation-rules/" + strconv.FormatInt(rules[0].ID, 10)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, ruleURL, map[string]any{"active": true}, actor)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, data).Error.Code)

	token, err := IssueToken(testSecret, "boss", []string{RoleAdmin})
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "boss", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
	assert.Equal(t, []string{RoleAdmin}, me.Roles)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/customers/acme/rank", map[string]any{"rank": 7}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 7, decode[domain.CustomerRank](t, data).Rank)
}

func TestEventsPaginate(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		srv.createProduct(t, "SKU-"+strconv.Itoa(i), 1)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=product.created&limit=2", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[paginatedEvents](t, data)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Greater(t, first.Items[0].ID, first.Items[1].ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=product.created&limit=2&cursor="+first.NextCursor, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	second := decode[paginatedEvents](t, data)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProduct(t, "SKU-1", 2)
	srv.createOrder(t, p.ID, 1, "alpha")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/allocations", map[string]any{"product_id": p.ID}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "stockline_allocation_runs_total")
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
		bodies   [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get(SignatureHeader))
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	eng := newTestEngine(t)
	eng.Config.Webhooks = []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"product.created"},
		Secret: "shh",
	}}
	d := newWebhookDispatcher(eng, logging.NewTestLogger())
	require.NotNil(t, d)
	ctx := context.Background()
	d.cursorFor(ctx, 0)

	_, err := eng.CreateProduct(ctx, engine.ProductCreateOptions{Code: "SKU-1", Name: "Widget", Stock: 3, ActorID: "tester"})
	require.NoError(t, err)
	_, err = eng.SetCustomerRank(ctx, "acme", 2, "tester")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "product.created", received[0].Type)
	assert.Equal(t, app.DefaultWarehouseID, received[0].WarehouseID)
	assert.Equal(t, Sign("shh", bodies[0]), sigs[0])
}

func TestNoWebhooksConfigured(t *testing.T) {
	eng := newTestEngine(t)
	eng.Config.Webhooks = nil
	assert.Nil(t, newWebhookDispatcher(eng, logging.NewTestLogger()))
}
