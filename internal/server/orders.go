package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/repo"
)

func (h handlers) registerOrders(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := h.engine.CreateOrder(ctx, engine.OrderCreateOptions{
			ProductID:         input.Body.ProductID,
			Quantity:          input.Body.Quantity,
			Priority:          input.Body.Priority,
			CustomerReference: input.Body.CustomerReference,
			SubmittedAt:       input.Body.SubmittedAt,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProductID int64  `query:"product_id"`
		Status    string `query:"status" enum:"pending,partial,fulfilled"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		orders, err := h.engine.ListOrders(ctx, repo.OrderFilter{
			ProductID: input.ProductID,
			Status:    input.Status,
			Limit:     limit + 1,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []domain.Order{}}
		if len(orders) > limit {
			resp.NextCursor = strconv.FormatInt(orders[limit-1].ID, 10)
			orders = orders[:limit]
		}
		resp.Items = append(resp.Items, orders...)
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id" minimum:"1"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := h.engine.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})
}
