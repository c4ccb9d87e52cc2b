package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stockline/internal/domain"
	"stockline/internal/engine"
)

type productPath struct {
	ID int64 `path:"id" minimum:"1"`
}

func (h handlers) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Warehouse summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		d, err := h.engine.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func (h handlers) registerProducts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create product",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.engine.CreateProduct(ctx, engine.ProductCreateOptions{
			Code:    input.Body.Code,
			Name:    input.Body.Name,
			Stock:   input.Body.Stock,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body itemsResponse[domain.Product] `json:"body"`
	}, error) {
		products, err := h.engine.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.Product] `json:"body"`
		}{Body: items(products)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get product",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *productPath) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		p, err := h.engine.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-movement",
		Method:        http.MethodPost,
		Path:          "/products/{id}/movements",
		Summary:       "Record a stock movement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body CreateMovementRequest
	}) (*struct {
		Body engine.MovementResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.RecordMovement(ctx, engine.MovementOptions{
			ProductID: input.ID,
			Type:      input.Body.Type,
			Quantity:  input.Body.Quantity,
			Notes:     input.Body.Notes,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MovementResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-movements",
		Method:      http.MethodGet,
		Path:        "/products/{id}/movements",
		Summary:     "List stock movements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id" minimum:"1"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body itemsResponse[domain.Movement] `json:"body"`
	}, error) {
		movements, err := h.engine.ListMovements(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.Movement] `json:"body"`
		}{Body: items(movements)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "product-queue",
		Method:      http.MethodGet,
		Path:        "/products/{id}/queue",
		Summary:     "Open orders in allocation order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *productPath) (*struct {
		Body engine.QueueView `json:"body"`
	}, error) {
		view, err := h.engine.Queue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.QueueView `json:"body"`
		}{Body: view}, nil
	})
}
