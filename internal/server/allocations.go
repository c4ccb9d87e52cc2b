package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stockline/internal/allocation"
	"stockline/internal/domain"
	"stockline/internal/engine"
)

func (h handlers) registerAllocations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-allocation",
		Method:        http.MethodPost,
		Path:          "/allocations",
		Summary:       "Run allocation for a product",
		Description:   "Allocates the product's current stock to its open orders under the active rule. Returns 409 stale_state when stock or orders changed between snapshot and commit.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RunAllocationRequest
	}) (*struct {
		Body engine.RunResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RunOptions{ProductID: input.Body.ProductID, ActorID: actorID}
		res, err := h.engine.RunAllocation(ctx, opts)
		if err != nil && h.retryStale && errors.Is(err, allocation.ErrStaleState) {
			h.log.Info("retrying stale allocation", "product_id", opts.ProductID)
			res, err = h.engine.RunAllocation(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if res.Orders == nil {
			res.Orders = []engine.OrderOutcome{}
		}
		return &struct {
			Body engine.RunResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/allocations",
		Summary:     "List allocation runs",
	}, func(ctx context.Context, input *struct {
		ProductID int64 `query:"product_id"`
		Limit     int   `query:"limit" default:"50"`
	}) (*struct {
		Body itemsResponse[domain.AllocationRun] `json:"body"`
	}, error) {
		runs, err := h.engine.ListRuns(ctx, input.ProductID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.AllocationRun] `json:"body"`
		}{Body: items(runs)}, nil
	})
}

func (h handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-allocation-rules",
		Method:      http.MethodGet,
		Path:        "/allocation-rules",
		Summary:     "List allocation rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body itemsResponse[domain.AllocationRule] `json:"body"`
	}, error) {
		rules, err := h.engine.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.AllocationRule] `json:"body"`
		}{Body: items(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-allocation-rule",
		Method:      http.MethodPatch,
		Path:        "/allocation-rules/{id}",
		Summary:     "Update an allocation rule",
		Description: "Activating a rule deactivates every other rule. Requires the admin role.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateRuleRequest
	}) (*struct {
		Body domain.AllocationRule `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.engine.UpdateRule(ctx, engine.RuleUpdateOptions{
			ID:        input.ID,
			Name:      input.Body.Name,
			Criterion: input.Body.Criterion,
			Active:    input.Body.Active,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AllocationRule `json:"body"`
		}{Body: rule}, nil
	})
}

func (h handlers) registerCustomers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "set-customer-rank",
		Method:      http.MethodPut,
		Path:        "/customers/{reference}/rank",
		Summary:     "Set a customer's rank",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Reference string `path:"reference"`
		Body      SetCustomerRankRequest
	}) (*struct {
		Body domain.CustomerRank `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		rank, err := h.engine.SetCustomerRank(ctx, input.Reference, input.Body.Rank, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CustomerRank `json:"body"`
		}{Body: rank}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-customer-ranks",
		Method:      http.MethodGet,
		Path:        "/customers/ranks",
		Summary:     "List customer ranks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body itemsResponse[domain.CustomerRank] `json:"body"`
	}, error) {
		ranks, err := h.engine.ListCustomerRanks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.CustomerRank] `json:"body"`
		}{Body: items(ranks)}, nil
	})
}
