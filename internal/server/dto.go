package server

import (
	"encoding/json"

	"stockline/internal/domain"
)

// Request payloads

type CreateProductRequest struct {
	Code  string `json:"code" minLength:"1"`
	Name  string `json:"name" minLength:"1"`
	Stock int    `json:"stock,omitempty" minimum:"0"`
}

type CreateMovementRequest struct {
	Type     string `json:"type" enum:"purchase_in,return_in,sale_out,writeoff_out"`
	Quantity int    `json:"quantity" minimum:"1"`
	Notes    string `json:"notes,omitempty"`
}

type CreateOrderRequest struct {
	ProductID         int64  `json:"product_id" minimum:"1"`
	Quantity          int    `json:"quantity" minimum:"1"`
	Priority          int    `json:"priority,omitempty"`
	CustomerReference string `json:"customer_reference" minLength:"1"`
	SubmittedAt       string `json:"submitted_at,omitempty" doc:"RFC 3339 timestamp; defaults to now"`
}

type RunAllocationRequest struct {
	ProductID int64 `json:"product_id" minimum:"1"`
}

type UpdateRuleRequest struct {
	Name      *string `json:"name,omitempty"`
	Criterion *string `json:"criterion,omitempty"`
	Active    *bool   `json:"active,omitempty"`
}

type SetCustomerRankRequest struct {
	Rank int `json:"rank"`
}

// Responses

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedOrders struct {
	Items      []domain.Order `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

func items[T any](in []T) itemsResponse[T] {
	return itemsResponse[T]{Items: nonNilSlice(in)}
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
