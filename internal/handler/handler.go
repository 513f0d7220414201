package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kitarena/promo-engine/internal/domain/discount"
)

// DiscountApplier evaluates the rule catalog against a cart.
type DiscountApplier interface {
	Apply(ctx context.Context, items []discount.Item) (*discount.Summary, error)
}

// Handler serves the discount-rule API: cart evaluation plus the admin CRUD
// surface over the rule catalog.
type Handler struct {
	applier DiscountApplier
	rules   discount.Store
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(applier DiscountApplier, rules discount.Store) *Handler {
	return &Handler{
		applier: applier,
		rules:   rules,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
