package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kitarena/promo-engine/internal/domain/discount"
)

type cartItemJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Image    string          `json:"image"`
	Category string          `json:"category,omitempty"`
}

type applyRequest struct {
	CartItems []cartItemJSON `json:"cartItems"`
}

type freeItemJSON struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

type discountJSON struct {
	RuleID             string         `json:"ruleId"`
	RuleName           string         `json:"ruleName"`
	RuleType           string         `json:"ruleType"`
	DiscountAmount     float64        `json:"discountAmount"`
	DiscountPercentage *float64       `json:"discountPercentage,omitempty"`
	AppliedToItems     []string       `json:"appliedToItems"`
	FreeItems          []freeItemJSON `json:"freeItems,omitempty"`
}

type applyResponse struct {
	Success             bool           `json:"success"`
	Discounts           []discountJSON `json:"discounts"`
	TotalDiscountAmount float64        `json:"totalDiscountAmount"`
	Message             string         `json:"message"`
}

// ApplyRules evaluates every active discount rule against the posted cart and
// returns the accumulated discounts.
func (h *Handler) ApplyRules(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "cartItems must be an array of cart items")
		return
	}
	if len(req.CartItems) == 0 {
		writeError(w, http.StatusBadRequest, "cartItems is required and must not be empty")
		return
	}

	items := make([]discount.Item, len(req.CartItems))
	for i, it := range req.CartItems {
		if it.ID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cart item %d: id is required", i))
			return
		}
		if it.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cart item %q: quantity must be positive", it.ID))
			return
		}
		if it.Price.IsNegative() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cart item %q: price must not be negative", it.ID))
			return
		}
		items[i] = discount.Item{
			ID:       it.ID,
			Name:     it.Name,
			Price:    it.Price,
			Quantity: it.Quantity,
			Category: it.Category,
		}
	}

	sum, err := h.applier.Apply(r.Context(), items)
	if err != nil {
		if errors.Is(err, discount.ErrEmptyCart) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zctx.From(r.Context()).Error("apply discount rules", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply discount rules")
		return
	}

	writeJSON(w, http.StatusOK, buildApplyResponse(sum))
}

func buildApplyResponse(sum *discount.Summary) applyResponse {
	discounts := make([]discountJSON, len(sum.Discounts))
	for i, d := range sum.Discounts {
		dj := discountJSON{
			RuleID:         d.RuleID,
			RuleName:       d.RuleName,
			RuleType:       string(d.RuleType),
			DiscountAmount: d.Amount.InexactFloat64(),
			AppliedToItems: d.AppliedTo,
		}
		if d.Percentage != nil {
			pct := d.Percentage.InexactFloat64()
			dj.DiscountPercentage = &pct
		}
		for _, f := range d.FreeItems {
			dj.FreeItems = append(dj.FreeItems, freeItemJSON{
				ProductID: f.ProductID,
				Name:      f.Name,
				Quantity:  f.Quantity,
			})
		}
		discounts[i] = dj
	}

	msg := fmt.Sprintf("%d discount rule(s) applied", len(discounts))
	if len(discounts) == 0 {
		msg = "no discount rules apply to this cart"
	}

	return applyResponse{
		Success:             true,
		Discounts:           discounts,
		TotalDiscountAmount: sum.Total.InexactFloat64(),
		Message:             msg,
	}
}
