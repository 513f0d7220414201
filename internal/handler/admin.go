package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kitarena/promo-engine/internal/domain/discount"
)

// ruleJSON is the wire representation of a discount rule for the admin CRUD
// surface. The per-type fields are flat, mirroring the stored document shape;
// conversion to the typed domain rule validates type/field consistency.
type ruleJSON struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type"`
	IsActive    bool       `json:"isActive"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	MaxUses     *int       `json:"maxUses,omitempty"`
	CurrentUses int        `json:"currentUses"`
	Priority    int        `json:"priority"`

	ApplicableCategories []string `json:"applicableCategories,omitempty"`
	ApplicableProductIDs []string `json:"applicableProductIds,omitempty"`
	ExcludedProductIDs   []string `json:"excludedProductIds,omitempty"`

	MinCartValue   *float64 `json:"minCartValue,omitempty"`
	MaxCartValue   *float64 `json:"maxCartValue,omitempty"`
	DaysOfWeek     []int    `json:"daysOfWeek,omitempty"`
	StartHour      *int     `json:"startHour,omitempty"`
	EndHour        *int     `json:"endHour,omitempty"`
	UserSegments   []string `json:"userSegments,omitempty"`
	MinPriorOrders *int     `json:"minPriorOrders,omitempty"`

	MinQuantity        *int     `json:"minQuantity,omitempty"`
	MaxQuantity        *int     `json:"maxQuantity,omitempty"`
	DiscountPercentage *float64 `json:"discountPercentage,omitempty"`
	DiscountAmount     *float64 `json:"discountAmount,omitempty"`
	BuyQuantity        *int     `json:"buyQuantity,omitempty"`
	GetFreeQuantity    *int     `json:"getFreeQuantity,omitempty"`
	FreeProductIDs     []string `json:"freeProductIds,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// ListRules returns every rule in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		zctx.From(r.Context()).Error("list rules", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	out := make([]ruleJSON, len(rules))
	for i := range rules {
		out[i] = ruleToJSON(&rules[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRule returns a single rule by id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, discount.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		zctx.From(r.Context()).Error("get rule", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, ruleToJSON(rule))
}

// CreateRule validates and persists a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule document")
		return
	}

	rule, err := ruleFromJSON(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = uuid.New().String()
	rule.CurrentUses = 0

	if err := rule.Validate(time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.rules.Create(r.Context(), rule); err != nil {
		zctx.From(r.Context()).Error("create rule", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, ruleToJSON(rule))
}

// UpdateRule validates and rewrites an existing rule. The usage counter is
// owned by the engine and cannot be changed here.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule document")
		return
	}

	rule, err := ruleFromJSON(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = chi.URLParam(r, "id")

	if err := rule.Validate(time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.rules.Update(r.Context(), rule); err != nil {
		if errors.Is(err, discount.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		zctx.From(r.Context()).Error("update rule", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	// Re-read the stored row: the update never touches current_uses, so the
	// request document may not reflect the persisted counter.
	stored, err := h.rules.GetByID(r.Context(), rule.ID)
	if err != nil {
		zctx.From(r.Context()).Error("reload updated rule", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, ruleToJSON(stored))
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, discount.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		zctx.From(r.Context()).Error("delete rule", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleFromJSON(j *ruleJSON) (*discount.Rule, error) {
	rule := &discount.Rule{
		ID:          j.ID,
		Name:        j.Name,
		Description: j.Description,
		Type:        discount.RuleType(j.Type),
		Active:      j.IsActive,
		ExpiresAt:   j.ExpiresAt,
		MaxUses:     j.MaxUses,
		CurrentUses: j.CurrentUses,
		Priority:    j.Priority,
		Targeting: discount.Targeting{
			Categories:         j.ApplicableCategories,
			ProductIDs:         j.ApplicableProductIDs,
			ExcludedProductIDs: j.ExcludedProductIDs,
		},
		Conditions: discount.Conditions{
			MinCartValue:   decimalPtr(j.MinCartValue),
			MaxCartValue:   decimalPtr(j.MaxCartValue),
			StartHour:      j.StartHour,
			EndHour:        j.EndHour,
			UserSegments:   j.UserSegments,
			MinPriorOrders: j.MinPriorOrders,
		},
	}

	for _, d := range j.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, errors.Errorf("invalid day of week: %d", d)
		}
		rule.Conditions.DaysOfWeek = append(rule.Conditions.DaysOfWeek, time.Weekday(d))
	}

	switch rule.Type {
	case discount.TypeQuantityBased:
		rule.Quantity = &discount.QuantitySpec{
			MinQuantity: j.MinQuantity,
			MaxQuantity: j.MaxQuantity,
			Percentage:  decimalPtr(j.DiscountPercentage),
			Amount:      decimalPtr(j.DiscountAmount),
		}
	case discount.TypeBuyXGetY:
		spec := &discount.BuyGetSpec{FreeProductIDs: j.FreeProductIDs}
		if j.BuyQuantity != nil {
			spec.BuyQuantity = *j.BuyQuantity
		}
		if j.GetFreeQuantity != nil {
			spec.GetFreeQuantity = *j.GetFreeQuantity
		}
		rule.BuyGet = spec
	case discount.TypePercentageOff:
		if j.DiscountPercentage == nil {
			return nil, errors.New("percentage_off rule requires discountPercentage")
		}
		rule.Percent = &discount.PercentSpec{Percentage: decimal.NewFromFloat(*j.DiscountPercentage)}
	case discount.TypeFixedAmountOff:
		if j.DiscountAmount == nil {
			return nil, errors.New("fixed_amount_off rule requires discountAmount")
		}
		rule.Fixed = &discount.FixedSpec{Amount: decimal.NewFromFloat(*j.DiscountAmount)}
	default:
		return nil, errors.Errorf("unsupported rule type: %q", j.Type)
	}

	return rule, nil
}

func ruleToJSON(r *discount.Rule) ruleJSON {
	j := ruleJSON{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Type:        string(r.Type),
		IsActive:    r.Active,
		ExpiresAt:   r.ExpiresAt,
		MaxUses:     r.MaxUses,
		CurrentUses: r.CurrentUses,
		Priority:    r.Priority,

		ApplicableCategories: r.Targeting.Categories,
		ApplicableProductIDs: r.Targeting.ProductIDs,
		ExcludedProductIDs:   r.Targeting.ExcludedProductIDs,

		MinCartValue:   floatPtr(r.Conditions.MinCartValue),
		MaxCartValue:   floatPtr(r.Conditions.MaxCartValue),
		StartHour:      r.Conditions.StartHour,
		EndHour:        r.Conditions.EndHour,
		UserSegments:   r.Conditions.UserSegments,
		MinPriorOrders: r.Conditions.MinPriorOrders,

		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	for _, d := range r.Conditions.DaysOfWeek {
		j.DaysOfWeek = append(j.DaysOfWeek, int(d))
	}

	switch r.Type {
	case discount.TypeQuantityBased:
		if q := r.Quantity; q != nil {
			j.MinQuantity = q.MinQuantity
			j.MaxQuantity = q.MaxQuantity
			j.DiscountPercentage = floatPtr(q.Percentage)
			j.DiscountAmount = floatPtr(q.Amount)
		}
	case discount.TypeBuyXGetY:
		if b := r.BuyGet; b != nil {
			j.BuyQuantity = &b.BuyQuantity
			j.GetFreeQuantity = &b.GetFreeQuantity
			j.FreeProductIDs = b.FreeProductIDs
		}
	case discount.TypePercentageOff:
		if p := r.Percent; p != nil {
			pct := p.Percentage.InexactFloat64()
			j.DiscountPercentage = &pct
		}
	case discount.TypeFixedAmountOff:
		if f := r.Fixed; f != nil {
			amount := f.Amount.InexactFloat64()
			j.DiscountAmount = &amount
		}
	}

	return j
}

func decimalPtr(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	v := d.InexactFloat64()
	return &v
}
