package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kitarena/promo-engine/internal/domain/discount"
)

const ruleColumns = `id, name, description, rule_type, active, expires_at,
	max_uses, current_uses, priority,
	applicable_categories, applicable_product_ids, excluded_product_ids,
	min_cart_value, max_cart_value, days_of_week, start_hour, end_hour,
	user_segments, min_prior_orders,
	min_quantity, max_quantity, discount_percentage, discount_amount,
	buy_quantity, get_free_quantity, free_product_ids,
	created_at, updated_at`

const (
	listActiveRulesSQL = `SELECT ` + ruleColumns + ` FROM discount_rules
		WHERE active = TRUE
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND (max_uses IS NULL OR current_uses < max_uses)
		ORDER BY priority DESC, created_at ASC`

	listRulesSQL = `SELECT ` + ruleColumns + ` FROM discount_rules
		ORDER BY priority DESC, created_at ASC`

	getRuleSQL = `SELECT ` + ruleColumns + ` FROM discount_rules WHERE id = $1`

	// The cap is re-validated inside the UPDATE so two concurrent carts
	// cannot push current_uses past max_uses.
	incrementUsageSQL = `UPDATE discount_rules
		SET current_uses = current_uses + 1, updated_at = now()
		WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`

	insertRuleSQL = `INSERT INTO discount_rules (
		id, name, description, rule_type, active, expires_at,
		max_uses, current_uses, priority,
		applicable_categories, applicable_product_ids, excluded_product_ids,
		min_cart_value, max_cart_value, days_of_week, start_hour, end_hour,
		user_segments, min_prior_orders,
		min_quantity, max_quantity, discount_percentage, discount_amount,
		buy_quantity, get_free_quantity, free_product_ids
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
	)`

	updateRuleSQL = `UPDATE discount_rules SET
		name = $2, description = $3, rule_type = $4, active = $5, expires_at = $6,
		max_uses = $7, priority = $8,
		applicable_categories = $9, applicable_product_ids = $10, excluded_product_ids = $11,
		min_cart_value = $12, max_cart_value = $13, days_of_week = $14,
		start_hour = $15, end_hour = $16, user_segments = $17, min_prior_orders = $18,
		min_quantity = $19, max_quantity = $20, discount_percentage = $21, discount_amount = $22,
		buy_quantity = $23, get_free_quantity = $24, free_product_ids = $25,
		updated_at = now()
		WHERE id = $1`

	deleteRuleSQL = `DELETE FROM discount_rules WHERE id = $1`

	insertApplicationSQL = `INSERT INTO rule_applications (id, rule_id, discount_amount, item_ids, applied_at)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ discount.Store = (*RuleRepository)(nil)

// RuleRepository implements discount.Store backed by PostgreSQL. The per-type
// rule specs are flattened into nullable columns and reassembled on read.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// ListActive returns evaluable rules in priority order: active, unexpired at
// now, and under their usage cap.
func (r *RuleRepository) ListActive(ctx context.Context, now time.Time) ([]discount.Rule, error) {
	rows, err := r.pool.Query(ctx, listActiveRulesSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	return rules, nil
}

// List returns every rule for the admin surface, in evaluation order.
func (r *RuleRepository) List(ctx context.Context) ([]discount.Rule, error) {
	rows, err := r.pool.Query(ctx, listRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	return rules, nil
}

// GetByID returns a single rule. It returns discount.ErrRuleNotFound when no
// rule with the given id exists.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*discount.Rule, error) {
	rows, err := r.pool.Query(ctx, getRuleSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrRuleNotFound
		}
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}
	return &rule, nil
}

// IncrementUsage atomically bumps a rule's usage counter, re-checking the cap
// in the same statement. It returns discount.ErrRuleNotFound when the rule no
// longer exists or its cap is already reached.
func (r *RuleRepository) IncrementUsage(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, incrementUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage for rule %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrRuleNotFound
	}
	return nil
}

// RecordApplication appends an audit row for a successful rule application.
func (r *RuleRepository) RecordApplication(ctx context.Context, app discount.Application) error {
	_, err := r.pool.Exec(ctx, insertApplicationSQL,
		app.ID, app.RuleID, app.Amount, app.ItemIDs, app.AppliedAt)
	if err != nil {
		return fmt.Errorf("recording application of rule %q: %w", app.RuleID, err)
	}
	return nil
}

// Create persists a new rule.
func (r *RuleRepository) Create(ctx context.Context, rule *discount.Rule) error {
	args := flattenRule(rule)
	if _, err := r.pool.Exec(ctx, insertRuleSQL, args...); err != nil {
		return fmt.Errorf("creating rule %q: %w", rule.ID, err)
	}
	return nil
}

// Update rewrites an existing rule. current_uses is deliberately untouched:
// the engine owns that counter.
func (r *RuleRepository) Update(ctx context.Context, rule *discount.Rule) error {
	args := flattenRule(rule)
	// Drop current_uses (index 7) from the insert argument list.
	args = append(args[:7], args[8:]...)

	tag, err := r.pool.Exec(ctx, updateRuleSQL, args...)
	if err != nil {
		return fmt.Errorf("updating rule %q: %w", rule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteRuleSQL, id)
	if err != nil {
		return fmt.Errorf("deleting rule %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrRuleNotFound
	}
	return nil
}

// flattenRule produces the insert argument list in column order.
func flattenRule(rule *discount.Rule) []any {
	var (
		minQty, maxQty *int
		pct, amount    *decimal.Decimal
		buyQty, getQty *int
		freeIDs        []string
	)
	switch rule.Type {
	case discount.TypeQuantityBased:
		if q := rule.Quantity; q != nil {
			minQty, maxQty = q.MinQuantity, q.MaxQuantity
			pct, amount = q.Percentage, q.Amount
		}
	case discount.TypeBuyXGetY:
		if b := rule.BuyGet; b != nil {
			buyQty, getQty = &b.BuyQuantity, &b.GetFreeQuantity
			freeIDs = b.FreeProductIDs
		}
	case discount.TypePercentageOff:
		if p := rule.Percent; p != nil {
			pct = &p.Percentage
		}
	case discount.TypeFixedAmountOff:
		if f := rule.Fixed; f != nil {
			amount = &f.Amount
		}
	}
	if freeIDs == nil {
		freeIDs = []string{}
	}

	days := make([]int16, len(rule.Conditions.DaysOfWeek))
	for i, d := range rule.Conditions.DaysOfWeek {
		days[i] = int16(d)
	}

	return []any{
		rule.ID, rule.Name, rule.Description, string(rule.Type), rule.Active, rule.ExpiresAt,
		rule.MaxUses, rule.CurrentUses, rule.Priority,
		emptyIfNil(rule.Targeting.Categories),
		emptyIfNil(rule.Targeting.ProductIDs),
		emptyIfNil(rule.Targeting.ExcludedProductIDs),
		rule.Conditions.MinCartValue, rule.Conditions.MaxCartValue,
		days, rule.Conditions.StartHour, rule.Conditions.EndHour,
		emptyIfNil(rule.Conditions.UserSegments), rule.Conditions.MinPriorOrders,
		minQty, maxQty, pct, amount,
		buyQty, getQty, freeIDs,
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// scanRule reassembles a discount.Rule from its flattened row, attaching the
// per-type spec that matches rule_type.
func scanRule(row pgx.CollectableRow) (discount.Rule, error) {
	var (
		rule           discount.Rule
		ruleType       string
		days           []int16
		startHour      *int16
		endHour        *int16
		minQty, maxQty *int
		pct, amount    *decimal.Decimal
		buyQty, getQty *int
		freeIDs        []string
	)

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &ruleType, &rule.Active, &rule.ExpiresAt,
		&rule.MaxUses, &rule.CurrentUses, &rule.Priority,
		&rule.Targeting.Categories, &rule.Targeting.ProductIDs, &rule.Targeting.ExcludedProductIDs,
		&rule.Conditions.MinCartValue, &rule.Conditions.MaxCartValue,
		&days, &startHour, &endHour,
		&rule.Conditions.UserSegments, &rule.Conditions.MinPriorOrders,
		&minQty, &maxQty, &pct, &amount,
		&buyQty, &getQty, &freeIDs,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return discount.Rule{}, err
	}

	rule.Type = discount.RuleType(ruleType)
	rule.Conditions.DaysOfWeek = make([]time.Weekday, len(days))
	for i, d := range days {
		rule.Conditions.DaysOfWeek[i] = time.Weekday(d)
	}
	if startHour != nil {
		h := int(*startHour)
		rule.Conditions.StartHour = &h
	}
	if endHour != nil {
		h := int(*endHour)
		rule.Conditions.EndHour = &h
	}

	switch rule.Type {
	case discount.TypeQuantityBased:
		rule.Quantity = &discount.QuantitySpec{
			MinQuantity: minQty,
			MaxQuantity: maxQty,
			Percentage:  pct,
			Amount:      amount,
		}
	case discount.TypeBuyXGetY:
		spec := &discount.BuyGetSpec{FreeProductIDs: freeIDs}
		if buyQty != nil {
			spec.BuyQuantity = *buyQty
		}
		if getQty != nil {
			spec.GetFreeQuantity = *getQty
		}
		rule.BuyGet = spec
	case discount.TypePercentageOff:
		if pct != nil {
			rule.Percent = &discount.PercentSpec{Percentage: *pct}
		}
	case discount.TypeFixedAmountOff:
		if amount != nil {
			rule.Fixed = &discount.FixedSpec{Amount: *amount}
		}
	}

	return rule, nil
}
