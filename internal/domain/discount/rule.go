package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// RuleType enumerates the supported promotional rule strategies. Exactly one
// of the per-type spec structs on Rule is populated, matching this value.
type RuleType string

const (
	// TypeQuantityBased discounts the eligible subtotal when the total
	// eligible quantity falls inside the rule's quantity bounds.
	TypeQuantityBased RuleType = "quantity_based"
	// TypeBuyXGetY grants free units for every full multiple of the buy
	// quantity present in the cart.
	TypeBuyXGetY RuleType = "buy_x_get_y"
	// TypePercentageOff applies a percentage discount to the eligible subtotal.
	TypePercentageOff RuleType = "percentage_off"
	// TypeFixedAmountOff applies a flat discount capped at the eligible subtotal.
	TypeFixedAmountOff RuleType = "fixed_amount_off"
)

var (
	// ErrNotApplicable is returned by calculators when the cart does not
	// satisfy a rule's conditions. It is not a failure: the rule simply
	// contributes no discount.
	ErrNotApplicable = errors.New("rule not applicable")
	// ErrRuleNotFound is returned by repositories when a rule id does not exist.
	ErrRuleNotFound = errors.New("discount rule not found")
	// ErrEmptyCart is returned by the Applier when invoked without cart items.
	ErrEmptyCart = errors.New("cart items required")
)

// Targeting restricts which cart items a rule can touch.
//
// Precedence: an excluded product never matches; otherwise an explicit
// product inclusion list wins over category targeting; a rule with no
// targeting at all matches every item.
type Targeting struct {
	Categories         []string
	ProductIDs         []string
	ExcludedProductIDs []string
}

// Conditions are cart-level eligibility gates checked before a rule's
// calculator runs. UserSegments and MinPriorOrders are stored for the admin
// surface but not enforced here: the engine evaluates carts, not customers.
type Conditions struct {
	MinCartValue *decimal.Decimal
	MaxCartValue *decimal.Decimal
	// DaysOfWeek limits the rule to the listed weekdays. Empty means every day.
	DaysOfWeek []time.Weekday
	// StartHour/EndHour bound the rule to [StartHour, EndHour) in UTC.
	// Both nil means the rule applies around the clock.
	StartHour *int
	EndHour   *int

	UserSegments   []string
	MinPriorOrders *int
}

// Met reports whether the cart-level conditions hold for the given cart
// subtotal at the given time.
func (c *Conditions) Met(cartTotal decimal.Decimal, now time.Time) bool {
	if c.MinCartValue != nil && cartTotal.LessThan(*c.MinCartValue) {
		return false
	}
	if c.MaxCartValue != nil && cartTotal.GreaterThan(*c.MaxCartValue) {
		return false
	}
	if len(c.DaysOfWeek) > 0 {
		day := now.UTC().Weekday()
		found := false
		for _, d := range c.DaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.StartHour != nil || c.EndHour != nil {
		hour := now.UTC().Hour()
		if c.StartHour != nil && hour < *c.StartHour {
			return false
		}
		if c.EndHour != nil && hour >= *c.EndHour {
			return false
		}
	}
	return true
}

// QuantitySpec configures a quantity_based rule. Bounds are inclusive on the
// total eligible quantity. Exactly one of Percentage or Amount must be set;
// Amount is intentionally not capped at the eligible subtotal.
type QuantitySpec struct {
	MinQuantity *int
	MaxQuantity *int
	Percentage  *decimal.Decimal
	Amount      *decimal.Decimal
}

// BuyGetSpec configures a buy_x_get_y rule. When FreeProductIDs is empty the
// cheapest eligible items are freed first.
type BuyGetSpec struct {
	BuyQuantity     int
	GetFreeQuantity int
	FreeProductIDs  []string
}

// PercentSpec configures a percentage_off rule.
type PercentSpec struct {
	Percentage decimal.Decimal
}

// FixedSpec configures a fixed_amount_off rule. The discount is capped at
// the eligible subtotal.
type FixedSpec struct {
	Amount decimal.Decimal
}

// Rule is a promotional discount rule. Type selects which one of Quantity,
// BuyGet, Percent, or Fixed is populated; the calculator dispatches on Type
// exhaustively and rejects mismatched rules.
type Rule struct {
	ID          string
	Name        string
	Description string
	Type        RuleType
	Active      bool
	ExpiresAt   *time.Time
	MaxUses     *int
	CurrentUses int
	Priority    int
	Targeting   Targeting
	Conditions  Conditions

	Quantity *QuantitySpec
	BuyGet   *BuyGetSpec
	Percent  *PercentSpec
	Fixed    *FixedSpec

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks structural invariants enforced at rule creation and update
// time. Expiry must be strictly in the future at creation; it is not
// re-checked at evaluation time beyond the repository's unexpired filter.
func (r *Rule) Validate(now time.Time) error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return errors.New("expiry must be in the future")
	}
	if r.MaxUses != nil && *r.MaxUses <= 0 {
		return errors.New("max uses must be positive")
	}

	switch r.Type {
	case TypeQuantityBased:
		q := r.Quantity
		if q == nil {
			return errors.New("quantity_based rule requires quantity spec")
		}
		if q.Percentage == nil && q.Amount == nil {
			return errors.New("quantity_based rule requires a percentage or an amount")
		}
		if q.Percentage != nil && q.Amount != nil {
			return errors.New("quantity_based rule cannot set both percentage and amount")
		}
		if q.Percentage != nil && !validPercentage(*q.Percentage) {
			return errors.New("percentage must be in (0, 100]")
		}
		if q.Amount != nil && !q.Amount.IsPositive() {
			return errors.New("amount must be positive")
		}
		if q.MinQuantity != nil && *q.MinQuantity < 0 {
			return errors.New("min quantity must be non-negative")
		}
		if q.MinQuantity != nil && q.MaxQuantity != nil && *q.MaxQuantity < *q.MinQuantity {
			return errors.New("max quantity must be >= min quantity")
		}
	case TypeBuyXGetY:
		b := r.BuyGet
		if b == nil {
			return errors.New("buy_x_get_y rule requires buy/get spec")
		}
		if b.BuyQuantity <= 0 || b.GetFreeQuantity <= 0 {
			return errors.New("buy and free quantities must be positive")
		}
	case TypePercentageOff:
		if r.Percent == nil {
			return errors.New("percentage_off rule requires a percentage")
		}
		if !validPercentage(r.Percent.Percentage) {
			return errors.New("percentage must be in (0, 100]")
		}
	case TypeFixedAmountOff:
		if r.Fixed == nil {
			return errors.New("fixed_amount_off rule requires an amount")
		}
		if !r.Fixed.Amount.IsPositive() {
			return errors.New("amount must be positive")
		}
	default:
		return errors.Errorf("unsupported rule type: %q", r.Type)
	}

	return nil
}

func validPercentage(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThanOrEqual(decimal.NewFromInt(100))
}

// Item is a cart line item as seen by the engine.
type Item struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
	Category string
}

// FreeItem describes units granted for free by a buy_x_get_y rule.
type FreeItem struct {
	ProductID string
	Name      string
	Quantity  int
}

// Result is the outcome of one rule applied to a cart.
type Result struct {
	RuleID     string
	RuleName   string
	RuleType   RuleType
	Amount     decimal.Decimal
	Percentage *decimal.Decimal
	// AppliedTo lists the ids of the cart items the rule touched.
	AppliedTo []string
	FreeItems []FreeItem
}

// Summary aggregates all rule results for one cart evaluation.
type Summary struct {
	Discounts []Result
	Total     decimal.Decimal
}

// Repository is the narrow persistence contract the engine needs: an ordered
// read of evaluable rules plus usage accounting.
type Repository interface {
	// ListActive returns rules that are active, unexpired at now, and under
	// their usage cap, ordered by priority descending with creation time
	// ascending as the tiebreak.
	ListActive(ctx context.Context, now time.Time) ([]Rule, error)
	// IncrementUsage bumps a rule's usage counter by one. Implementations
	// must re-validate the usage cap in the same operation so concurrent
	// carts cannot push the counter past it.
	IncrementUsage(ctx context.Context, id string) error
	// RecordApplication appends an audit row for a successful application.
	RecordApplication(ctx context.Context, app Application) error
}

// Store extends Repository with the admin CRUD surface. The engine itself
// only depends on Repository.
type Store interface {
	Repository

	List(ctx context.Context) ([]Rule, error)
	GetByID(ctx context.Context, id string) (*Rule, error)
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error
}

// Application is one audit record of a rule discounting a cart.
type Application struct {
	ID        string
	RuleID    string
	Amount    decimal.Decimal
	ItemIDs   []string
	AppliedAt time.Time
}
