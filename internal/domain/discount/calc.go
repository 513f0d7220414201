package discount

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate evaluates a single rule against the cart and returns the
// resulting discount. It filters the cart down to the rule's eligible items,
// then dispatches on the rule type.
//
// ErrNotApplicable distinguishes "cart does not satisfy this rule" from a
// genuine calculation failure (malformed rule data); callers treat the former
// as silence and the latter as an isolated, logged fault. A computed discount
// of zero is also reported as ErrNotApplicable: absence, not a zero result.
func Calculate(r *Rule, items []Item) (*Result, error) {
	eligible := eligibleItems(r, items)
	if len(eligible) == 0 {
		return nil, ErrNotApplicable
	}

	var (
		res *Result
		err error
	)
	switch r.Type {
	case TypeQuantityBased:
		res, err = calcQuantityBased(r, eligible)
	case TypeBuyXGetY:
		res, err = calcBuyXGetY(r, eligible)
	case TypePercentageOff:
		res, err = calcPercentageOff(r, eligible)
	case TypeFixedAmountOff:
		res, err = calcFixedAmountOff(r, eligible)
	default:
		return nil, errors.Errorf("unsupported rule type: %q", r.Type)
	}
	if err != nil {
		return nil, err
	}

	if !res.Amount.IsPositive() {
		return nil, ErrNotApplicable
	}
	res.Amount = res.Amount.Round(2)
	return res, nil
}

func calcQuantityBased(r *Rule, eligible []Item) (*Result, error) {
	q := r.Quantity
	if q == nil {
		return nil, errors.New("quantity_based rule missing quantity spec")
	}

	totalQty := totalQuantity(eligible)
	if q.MinQuantity != nil && totalQty < *q.MinQuantity {
		return nil, ErrNotApplicable
	}
	if q.MaxQuantity != nil && totalQty > *q.MaxQuantity {
		return nil, ErrNotApplicable
	}

	var amount decimal.Decimal
	switch {
	case q.Percentage != nil:
		amount = subtotal(eligible).Mul(*q.Percentage).Div(hundred)
	case q.Amount != nil:
		// Unlike fixed_amount_off, the flat amount here is not capped at the
		// eligible subtotal.
		amount = *q.Amount
	default:
		return nil, errors.New("quantity_based rule has neither percentage nor amount")
	}

	return &Result{
		RuleID:     r.ID,
		RuleName:   r.Name,
		RuleType:   r.Type,
		Amount:     amount,
		Percentage: q.Percentage,
		AppliedTo:  itemIDs(eligible),
	}, nil
}

func calcBuyXGetY(r *Rule, eligible []Item) (*Result, error) {
	b := r.BuyGet
	if b == nil {
		return nil, errors.New("buy_x_get_y rule missing buy/get spec")
	}
	if b.BuyQuantity <= 0 || b.GetFreeQuantity <= 0 {
		return nil, errors.New("buy_x_get_y rule has non-positive quantities")
	}

	totalQty := totalQuantity(eligible)
	if totalQty < b.BuyQuantity {
		return nil, ErrNotApplicable
	}

	applications := totalQty / b.BuyQuantity
	remaining := applications * b.GetFreeQuantity

	if len(b.FreeProductIDs) > 0 {
		return freeNamedProducts(r, eligible, remaining)
	}
	return freeCheapestFirst(r, eligible, remaining)
}

// freeNamedProducts frees units of the rule's named free products in the
// order the ids are listed. A single shared budget is decremented across all
// named products.
func freeNamedProducts(r *Rule, eligible []Item, remaining int) (*Result, error) {
	byID := make(map[string]Item, len(eligible))
	for _, item := range eligible {
		byID[item.ID] = item
	}

	res := &Result{
		RuleID:   r.ID,
		RuleName: r.Name,
		RuleType: r.Type,
		Amount:   decimal.Zero,
	}
	for _, id := range r.BuyGet.FreeProductIDs {
		if remaining == 0 {
			break
		}
		item, ok := byID[id]
		if !ok {
			continue
		}
		freed := min(remaining, item.Quantity)
		remaining -= freed

		res.Amount = res.Amount.Add(item.Price.Mul(decimal.NewFromInt(int64(freed))))
		res.AppliedTo = append(res.AppliedTo, item.ID)
		res.FreeItems = append(res.FreeItems, FreeItem{
			ProductID: item.ID,
			Name:      item.Name,
			Quantity:  freed,
		})
	}
	return res, nil
}

// freeCheapestFirst frees the cheapest eligible units first, decrementing the
// shared budget until it is exhausted.
func freeCheapestFirst(r *Rule, eligible []Item, remaining int) (*Result, error) {
	sorted := make([]Item, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})

	res := &Result{
		RuleID:   r.ID,
		RuleName: r.Name,
		RuleType: r.Type,
		Amount:   decimal.Zero,
	}
	for _, item := range sorted {
		if remaining == 0 {
			break
		}
		freed := min(remaining, item.Quantity)
		remaining -= freed

		res.Amount = res.Amount.Add(item.Price.Mul(decimal.NewFromInt(int64(freed))))
		res.AppliedTo = append(res.AppliedTo, item.ID)
		res.FreeItems = append(res.FreeItems, FreeItem{
			ProductID: item.ID,
			Name:      item.Name,
			Quantity:  freed,
		})
	}
	return res, nil
}

func calcPercentageOff(r *Rule, eligible []Item) (*Result, error) {
	p := r.Percent
	if p == nil {
		return nil, errors.New("percentage_off rule missing percentage")
	}

	return &Result{
		RuleID:     r.ID,
		RuleName:   r.Name,
		RuleType:   r.Type,
		Amount:     subtotal(eligible).Mul(p.Percentage).Div(hundred),
		Percentage: &p.Percentage,
		AppliedTo:  itemIDs(eligible),
	}, nil
}

func calcFixedAmountOff(r *Rule, eligible []Item) (*Result, error) {
	f := r.Fixed
	if f == nil {
		return nil, errors.New("fixed_amount_off rule missing amount")
	}

	return &Result{
		RuleID:    r.ID,
		RuleName:  r.Name,
		RuleType:  r.Type,
		Amount:    decimal.Min(f.Amount, subtotal(eligible)),
		AppliedTo: itemIDs(eligible),
	}, nil
}

// subtotal returns the sum of price * quantity across the given items.
func subtotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

// totalQuantity returns the sum of quantities across the given items.
func totalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func itemIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
