package discount

// ItemApplicable reports whether a rule may touch the given cart item.
//
// The precedence is fixed: an exclusion always wins; an explicit product
// inclusion list, when present, decides next; then category targeting; a rule
// with no targeting applies to every item not excluded. The predicate is pure
// and depends only on the (rule, item) pair.
func ItemApplicable(r *Rule, item Item) bool {
	for _, id := range r.Targeting.ExcludedProductIDs {
		if id == item.ID {
			return false
		}
	}

	if len(r.Targeting.ProductIDs) > 0 {
		for _, id := range r.Targeting.ProductIDs {
			if id == item.ID {
				return true
			}
		}
		return false
	}

	if len(r.Targeting.Categories) > 0 {
		if item.Category == "" {
			return false
		}
		for _, c := range r.Targeting.Categories {
			if c == item.Category {
				return true
			}
		}
		return false
	}

	return true
}

// eligibleItems filters the cart down to the items the rule may touch,
// preserving cart order.
func eligibleItems(r *Rule, items []Item) []Item {
	eligible := make([]Item, 0, len(items))
	for _, item := range items {
		if ItemApplicable(r, item) {
			eligible = append(eligible, item)
		}
	}
	return eligible
}
