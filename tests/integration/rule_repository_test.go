//go:build integration

package integration

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kitarena/promo-engine/internal/domain/discount"
)

func percentRule(name string, priority int) *discount.Rule {
	return &discount.Rule{
		ID:       uuid.New().String(),
		Name:     name,
		Type:     discount.TypePercentageOff,
		Active:   true,
		Priority: priority,
		Percent:  &discount.PercentSpec{Percentage: decimal.NewFromInt(10)},
	}
}

func mustCreate(t *testing.T, r *discount.Rule) {
	t.Helper()

	if err := ruleRepo.Create(context.Background(), r); err != nil {
		t.Fatalf("create rule %q: %v", r.Name, err)
	}
}

func TestListActive_FiltersAndOrders(t *testing.T) {
	truncateRules(t)
	ctx := context.Background()
	now := time.Now()

	high := percentRule("high priority", 10)
	oldLow := percentRule("older low priority", 5)
	newLow := percentRule("newer low priority", 5)

	inactive := percentRule("inactive", 20)
	inactive.Active = false

	expired := percentRule("expired", 20)
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past

	unexpired := percentRule("expires tomorrow", 1)
	tomorrow := now.Add(24 * time.Hour)
	unexpired.ExpiresAt = &tomorrow

	exhausted := percentRule("exhausted", 20)
	one := 1
	exhausted.MaxUses = &one

	for _, r := range []*discount.Rule{high, oldLow, newLow, inactive, expired, unexpired, exhausted} {
		mustCreate(t, r)
	}
	setCreatedAt(t, oldLow.ID, now.Add(-2*time.Hour))
	setCreatedAt(t, newLow.ID, now.Add(-time.Hour))

	if err := ruleRepo.IncrementUsage(ctx, exhausted.ID); err != nil {
		t.Fatalf("exhaust rule: %v", err)
	}

	rules, err := ruleRepo.ListActive(ctx, now)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}

	// Priority descending, creation time ascending on ties; inactive, expired,
	// and exhausted rules never appear.
	want := []string{high.ID, oldLow.ID, newLow.ID, unexpired.ID}
	if len(rules) != len(want) {
		names := make([]string, len(rules))
		for i, r := range rules {
			names[i] = r.Name
		}
		t.Fatalf("got %d rules %v, want %d", len(rules), names, len(want))
	}
	for i, id := range want {
		if rules[i].ID != id {
			t.Errorf("position %d: got %q (%s), want id %q", i, rules[i].Name, rules[i].ID, id)
		}
	}
}

func TestIncrementUsage_AtomicCap(t *testing.T) {
	truncateRules(t)
	ctx := context.Background()

	capped := percentRule("capped", 0)
	maxUses := 5
	capped.MaxUses = &maxUses
	mustCreate(t, capped)

	// Many carts race for five uses; the conditional update must grant
	// exactly five.
	var granted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for range 20 {
		g.Go(func() error {
			switch err := ruleRepo.IncrementUsage(gctx, capped.ID); {
			case err == nil:
				granted.Add(1)
				return nil
			case errors.Is(err, discount.ErrRuleNotFound):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("increment usage: %v", err)
	}

	if got := granted.Load(); got != int32(maxUses) {
		t.Errorf("granted increments: got %d, want %d", got, maxUses)
	}

	stored, err := ruleRepo.GetByID(ctx, capped.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.CurrentUses != maxUses {
		t.Errorf("current_uses: got %d, want %d", stored.CurrentUses, maxUses)
	}

	rules, err := ruleRepo.ListActive(ctx, time.Now())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("exhausted rule still evaluable: got %d rules", len(rules))
	}
}

func TestIncrementUsage_Uncapped(t *testing.T) {
	truncateRules(t)
	ctx := context.Background()

	r := percentRule("uncapped", 0)
	mustCreate(t, r)

	for range 3 {
		if err := ruleRepo.IncrementUsage(ctx, r.ID); err != nil {
			t.Fatalf("increment usage: %v", err)
		}
	}

	stored, err := ruleRepo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.CurrentUses != 3 {
		t.Errorf("current_uses: got %d, want 3", stored.CurrentUses)
	}

	if err := ruleRepo.IncrementUsage(ctx, uuid.New().String()); !errors.Is(err, discount.ErrRuleNotFound) {
		t.Errorf("missing rule: got %v, want ErrRuleNotFound", err)
	}
}

func TestRuleRepository_CRUDRoundTrip(t *testing.T) {
	truncateRules(t)
	ctx := context.Background()

	expires := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond)
	maxUses := 100
	minCart := decimal.RequireFromString("50")
	start, end := 9, 17
	rule := &discount.Rule{
		ID:          uuid.New().String(),
		Name:        "buy 2 get 1 scarf",
		Description: "free scarves for bulk fan gear",
		Type:        discount.TypeBuyXGetY,
		Active:      true,
		ExpiresAt:   &expires,
		MaxUses:     &maxUses,
		Priority:    7,
		Targeting: discount.Targeting{
			Categories:         []string{"jersey", "scarf"},
			ExcludedProductIDs: []string{"limited-edition"},
		},
		Conditions: discount.Conditions{
			MinCartValue: &minCart,
			DaysOfWeek:   []time.Weekday{time.Saturday, time.Sunday},
			StartHour:    &start,
			EndHour:      &end,
			UserSegments: []string{"member"},
		},
		BuyGet: &discount.BuyGetSpec{
			BuyQuantity:     2,
			GetFreeQuantity: 1,
			FreeProductIDs:  []string{"scarf-1"},
		},
	}
	mustCreate(t, rule)

	stored, err := ruleRepo.GetByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.Name != rule.Name || stored.Description != rule.Description {
		t.Errorf("name/description: got %q/%q", stored.Name, stored.Description)
	}
	if stored.Type != discount.TypeBuyXGetY {
		t.Errorf("type: got %q", stored.Type)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at: got %v, want %v", stored.ExpiresAt, expires)
	}
	if stored.MaxUses == nil || *stored.MaxUses != maxUses {
		t.Errorf("max_uses: got %v, want %d", stored.MaxUses, maxUses)
	}
	if !reflect.DeepEqual(stored.Targeting, rule.Targeting) {
		t.Errorf("targeting: got %+v, want %+v", stored.Targeting, rule.Targeting)
	}
	if stored.Conditions.MinCartValue == nil || !stored.Conditions.MinCartValue.Equal(minCart) {
		t.Errorf("min_cart_value: got %v", stored.Conditions.MinCartValue)
	}
	if !reflect.DeepEqual(stored.Conditions.DaysOfWeek, rule.Conditions.DaysOfWeek) {
		t.Errorf("days_of_week: got %v", stored.Conditions.DaysOfWeek)
	}
	if stored.Conditions.StartHour == nil || *stored.Conditions.StartHour != start ||
		stored.Conditions.EndHour == nil || *stored.Conditions.EndHour != end {
		t.Errorf("hour window: got %v..%v", stored.Conditions.StartHour, stored.Conditions.EndHour)
	}
	if !reflect.DeepEqual(stored.BuyGet, rule.BuyGet) {
		t.Errorf("buy/get spec: got %+v, want %+v", stored.BuyGet, rule.BuyGet)
	}

	// Updates rewrite the document but never the engine-owned usage counter.
	if err := ruleRepo.IncrementUsage(ctx, rule.ID); err != nil {
		t.Fatalf("increment usage: %v", err)
	}
	rule.Name = "renamed"
	rule.Priority = 9
	rule.CurrentUses = 0
	if err := ruleRepo.Update(ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}

	stored, err = ruleRepo.GetByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get updated rule: %v", err)
	}
	if stored.Name != "renamed" || stored.Priority != 9 {
		t.Errorf("update not applied: got %q priority %d", stored.Name, stored.Priority)
	}
	if stored.CurrentUses != 1 {
		t.Errorf("current_uses after update: got %d, want 1", stored.CurrentUses)
	}

	if err := ruleRepo.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := ruleRepo.GetByID(ctx, rule.ID); !errors.Is(err, discount.ErrRuleNotFound) {
		t.Errorf("get after delete: got %v, want ErrRuleNotFound", err)
	}
	if err := ruleRepo.Delete(ctx, rule.ID); !errors.Is(err, discount.ErrRuleNotFound) {
		t.Errorf("second delete: got %v, want ErrRuleNotFound", err)
	}
}

func TestRecordApplication(t *testing.T) {
	truncateRules(t)
	ctx := context.Background()

	r := percentRule("audited", 1)
	mustCreate(t, r)

	app := discount.Application{
		ID:        uuid.New().String(),
		RuleID:    r.ID,
		Amount:    decimal.RequireFromString("6.00"),
		ItemIDs:   []string{"a", "b"},
		AppliedAt: time.Now().UTC(),
	}
	if err := ruleRepo.RecordApplication(ctx, app); err != nil {
		t.Fatalf("record application: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx,
		"SELECT count(*) FROM rule_applications WHERE rule_id = $1", r.ID).Scan(&count); err != nil {
		t.Fatalf("count applications: %v", err)
	}
	if count != 1 {
		t.Errorf("applications: got %d, want 1", count)
	}
}
