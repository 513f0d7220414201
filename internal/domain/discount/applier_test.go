package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

type mockRepo struct {
	rules        []Rule
	listErr      error
	incrementErr error

	incrementedIDs []string
	applications   []Application
}

func (m *mockRepo) ListActive(_ context.Context, _ time.Time) ([]Rule, error) {
	return m.rules, m.listErr
}

func (m *mockRepo) IncrementUsage(_ context.Context, id string) error {
	m.incrementedIDs = append(m.incrementedIDs, id)
	return m.incrementErr
}

func (m *mockRepo) RecordApplication(_ context.Context, app Application) error {
	m.applications = append(m.applications, app)
	return nil
}

func newTestApplier(t *testing.T, repo *mockRepo) *Applier {
	t.Helper()

	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	a := NewApplier(repo, zaptest.NewLogger(t), m)
	a.now = func() time.Time {
		// A Wednesday at noon UTC, so day/hour conditions behave predictably.
		return time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	}
	return a
}

func jerseyCart() []Item {
	return []Item{
		{ID: "a", Name: "Home Kit", Price: dec("20"), Quantity: 3, Category: "jersey"},
	}
}

func TestApplier_Apply(t *testing.T) {
	t.Run("end to end percentage rule", func(t *testing.T) {
		repo := &mockRepo{rules: []Rule{{
			ID:        "r1",
			Name:      "10% off jerseys",
			Type:      TypePercentageOff,
			Active:    true,
			Priority:  5,
			Targeting: Targeting{Categories: []string{"jersey"}},
			Percent:   &PercentSpec{Percentage: dec("10")},
		}}}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		require.Len(t, sum.Discounts, 1)
		assert.True(t, dec("6").Equal(sum.Discounts[0].Amount), "got %s", sum.Discounts[0].Amount)
		assert.Equal(t, []string{"a"}, sum.Discounts[0].AppliedTo)
		assert.True(t, dec("6").Equal(sum.Total))
		assert.Equal(t, []string{"r1"}, repo.incrementedIDs)
		require.Len(t, repo.applications, 1)
		assert.Equal(t, "r1", repo.applications[0].RuleID)
	})

	t.Run("empty cart rejected", func(t *testing.T) {
		repo := &mockRepo{}

		_, err := newTestApplier(t, repo).Apply(context.Background(), nil)
		require.ErrorIs(t, err, ErrEmptyCart)
		assert.Empty(t, repo.incrementedIDs)
	})

	t.Run("repository failure surfaces", func(t *testing.T) {
		repo := &mockRepo{listErr: errors.New("db down")}

		_, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.Error(t, err)
	})

	t.Run("no rules yields empty summary", func(t *testing.T) {
		repo := &mockRepo{}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		assert.Empty(t, sum.Discounts)
		assert.True(t, sum.Total.IsZero())
	})

	t.Run("rules stack and total sums all discounts", func(t *testing.T) {
		repo := &mockRepo{rules: []Rule{
			{
				ID:       "hi",
				Name:     "10% off",
				Type:     TypePercentageOff,
				Active:   true,
				Priority: 10,
				Percent:  &PercentSpec{Percentage: dec("10")},
			},
			{
				ID:       "lo",
				Name:     "5 off",
				Type:     TypeFixedAmountOff,
				Active:   true,
				Priority: 1,
				Fixed:    &FixedSpec{Amount: dec("5")},
			},
		}}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		require.Len(t, sum.Discounts, 2)
		// Repository order (priority descending) is preserved.
		assert.Equal(t, "hi", sum.Discounts[0].RuleID)
		assert.Equal(t, "lo", sum.Discounts[1].RuleID)
		assert.True(t, dec("11").Equal(sum.Total), "got %s", sum.Total)
		assert.Equal(t, []string{"hi", "lo"}, repo.incrementedIDs)
	})

	t.Run("total equals sum of parts", func(t *testing.T) {
		repo := &mockRepo{rules: []Rule{
			{ID: "a1", Type: TypePercentageOff, Active: true, Percent: &PercentSpec{Percentage: dec("7")}},
			{ID: "a2", Type: TypeFixedAmountOff, Active: true, Fixed: &FixedSpec{Amount: dec("3.50")}},
			{ID: "a3", Type: TypeBuyXGetY, Active: true, BuyGet: &BuyGetSpec{BuyQuantity: 2, GetFreeQuantity: 1}},
		}}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)

		want := decimal.Zero
		for _, d := range sum.Discounts {
			want = want.Add(d.Amount)
		}
		assert.True(t, want.Equal(sum.Total), "total %s != sum of parts %s", sum.Total, want)
	})

	t.Run("failed calculator is isolated", func(t *testing.T) {
		repo := &mockRepo{rules: []Rule{
			{
				ID:     "broken",
				Type:   TypeQuantityBased,
				Active: true,
				// Quantity spec missing entirely: malformed rule data.
			},
			{
				ID:      "good",
				Type:    TypePercentageOff,
				Active:  true,
				Percent: &PercentSpec{Percentage: dec("10")},
			},
		}}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		require.Len(t, sum.Discounts, 1)
		assert.Equal(t, "good", sum.Discounts[0].RuleID)
		assert.Equal(t, []string{"good"}, repo.incrementedIDs)
	})

	t.Run("inapplicable rule increments nothing", func(t *testing.T) {
		repo := &mockRepo{rules: []Rule{{
			ID:       "minq",
			Type:     TypeQuantityBased,
			Active:   true,
			Quantity: &QuantitySpec{MinQuantity: intPtr(50), Percentage: decPtr("20")},
		}}}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		assert.Empty(t, sum.Discounts)
		assert.Empty(t, repo.incrementedIDs)
	})

	t.Run("increment failure keeps the discount", func(t *testing.T) {
		repo := &mockRepo{
			rules: []Rule{{
				ID:      "r1",
				Type:    TypePercentageOff,
				Active:  true,
				Percent: &PercentSpec{Percentage: dec("10")},
			}},
			incrementErr: errors.New("connection reset"),
		}

		sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
		require.NoError(t, err)
		require.Len(t, sum.Discounts, 1)
		assert.True(t, dec("6").Equal(sum.Total))
	})
}

func TestApplier_Conditions(t *testing.T) {
	percentRule := func(c Conditions) Rule {
		return Rule{
			ID:         "r1",
			Type:       TypePercentageOff,
			Active:     true,
			Conditions: c,
			Percent:    &PercentSpec{Percentage: dec("10")},
		}
	}

	tests := []struct {
		name       string
		conditions Conditions
		wantApply  bool
	}{
		{
			name:       "min cart value met",
			conditions: Conditions{MinCartValue: decPtr("60")},
			wantApply:  true,
		},
		{
			name:       "min cart value unmet",
			conditions: Conditions{MinCartValue: decPtr("60.01")},
			wantApply:  false,
		},
		{
			name:       "max cart value exceeded",
			conditions: Conditions{MaxCartValue: decPtr("59.99")},
			wantApply:  false,
		},
		{
			name:       "weekday window includes Wednesday",
			conditions: Conditions{DaysOfWeek: []time.Weekday{time.Wednesday}},
			wantApply:  true,
		},
		{
			name:       "weekday window excludes Wednesday",
			conditions: Conditions{DaysOfWeek: []time.Weekday{time.Saturday, time.Sunday}},
			wantApply:  false,
		},
		{
			name:       "hour window includes noon",
			conditions: Conditions{StartHour: intPtr(9), EndHour: intPtr(17)},
			wantApply:  true,
		},
		{
			name:       "hour window excludes noon",
			conditions: Conditions{StartHour: intPtr(18), EndHour: intPtr(23)},
			wantApply:  false,
		},
		{
			name:       "end hour is exclusive",
			conditions: Conditions{EndHour: intPtr(12)},
			wantApply:  false,
		},
		{
			name:       "segment fields alone do not gate",
			conditions: Conditions{UserSegments: []string{"vip"}, MinPriorOrders: intPtr(3)},
			wantApply:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{rules: []Rule{percentRule(tt.conditions)}}

			sum, err := newTestApplier(t, repo).Apply(context.Background(), jerseyCart())
			require.NoError(t, err)
			if tt.wantApply {
				assert.Len(t, sum.Discounts, 1)
			} else {
				assert.Empty(t, sum.Discounts)
			}
		})
	}
}
