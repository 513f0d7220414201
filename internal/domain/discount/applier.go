package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	RulesApplied      metric.Int64Counter
	CalcFailures      metric.Int64Counter
	IncrementFailures metric.Int64Counter
}

// NewMetrics registers the engine counters on the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.RulesApplied, err = meter.Int64Counter("promo_rules_applied_total",
		metric.WithDescription("Discount rules successfully applied to carts"),
	); err != nil {
		return m, errors.Wrap(err, "rules applied counter")
	}
	if m.CalcFailures, err = meter.Int64Counter("promo_rule_calc_failures_total",
		metric.WithDescription("Rules skipped because their calculator failed"),
	); err != nil {
		return m, errors.Wrap(err, "calc failures counter")
	}
	if m.IncrementFailures, err = meter.Int64Counter("promo_usage_increment_failures_total",
		metric.WithDescription("Usage-counter increments that failed after a discount was granted"),
	); err != nil {
		return m, errors.Wrap(err, "increment failures counter")
	}
	return m, nil
}

// Applier evaluates the active rule catalog against a cart.
//
// Evaluation is two-phase: first every rule outcome is computed purely over
// the repository's priority-ordered snapshot, then usage increments and audit
// rows are persisted for the rules that applied. A failed increment does not
// void the discount; it is logged and counted.
type Applier struct {
	repo    Repository
	lg      *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// NewApplier creates an Applier backed by the given repository.
func NewApplier(repo Repository, lg *zap.Logger, m Metrics) *Applier {
	return &Applier{
		repo:    repo,
		lg:      lg,
		metrics: m,
		now:     time.Now,
	}
}

// Apply runs every evaluable rule against the cart in priority order and
// returns the accumulated discounts. Rules stack: nothing prevents several
// rules from discounting the same item, and the total is the plain sum.
//
// A rule whose calculator fails contributes nothing and does not abort the
// remaining rules.
func (a *Applier) Apply(ctx context.Context, items []Item) (*Summary, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	now := a.now()
	rules, err := a.repo.ListActive(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "list active rules")
	}

	cartTotal := subtotal(items)

	// Phase 1: pure evaluation over the ordered snapshot.
	results := make([]Result, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		if !r.Conditions.Met(cartTotal, now) {
			continue
		}

		res, err := Calculate(r, items)
		if err != nil {
			if errors.Is(err, ErrNotApplicable) {
				continue
			}
			a.lg.Warn("rule calculation failed",
				zap.String("rule_id", r.ID),
				zap.String("rule_type", string(r.Type)),
				zap.Error(err),
			)
			a.metrics.CalcFailures.Add(ctx, 1)
			continue
		}
		results = append(results, *res)
	}

	// Phase 2: usage accounting for each applied rule.
	total := decimal.Zero
	for _, res := range results {
		total = total.Add(res.Amount)

		if err := a.repo.IncrementUsage(ctx, res.RuleID); err != nil {
			// Best-effort accounting: the discount stands.
			a.lg.Warn("usage increment failed, discount kept",
				zap.String("rule_id", res.RuleID),
				zap.Error(err),
			)
			a.metrics.IncrementFailures.Add(ctx, 1)
		} else {
			a.metrics.RulesApplied.Add(ctx, 1)
		}

		app := Application{
			ID:        uuid.New().String(),
			RuleID:    res.RuleID,
			Amount:    res.Amount,
			ItemIDs:   res.AppliedTo,
			AppliedAt: now,
		}
		if err := a.repo.RecordApplication(ctx, app); err != nil {
			a.lg.Warn("audit record failed",
				zap.String("rule_id", res.RuleID),
				zap.Error(err),
			)
		}
	}

	return &Summary{
		Discounts: results,
		Total:     total.Round(2),
	}, nil
}
