// Command seed-rules migrates the schema and loads demo discount rules and an
// API key into the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kitarena/promo-engine/internal/domain/auth"
	"github.com/kitarena/promo-engine/internal/domain/discount"
	"github.com/kitarena/promo-engine/internal/storage/postgres"
)

type seedRule struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	IsActive    bool       `json:"isActive"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	MaxUses     *int       `json:"maxUses"`
	Priority    int        `json:"priority"`

	ApplicableCategories []string `json:"applicableCategories"`
	ApplicableProductIDs []string `json:"applicableProductIds"`
	ExcludedProductIDs   []string `json:"excludedProductIds"`

	MinCartValue *decimal.Decimal `json:"minCartValue"`
	MaxCartValue *decimal.Decimal `json:"maxCartValue"`
	DaysOfWeek   []int            `json:"daysOfWeek"`
	StartHour    *int             `json:"startHour"`
	EndHour      *int             `json:"endHour"`

	MinQuantity        *int             `json:"minQuantity"`
	MaxQuantity        *int             `json:"maxQuantity"`
	DiscountPercentage *decimal.Decimal `json:"discountPercentage"`
	DiscountAmount     *decimal.Decimal `json:"discountAmount"`
	BuyQuantity        *int             `json:"buyQuantity"`
	GetFreeQuantity    *int             `json:"getFreeQuantity"`
	FreeProductIDs     []string         `json:"freeProductIds"`
}

func main() {
	var (
		databaseURL  string
		rulesFiles   string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&rulesFiles, "rules-files", "db/seed/rules.json", "comma-separated rule JSON files")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("PROMO_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files := strings.Split(rulesFiles, ",")
	if err := run(ctx, databaseURL, files, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string, rulesFiles []string, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	rules, err := loadRuleFiles(ctx, rulesFiles)
	if err != nil {
		return errors.Wrap(err, "load rule files")
	}

	repo := postgres.NewRuleRepository(pool)
	now := time.Now()
	for _, r := range rules {
		if err := r.Validate(now); err != nil {
			return errors.Wrapf(err, "rule %q", r.Name)
		}
		if err := repo.Create(ctx, r); err != nil {
			return errors.Wrapf(err, "create rule %q", r.Name)
		}
		slog.Info("seeded rule", slog.String("name", r.Name), slog.String("type", string(r.Type)))
	}

	if apiKey != "" {
		keys := postgres.NewAPIKeyRepository(pool)
		hash := auth.HashKey(apiKey, []byte(pepper))
		if err := keys.Upsert(ctx, uuid.New().String(), hash, "seed-admin", []string{auth.ScopeAdmin}); err != nil {
			return errors.Wrap(err, "seed api key")
		}
		slog.Info("seeded admin api key")
	}

	return nil
}

// loadRuleFiles parses all rule files concurrently, preserving file order in
// the combined result.
func loadRuleFiles(ctx context.Context, files []string) ([]*discount.Rule, error) {
	parsed := make([][]*discount.Rule, len(files))

	g, _ := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			data, err := os.ReadFile(strings.TrimSpace(file))
			if err != nil {
				return errors.Wrapf(err, "read %s", file)
			}

			var seeds []seedRule
			if err := json.Unmarshal(data, &seeds); err != nil {
				return errors.Wrapf(err, "parse %s", file)
			}

			rules := make([]*discount.Rule, len(seeds))
			for j, s := range seeds {
				rules[j] = toRule(&s)
			}
			parsed[i] = rules
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*discount.Rule
	for _, rules := range parsed {
		all = append(all, rules...)
	}
	return all, nil
}

func toRule(s *seedRule) *discount.Rule {
	r := &discount.Rule{
		ID:          uuid.New().String(),
		Name:        s.Name,
		Description: s.Description,
		Type:        discount.RuleType(s.Type),
		Active:      s.IsActive,
		ExpiresAt:   s.ExpiresAt,
		MaxUses:     s.MaxUses,
		Priority:    s.Priority,
		Targeting: discount.Targeting{
			Categories:         s.ApplicableCategories,
			ProductIDs:         s.ApplicableProductIDs,
			ExcludedProductIDs: s.ExcludedProductIDs,
		},
		Conditions: discount.Conditions{
			MinCartValue: s.MinCartValue,
			MaxCartValue: s.MaxCartValue,
			StartHour:    s.StartHour,
			EndHour:      s.EndHour,
		},
	}
	for _, d := range s.DaysOfWeek {
		r.Conditions.DaysOfWeek = append(r.Conditions.DaysOfWeek, time.Weekday(d))
	}

	switch r.Type {
	case discount.TypeQuantityBased:
		r.Quantity = &discount.QuantitySpec{
			MinQuantity: s.MinQuantity,
			MaxQuantity: s.MaxQuantity,
			Percentage:  s.DiscountPercentage,
			Amount:      s.DiscountAmount,
		}
	case discount.TypeBuyXGetY:
		spec := &discount.BuyGetSpec{FreeProductIDs: s.FreeProductIDs}
		if s.BuyQuantity != nil {
			spec.BuyQuantity = *s.BuyQuantity
		}
		if s.GetFreeQuantity != nil {
			spec.GetFreeQuantity = *s.GetFreeQuantity
		}
		r.BuyGet = spec
	case discount.TypePercentageOff:
		if s.DiscountPercentage != nil {
			r.Percent = &discount.PercentSpec{Percentage: *s.DiscountPercentage}
		}
	case discount.TypeFixedAmountOff:
		if s.DiscountAmount != nil {
			r.Fixed = &discount.FixedSpec{Amount: *s.DiscountAmount}
		}
	}

	return r
}
