//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kitarena/promo-engine/internal/storage/postgres"
)

var (
	pool     *pgxpool.Pool
	ruleRepo *postgres.RuleRepository
	keyRepo  *postgres.APIKeyRepository
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://promo:promo@%s:%s/promo?sslmode=disable", host, mappedPort.Port())
	log.Printf("postgres available at %s", dsn)

	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	ruleRepo = postgres.NewRuleRepository(pool)
	keyRepo = postgres.NewAPIKeyRepository(pool)

	return m.Run()
}

// truncateRules resets rule state between tests that assert on full result sets.
func truncateRules(t *testing.T) {
	t.Helper()

	if _, err := pool.Exec(context.Background(), "TRUNCATE discount_rules, rule_applications"); err != nil {
		t.Fatalf("truncate rules: %v", err)
	}
}

// setCreatedAt pins a rule's creation time so ordering tests do not depend on
// insert timing.
func setCreatedAt(t *testing.T, id string, ts time.Time) {
	t.Helper()

	if _, err := pool.Exec(context.Background(),
		"UPDATE discount_rules SET created_at = $2 WHERE id = $1", id, ts); err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}
