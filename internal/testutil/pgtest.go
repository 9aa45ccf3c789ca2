// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/lib/pq"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// Tables emptied when a test finishes.
var Tables = []string{"fraud_reports", "webhooks"}

// PGTest returns a migrated database. It uses POSTGRES_URL when set and
// otherwise starts a container if FRAUDWATCH_TESTCONTAINERS=1; with
// neither the test is skipped. Rows written by the test are removed and
// the connection closed in t.Cleanup.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	switch {
	case dsn != "":
	case os.Getenv("FRAUDWATCH_TESTCONTAINERS") == "1":
		dsn = runContainer(ctx, t)
	default:
		t.Skip("set POSTGRES_URL or FRAUDWATCH_TESTCONTAINERS=1 to run Postgres tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() {
		truncate(context.Background(), db)
		_ = db.Close()
	})

	if err := retry.Storage.Do(ctx, db.PingContext); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}
	dir, err := migrationsDir()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return db
}

func runContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("fraudwatch_test"),
		postgres.WithUsername("fraudwatch"),
		postgres.WithPassword("fraudwatch"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Fatalf("pgtest: container: %v", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn
}

// migrationsDir finds migrations/ next to the module's go.mod.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations"), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above working directory")
		}
		dir = parent
	}
}

func truncate(ctx context.Context, db *sql.DB) {
	for _, table := range Tables {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+table) // #nosec G202 -- fixed table list
	}
}
