package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
	"github.com/jensholdgaard/leilao/internal/store/postgres"
)

// newTestDB starts a Postgres container, applies the migration, and returns
// a connected *sqlx.DB. The container is automatically terminated when the
// test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// Locate migration file relative to this source file.
	_, thisFile, _, _ := runtime.Caller(0)
	migrationDir := filepath.Join(filepath.Dir(thisFile), "migrations")

	migrationSQL, err := os.ReadFile(filepath.Join(migrationDir, "001_initial.sql"))
	if err != nil {
		t.Fatalf("reading migration: %v", err)
	}

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("leilao_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithInitScripts(), // no bundled init scripts
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Apply migration.
	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		t.Fatalf("applying migration: %v", err)
	}

	return db
}

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

// fixture is one tenant with an open auction, a single active stage and a
// lot priced at 2000.00 with a 100.00 increment.
type fixture struct {
	tenant  store.Tenant
	auction store.Auction
	stage   stage.Stage
	lot     store.Lot
}

func seed(t *testing.T, db *sqlx.DB, tenantID string) fixture {
	t.Helper()
	ctx := context.Background()
	catalog := postgres.NewCatalogRepo(db, clock.NewMock(t0))

	f := fixture{tenant: store.Tenant{ID: tenantID, Name: tenantID}}
	if err := catalog.CreateTenant(ctx, &f.tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	f.auction = store.Auction{
		TenantID:         tenantID,
		Title:            "Leilão judicial",
		AuctionDate:      t0.Add(-time.Hour),
		EndDate:          t0.Add(48 * time.Hour),
		SoftCloseEnabled: true,
	}
	if err := catalog.CreateAuction(ctx, &f.auction); err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	f.stage = stage.Stage{
		AuctionID:       f.auction.ID,
		TenantID:        tenantID,
		Name:            "1ª praça",
		StartDate:       t0.Add(-time.Hour),
		EndDate:         t0.Add(24 * time.Hour),
		DiscountPercent: decimal.Zero,
	}
	if err := catalog.CreateStage(ctx, &f.stage); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}
	f.lot = store.Lot{
		AuctionID:        f.auction.ID,
		TenantID:         tenantID,
		Title:            "Apartamento 101",
		InitialPrice:     decimal.RequireFromString("2000.00"),
		BidIncrementStep: decimal.RequireFromString("100.00"),
		EndDate:          t0.Add(24 * time.Hour),
	}
	if err := catalog.CreateLot(ctx, &f.lot); err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	return f
}
