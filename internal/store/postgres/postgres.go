// Package postgres is the sqlx-backed store driver. The bid critical section
// locks the lot row with SELECT ... FOR UPDATE and writes the lot back with a
// version compare-and-swap.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/config"
	"github.com/jensholdgaard/leilao/internal/store"
)

func init() {
	store.Register("postgres", openPostgres)
}

// openPostgres is the store.Driver for the "postgres" backend.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRepositories(db, cfg, clk), nil
}

// NewRepositories wires every repository over one connection pool.
func NewRepositories(db *sqlx.DB, cfg config.DatabaseConfig, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Bidding:     NewLotRepo(db, clk, cfg.LockTimeout),
		StagePrices: NewStagePriceRepo(db),
		Catalog:     NewCatalogRepo(db, clk),
		Events:      NewEventStore(db, clk),
		Closer:      db,
		Ping:        db.PingContext,
	}
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// classify maps driver errors onto the store's retryable sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %w", store.ErrTemporary, err)
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %w", store.ErrTemporary, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", store.ErrTemporary, err)
	}
	return err
}
