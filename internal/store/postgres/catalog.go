package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
)

// CatalogRepo implements store.CatalogRepository with sqlx.
type CatalogRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewCatalogRepo returns a new CatalogRepo.
func NewCatalogRepo(db *sqlx.DB, clk clock.Clock) *CatalogRepo {
	return &CatalogRepo{db: db, clock: clk}
}

func (r *CatalogRepo) CreateTenant(ctx context.Context, t *store.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (:id, :name, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("creating tenant: %w", classify(err))
	}
	return nil
}

func (r *CatalogRepo) CreateAuction(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = store.AuctionOpen
	}
	a.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO auctions (id, tenant_id, title, auction_date, end_date, status, soft_close_enabled, created_at)
		 VALUES (:id, :tenant_id, :title, :auction_date, :end_date, :status, :soft_close_enabled, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("creating auction: %w", classify(err))
	}
	return nil
}

func (r *CatalogRepo) CreateStage(ctx context.Context, s *stage.Stage) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO auction_stages (id, auction_id, tenant_id, name, start_date, end_date, discount_percent)
		 VALUES (:id, :auction_id, :tenant_id, :name, :start_date, :end_date, :discount_percent)`, s)
	if err != nil {
		return fmt.Errorf("creating stage: %w", classify(err))
	}
	return nil
}

func (r *CatalogRepo) CreateLot(ctx context.Context, l *store.Lot) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = store.LotOpen
	}
	if l.Price.IsZero() {
		l.Price = l.InitialPrice
	}
	l.Version = 1
	l.UpdatedAt = r.clock.Now().UTC()
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO lots (id, auction_id, tenant_id, title, initial_price, price, bid_increment_step,
		                   bids_count, end_date, status, extensions_count, version, updated_at)
		 VALUES (:id, :auction_id, :tenant_id, :title, :initial_price, :price, :bid_increment_step,
		         :bids_count, :end_date, :status, :extensions_count, :version, :updated_at)`, l)
	if err != nil {
		return fmt.Errorf("creating lot: %w", classify(err))
	}
	return nil
}

func (r *CatalogRepo) ListBids(ctx context.Context, tenantID, lotID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT `+bidColumns+` FROM bids WHERE tenant_id = $1 AND lot_id = $2 ORDER BY created_at ASC, id ASC`,
		tenantID, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", classify(err))
	}
	return bids, nil
}
