package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/tenant"
)

// Errors shared by every driver. ErrConflict and ErrTemporary are the only
// errors callers retry.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrTemporary = errors.New("temporary store failure")
)

// AuctionStatus is the administrative state of an auction.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionOpen      AuctionStatus = "open"
	AuctionSuspended AuctionStatus = "suspended"
	AuctionClosed    AuctionStatus = "closed"
	AuctionCanceled  AuctionStatus = "canceled"
)

// LotStatus is the administrative state of a lot.
type LotStatus string

const (
	LotOpen      LotStatus = "open"
	LotSold      LotStatus = "sold"
	LotUnsold    LotStatus = "unsold"
	LotWithdrawn LotStatus = "withdrawn"
)

// Tenant is the isolation root.
type Tenant struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Auction is a sale event.
type Auction struct {
	ID               string        `db:"id"`
	TenantID         string        `db:"tenant_id"`
	Title            string        `db:"title"`
	AuctionDate      time.Time     `db:"auction_date"`
	EndDate          time.Time     `db:"end_date"`
	Status           AuctionStatus `db:"status"`
	SoftCloseEnabled bool          `db:"soft_close_enabled"`
	CreatedAt        time.Time     `db:"created_at"`
}

// Lot is a sellable unit. Price, BidsCount, EndDate and ExtensionsCount are
// only written together with a new bid.
type Lot struct {
	ID               string          `db:"id"`
	AuctionID        string          `db:"auction_id"`
	TenantID         string          `db:"tenant_id"`
	Title            string          `db:"title"`
	InitialPrice     decimal.Decimal `db:"initial_price"`
	Price            decimal.Decimal `db:"price"`
	BidIncrementStep decimal.Decimal `db:"bid_increment_step"`
	BidsCount        int             `db:"bids_count"`
	EndDate          time.Time       `db:"end_date"`
	Status           LotStatus       `db:"status"`
	ExtensionsCount  int             `db:"extensions_count"`
	Version          int64           `db:"version"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Bid is an append-only ledger entry.
type Bid struct {
	ID        string          `db:"id"`
	LotID     string          `db:"lot_id"`
	AuctionID string          `db:"auction_id"`
	TenantID  string          `db:"tenant_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// LotStagePrice is the cached opening floor of a lot under one stage.
type LotStagePrice struct {
	LotID           string          `db:"lot_id"`
	StageID         string          `db:"stage_id"`
	TenantID        string          `db:"tenant_id"`
	DiscountPercent decimal.Decimal `db:"discount_percent"`
	Floor           decimal.Decimal `db:"floor"`
	Label           string          `db:"label"`
	ComputedAt      time.Time       `db:"computed_at"`
}

// LotChain is a lot with its auction and the auction's stages.
type LotChain struct {
	Auction Auction
	Lot     Lot
	Stages  []stage.Stage
}

// Ownership returns the chain as seen by the tenant guard: the auction as
// root, then every stage and the lot as its children.
func (c LotChain) Ownership() tenant.Chain {
	chain := make(tenant.Chain, 0, len(c.Stages)+2)
	chain = append(chain, tenant.Link{Kind: "auction", ID: c.Auction.ID, TenantID: c.Auction.TenantID})
	for _, s := range c.Stages {
		chain = append(chain, tenant.Link{Kind: "stage", ID: s.ID, TenantID: s.TenantID, ParentTenantID: c.Auction.TenantID})
	}
	chain = append(chain, tenant.Link{Kind: "lot", ID: c.Lot.ID, TenantID: c.Lot.TenantID, ParentTenantID: c.Auction.TenantID})
	return chain
}

// LotUpdate is the lot state written with a new bid. ExpectedVersion must
// match the locked row or the update fails with ErrConflict.
type LotUpdate struct {
	Price           decimal.Decimal
	BidsCount       int
	EndDate         time.Time
	ExtensionsCount int
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// LotTx is the critical section on one locked lot row.
type LotTx interface {
	// Lot returns the row as read under the lock.
	Lot() Lot
	// Auction returns the parent auction as read inside the transaction.
	Auction() Auction
	// HighestBid returns the highest bid on the lot, or nil when none.
	HighestBid(ctx context.Context) (*Bid, error)
	InsertBid(ctx context.Context, b *Bid) error
	UpdateLot(ctx context.Context, u LotUpdate) error
}

// BiddingRepository is the persistence the bid admission path needs.
type BiddingRepository interface {
	// LoadLotChain reads a lot, its auction and stages without locking.
	LoadLotChain(ctx context.Context, lotID string) (*LotChain, error)
	// RunInLotTx locks the lot row and runs fn in one transaction. The
	// transaction commits only if fn returns nil.
	RunInLotTx(ctx context.Context, lotID string, fn func(ctx context.Context, tx LotTx) error) error
}

// StagePriceRepository caches per-stage opening floors.
type StagePriceRepository interface {
	UpsertStagePrices(ctx context.Context, prices []LotStagePrice) error
	ListStagePrices(ctx context.Context, tenantID, lotID string) ([]LotStagePrice, error)
}

// CatalogRepository writes the rows owned by administrative workflows.
type CatalogRepository interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	CreateAuction(ctx context.Context, a *Auction) error
	CreateStage(ctx context.Context, s *stage.Stage) error
	CreateLot(ctx context.Context, l *Lot) error
	ListBids(ctx context.Context, tenantID, lotID string) ([]Bid, error)
}
