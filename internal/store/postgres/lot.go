package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/store"
)

const (
	lotColumns = `id, auction_id, tenant_id, title, initial_price, price, bid_increment_step,
	bids_count, end_date, status, extensions_count, version, updated_at`
	auctionColumns = `id, tenant_id, title, auction_date, end_date, status, soft_close_enabled, created_at`
	stageColumns   = `id, auction_id, tenant_id, name, start_date, end_date, discount_percent`
	bidColumns     = `id, lot_id, auction_id, tenant_id, bidder_id, amount, created_at`
)

// LotRepo implements store.BiddingRepository with sqlx.
type LotRepo struct {
	db          *sqlx.DB
	clock       clock.Clock
	lockTimeout time.Duration
}

// NewLotRepo returns a new LotRepo. A positive lockTimeout bounds how long a
// bid waits for the lot row lock before failing with store.ErrConflict.
func NewLotRepo(db *sqlx.DB, clk clock.Clock, lockTimeout time.Duration) *LotRepo {
	return &LotRepo{db: db, clock: clk, lockTimeout: lockTimeout}
}

func (r *LotRepo) LoadLotChain(ctx context.Context, lotID string) (*store.LotChain, error) {
	var c store.LotChain
	err := r.db.GetContext(ctx, &c.Lot, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, lotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lot %s: %w", lotID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting lot: %w", classify(err))
	}

	err = r.db.GetContext(ctx, &c.Auction, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, c.Lot.AuctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", c.Lot.AuctionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", classify(err))
	}

	err = r.db.SelectContext(ctx, &c.Stages,
		`SELECT `+stageColumns+` FROM auction_stages WHERE auction_id = $1 ORDER BY start_date ASC, id ASC`,
		c.Auction.ID)
	if err != nil {
		return nil, fmt.Errorf("listing stages: %w", classify(err))
	}
	return &c, nil
}

func (r *LotRepo) RunInLotTx(ctx context.Context, lotID string, fn func(ctx context.Context, tx store.LotTx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if r.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("setting lock timeout: %w", classify(err))
		}
	}

	lt := &lotTx{tx: tx, clock: r.clock}
	err = tx.GetContext(ctx, &lt.lot, `SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lot %s: %w", lotID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking lot: %w", classify(err))
	}

	if err := tx.GetContext(ctx, &lt.auction, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, lt.lot.AuctionID); err != nil {
		return fmt.Errorf("getting auction: %w", classify(err))
	}

	if err := fn(ctx, lt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bid: %w", classify(err))
	}
	return nil
}

type lotTx struct {
	tx      *sqlx.Tx
	clock   clock.Clock
	lot     store.Lot
	auction store.Auction
}

func (t *lotTx) Lot() store.Lot         { return t.lot }
func (t *lotTx) Auction() store.Auction { return t.auction }

func (t *lotTx) HighestBid(ctx context.Context) (*store.Bid, error) {
	var b store.Bid
	err := t.tx.GetContext(ctx, &b,
		`SELECT `+bidColumns+` FROM bids WHERE lot_id = $1 ORDER BY amount DESC, created_at ASC LIMIT 1`,
		t.lot.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading highest bid: %w", classify(err))
	}
	return &b, nil
}

func (t *lotTx) InsertBid(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.clock.Now().UTC()
	}
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO bids (id, lot_id, auction_id, tenant_id, bidder_id, amount, created_at)
		 VALUES (:id, :lot_id, :auction_id, :tenant_id, :bidder_id, :amount, :created_at)`, b)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", classify(err))
	}
	return nil
}

func (t *lotTx) UpdateLot(ctx context.Context, u store.LotUpdate) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE lots
		    SET price = $1, bids_count = $2, end_date = $3, extensions_count = $4,
		        updated_at = $5, version = version + 1
		  WHERE id = $6 AND version = $7`,
		u.Price, u.BidsCount, u.EndDate, u.ExtensionsCount, u.UpdatedAt, t.lot.ID, u.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating lot: %w", classify(err))
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("lot %s version %d: %w", t.lot.ID, u.ExpectedVersion, store.ErrConflict)
	}
	return nil
}

var (
	_ store.BiddingRepository = (*LotRepo)(nil)
	_ store.LotTx             = (*lotTx)(nil)
)
