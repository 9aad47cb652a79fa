package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/leilao/internal/store"
)

// StagePriceRepo implements store.StagePriceRepository with sqlx.
type StagePriceRepo struct {
	db *sqlx.DB
}

// NewStagePriceRepo returns a new StagePriceRepo.
func NewStagePriceRepo(db *sqlx.DB) *StagePriceRepo {
	return &StagePriceRepo{db: db}
}

func (r *StagePriceRepo) UpsertStagePrices(ctx context.Context, prices []store.LotStagePrice) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range prices {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO lot_stage_prices (lot_id, stage_id, tenant_id, discount_percent, floor, label, computed_at)
			 VALUES (:lot_id, :stage_id, :tenant_id, :discount_percent, :floor, :label, :computed_at)
			 ON CONFLICT (lot_id, stage_id) DO UPDATE
			    SET discount_percent = EXCLUDED.discount_percent,
			        floor = EXCLUDED.floor,
			        label = EXCLUDED.label,
			        computed_at = EXCLUDED.computed_at`, p); err != nil {
			return fmt.Errorf("upserting stage price (lot=%s, stage=%s): %w", p.LotID, p.StageID, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stage prices: %w", classify(err))
	}
	return nil
}

func (r *StagePriceRepo) ListStagePrices(ctx context.Context, tenantID, lotID string) ([]store.LotStagePrice, error) {
	var prices []store.LotStagePrice
	err := r.db.SelectContext(ctx, &prices,
		`SELECT lot_id, stage_id, tenant_id, discount_percent, floor, label, computed_at
		   FROM lot_stage_prices WHERE tenant_id = $1 AND lot_id = $2 ORDER BY stage_id ASC`,
		tenantID, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing stage prices: %w", classify(err))
	}
	return prices, nil
}
