package bidding

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/pricing"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
)

// StageView is one stage of a lot's auction with its derived status and the
// lot's opening floor under it.
type StageView struct {
	Stage  stage.Stage
	Status stage.Status
	Price  store.LotStagePrice
}

// Pricing returns the current quote for a lot. It reads without locking; the
// quote is advisory and SubmitBid re-checks the floor under the lot lock.
func (s *Service) Pricing(ctx context.Context, tenantID, lotID string) (pricing.Quote, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Pricing",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("lot.id", lotID),
		),
	)
	defer span.End()

	chain, err := s.loadChain(ctx, lotID)
	if err != nil {
		return pricing.Quote{}, err
	}
	if err := s.guard.Check(ctx, tenantID, chain.Ownership()); err != nil {
		return pricing.Quote{}, err
	}
	active, err := s.activeStage(ctx, chain, s.clock.Now())
	if err != nil {
		return pricing.Quote{}, err
	}
	return currentQuote(chain.Lot, active), nil
}

// Bids returns the lot's bid ledger, oldest first.
func (s *Service) Bids(ctx context.Context, tenantID, lotID string) ([]store.Bid, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Bids",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("lot.id", lotID),
		),
	)
	defer span.End()

	chain, err := s.loadChain(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, tenantID, chain.Ownership()); err != nil {
		return nil, err
	}
	bids, err := s.catalog.ListBids(ctx, tenantID, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing bids for lot %s: %w", lotID, err)
	}
	return bids, nil
}

// Events returns the audit trail recorded for the lot, oldest first. It is
// empty unless the audit sink is enabled.
func (s *Service) Events(ctx context.Context, tenantID, lotID string) ([]event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Events",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("lot.id", lotID),
		),
	)
	defer span.End()

	chain, err := s.loadChain(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, tenantID, chain.Ownership()); err != nil {
		return nil, err
	}
	events, err := s.events.Load(ctx, tenantID, lotID)
	if err != nil {
		return nil, fmt.Errorf("loading events for lot %s: %w", lotID, err)
	}
	return events, nil
}

// currentQuote prices a lot from its committed row. Accepted bids are
// strictly increasing, so the lot price is the highest bid once any exists.
func currentQuote(l store.Lot, active stage.Stage) pricing.Quote {
	if l.BidsCount == 0 {
		return pricing.ComputeFloor(lotPricing(l), active, nil)
	}
	highest := l.Price
	return pricing.ComputeFloor(lotPricing(l), active, &highest)
}

// MaterializeStagePrices computes the lot's opening floor under every stage
// of its auction and stores them in the stage price cache.
func (s *Service) MaterializeStagePrices(ctx context.Context, tenantID, lotID string) ([]store.LotStagePrice, error) {
	ctx, span := s.tracer.Start(ctx, "Service.MaterializeStagePrices",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("lot.id", lotID),
		),
	)
	defer span.End()

	chain, err := s.loadChain(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, tenantID, chain.Ownership()); err != nil {
		return nil, err
	}
	return s.materialize(ctx, chain)
}

func (s *Service) materialize(ctx context.Context, chain *store.LotChain) ([]store.LotStagePrice, error) {
	now := s.clock.Now()
	floors := pricing.StageFloors(lotPricing(chain.Lot), chain.Stages)
	prices := make([]store.LotStagePrice, 0, len(floors))
	for _, f := range floors {
		prices = append(prices, store.LotStagePrice{
			LotID:           chain.Lot.ID,
			StageID:         f.StageID,
			TenantID:        chain.Lot.TenantID,
			DiscountPercent: f.DiscountPercent,
			Floor:           f.Floor,
			Label:           string(f.Label),
			ComputedAt:      now,
		})
	}
	if err := s.prices.UpsertStagePrices(ctx, prices); err != nil {
		return nil, fmt.Errorf("storing stage prices for lot %s: %w", chain.Lot.ID, err)
	}
	s.logger.InfoContext(ctx, "stage prices materialized",
		slog.String("lot_id", chain.Lot.ID),
		slog.Int("stages", len(prices)),
	)
	return prices, nil
}

// StagePrices lists every stage of the lot's auction with its status at the
// current time and the cached opening floor. A missing or outdated row for
// any stage recomputes the whole lot.
func (s *Service) StagePrices(ctx context.Context, tenantID, lotID string) ([]StageView, error) {
	ctx, span := s.tracer.Start(ctx, "Service.StagePrices",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("lot.id", lotID),
		),
	)
	defer span.End()

	chain, err := s.loadChain(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, tenantID, chain.Ownership()); err != nil {
		return nil, err
	}

	cached, err := s.prices.ListStagePrices(ctx, tenantID, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing stage prices for lot %s: %w", lotID, err)
	}
	byStage := make(map[string]store.LotStagePrice, len(cached))
	for _, p := range cached {
		byStage[p.StageID] = p
	}
	if stale(byStage, pricing.StageFloors(lotPricing(chain.Lot), chain.Stages)) {
		fresh, err := s.materialize(ctx, chain)
		if err != nil {
			return nil, err
		}
		for _, p := range fresh {
			byStage[p.StageID] = p
		}
	}

	now := s.clock.Now()
	views := make([]StageView, 0, len(chain.Stages))
	for _, st := range chain.Stages {
		views = append(views, StageView{
			Stage:  st,
			Status: st.StatusAt(now),
			Price:  byStage[st.ID],
		})
	}
	return views, nil
}

// stale reports whether any cached row is missing or was computed from a
// discount or initial price that has since changed.
func stale(cached map[string]store.LotStagePrice, want []pricing.StageFloor) bool {
	for _, f := range want {
		p, ok := cached[f.StageID]
		if !ok || !p.DiscountPercent.Equal(f.DiscountPercent) || !p.Floor.Equal(f.Floor) {
			return true
		}
	}
	return false
}
