// Package bidding admits bids on lots. A bid is checked against the tenant
// ownership chain and the active stage outside any lock, then compared with
// the floor and committed inside one transaction on the locked lot row.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/config"
	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/pricing"
	"github.com/jensholdgaard/leilao/internal/softclose"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
	"github.com/jensholdgaard/leilao/internal/tenant"
)

const instrumentationName = "github.com/jensholdgaard/leilao/internal/bidding"

// Options tunes the admission path.
type Options struct {
	SoftClose      softclose.Policy
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PublishTimeout time.Duration
}

// OptionsFromConfig reads Options from the soft_close, bidding and events
// configuration blocks.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SoftClose:      softclose.FromConfig(cfg.SoftClose),
		MaxAttempts:    cfg.Bidding.MaxAttempts,
		BackoffInitial: cfg.Bidding.BackoffInitial,
		BackoffMax:     cfg.Bidding.BackoffMax,
		PublishTimeout: cfg.Events.PublishTimeout,
	}
}

// Request is a bid submission. TenantID and BidderID come from the
// authenticated session, never from the request body.
type Request struct {
	TenantID string
	BidderID string
	LotID    string
	Amount   decimal.Decimal
}

// Result is the outcome of a submission. On rejection it still carries the
// authoritative price and floor when they are known.
type Result struct {
	Accepted   bool
	BidID      string
	NewPrice   decimal.Decimal
	NewFloor   decimal.Decimal
	NewEndDate time.Time
	Extended   bool
	Quote      pricing.Quote
}

// Service is the bid admission service. It is safe for concurrent use.
type Service struct {
	bids      store.BiddingRepository
	prices    store.StagePriceRepository
	catalog   store.CatalogRepository
	events    event.Store
	publisher event.Publisher
	guard     *tenant.Guard
	opts      Options

	logger *slog.Logger
	tracer trace.Tracer
	ins    *instruments
	clock  clock.Clock

	inflight sync.WaitGroup
}

// NewService creates a Service over repos. Accepted bids are handed to pub
// after commit.
func NewService(repos *store.Repositories, pub event.Publisher, opts Options, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Service, error) {
	ins, err := newInstruments(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Service{
		bids:      repos.Bidding,
		prices:    repos.StagePrices,
		catalog:   repos.Catalog,
		events:    repos.Events,
		publisher: pub,
		guard:     tenant.NewGuard(logger, tp),
		opts:      opts,
		logger:    logger,
		tracer:    tp.Tracer(instrumentationName),
		ins:       ins,
		clock:     clk,
	}, nil
}

// SubmitBid validates and, if admissible, commits a bid.
func (s *Service) SubmitBid(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "Service.SubmitBid",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("lot.id", req.LotID),
			attribute.String("bidder.id", req.BidderID),
		),
	)
	defer span.End()

	// Nothing may format the amount before it is known to be bounded.
	if !pricing.ValidAmount(req.Amount) {
		return s.reject(ctx, span, nil, fmt.Errorf("%w: want positive whole cents up to %s",
			ErrInvalidAmount, pricing.MaxAmount.StringFixed(pricing.Places)))
	}
	span.SetAttributes(attribute.String("bid.amount", req.Amount.StringFixed(pricing.Places)))

	chain, err := s.loadChain(ctx, req.LotID)
	if err != nil {
		return s.reject(ctx, span, nil, err)
	}
	if err := s.guard.Check(ctx, req.TenantID, chain.Ownership()); err != nil {
		return s.reject(ctx, span, nil, err)
	}

	active, err := s.activeStage(ctx, chain, s.clock.Now())
	if err != nil {
		return s.reject(ctx, span, nil, err)
	}
	span.SetAttributes(attribute.String("stage.id", active.ID))

	res, err := s.admitWithRetry(ctx, req, active)
	if err != nil {
		if errors.Is(err, ErrBidSuperseded) || errors.Is(err, ErrTemporaryFailure) {
			res = s.freshResult(ctx, req.LotID, active)
		}
		return s.reject(ctx, span, res, err)
	}

	s.ins.accepted.Add(ctx, 1)
	if res.Extended {
		s.ins.extensions.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "bid accepted",
		slog.String("bid_id", res.BidID),
		slog.String("lot_id", req.LotID),
		slog.String("tenant_id", req.TenantID),
		slog.String("bidder_id", req.BidderID),
		slog.String("amount", req.Amount.StringFixed(pricing.Places)),
		slog.Bool("extended", res.Extended),
	)

	s.publishAccepted(ctx, req, chain.Auction.ID, res)
	return res, nil
}

func (s *Service) admitWithRetry(ctx context.Context, req Request, active stage.Stage) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax

	attempt := 0
	res, err := backoff.Retry(ctx, func() (*Result, error) {
		attempt++
		s.ins.attempts.Add(ctx, 1)

		res, err := s.admit(ctx, req, active)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTemporary) {
			s.logger.DebugContext(ctx, "bid attempt failed, retrying",
				slog.String("lot_id", req.LotID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return nil, err
		}
		return res, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, store.ErrConflict):
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrBidSuperseded, attempt, err)
	case errors.Is(err, store.ErrTemporary):
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrTemporaryFailure, attempt, err)
	}
	return res, err
}

// admit is the critical section. Everything that decides admission reads
// state under the lot lock.
func (s *Service) admit(ctx context.Context, req Request, active stage.Stage) (*Result, error) {
	var rejected, accepted *Result
	err := s.bids.RunInLotTx(ctx, req.LotID, func(ctx context.Context, tx store.LotTx) error {
		lot := tx.Lot()
		auction := tx.Auction()
		bidAt := s.clock.Now()

		high, err := tx.HighestBid(ctx)
		if err != nil {
			return err
		}
		var highest *decimal.Decimal
		if high != nil {
			highest = &high.Amount
		}
		quote := pricing.ComputeFloor(lotPricing(lot), active, highest)
		rejected = &Result{
			NewPrice:   quote.Amount,
			NewFloor:   quote.Floor,
			NewEndDate: lot.EndDate,
			Quote:      quote,
		}

		if err := biddable(auction, lot, bidAt); err != nil {
			return err
		}
		if !quote.Admits(req.Amount) {
			return fmt.Errorf("%w: %s < %s", ErrBidTooLow,
				req.Amount.StringFixed(pricing.Places), quote.Floor.StringFixed(pricing.Places))
		}

		bid := &store.Bid{
			ID:        uuid.NewString(),
			LotID:     lot.ID,
			AuctionID: lot.AuctionID,
			TenantID:  lot.TenantID,
			BidderID:  req.BidderID,
			Amount:    req.Amount,
			CreatedAt: bidAt,
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		endDate, extended := s.opts.SoftClose.MaybeExtend(softclose.Deadline{
			EndDate:        lot.EndDate,
			Extensions:     lot.ExtensionsCount,
			AuctionEnabled: auction.SoftCloseEnabled,
		}, bidAt)
		extensions := lot.ExtensionsCount
		if extended {
			extensions++
		}

		if err := tx.UpdateLot(ctx, store.LotUpdate{
			Price:           req.Amount,
			BidsCount:       lot.BidsCount + 1,
			EndDate:         endDate,
			ExtensionsCount: extensions,
			ExpectedVersion: lot.Version,
			UpdatedAt:       bidAt,
		}); err != nil {
			return err
		}

		next := pricing.ComputeFloor(lotPricing(lot), active, &req.Amount)
		accepted = &Result{
			Accepted:   true,
			BidID:      bid.ID,
			NewPrice:   req.Amount,
			NewFloor:   next.Floor,
			NewEndDate: endDate,
			Extended:   extended,
			Quote:      next,
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrLotNotFound, err)
	}
	if err != nil {
		return rejected, err
	}
	return accepted, nil
}

func biddable(a store.Auction, l store.Lot, at time.Time) error {
	if a.Status != store.AuctionOpen {
		return fmt.Errorf("%w: auction %s is %s", ErrLotNotBiddable, a.ID, a.Status)
	}
	if l.Status != store.LotOpen {
		return fmt.Errorf("%w: lot %s is %s", ErrLotNotBiddable, l.ID, l.Status)
	}
	if !at.Before(l.EndDate) {
		return fmt.Errorf("%w: lot %s closed at %s", ErrLotNotBiddable, l.ID, l.EndDate.Format(time.RFC3339))
	}
	return nil
}

func lotPricing(l store.Lot) pricing.Lot {
	return pricing.Lot{InitialPrice: l.InitialPrice, BidIncrementStep: l.BidIncrementStep}
}

func (s *Service) loadChain(ctx context.Context, lotID string) (*store.LotChain, error) {
	chain, err := s.bids.LoadLotChain(ctx, lotID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", ErrLotNotFound, err)
	case errors.Is(err, store.ErrTemporary):
		return nil, fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	case err != nil:
		return nil, fmt.Errorf("loading lot %s: %w", lotID, err)
	}
	return chain, nil
}

func (s *Service) activeStage(ctx context.Context, chain *store.LotChain, now time.Time) (stage.Stage, error) {
	for _, o := range stage.FindOverlaps(chain.Stages) {
		s.logger.WarnContext(ctx, "overlapping auction stages",
			slog.String("auction_id", chain.Auction.ID),
			slog.String("first_stage_id", o.First),
			slog.String("second_stage_id", o.Second),
		)
	}
	active, ok := stage.ResolveActive(chain.Stages, now)
	if !ok {
		return stage.Stage{}, fmt.Errorf("%w: auction %s at %s", ErrNoActiveStage, chain.Auction.ID, now.Format(time.RFC3339))
	}
	return active, nil
}

// freshResult reads the committed lot state after the critical section gave
// up, so a superseded bidder sees the price that beat them.
func (s *Service) freshResult(ctx context.Context, lotID string, active stage.Stage) *Result {
	chain, err := s.bids.LoadLotChain(ctx, lotID)
	if err != nil {
		return nil
	}
	q := currentQuote(chain.Lot, active)
	return &Result{NewPrice: q.Amount, NewFloor: q.Floor, NewEndDate: chain.Lot.EndDate, Quote: q}
}

func (s *Service) reject(ctx context.Context, span trace.Span, res *Result, err error) (*Result, error) {
	kind := KindOf(err)
	s.ins.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	span.SetAttributes(attribute.String("bid.rejection", string(kind)))

	switch kind {
	case KindTemporaryFailure, KindInternal:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "bid failed", slog.String("kind", string(kind)), slog.Any("error", err))
	case KindIsolationViolation:
		// Logged by the guard as a security event.
	default:
		s.logger.InfoContext(ctx, "bid rejected", slog.String("kind", string(kind)), slog.Any("error", err))
	}
	return res, err
}

func (s *Service) publishAccepted(ctx context.Context, req Request, auctionID string, res *Result) {
	e, err := event.NewBidAccepted(uuid.NewString(), event.BidAcceptedData{
		BidID:      res.BidID,
		LotID:      req.LotID,
		AuctionID:  auctionID,
		Amount:     req.Amount,
		BidderID:   req.BidderID,
		TenantID:   req.TenantID,
		EndDate:    res.NewEndDate,
		Extended:   res.Extended,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "encoding bid accepted event", slog.Any("error", err))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx := context.WithoutCancel(ctx)
		if s.opts.PublishTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.PublishTimeout)
			defer cancel()
		}
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.ErrorContext(ctx, "publishing bid accepted event",
				slog.String("event_id", e.ID),
				slog.String("lot_id", e.AggregateID),
				slog.Any("error", err),
			)
		}
	}()
}

// Drain waits for in-flight event deliveries, or until ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
