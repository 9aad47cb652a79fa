package bidding_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/leilao/internal/bidding"
	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/pricing"
	"github.com/jensholdgaard/leilao/internal/softclose"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
	"github.com/jensholdgaard/leilao/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Publish(ctx context.Context, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

type harness struct {
	svc   *bidding.Service
	mem   *memstore.Store
	clk   *clock.Mock
	pub   *recorder
	lot   store.Lot
	stage stage.Stage
}

type lotSetup struct {
	tenantID  string
	discount  string
	step      string
	endIn     time.Duration
	softClose bool
	maxExt    *int
}

func newHarness(t *testing.T, ls lotSetup) *harness {
	t.Helper()
	if ls.tenantID == "" {
		ls.tenantID = "tenant-a"
	}
	if ls.discount == "" {
		ls.discount = "0"
	}
	if ls.step == "" {
		ls.step = "100"
	}
	if ls.endIn == 0 {
		ls.endIn = 24 * time.Hour
	}

	clk := clock.NewMock(t0)
	mem := memstore.New(clk)
	ctx := context.Background()

	tn := store.Tenant{ID: ls.tenantID}
	check.Nil(t, mem.CreateTenant(ctx, &tn))
	a := store.Auction{TenantID: tn.ID, AuctionDate: t0, EndDate: t0.Add(48 * time.Hour), SoftCloseEnabled: ls.softClose}
	check.Nil(t, mem.CreateAuction(ctx, &a))
	st := stage.Stage{
		ID:              "stage-1",
		AuctionID:       a.ID,
		TenantID:        tn.ID,
		StartDate:       t0.Add(-time.Hour),
		EndDate:         t0.Add(48 * time.Hour),
		DiscountPercent: dec(ls.discount),
	}
	check.Nil(t, mem.CreateStage(ctx, &st))
	l := store.Lot{
		AuctionID:        a.ID,
		TenantID:         tn.ID,
		InitialPrice:     dec("2000"),
		BidIncrementStep: dec(ls.step),
		EndDate:          t0.Add(ls.endIn),
	}
	check.Nil(t, mem.CreateLot(ctx, &l))

	pub := &recorder{}
	svc, err := bidding.NewService(mem.Repositories(), pub, bidding.Options{
		SoftClose: softclose.Policy{
			Enabled:       true,
			Window:        5 * time.Minute,
			MaxExtensions: ls.maxExt,
		},
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		PublishTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), noop.NewTracerProvider(), noopmetric.NewMeterProvider(), clk)
	check.Nil(t, err)

	return &harness{svc: svc, mem: mem, clk: clk, pub: pub, lot: l, stage: st}
}

func (h *harness) bid(t *testing.T, amount string) (*bidding.Result, error) {
	t.Helper()
	return h.svc.SubmitBid(context.Background(), bidding.Request{
		TenantID: h.lot.TenantID,
		BidderID: "bidder-1",
		LotID:    h.lot.ID,
		Amount:   dec(amount),
	})
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	check.Nil(t, h.svc.Drain(ctx))
}

func TestSubmitBid_DiscountedStageScenario(t *testing.T) {
	h := newHarness(t, lotSetup{discount: "50", step: "100"})
	ctx := context.Background()

	q, err := h.svc.Pricing(ctx, "tenant-a", h.lot.ID)
	check.Nil(t, err)
	check.Equal(t, pricing.LabelMinimum, q.Label)
	check.True(t, q.Floor.Equal(dec("1000")))

	res, err := h.bid(t, "1000")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.True(t, res.NewPrice.Equal(dec("1000")))
	check.True(t, res.NewFloor.Equal(dec("1100")))
	check.Equal(t, pricing.LabelCurrent, res.Quote.Label)

	res, err = h.bid(t, "1050")
	check.True(t, errors.Is(err, bidding.ErrBidTooLow))
	check.Equal(t, bidding.KindBidTooLow, bidding.KindOf(err))
	check.False(t, res.Accepted)
	check.True(t, res.NewFloor.Equal(dec("1100")))
	check.True(t, res.NewPrice.Equal(dec("1000")))

	res, err = h.bid(t, "1100")
	check.Nil(t, err)
	check.True(t, res.Accepted)

	lot, _ := h.mem.Lot(h.lot.ID)
	check.True(t, lot.Price.Equal(dec("1100")))
	check.Equal(t, 2, lot.BidsCount)

	q, err = h.svc.Pricing(ctx, "tenant-a", h.lot.ID)
	check.Nil(t, err)
	check.Equal(t, pricing.LabelCurrent, q.Label)
	check.True(t, q.Amount.Equal(dec("1100")))
	check.True(t, q.Floor.Equal(dec("1200")))
}

func TestSubmitBid_OpeningFloorWithoutDiscount(t *testing.T) {
	h := newHarness(t, lotSetup{})

	_, err := h.bid(t, "1999.99")
	check.True(t, errors.Is(err, bidding.ErrBidTooLow))

	res, err := h.bid(t, "2000")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.True(t, res.NewFloor.Equal(dec("2100")))
}

func TestSubmitBid_InvalidAmount(t *testing.T) {
	h := newHarness(t, lotSetup{})

	for _, amount := range []string{"0", "-10", "2000.001", "1000000000000", "1e50000000", "1e-50000000", "-1e50000000"} {
		t.Run(amount, func(t *testing.T) {
			_, err := h.bid(t, amount)
			check.True(t, errors.Is(err, bidding.ErrInvalidAmount))
		})
	}
	lot, _ := h.mem.Lot(h.lot.ID)
	check.Equal(t, 0, lot.BidsCount)
}

func TestSubmitBid_LargestStorableAmount(t *testing.T) {
	h := newHarness(t, lotSetup{})

	res, err := h.bid(t, "999999999999.99")
	check.Nil(t, err)
	check.True(t, res.Accepted)

	res, err = h.bid(t, "1.0000000000000e12")
	check.True(t, errors.Is(err, bidding.ErrInvalidAmount))
	check.True(t, res == nil)
}

func TestSubmitBid_ExponentNotationWithinBounds(t *testing.T) {
	h := newHarness(t, lotSetup{})

	res, err := h.bid(t, "2.5e3")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.True(t, res.NewPrice.Equal(dec("2500")))
}

func TestSubmitBid_OverlappingStagesStillResolve(t *testing.T) {
	h := newHarness(t, lotSetup{discount: "50"})
	overlapping := stage.Stage{
		ID:              "stage-2",
		AuctionID:       h.lot.AuctionID,
		TenantID:        "tenant-a",
		StartDate:       t0.Add(-30 * time.Minute),
		EndDate:         t0.Add(time.Hour),
		DiscountPercent: dec("0"),
	}
	check.Nil(t, h.mem.CreateStage(context.Background(), &overlapping))

	_, err := h.bid(t, "999.99")
	check.True(t, errors.Is(err, bidding.ErrBidTooLow))

	res, err := h.bid(t, "1000")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.Equal(t, "stage-1", res.Quote.StageID)
}

func TestSubmitBid_TenantIsolation(t *testing.T) {
	h := newHarness(t, lotSetup{})

	res, err := h.svc.SubmitBid(context.Background(), bidding.Request{
		TenantID: "tenant-b",
		BidderID: "intruder",
		LotID:    h.lot.ID,
		Amount:   dec("999999"),
	})
	check.True(t, errors.Is(err, bidding.ErrIsolationViolation))
	check.Equal(t, bidding.KindIsolationViolation, bidding.KindOf(err))
	check.True(t, res == nil)

	lot, _ := h.mem.Lot(h.lot.ID)
	check.True(t, lot.Price.Equal(dec("2000")))
	check.Equal(t, 0, lot.BidsCount)
	check.Equal(t, int64(1), lot.Version)

	bids, err := h.mem.ListBids(context.Background(), "tenant-a", h.lot.ID)
	check.Nil(t, err)
	check.Equal(t, 0, len(bids))
}

func TestSubmitBid_LotNotFound(t *testing.T) {
	h := newHarness(t, lotSetup{})

	_, err := h.svc.SubmitBid(context.Background(), bidding.Request{
		TenantID: "tenant-a", BidderID: "b", LotID: "missing", Amount: dec("10"),
	})
	check.True(t, errors.Is(err, bidding.ErrLotNotFound))
	check.Equal(t, bidding.KindNotFound, bidding.KindOf(err))
}

func TestSubmitBid_NoActiveStage(t *testing.T) {
	h := newHarness(t, lotSetup{})
	h.clk.Set(t0.Add(-2 * time.Hour))

	_, err := h.bid(t, "5000")
	check.True(t, errors.Is(err, bidding.ErrNoActiveStage))

	_, err = h.svc.Pricing(context.Background(), "tenant-a", h.lot.ID)
	check.True(t, errors.Is(err, bidding.ErrNoActiveStage))
}

func TestSubmitBid_DeadlinePassed(t *testing.T) {
	h := newHarness(t, lotSetup{endIn: 10 * time.Minute})
	h.clk.Advance(10 * time.Minute)

	res, err := h.bid(t, "5000")
	check.True(t, errors.Is(err, bidding.ErrLotNotBiddable))
	check.True(t, res != nil)
	check.True(t, res.NewFloor.Equal(dec("2000")))
}

func TestSubmitBid_AuctionSuspended(t *testing.T) {
	clk := clock.NewMock(t0)
	mem := memstore.New(clk)
	ctx := context.Background()
	tn := store.Tenant{ID: "t"}
	check.Nil(t, mem.CreateTenant(ctx, &tn))
	a := store.Auction{TenantID: "t", Status: store.AuctionSuspended, AuctionDate: t0, EndDate: t0.Add(time.Hour)}
	check.Nil(t, mem.CreateAuction(ctx, &a))
	check.Nil(t, mem.CreateStage(ctx, &stage.Stage{AuctionID: a.ID, TenantID: "t", StartDate: t0, EndDate: t0.Add(time.Hour)}))
	l := store.Lot{AuctionID: a.ID, TenantID: "t", InitialPrice: dec("10"), EndDate: t0.Add(time.Hour)}
	check.Nil(t, mem.CreateLot(ctx, &l))

	svc, err := bidding.NewService(mem.Repositories(), &recorder{}, bidding.Options{MaxAttempts: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)), noop.NewTracerProvider(), noopmetric.NewMeterProvider(), clk)
	check.Nil(t, err)

	_, err = svc.SubmitBid(ctx, bidding.Request{TenantID: "t", BidderID: "b", LotID: l.ID, Amount: dec("10")})
	check.True(t, errors.Is(err, bidding.ErrLotNotBiddable))
}

func TestSubmitBid_SoftCloseExtends(t *testing.T) {
	tests := []struct {
		name      string
		softClose bool
		bidAt     time.Duration // before the deadline
		wantEnd   time.Duration // after t0
		extended  bool
	}{
		{name: "bid 2m before deadline extends to bid+5m", softClose: true, bidAt: 2 * time.Minute, wantEnd: 13 * time.Minute, extended: true},
		{name: "bid exactly 5m before deadline does not move it", softClose: true, bidAt: 5 * time.Minute, wantEnd: 10 * time.Minute},
		{name: "bid 6m before deadline does not extend", softClose: true, bidAt: 6 * time.Minute, wantEnd: 10 * time.Minute},
		{name: "auction opted out", softClose: false, bidAt: 2 * time.Minute, wantEnd: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, lotSetup{endIn: 10 * time.Minute, softClose: tt.softClose})
			h.clk.Set(t0.Add(10*time.Minute - tt.bidAt))

			res, err := h.bid(t, "2000")
			check.Nil(t, err)
			check.Equal(t, tt.extended, res.Extended)
			check.Equal(t, t0.Add(tt.wantEnd), res.NewEndDate)

			lot, _ := h.mem.Lot(h.lot.ID)
			check.Equal(t, t0.Add(tt.wantEnd), lot.EndDate)
		})
	}
}

func TestSubmitBid_SoftCloseCapStillAccepts(t *testing.T) {
	one := 1
	h := newHarness(t, lotSetup{endIn: 10 * time.Minute, softClose: true, maxExt: &one})

	h.clk.Set(t0.Add(8 * time.Minute))
	res, err := h.bid(t, "2000")
	check.Nil(t, err)
	check.True(t, res.Extended)
	check.Equal(t, t0.Add(13*time.Minute), res.NewEndDate)

	h.clk.Set(t0.Add(12 * time.Minute))
	res, err = h.bid(t, "2100")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.False(t, res.Extended)
	check.Equal(t, t0.Add(13*time.Minute), res.NewEndDate)

	lot, _ := h.mem.Lot(h.lot.ID)
	check.Equal(t, 1, lot.ExtensionsCount)
}

func TestSubmitBid_ConcurrentSameFloorOneWinner(t *testing.T) {
	h := newHarness(t, lotSetup{})

	const bidders = 16
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		tooLow   atomic.Int32
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.bid(t, "2000")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, bidding.ErrBidTooLow):
				tooLow.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	check.Equal(t, int32(1), accepted.Load())
	check.Equal(t, int32(bidders-1), tooLow.Load())

	lot, _ := h.mem.Lot(h.lot.ID)
	check.Equal(t, 1, lot.BidsCount)
	check.True(t, lot.Price.Equal(dec("2000")))
}

func TestSubmitBid_RetriesConflicts(t *testing.T) {
	h := newHarness(t, lotSetup{})

	var calls atomic.Int32
	h.mem.SetCommitHook(func(string) error {
		if calls.Add(1) < 3 {
			return store.ErrConflict
		}
		return nil
	})

	res, err := h.bid(t, "2000")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	check.Equal(t, int32(3), calls.Load())
}

func TestSubmitBid_ConflictExhaustionIsSuperseded(t *testing.T) {
	h := newHarness(t, lotSetup{})
	h.mem.SetCommitHook(func(string) error { return store.ErrConflict })

	res, err := h.bid(t, "2000")
	check.True(t, errors.Is(err, bidding.ErrBidSuperseded))
	check.Equal(t, bidding.KindBidSuperseded, bidding.KindOf(err))
	check.True(t, res != nil)
	check.True(t, res.NewFloor.Equal(dec("2000")))

	lot, _ := h.mem.Lot(h.lot.ID)
	check.Equal(t, 0, lot.BidsCount)
}

func TestSubmitBid_TemporaryExhaustion(t *testing.T) {
	h := newHarness(t, lotSetup{})
	h.mem.SetCommitHook(func(string) error { return store.ErrTemporary })

	_, err := h.bid(t, "2000")
	check.True(t, errors.Is(err, bidding.ErrTemporaryFailure))
}

func TestSubmitBid_PermanentStoreErrorNotRetried(t *testing.T) {
	h := newHarness(t, lotSetup{})
	boom := errors.New("disk full")
	var calls atomic.Int32
	h.mem.SetCommitHook(func(string) error {
		calls.Add(1)
		return boom
	})

	_, err := h.bid(t, "2000")
	check.True(t, errors.Is(err, boom))
	check.Equal(t, bidding.KindInternal, bidding.KindOf(err))
	check.Equal(t, int32(1), calls.Load())
}

func TestSubmitBid_PublishesAfterCommit(t *testing.T) {
	h := newHarness(t, lotSetup{})

	res, err := h.bid(t, "2000")
	check.Nil(t, err)
	h.drain(t)

	events := h.pub.all()
	check.Equal(t, 1, len(events))
	check.Equal(t, event.BidAccepted, events[0].Type)
	check.Equal(t, h.lot.ID, events[0].AggregateID)
	check.Equal(t, "tenant-a", events[0].TenantID)
	check.True(t, res.BidID != "")
}

func TestSubmitBid_PublishFailureKeepsBid(t *testing.T) {
	h := newHarness(t, lotSetup{})
	h.pub.err = errors.New("broker down")

	res, err := h.bid(t, "2000")
	check.Nil(t, err)
	check.True(t, res.Accepted)
	h.drain(t)

	lot, _ := h.mem.Lot(h.lot.ID)
	check.Equal(t, 1, lot.BidsCount)
}

func TestSubmitBid_CanceledClientAfterCommit(t *testing.T) {
	h := newHarness(t, lotSetup{})
	ctx, cancel := context.WithCancel(context.Background())

	res, err := h.svc.SubmitBid(ctx, bidding.Request{
		TenantID: "tenant-a", BidderID: "b", LotID: h.lot.ID, Amount: dec("2000"),
	})
	cancel()
	check.Nil(t, err)
	check.True(t, res.Accepted)
	h.drain(t)

	// The event still goes out with a context detached from the request.
	check.Equal(t, 1, len(h.pub.all()))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want bidding.Kind
	}{
		{nil, bidding.KindNone},
		{bidding.ErrNoActiveStage, bidding.KindNoActiveStage},
		{bidding.ErrLotNotBiddable, bidding.KindLotNotBiddable},
		{bidding.ErrInvalidAmount, bidding.KindInvalidAmount},
		{bidding.ErrTemporaryFailure, bidding.KindTemporaryFailure},
		{errors.New("boom"), bidding.KindInternal},
	}
	for _, tt := range tests {
		check.Equal(t, tt.want, bidding.KindOf(tt.err))
	}
}
