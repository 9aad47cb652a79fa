// Package memstore is an in-process store driver. Each lot has its own
// mutex standing in for the database row lock, so the bid critical section
// has the same serialization guarantees as the Postgres driver within one
// process.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/config"
	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/stage"
	"github.com/jensholdgaard/leilao/internal/store"
)

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	s := New(clk)
	return s.Repositories(), nil
}

// Store holds every table in memory. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	tenants     map[string]store.Tenant
	auctions    map[string]store.Auction
	stages      map[string][]stage.Stage
	lots        map[string]store.Lot
	bids        map[string][]store.Bid
	stagePrices map[string]map[string]store.LotStagePrice
	events      []event.Event
	lotLocks    map[string]*sync.Mutex

	commitHook func(lotID string) error

	clock clock.Clock
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		tenants:     make(map[string]store.Tenant),
		auctions:    make(map[string]store.Auction),
		stages:      make(map[string][]stage.Stage),
		lots:        make(map[string]store.Lot),
		bids:        make(map[string][]store.Bid),
		stagePrices: make(map[string]map[string]store.LotStagePrice),
		lotLocks:    make(map[string]*sync.Mutex),
		clock:       clk,
	}
}

// Repositories exposes the store through the driver-neutral interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Bidding:     s,
		StagePrices: s,
		Catalog:     s,
		Events:      s,
		Closer:      closerFunc(func() error { return nil }),
		Ping:        func(context.Context) error { return nil },
	}
}

// SetCommitHook installs a function run just before a lot transaction
// commits. A non-nil return aborts the commit with that error.
func (s *Store) SetCommitHook(fn func(lotID string) error) {
	s.mu.Lock()
	s.commitHook = fn
	s.mu.Unlock()
}

// Lot returns the committed state of a lot.
func (s *Store) Lot(lotID string) (store.Lot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lots[lotID]
	return l, ok
}

func (s *Store) CreateTenant(_ context.Context, t *store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = s.clock.Now().UTC()
	s.tenants[t.ID] = *t
	return nil
}

func (s *Store) CreateAuction(_ context.Context, a *store.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[a.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", a.TenantID, store.ErrNotFound)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = store.AuctionOpen
	}
	a.CreatedAt = s.clock.Now().UTC()
	s.auctions[a.ID] = *a
	return nil
}

func (s *Store) CreateStage(_ context.Context, st *stage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[st.AuctionID]; !ok {
		return fmt.Errorf("auction %s: %w", st.AuctionID, store.ErrNotFound)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	s.stages[st.AuctionID] = append(s.stages[st.AuctionID], *st)
	return nil
}

func (s *Store) CreateLot(_ context.Context, l *store.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[l.AuctionID]; !ok {
		return fmt.Errorf("auction %s: %w", l.AuctionID, store.ErrNotFound)
	}
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
	l.UpdatedAt = s.clock.Now().UTC()
	s.lots[l.ID] = *l
	s.lotLocks[l.ID] = &sync.Mutex{}
	return nil
}

func (s *Store) ListBids(_ context.Context, tenantID, lotID string) ([]store.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Bid
	for _, b := range s.bids[lotID] {
		if b.TenantID == tenantID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) LoadLotChain(_ context.Context, lotID string) (*store.LotChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", lotID, store.ErrNotFound)
	}
	a, ok := s.auctions[l.AuctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", l.AuctionID, store.ErrNotFound)
	}
	stages := make([]stage.Stage, len(s.stages[a.ID]))
	copy(stages, s.stages[a.ID])
	sort.Slice(stages, func(i, j int) bool {
		if !stages[i].StartDate.Equal(stages[j].StartDate) {
			return stages[i].StartDate.Before(stages[j].StartDate)
		}
		return stages[i].ID < stages[j].ID
	})

	return &store.LotChain{Auction: a, Lot: l, Stages: stages}, nil
}

func (s *Store) RunInLotTx(ctx context.Context, lotID string, fn func(ctx context.Context, tx store.LotTx) error) error {
	s.mu.RLock()
	lock, ok := s.lotLocks[lotID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, store.ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	tx := &lotTx{
		store:   s,
		lot:     s.lots[lotID],
		auction: s.auctions[s.lots[lotID].AuctionID],
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *lotTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitHook != nil {
		if err := s.commitHook(tx.lot.ID); err != nil {
			return err
		}
	}

	if tx.update != nil {
		current := s.lots[tx.lot.ID]
		if current.Version != tx.update.ExpectedVersion {
			return fmt.Errorf("lot %s version %d != %d: %w", tx.lot.ID, current.Version, tx.update.ExpectedVersion, store.ErrConflict)
		}
		current.Price = tx.update.Price
		current.BidsCount = tx.update.BidsCount
		current.EndDate = tx.update.EndDate
		current.ExtensionsCount = tx.update.ExtensionsCount
		current.UpdatedAt = tx.update.UpdatedAt
		current.Version++
		s.lots[tx.lot.ID] = current
	}
	s.bids[tx.lot.ID] = append(s.bids[tx.lot.ID], tx.inserted...)
	return nil
}

type lotTx struct {
	store    *Store
	lot      store.Lot
	auction  store.Auction
	inserted []store.Bid
	update   *store.LotUpdate
}

func (t *lotTx) Lot() store.Lot         { return t.lot }
func (t *lotTx) Auction() store.Auction { return t.auction }

func (t *lotTx) HighestBid(_ context.Context) (*store.Bid, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var best *store.Bid
	for _, b := range append(append([]store.Bid(nil), t.store.bids[t.lot.ID]...), t.inserted...) {
		if best == nil || b.Amount.GreaterThan(best.Amount) {
			b := b
			best = &b
		}
	}
	return best, nil
}

func (t *lotTx) InsertBid(_ context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.store.clock.Now().UTC()
	}
	t.inserted = append(t.inserted, *b)
	return nil
}

func (t *lotTx) UpdateLot(_ context.Context, u store.LotUpdate) error {
	if u.ExpectedVersion != t.lot.Version {
		return fmt.Errorf("lot %s: %w", t.lot.ID, store.ErrConflict)
	}
	t.update = &u
	return nil
}

func (s *Store) UpsertStagePrices(_ context.Context, prices []store.LotStagePrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		byStage, ok := s.stagePrices[p.LotID]
		if !ok {
			byStage = make(map[string]store.LotStagePrice)
			s.stagePrices[p.LotID] = byStage
		}
		byStage[p.StageID] = p
	}
	return nil
}

func (s *Store) ListStagePrices(_ context.Context, tenantID, lotID string) ([]store.LotStagePrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.LotStagePrice
	for _, p := range s.stagePrices[lotID] {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageID < out[j].StageID })
	return out, nil
}

func (s *Store) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}
		s.events = append(s.events, e)
	}
	return nil
}

func (s *Store) Load(_ context.Context, tenantID, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.TenantID == tenantID && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
