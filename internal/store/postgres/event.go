package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/event"
)

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *sqlx.DB, clk clock.Clock) *EventStore {
	return &EventStore{db: db, clock: clk}
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO events (id, aggregate_id, tenant_id, type, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.AggregateID, e.TenantID, e.Type, string(e.Data), e.CreatedAt); err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, id=%s): %w", e.AggregateID, e.ID, classify(err))
		}
	}

	return tx.Commit()
}

func (s *EventStore) Load(ctx context.Context, tenantID, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, tenant_id, type, data, created_at
		 FROM events WHERE tenant_id = $1 AND aggregate_id = $2 ORDER BY created_at ASC, id ASC`,
		tenantID, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", classify(err))
	}
	return events, nil
}
