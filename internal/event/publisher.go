package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Publisher delivers an event to an external collaborator.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate of one tenant, oldest first.
	Load(ctx context.Context, tenantID, aggregateID string) ([]Event, error)
}

// StorePublisher appends published events to a Store, giving audit
// collaborators a durable trail.
type StorePublisher struct {
	Store Store
}

// Publish appends e.
func (p StorePublisher) Publish(ctx context.Context, e Event) error {
	if err := p.Store.Append(ctx, e); err != nil {
		return fmt.Errorf("appending %s event: %w", e.Type, err)
	}
	return nil
}

// Fanout delivers every event to all sinks, continuing past failures.
type Fanout []Publisher

// Publish delivers e to every sink and joins their errors.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to a logger. Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs e.
func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	p.Logger.InfoContext(ctx, "event published",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("aggregate_id", e.AggregateID),
		slog.String("tenant_id", e.TenantID),
	)
	return nil
}
