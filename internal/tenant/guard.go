// Package tenant enforces that a caller only mutates entities owned by its
// own tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrIsolationViolation is returned when a caller's tenant does not own every
// entity in the chain, or when the chain itself is inconsistent.
var ErrIsolationViolation = errors.New("tenant isolation violation")

// Link is one entity of an ownership chain. ParentTenantID is empty for the
// chain root.
type Link struct {
	Kind           string
	ID             string
	TenantID       string
	ParentTenantID string
}

// Chain is the ownership path of an entity, root first
// (auction, then its stages and lot).
type Chain []Link

// Guard validates ownership chains.
type Guard struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewGuard returns a Guard that reports violations to logger.
func NewGuard(logger *slog.Logger, tp trace.TracerProvider) *Guard {
	return &Guard{
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/leilao/internal/tenant"),
	}
}

// Check requires every link to belong to caller and to agree with its
// parent. It performs no writes.
func (g *Guard) Check(ctx context.Context, caller string, chain Chain) error {
	ctx, span := g.tracer.Start(ctx, "Guard.Check",
		trace.WithAttributes(
			attribute.String("tenant.caller", caller),
			attribute.Int("chain.length", len(chain)),
		),
	)
	defer span.End()

	if caller == "" {
		return g.reject(ctx, span, caller, Link{Kind: "caller"}, "missing tenant context")
	}
	if len(chain) == 0 {
		return g.reject(ctx, span, caller, Link{Kind: "chain"}, "empty ownership chain")
	}

	for _, l := range chain {
		if l.ParentTenantID != "" && l.TenantID != l.ParentTenantID {
			return g.reject(ctx, span, caller, l, "descendant tenant differs from parent")
		}
		if l.TenantID != caller {
			return g.reject(ctx, span, caller, l, "entity owned by another tenant")
		}
	}
	return nil
}

func (g *Guard) reject(ctx context.Context, span trace.Span, caller string, l Link, reason string) error {
	span.SetStatus(codes.Error, reason)
	span.AddEvent("isolation_violation", trace.WithAttributes(
		attribute.String("entity.kind", l.Kind),
		attribute.String("entity.id", l.ID),
	))

	g.logger.WarnContext(ctx, "tenant isolation violation",
		slog.Bool("security_event", true),
		slog.String("reason", reason),
		slog.String("caller_tenant_id", caller),
		slog.String("entity_kind", l.Kind),
		slog.String("entity_id", l.ID),
		slog.String("entity_tenant_id", l.TenantID),
		slog.String("parent_tenant_id", l.ParentTenantID),
	)

	if l.ID == "" {
		return fmt.Errorf("%w: %s", ErrIsolationViolation, reason)
	}
	return fmt.Errorf("%w: %s %s", ErrIsolationViolation, l.Kind, l.ID)
}
