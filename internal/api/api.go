// Package api is the HTTP surface of the bidding engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/leilao/internal/bidding"
	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/pricing"
	"github.com/jensholdgaard/leilao/internal/session"
	"github.com/jensholdgaard/leilao/internal/store"
)

// Bidder is the subset of bidding.Service the handlers call.
type Bidder interface {
	SubmitBid(ctx context.Context, req bidding.Request) (*bidding.Result, error)
	Pricing(ctx context.Context, tenantID, lotID string) (pricing.Quote, error)
	StagePrices(ctx context.Context, tenantID, lotID string) ([]bidding.StageView, error)
	Bids(ctx context.Context, tenantID, lotID string) ([]store.Bid, error)
	Events(ctx context.Context, tenantID, lotID string) ([]event.Event, error)
}

// Handler serves the bid and pricing endpoints.
type Handler struct {
	svc    Bidder
	logger *slog.Logger
}

// NewHandler returns a Handler over svc.
func NewHandler(svc Bidder, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the endpoints on mux behind auth.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /bids", auth(http.HandlerFunc(h.submitBid)))
	mux.Handle("GET /lots/{id}/pricing", auth(http.HandlerFunc(h.pricing)))
	mux.Handle("GET /lots/{id}/stages", auth(http.HandlerFunc(h.stages)))
	mux.Handle("GET /lots/{id}/bids", auth(http.HandlerFunc(h.bids)))
	mux.Handle("GET /lots/{id}/events", auth(http.HandlerFunc(h.events)))
}

// Instrument wraps next with otelhttp server spans and metrics.
func Instrument(next http.Handler, tp trace.TracerProvider, mp metric.MeterProvider) http.Handler {
	return otelhttp.NewHandler(next, "leilao.http",
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithMeterProvider(mp),
	)
}

type bidRequest struct {
	LotID  string          `json:"lotId"`
	Amount decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	Accepted   bool       `json:"accepted"`
	BidID      string     `json:"bidId,omitempty"`
	NewPrice   string     `json:"newPrice,omitempty"`
	NewFloor   string     `json:"newFloor,omitempty"`
	NewEndDate *time.Time `json:"newEndDate,omitempty"`
	Extended   bool       `json:"extended,omitempty"`
	ErrorKind  string     `json:"errorKind,omitempty"`
}

type pricingResponse struct {
	Label           string `json:"label"`
	Amount          string `json:"amount"`
	NextMinimumBid  string `json:"nextMinimumBid"`
	DiscountPercent string `json:"discountPercent"`
	StageID         string `json:"stageId"`
}

type stageResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	DiscountPercent string    `json:"discountPercent"`
	Floor           string    `json:"floor"`
	Label           string    `json:"label"`
}

type bidEntry struct {
	ID        string    `json:"id"`
	BidderID  string    `json:"bidderId"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

type eventEntry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

type errorResponse struct {
	ErrorKind string `json:"errorKind"`
}

func (h *Handler) submitBid(w http.ResponseWriter, r *http.Request) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorKind: "Unauthenticated"})
		return
	}

	var body bidRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || body.LotID == "" {
		writeJSON(w, http.StatusBadRequest, bidResponse{ErrorKind: "BadRequest"})
		return
	}

	res, err := h.svc.SubmitBid(r.Context(), bidding.Request{
		TenantID: p.TenantID,
		BidderID: p.BidderID,
		LotID:    body.LotID,
		Amount:   body.Amount,
	})

	resp := bidResponse{}
	if res != nil {
		resp = bidResponse{
			Accepted: res.Accepted,
			BidID:    res.BidID,
			NewPrice: res.NewPrice.StringFixed(pricing.Places),
			NewFloor: res.NewFloor.StringFixed(pricing.Places),
			Extended: res.Extended,
		}
		if !res.NewEndDate.IsZero() {
			end := res.NewEndDate.UTC()
			resp.NewEndDate = &end
		}
	}
	if err != nil {
		kind := bidding.KindOf(err)
		resp.Accepted = false
		resp.ErrorKind = string(kind)
		h.logFailure(r, kind, err)
		writeJSON(w, statusFor(kind), resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) pricing(w http.ResponseWriter, r *http.Request) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorKind: "Unauthenticated"})
		return
	}

	q, err := h.svc.Pricing(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricingResponse{
		Label:           string(q.Label),
		Amount:          q.Amount.StringFixed(pricing.Places),
		NextMinimumBid:  q.Floor.StringFixed(pricing.Places),
		DiscountPercent: q.DiscountPercent.StringFixed(pricing.Places),
		StageID:         q.StageID,
	})
}

func (h *Handler) stages(w http.ResponseWriter, r *http.Request) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorKind: "Unauthenticated"})
		return
	}

	views, err := h.svc.StagePrices(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]stageResponse, 0, len(views))
	for _, v := range views {
		out = append(out, stageResponse{
			ID:              v.Stage.ID,
			Name:            v.Stage.Name,
			Status:          v.Status.String(),
			StartDate:       v.Stage.StartDate.UTC(),
			EndDate:         v.Stage.EndDate.UTC(),
			DiscountPercent: v.Price.DiscountPercent.StringFixed(pricing.Places),
			Floor:           v.Price.Floor.StringFixed(pricing.Places),
			Label:           v.Price.Label,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) bids(w http.ResponseWriter, r *http.Request) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorKind: "Unauthenticated"})
		return
	}

	bids, err := h.svc.Bids(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]bidEntry, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidEntry{
			ID:        b.ID,
			BidderID:  b.BidderID,
			Amount:    b.Amount.StringFixed(pricing.Places),
			CreatedAt: b.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorKind: "Unauthenticated"})
		return
	}

	events, err := h.svc.Events(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]eventEntry, 0, len(events))
	for _, e := range events {
		out = append(out, eventEntry{
			ID:        e.ID,
			Type:      string(e.Type),
			CreatedAt: e.CreatedAt.UTC(),
			Data:      e.Data,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := bidding.KindOf(err)
	h.logFailure(r, kind, err)
	writeJSON(w, statusFor(kind), errorResponse{ErrorKind: string(kind)})
}

func (h *Handler) logFailure(r *http.Request, kind bidding.Kind, err error) {
	if kind != bidding.KindInternal {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
}

func statusFor(kind bidding.Kind) int {
	switch kind {
	case bidding.KindIsolationViolation:
		return http.StatusForbidden
	case bidding.KindNotFound:
		return http.StatusNotFound
	case bidding.KindNoActiveStage, bidding.KindLotNotBiddable, bidding.KindBidSuperseded:
		return http.StatusConflict
	case bidding.KindBidTooLow, bidding.KindInvalidAmount:
		return http.StatusUnprocessableEntity
	case bidding.KindTemporaryFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
