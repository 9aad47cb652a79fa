// Package event defines the outbound notifications the engine emits after a
// bid commits, and the sinks that carry them.
package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	BidAccepted Type = "BID_ACCEPTED"
)

// Event is the persisted envelope of a domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// BidAcceptedData is the payload of BidAccepted events.
type BidAcceptedData struct {
	Type       Type            `json:"type"`
	BidID      string          `json:"bidId"`
	LotID      string          `json:"lotId"`
	AuctionID  string          `json:"auctionId"`
	Amount     decimal.Decimal `json:"amount"`
	BidderID   string          `json:"bidderId"`
	TenantID   string          `json:"tenantId"`
	EndDate    time.Time       `json:"endDate"`
	Extended   bool            `json:"extended"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewBidAccepted wraps d in an Event keyed by the lot.
func NewBidAccepted(id string, d BidAcceptedData) (Event, error) {
	d.Type = BidAccepted
	data, err := json.Marshal(d)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          id,
		AggregateID: d.LotID,
		TenantID:    d.TenantID,
		Type:        BidAccepted,
		Data:        data,
		CreatedAt:   d.OccurredAt,
	}, nil
}
