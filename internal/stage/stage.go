// Package stage derives which pricing stage ("praça") of an auction is in
// effect at a given instant. Status is always computed from the stage window
// and never stored.
package stage

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the time-derived state of a stage.
type Status int

const (
	Pending Status = iota + 1
	Active
	Closed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Pending, Active, Closed:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid stage status %d", int(s))
}

// Stage is one time-boxed pricing phase of an auction.
type Stage struct {
	ID              string          `db:"id"`
	AuctionID       string          `db:"auction_id"`
	TenantID        string          `db:"tenant_id"`
	Name            string          `db:"name"`
	StartDate       time.Time       `db:"start_date"`
	EndDate         time.Time       `db:"end_date"`
	DiscountPercent decimal.Decimal `db:"discount_percent"`
}

// StatusAt reports the stage state at now. The window is half-open:
// [StartDate, EndDate).
func (s Stage) StatusAt(now time.Time) Status {
	switch {
	case now.Before(s.StartDate):
		return Pending
	case now.Before(s.EndDate):
		return Active
	default:
		return Closed
	}
}

// ResolveActive returns the stage whose window contains now. When windows
// overlap the earliest-starting stage wins, ties broken by ID. The boolean is
// false when no stage is active.
func ResolveActive(stages []Stage, now time.Time) (Stage, bool) {
	var (
		best  Stage
		found bool
	)
	for _, s := range stages {
		switch s.StatusAt(now) {
		case Active:
			if !found || earlier(s, best) {
				best, found = s, true
			}
		case Pending, Closed:
		}
	}
	return best, found
}

func earlier(a, b Stage) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.Before(b.StartDate)
	}
	return a.ID < b.ID
}

// Overlap names two stages whose windows intersect.
type Overlap struct {
	First, Second string
}

// FindOverlaps reports every pair of stages with intersecting windows.
// Overlapping configuration is a data error; resolution still succeeds.
func FindOverlaps(stages []Stage) []Overlap {
	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return earlier(sorted[i], sorted[j]) })

	var out []Overlap
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if !sorted[j].StartDate.Before(sorted[i].EndDate) {
				break
			}
			out = append(out, Overlap{First: sorted[i].ID, Second: sorted[j].ID})
		}
	}
	return out
}
