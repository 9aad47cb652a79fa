// Package softclose extends a lot deadline when a bid lands close to it.
package softclose

import (
	"time"

	"github.com/jensholdgaard/leilao/internal/config"
)

// Policy is the deadline extension rule. A nil MaxExtensions means no cap.
type Policy struct {
	Enabled       bool
	Window        time.Duration
	MaxExtensions *int
}

// FromConfig builds a Policy from the soft_close configuration block.
func FromConfig(cfg config.SoftCloseConfig) Policy {
	return Policy{
		Enabled:       cfg.Enabled,
		Window:        cfg.Window(),
		MaxExtensions: cfg.MaxExtensions,
	}
}

// Deadline is the lot state the policy reads.
type Deadline struct {
	EndDate    time.Time
	Extensions int
	// AuctionEnabled is the per-auction opt-in; both it and the policy must
	// be enabled.
	AuctionEnabled bool
}

// MaybeExtend returns the new end date when a bid at bidAt qualifies for an
// extension. A bid qualifies when it arrives no earlier than Window before
// the deadline and the extension cap has not been reached.
func (p Policy) MaybeExtend(lot Deadline, bidAt time.Time) (time.Time, bool) {
	if !p.Enabled || !lot.AuctionEnabled || p.Window <= 0 {
		return lot.EndDate, false
	}
	if p.MaxExtensions != nil && lot.Extensions >= *p.MaxExtensions {
		return lot.EndDate, false
	}
	if lot.EndDate.Sub(bidAt) > p.Window {
		return lot.EndDate, false
	}
	extended := bidAt.Add(p.Window)
	if !extended.After(lot.EndDate) {
		return lot.EndDate, false
	}
	return extended, true
}
