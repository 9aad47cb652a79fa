package bidding

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	accepted   metric.Int64Counter
	rejected   metric.Int64Counter
	attempts   metric.Int64Counter
	extensions metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.accepted, err = m.Int64Counter("bids.accepted",
		metric.WithDescription("Bids committed to the ledger."),
	); err != nil {
		return nil, fmt.Errorf("creating bids.accepted counter: %w", err)
	}
	if ins.rejected, err = m.Int64Counter("bids.rejected",
		metric.WithDescription("Bids rejected, by kind."),
	); err != nil {
		return nil, fmt.Errorf("creating bids.rejected counter: %w", err)
	}
	if ins.attempts, err = m.Int64Counter("bids.attempts",
		metric.WithDescription("Critical section attempts, including retries."),
	); err != nil {
		return nil, fmt.Errorf("creating bids.attempts counter: %w", err)
	}
	if ins.extensions, err = m.Int64Counter("softclose.extensions",
		metric.WithDescription("Lot deadlines extended by a late bid."),
	); err != nil {
		return nil, fmt.Errorf("creating softclose.extensions counter: %w", err)
	}
	return &ins, nil
}
