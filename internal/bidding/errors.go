package bidding

import (
	"errors"

	"github.com/jensholdgaard/leilao/internal/tenant"
)

// Errors returned by the bid admission path. None of them is retried by the
// caller; retryable store conflicts are absorbed inside SubmitBid.
var (
	ErrIsolationViolation = tenant.ErrIsolationViolation
	ErrNoActiveStage      = errors.New("no active stage")
	ErrBidTooLow          = errors.New("bid is below the minimum")
	ErrLotNotBiddable     = errors.New("lot is not open for bidding")
	ErrBidSuperseded      = errors.New("bid superseded by a concurrent bid")
	ErrTemporaryFailure   = errors.New("temporary failure")
	ErrInvalidAmount      = errors.New("invalid bid amount")
	ErrLotNotFound        = errors.New("lot not found")
)

// Kind is the wire name of a rejection.
type Kind string

const (
	KindNone               Kind = ""
	KindIsolationViolation Kind = "IsolationViolation"
	KindNoActiveStage      Kind = "NoActiveStage"
	KindBidTooLow          Kind = "BidTooLow"
	KindLotNotBiddable     Kind = "LotNotBiddable"
	KindBidSuperseded      Kind = "BidSuperseded"
	KindTemporaryFailure   Kind = "TemporaryFailure"
	KindInvalidAmount      Kind = "InvalidAmount"
	KindNotFound           Kind = "NotFound"
	KindInternal           Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrIsolationViolation, KindIsolationViolation},
	{ErrNoActiveStage, KindNoActiveStage},
	{ErrBidTooLow, KindBidTooLow},
	{ErrLotNotBiddable, KindLotNotBiddable},
	{ErrBidSuperseded, KindBidSuperseded},
	{ErrTemporaryFailure, KindTemporaryFailure},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrLotNotFound, KindNotFound},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
