// Package pricing computes the minimum acceptable bid for a lot. Every
// function is pure; callers hold whatever locks they need.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/leilao/internal/stage"
)

// Places is the number of decimal places of every monetary value.
const Places int32 = 2

// Label is the caption shown next to the displayed amount.
type Label string

const (
	LabelInitial Label = "Lance Inicial"
	LabelMinimum Label = "Lance Mínimo"
	LabelCurrent Label = "Lance Atual"
)

// Amounts are stored as NUMERIC(14,2). Exponents outside these bounds are
// rejected before any arithmetic so a short literal like "1e50000000" never
// expands into a huge coefficient.
const (
	maxScale    = 18
	maxExponent = 12
)

var (
	// MaxAmount is the largest amount the bid ledger stores.
	MaxAmount = decimal.RequireFromString("999999999999.99")

	hundred     = decimal.NewFromInt(100)
	maxDiscount = decimal.RequireFromString("99.99")
	oneCent     = decimal.New(1, -Places)
)

// Lot carries the lot fields the floor depends on.
type Lot struct {
	InitialPrice     decimal.Decimal
	BidIncrementStep decimal.Decimal
}

// Quote is the pricing view of a lot at one instant.
type Quote struct {
	Label Label
	// Amount is the displayed price: the highest bid, or the opening floor
	// when there are no bids.
	Amount decimal.Decimal
	// Floor is the minimum amount the next bid must meet.
	Floor           decimal.Decimal
	DiscountPercent decimal.Decimal
	StageID         string
}

// Admits reports whether amount meets the floor.
func (q Quote) Admits(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(q.Floor)
}

// ValidAmount reports whether d is a positive amount of whole cents no
// larger than MaxAmount.
func ValidAmount(d decimal.Decimal) bool {
	if exp := d.Exponent(); exp < -maxScale || exp > maxExponent {
		return false
	}
	if !d.IsPositive() {
		return false
	}
	return d.Equal(d.Truncate(Places)) && d.LessThanOrEqual(MaxAmount)
}

// ComputeFloor returns the quote for lot under the active stage. highest is
// nil when the lot has no bids.
func ComputeFloor(lot Lot, active stage.Stage, highest *decimal.Decimal) Quote {
	discount := ClampDiscount(active.DiscountPercent)

	if highest != nil {
		return Quote{
			Label:           LabelCurrent,
			Amount:          *highest,
			Floor:           RoundUpCents(highest.Add(Increment(lot.BidIncrementStep))),
			DiscountPercent: discount,
			StageID:         active.ID,
		}
	}

	floor := OpeningFloor(lot.InitialPrice, discount)
	label := LabelInitial
	if discount.IsPositive() {
		label = LabelMinimum
	}
	return Quote{
		Label:           label,
		Amount:          floor,
		Floor:           floor,
		DiscountPercent: discount,
		StageID:         active.ID,
	}
}

// OpeningFloor applies discount to the initial price, rounding down to cents.
func OpeningFloor(initialPrice, discountPercent decimal.Decimal) decimal.Decimal {
	factor := hundred.Sub(ClampDiscount(discountPercent)).Div(hundred)
	return RoundDownCents(initialPrice.Mul(factor))
}

// RoundDownCents truncates toward negative infinity at two decimal places.
// The result always carries exactly two decimal places.
func RoundDownCents(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(d.Shift(Places).RoundFloor(0).BigInt(), -Places)
}

// RoundUpCents rounds toward positive infinity at two decimal places.
func RoundUpCents(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(d.Shift(Places).RoundCeil(0).BigInt(), -Places)
}

// ClampDiscount bounds a discount to [0, 99.99]. A configured 100% is an
// upstream data error; it is read as 99.99 so the floor stays positive.
func ClampDiscount(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.IsNegative():
		return decimal.Zero
	case d.GreaterThan(maxDiscount):
		return maxDiscount
	}
	return d
}

// Increment returns the step added to the highest bid. Non-positive steps
// fall back to one cent so two bids can never tie on the same price.
func Increment(step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return oneCent
	}
	return step
}

// StageFloor is the opening floor of a lot under one stage.
type StageFloor struct {
	StageID         string
	DiscountPercent decimal.Decimal
	Floor           decimal.Decimal
	Label           Label
}

// StageFloors computes the opening floor for every stage, in input order.
func StageFloors(lot Lot, stages []stage.Stage) []StageFloor {
	out := make([]StageFloor, 0, len(stages))
	for _, s := range stages {
		q := ComputeFloor(lot, s, nil)
		out = append(out, StageFloor{
			StageID:         s.ID,
			DiscountPercent: q.DiscountPercent,
			Floor:           q.Floor,
			Label:           q.Label,
		})
	}
	return out
}
