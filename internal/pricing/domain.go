package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// InfinityDate marks the open-ended upper bound of the current interval.
var InfinityDate = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)

// CalculationMethod records how the sale price was arrived at.
type CalculationMethod string

const (
	// MethodManual means the sale price was entered directly.
	MethodManual CalculationMethod = "MANUAL"
	// MethodMargin derives sale price from base price plus margin.
	MethodMargin CalculationMethod = "MARGIN"
	// MethodDiscount derives sale price from MRP less discount.
	MethodDiscount CalculationMethod = "DISCOUNT"
)

// PriceInterval is one row of a product's price history.
type PriceInterval struct {
	ID            int64
	ProductID     int64
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	SalePrice     decimal.Decimal
	MRP           decimal.Decimal
	BasePrice     decimal.Decimal
	MarginPct     decimal.Decimal
	DiscountPct   decimal.Decimal
	TaxPct        decimal.Decimal
	TaxInclusive  bool
	Method        CalculationMethod
	Reason        string
	Comments      string
	CreatedBy     int64
	CreatedAt     time.Time
}

// IsOpen reports whether the interval is the product's current one.
func (p PriceInterval) IsOpen() bool {
	return p.EffectiveTo.Equal(InfinityDate)
}

// Covers reports whether date falls inside the closed interval [from, to].
func (p PriceInterval) Covers(date time.Time) bool {
	d := shared.DateOf(date)
	return !d.Before(p.EffectiveFrom) && !d.After(p.EffectiveTo)
}

// SameTerms reports whether two price sets would be indistinguishable to a buyer.
func (p PriceInterval) SameTerms(in PriceInput) bool {
	return p.SalePrice.Equal(in.SalePrice) &&
		p.MRP.Equal(in.MRP) &&
		p.BasePrice.Equal(in.BasePrice) &&
		p.TaxPct.Equal(in.TaxPct) &&
		p.TaxInclusive == in.TaxInclusive
}

// PriceInput describes a price revision request.
type PriceInput struct {
	SalePrice    decimal.Decimal
	MRP          decimal.Decimal
	BasePrice    decimal.Decimal
	MarginPct    decimal.NullDecimal
	DiscountPct  decimal.NullDecimal
	TaxPct       decimal.Decimal
	TaxInclusive bool
	Method       CalculationMethod
	Reason       string
	Comments     string
	ActorID      int64
}

// ErrPriceNotFound indicates no interval covers the requested date.
var ErrPriceNotFound = fmt.Errorf("pricing: price not found: %w", shared.ErrNotFound)

// ErrOverlappingTimeline indicates a history that violates the interval invariant.
var ErrOverlappingTimeline = errors.New("pricing: overlapping price intervals")
