package purchasing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// buildItem validates in for its type and computes the tax split and totals.
// Nothing is persisted when it fails. Stocked items must be receivable and
// priceable on today's date so completion cannot reject them later.
func buildItem(in ItemInput, interState bool, today time.Time) (Item, error) {
	if in.Type == "" {
		in.Type = ItemRegular
	}
	in.BatchNumber = strings.TrimSpace(in.BatchNumber)
	in.ChallanRef = strings.TrimSpace(in.ChallanRef)
	in.ReturnReason = strings.TrimSpace(in.ReturnReason)

	if err := validateItem(in); err != nil {
		return Item{}, err
	}
	if in.Type != ItemReturn && !shared.DateOf(in.ExpiryDate).After(shared.DateOf(today)) {
		return Item{}, shared.Validation("expiry_date", "batch is already expired")
	}

	taxable := in.PTRValue.Mul(decimal.NewFromInt(in.Quantity)).
		Mul(hundred.Sub(in.DiscountPct)).Div(hundred).Round(2)
	item := Item{
		ProductID:        in.ProductID,
		Type:             in.Type,
		BatchNumber:      in.BatchNumber,
		ExpiryDate:       shared.DateOf(in.ExpiryDate),
		Quantity:         in.Quantity,
		FreeQuantity:     in.FreeQuantity,
		PTRValue:         in.PTRValue,
		DiscountPct:      in.DiscountPct,
		TaxPct:           in.TaxPct,
		SalePrice:        in.SalePrice,
		MRP:              in.MRP,
		ChallanRef:       in.ChallanRef,
		ReturnReason:     in.ReturnReason,
		Status:           ItemNew,
		CreatedBy:        in.ActorID,
		CGSTPct:          decimal.Zero,
		SGSTPct:          decimal.Zero,
		IGSTPct:          decimal.Zero,
		CGSTAmount:       decimal.Zero,
		SGSTAmount:       decimal.Zero,
		IGSTAmount:       decimal.Zero,
		ManufacturedDate: in.ManufacturedDate,
	}
	if !in.ManufacturedDate.IsZero() {
		item.ManufacturedDate = shared.DateOf(in.ManufacturedDate)
	}
	if interState {
		item.IGSTPct = in.TaxPct
		item.IGSTAmount = taxable.Mul(in.TaxPct).Div(hundred).Round(2)
	} else {
		half := in.TaxPct.Div(two)
		item.CGSTPct = half
		item.SGSTPct = half
		item.CGSTAmount = taxable.Mul(half).Div(hundred).Round(2)
		item.SGSTAmount = item.CGSTAmount
	}
	item.Total = taxable.Add(item.CGSTAmount).Add(item.SGSTAmount).Add(item.IGSTAmount)
	item.UnitCost = taxable.Div(decimal.NewFromInt(in.Quantity + in.FreeQuantity)).Round(2)
	if item.Type != ItemReturn && item.SalePrice.LessThan(item.UnitCost) {
		return Item{}, shared.Validation("sale_price", fmt.Sprintf("%s is below unit cost %s", item.SalePrice, item.UnitCost))
	}

	if item.Type == ItemReturn {
		item.CGSTAmount = item.CGSTAmount.Neg()
		item.SGSTAmount = item.SGSTAmount.Neg()
		item.IGSTAmount = item.IGSTAmount.Neg()
		item.Total = item.Total.Neg()
	}
	return item, nil
}

func validateItem(in ItemInput) error {
	if in.ProductID <= 0 {
		return shared.Validation("product_id", "required")
	}
	if in.Quantity <= 0 {
		return shared.Validation("quantity", "must be positive")
	}
	if in.FreeQuantity < 0 {
		return shared.Validation("free_quantity", "must not be negative")
	}
	if in.PTRValue.IsNegative() {
		return shared.Validation("ptr_value", "must not be negative")
	}
	if in.DiscountPct.IsNegative() || in.DiscountPct.GreaterThan(hundred) {
		return shared.Validation("discount_pct", "must be between 0 and 100")
	}
	if in.TaxPct.IsNegative() || in.TaxPct.GreaterThan(hundred) {
		return shared.Validation("tax_pct", "must be between 0 and 100")
	}
	if in.BatchNumber == "" {
		return shared.Validation("batch_number", "required")
	}
	if in.ExpiryDate.IsZero() {
		return shared.Validation("expiry_date", "required")
	}

	switch in.Type {
	case ItemReturn:
		if in.ReturnReason == "" {
			return shared.Validation("return_reason", "required for RETURN items")
		}
		if in.FreeQuantity != 0 {
			return shared.Validation("free_quantity", "not allowed on RETURN items")
		}
		return nil
	case ItemSupplied:
		if in.ChallanRef == "" {
			return shared.Validation("challan_ref", "required for SUPPLIED items")
		}
	case ItemRegular:
	default:
		return shared.Validation("item_type", fmt.Sprintf("unknown item type %q", in.Type))
	}

	if !in.PTRValue.IsPositive() {
		return shared.Validation("ptr_value", "must be positive")
	}
	if !in.MRP.IsPositive() {
		return shared.Validation("mrp", "must be positive")
	}
	if !in.SalePrice.IsPositive() {
		return shared.Validation("sale_price", "must be positive")
	}
	if in.SalePrice.GreaterThan(in.MRP) {
		return shared.Validation("sale_price", fmt.Sprintf("%s exceeds MRP %s", in.SalePrice, in.MRP))
	}
	if !in.ManufacturedDate.IsZero() && !in.ManufacturedDate.Before(in.ExpiryDate) {
		return shared.Validation("manufactured_date", "must precede expiry date")
	}
	return nil
}

// sumTotals recomputes the invoice total and tax components from its items.
func sumTotals(items []Item) (total, cgst, sgst, igst decimal.Decimal) {
	total, cgst, sgst, igst = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, it := range items {
		total = total.Add(it.Total)
		cgst = cgst.Add(it.CGSTAmount)
		sgst = sgst.Add(it.SGSTAmount)
		igst = igst.Add(it.IGSTAmount)
	}
	return total, cgst, sgst, igst
}
