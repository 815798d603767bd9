package purchasing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// ProcessingStatus tracks item entry and completion.
type ProcessingStatus string

const (
	ProcessingNew      ProcessingStatus = "NEW"
	ProcessingVerified ProcessingStatus = "VERIFIED"
	ProcessingComplete ProcessingStatus = "COMPLETE"
)

// PaymentStatus is derived from paid amount against total.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// TaxStatus tracks input tax credit reconciliation.
type TaxStatus string

const (
	TaxPending       TaxStatus = "PENDING"
	TaxITCEligible   TaxStatus = "ITC_ELIGIBLE"
	TaxITCIneligible TaxStatus = "ITC_INELIGIBLE"
	TaxITCClaimed    TaxStatus = "ITC_CLAIMED"
	TaxITCReversed   TaxStatus = "ITC_REVERSED"
)

// LifecycleStatus is OPEN until the invoice is closed for good.
type LifecycleStatus string

const (
	LifecycleOpen   LifecycleStatus = "OPEN"
	LifecycleClosed LifecycleStatus = "CLOSED"
)

// ItemType selects which companion fields an item needs.
type ItemType string

const (
	ItemRegular  ItemType = "REGULAR"
	ItemReturn   ItemType = "RETURN"
	ItemSupplied ItemType = "SUPPLIED"
)

// ItemStatus tracks per-item verification.
type ItemStatus string

const (
	ItemNew      ItemStatus = "NEW"
	ItemVerified ItemStatus = "VERIFIED"
)

// ITCReversalDays is how long a claimed credit survives without full payment.
const ITCReversalDays = 180

// GoodsReceiptPrefix prefixes goods receipt numbers.
const GoodsReceiptPrefix = "GRN"

// Invoice is a vendor's purchase invoice with four status axes.
type Invoice struct {
	ID              int64
	VendorID        int64
	VendorGSTIN     string
	InvoiceNo       string
	InvoiceDate     time.Time
	GRNo            string
	GRDate          time.Time
	Status          ProcessingStatus
	PaymentStatus   PaymentStatus
	TaxStatus       TaxStatus
	LifecycleStatus LifecycleStatus
	Total           decimal.Decimal
	PaidAmount      decimal.Decimal
	CGSTAmount      decimal.Decimal
	SGSTAmount      decimal.Decimal
	IGSTAmount      decimal.Decimal
	InterState      bool
	GSTR2BVerified  bool
	TaxNote         string
	Comments        string
	CompletedAt     *time.Time
	CompletedBy     int64
	ClosedAt        *time.Time
	ClosedBy        int64
	ClosureNotes    string
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Outstanding is the amount still owed to the vendor.
func (i Invoice) Outstanding() decimal.Decimal {
	return i.Total.Sub(i.PaidAmount)
}

// TotalTaxCredit sums the GST components.
func (i Invoice) TotalTaxCredit() decimal.Decimal {
	return i.CGSTAmount.Add(i.SGSTAmount).Add(i.IGSTAmount)
}

// Item is one line of an invoice.
type Item struct {
	ID               int64
	InvoiceID        int64
	ProductID        int64
	Type             ItemType
	BatchNumber      string
	ExpiryDate       time.Time
	ManufacturedDate time.Time
	Quantity         int64
	FreeQuantity     int64
	PTRValue         decimal.Decimal
	DiscountPct      decimal.Decimal
	TaxPct           decimal.Decimal
	CGSTPct          decimal.Decimal
	SGSTPct          decimal.Decimal
	IGSTPct          decimal.Decimal
	CGSTAmount       decimal.Decimal
	SGSTAmount       decimal.Decimal
	IGSTAmount       decimal.Decimal
	UnitCost         decimal.Decimal
	SalePrice        decimal.Decimal
	MRP              decimal.Decimal
	Total            decimal.Decimal
	ChallanRef       string
	ReturnReason     string
	Status           ItemStatus
	BatchID          int64
	VerifiedBy       int64
	VerifiedAt       *time.Time
	CreatedBy        int64
}

// Payment is money paid to the vendor against one invoice.
type Payment struct {
	ID           int64
	InvoiceID    int64
	VendorID     int64
	Amount       decimal.Decimal
	PaidOn       time.Time
	Mode         string
	TransRef     string
	Reconciled   bool
	ReconciledAt *time.Time
	ReconciledBy int64
	CreatedBy    int64
	CreatedAt    time.Time
}

// InvoiceDetail bundles an invoice with its children.
type InvoiceDetail struct {
	Invoice
	Items    []Item
	Payments []Payment
}

// ClosureCheck explains whether an invoice can be closed.
type ClosureCheck struct {
	CanClose bool
	Reasons  []string
}

// Summary is the lifecycle overview of one invoice.
type Summary struct {
	Invoice       Invoice
	ItemCounts    map[ItemType]int
	ItemsTotal    int
	ItemsVerified int
	PaymentCount  int
	Reconciled    int
	Outstanding   decimal.Decimal
	TaxCredit     decimal.Decimal
	Closure       ClosureCheck
}

// --- Input DTOs ---

// CreateInvoiceInput opens an invoice, optionally with its first items.
type CreateInvoiceInput struct {
	VendorID    int64
	VendorGSTIN string
	InvoiceNo   string
	InvoiceDate time.Time
	InterState  bool
	Comments    string
	Items       []ItemInput
	ActorID     int64
}

// ItemInput adds an item. Quantities are positive for every type; RETURN
// items are negated when totalled.
type ItemInput struct {
	ProductID        int64
	Type             ItemType
	BatchNumber      string
	ExpiryDate       time.Time
	ManufacturedDate time.Time
	Quantity         int64
	FreeQuantity     int64
	PTRValue         decimal.Decimal
	DiscountPct      decimal.Decimal
	TaxPct           decimal.Decimal
	SalePrice        decimal.Decimal
	MRP              decimal.Decimal
	ChallanRef       string
	ReturnReason     string
	ActorID          int64
}

// PaymentInput records a vendor payment.
type PaymentInput struct {
	InvoiceID int64
	Amount    decimal.Decimal
	PaidOn    time.Time
	Mode      string
	TransRef  string
	ActorID   int64
}

// TaxUpdate moves one invoice along the tax axis.
type TaxUpdate struct {
	Status TaxStatus
	Note   string
	// GSTR2BVerified confirms the invoice appears in the vendor's GSTR-2B.
	GSTR2BVerified bool
	ActorID        int64
}

// ITCResult reports invoices touched by a bulk tax operation.
type ITCResult struct {
	InvoiceIDs []int64
	TaxCredit  decimal.Decimal
}

var (
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = fmt.Errorf("purchasing: invoice not found: %w", shared.ErrNotFound)
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = fmt.Errorf("purchasing: payment not found: %w", shared.ErrNotFound)
	// ErrAlreadyComplete is returned when completing a COMPLETE invoice.
	ErrAlreadyComplete = fmt.Errorf("purchasing: invoice already complete: %w", shared.ErrInvalidTransition)
	// ErrInvoiceClosed is returned for any mutation of a CLOSED invoice.
	ErrInvoiceClosed = fmt.Errorf("purchasing: invoice is closed: %w", shared.ErrInvalidTransition)
	// ErrOverpayment is returned when a payment would exceed the invoice total.
	ErrOverpayment = fmt.Errorf("purchasing: payment exceeds outstanding amount: %w", shared.ErrValidation)
	// ErrPaymentReconciled is returned when touching a reconciled payment.
	ErrPaymentReconciled = fmt.Errorf("purchasing: payment already reconciled: %w", shared.ErrInvalidTransition)
)

var taxTransitions = map[TaxStatus][]TaxStatus{
	TaxPending:     {TaxITCEligible, TaxITCIneligible},
	TaxITCEligible: {TaxITCClaimed},
	TaxITCClaimed:  {TaxITCReversed},
}

// CanMoveTo reports whether the tax axis allows from -> to.
func (s TaxStatus) CanMoveTo(to TaxStatus) bool {
	for _, next := range taxTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DerivePaymentStatus maps paid against total. Nothing paid on a positive total
// is UNPAID; any shortfall is PARTIAL; otherwise PAID.
func DerivePaymentStatus(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case paid.IsZero() && total.IsPositive():
		return PaymentUnpaid
	case paid.LessThan(total):
		return PaymentPartial
	default:
		return PaymentPaid
	}
}
