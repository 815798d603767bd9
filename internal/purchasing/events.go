package purchasing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptLineEvent describes one received item of a completed invoice.
type ReceiptLineEvent struct {
	ProductID int64           `json:"product_id"`
	BatchID   int64           `json:"batch_id"`
	Type      ItemType        `json:"item_type"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// InvoiceCompletedEvent captures the goods receipt of a completed invoice.
type InvoiceCompletedEvent struct {
	ID          int64              `json:"id"`
	InvoiceNo   string             `json:"invoice_no"`
	GRNo        string             `json:"gr_no"`
	VendorID    int64              `json:"vendor_id"`
	Total       decimal.Decimal    `json:"total"`
	TaxCredit   decimal.Decimal    `json:"tax_credit"`
	CompletedAt time.Time          `json:"completed_at"`
	Lines       []ReceiptLineEvent `json:"lines"`
}

// PaymentRecordedEvent describes a vendor payment.
type PaymentRecordedEvent struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	VendorID      int64           `json:"vendor_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaidOn        time.Time       `json:"paid_on"`
}

// InvoiceStatusChangedEvent reports a move on the tax or lifecycle axis.
type InvoiceStatusChangedEvent struct {
	InvoiceID int64     `json:"invoice_id"`
	Axis      string    `json:"axis"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
}

// IntegrationHandler receives purchasing domain events after commit.
type IntegrationHandler interface {
	HandleInvoiceCompleted(ctx context.Context, evt InvoiceCompletedEvent) error
	HandlePaymentRecorded(ctx context.Context, evt PaymentRecordedEvent) error
	HandleInvoiceStatusChanged(ctx context.Context, evt InvoiceStatusChangedEvent) error
}
