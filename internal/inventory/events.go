package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchReceivedEvent represents a new batch entering stock.
type BatchReceivedEvent struct {
	BatchID           int64
	ProductID         int64
	BatchNumber       string
	ExpiryDate        time.Time
	Quantity          int64
	UnitCost          decimal.Decimal
	PurchaseInvoiceID int64
	ReceivedAt        time.Time
}

// StockAllocatedEvent represents a committed FEFO sale allocation.
type StockAllocatedEvent struct {
	ProductID   int64
	RefType     string
	RefID       string
	Quantity    int64
	Allocations []Allocation
	AllocatedAt time.Time
}

// BatchAdjustedEvent represents a correction, return, expiry or recall of a batch.
type BatchAdjustedEvent struct {
	BatchID   int64
	ProductID int64
	Type      MovementType
	Delta     int64
	Remaining int64
	Status    BatchStatus
	Reason    string
	PostedAt  time.Time
}
