package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// BatchStatus enumerates lifecycle states of a batch.
type BatchStatus string

const (
	// BatchActive batches are sellable while unexpired.
	BatchActive BatchStatus = "ACTIVE"
	// BatchDepleted batches have no remaining quantity.
	BatchDepleted BatchStatus = "DEPLETED"
	// BatchExpired batches passed their expiry date.
	BatchExpired BatchStatus = "EXPIRED"
	// BatchRecalled batches were pulled by the manufacturer or regulator.
	BatchRecalled BatchStatus = "RECALLED"
)

// Terminal reports statuses a batch never leaves.
func (s BatchStatus) Terminal() bool {
	return s == BatchExpired || s == BatchRecalled
}

// MovementType enumerates entries of the batch movement log.
type MovementType string

const (
	// MovementReceived records the initial receipt.
	MovementReceived MovementType = "RECEIVED"
	// MovementSold records a FEFO sale allocation.
	MovementSold MovementType = "SOLD"
	// MovementAdjusted records a manual correction.
	MovementAdjusted MovementType = "ADJUSTED"
	// MovementReturned records stock coming back or going back to the vendor.
	MovementReturned MovementType = "RETURNED"
	// MovementExpired records expiry of the batch.
	MovementExpired MovementType = "EXPIRED"
	// MovementRecalled records a recall of the batch.
	MovementRecalled MovementType = "RECALLED"
)

// Batch is a received lot of one product sharing batch number and expiry.
type Batch struct {
	ID                int64
	ProductID         int64
	BatchNumber       string
	ExpiryDate        time.Time
	ManufacturedDate  time.Time
	ReceivedDate      time.Time
	QuantityReceived  int64
	QuantityRemaining int64
	PTRCost           decimal.Decimal
	Status            BatchStatus
	VendorID          int64
	PurchaseInvoiceID int64
	CreatedBy         int64
	UpdatedAt         time.Time
}

// Movement is one append-only log entry. Quantity is signed: receipts are
// positive, sales negative.
type Movement struct {
	ID          int64
	BatchID     int64
	Type        MovementType
	Quantity    int64
	RefType     string
	RefID       string
	Reason      string
	PerformedBy int64
	PerformedAt time.Time
}

// Allocation is the part of a sale served from one batch.
type Allocation struct {
	BatchID     int64           `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// ReceiveInput creates a batch.
type ReceiveInput struct {
	ProductID         int64
	BatchNumber       string
	ExpiryDate        time.Time
	ManufacturedDate  time.Time
	Quantity          int64
	PTRCost           decimal.Decimal
	VendorID          int64
	PurchaseInvoiceID int64
	RefType           string
	RefID             string
	ActorID           int64
}

// SaleInput requests FEFO allocation of a quantity.
type SaleInput struct {
	ProductID int64
	Quantity  int64
	RefType   string
	RefID     string
	ActorID   int64
}

// AdjustInput corrects a single batch.
type AdjustInput struct {
	BatchID int64
	Delta   int64
	Type    MovementType
	Reason  string
	RefType string
	RefID   string
	ActorID int64
}

// NearExpiryBatch is a batch whose stock is at risk of expiring.
type NearExpiryBatch struct {
	BatchID        int64           `json:"batch_id"`
	ProductID      int64           `json:"product_id"`
	BatchNumber    string          `json:"batch_number"`
	ExpiryDate     time.Time       `json:"expiry_date"`
	DaysToExpiry   int             `json:"days_to_expiry"`
	QuantityAtRisk int64           `json:"quantity_at_risk"`
	ValueAtRisk    decimal.Decimal `json:"value_at_risk"`
}

// ExpiryTier groups near-expiry batches by their tightest threshold.
type ExpiryTier struct {
	Days     int               `json:"days"`
	Batches  []NearExpiryBatch `json:"batches"`
	Quantity int64             `json:"quantity"`
	Value    decimal.Decimal   `json:"value"`
}

// ExpirySummary aggregates tiers; totals count each batch once.
type ExpirySummary struct {
	AsOf          time.Time       `json:"as_of"`
	Tiers         []ExpiryTier    `json:"tiers"`
	TotalBatches  int             `json:"total_batches"`
	TotalQuantity int64           `json:"total_quantity"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// SweepResult reports batches marked expired by SweepExpired.
type SweepResult struct {
	AsOf           time.Time
	Expired        []Batch
	QuantityOnHand int64
}

// Reconciliation compares a batch row with its movement log.
type Reconciliation struct {
	BatchID           int64
	QuantityReceived  int64
	ReceivedLogged    int64
	MovementSum       int64
	QuantityRemaining int64
}

// Balanced reports whether the log explains the remaining quantity.
func (r Reconciliation) Balanced() bool {
	return r.ReceivedLogged == r.QuantityReceived && r.QuantityReceived+r.MovementSum == r.QuantityRemaining
}

// ExpiryThresholds are the day tiers monitored daily.
var ExpiryThresholds = []int{30, 60, 90}

var (
	// ErrBatchNotFound indicates a missing batch.
	ErrBatchNotFound = fmt.Errorf("inventory: batch not found: %w", shared.ErrNotFound)
	// ErrDuplicateSale indicates the sale reference was already allocated.
	ErrDuplicateSale = fmt.Errorf("inventory: sale reference already allocated: %w", shared.ErrConflict)
	// ErrInvalidMovement indicates a movement type not accepted by the operation.
	ErrInvalidMovement = errors.New("inventory: invalid movement type")
)
