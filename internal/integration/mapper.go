package integration

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
)

type batchReceivedPayload struct {
	BatchID           int64           `json:"batch_id"`
	ProductID         int64           `json:"product_id"`
	BatchNumber       string          `json:"batch_number"`
	ExpiryDate        string          `json:"expiry_date"`
	Quantity          int64           `json:"quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	PurchaseInvoiceID int64           `json:"purchase_invoice_id,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

type stockAllocatedPayload struct {
	ProductID   int64                  `json:"product_id"`
	RefType     string                 `json:"ref_type,omitempty"`
	RefID       string                 `json:"ref_id,omitempty"`
	Quantity    int64                  `json:"quantity"`
	Allocations []inventory.Allocation `json:"allocations"`
	AllocatedAt time.Time              `json:"allocated_at"`
}

type batchAdjustedPayload struct {
	BatchID   int64     `json:"batch_id"`
	ProductID int64     `json:"product_id"`
	Type      string    `json:"movement_type"`
	Delta     int64     `json:"delta"`
	Remaining int64     `json:"remaining"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
}

type pricePostedPayload struct {
	IntervalID    int64           `json:"interval_id"`
	ProductID     int64           `json:"product_id"`
	EffectiveFrom string          `json:"effective_from"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	MRP           decimal.Decimal `json:"mrp"`
	BasePrice     decimal.Decimal `json:"base_price"`
	PostedBy      int64           `json:"posted_by,omitempty"`
}

func mapBatchReceived(evt inventory.BatchReceivedEvent) batchReceivedPayload {
	return batchReceivedPayload{
		BatchID:           evt.BatchID,
		ProductID:         evt.ProductID,
		BatchNumber:       evt.BatchNumber,
		ExpiryDate:        evt.ExpiryDate.Format(time.DateOnly),
		Quantity:          evt.Quantity,
		UnitCost:          evt.UnitCost,
		PurchaseInvoiceID: evt.PurchaseInvoiceID,
		ReceivedAt:        evt.ReceivedAt.UTC(),
	}
}

func mapStockAllocated(evt inventory.StockAllocatedEvent) stockAllocatedPayload {
	return stockAllocatedPayload{
		ProductID:   evt.ProductID,
		RefType:     evt.RefType,
		RefID:       evt.RefID,
		Quantity:    evt.Quantity,
		Allocations: evt.Allocations,
		AllocatedAt: evt.AllocatedAt.UTC(),
	}
}

func mapBatchAdjusted(evt inventory.BatchAdjustedEvent) batchAdjustedPayload {
	return batchAdjustedPayload{
		BatchID:   evt.BatchID,
		ProductID: evt.ProductID,
		Type:      string(evt.Type),
		Delta:     evt.Delta,
		Remaining: evt.Remaining,
		Status:    string(evt.Status),
		Reason:    evt.Reason,
		PostedAt:  evt.PostedAt.UTC(),
	}
}

func mapPricePosted(evt pricing.PricePostedEvent) pricePostedPayload {
	return pricePostedPayload{
		IntervalID:    evt.IntervalID,
		ProductID:     evt.ProductID,
		EffectiveFrom: evt.EffectiveFrom.Format(time.DateOnly),
		SalePrice:     evt.SalePrice,
		MRP:           evt.MRP,
		BasePrice:     evt.BasePrice,
		PostedBy:      evt.PostedBy,
	}
}
