package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PricePostedEvent is emitted after a new interval has been committed.
type PricePostedEvent struct {
	IntervalID    int64
	ProductID     int64
	EffectiveFrom time.Time
	SalePrice     decimal.Decimal
	MRP           decimal.Decimal
	BasePrice     decimal.Decimal
	PostedBy      int64
}

// IntegrationHandler receives committed pricing events.
type IntegrationHandler interface {
	HandlePricePosted(ctx context.Context, evt PricePostedEvent) error
}
