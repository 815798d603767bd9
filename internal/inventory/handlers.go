package inventory

import "context"

// IntegrationHandler receives committed inventory events for downstream consumers.
type IntegrationHandler interface {
	HandleBatchReceived(ctx context.Context, evt BatchReceivedEvent) error
	HandleStockAllocated(ctx context.Context, evt StockAllocatedEvent) error
	HandleBatchAdjusted(ctx context.Context, evt BatchAdjustedEvent) error
}
