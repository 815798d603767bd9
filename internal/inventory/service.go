package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (Batch, error)
	FindBatch(ctx context.Context, productID int64, batchNumber string, expiry time.Time) (Batch, error)
	Movements(ctx context.Context, batchID int64) ([]Movement, error)
	NearExpiry(ctx context.Context, from, until time.Time) ([]NearExpiryBatch, error)
	AvailableStock(ctx context.Context, productID int64, today time.Time) (int64, error)
	Reconcile(ctx context.Context, batchID int64) (Reconciliation, error)
	Unbalanced(ctx context.Context) ([]Reconciliation, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards sale references against double allocation.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// CachePort caches expiry reports.
type CachePort interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Service coordinates batch inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       CachePort
	integration IntegrationHandler
	clock       func() time.Time
	logger      *slog.Logger
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cache CachePort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, cache: cache, integration: integration, clock: clock, logger: logger}
}

// ReceiveBatch creates an ACTIVE batch and logs its RECEIVED movement.
func (s *Service) ReceiveBatch(ctx context.Context, input ReceiveInput) (Batch, error) {
	now := s.clock()
	today := shared.DateOf(now)
	input.BatchNumber = strings.TrimSpace(input.BatchNumber)
	switch {
	case input.ProductID <= 0:
		return Batch{}, shared.Validation("product_id", "required")
	case input.BatchNumber == "":
		return Batch{}, shared.Validation("batch_number", "required")
	case input.Quantity <= 0:
		return Batch{}, shared.Validation("quantity", "must be positive")
	case input.PTRCost.IsNegative():
		return Batch{}, shared.Validation("ptr_cost", "must not be negative")
	case input.ExpiryDate.IsZero():
		return Batch{}, shared.Validation("expiry_date", "required")
	}
	expiry := shared.DateOf(input.ExpiryDate)
	if !expiry.After(today) {
		return Batch{}, shared.Validation("expiry_date", "batch is already expired")
	}
	var mfg time.Time
	if !input.ManufacturedDate.IsZero() {
		mfg = shared.DateOf(input.ManufacturedDate)
		if !mfg.Before(expiry) {
			return Batch{}, shared.Validation("manufactured_date", "must precede expiry date")
		}
	}

	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		batch, err = tx.InsertBatch(ctx, Batch{
			ProductID:         input.ProductID,
			BatchNumber:       input.BatchNumber,
			ExpiryDate:        expiry,
			ManufacturedDate:  mfg,
			ReceivedDate:      today,
			QuantityReceived:  input.Quantity,
			QuantityRemaining: input.Quantity,
			PTRCost:           input.PTRCost,
			Status:            BatchActive,
			VendorID:          input.VendorID,
			PurchaseInvoiceID: input.PurchaseInvoiceID,
			CreatedBy:         input.ActorID,
			UpdatedAt:         now,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertMovement(ctx, Movement{
			BatchID:     batch.ID,
			Type:        MovementReceived,
			Quantity:    input.Quantity,
			RefType:     input.RefType,
			RefID:       input.RefID,
			Reason:      "batch received",
			PerformedBy: input.ActorID,
			PerformedAt: now,
		})
		return err
	})
	if err != nil {
		return Batch{}, err
	}

	shared.AfterCommit(ctx, func(ctx context.Context) {
		s.afterMutation(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory:receive",
			Entity:   "product_batch",
			EntityID: strconv.FormatInt(batch.ID, 10),
			Meta: map[string]any{
				"product_id":   batch.ProductID,
				"batch_number": batch.BatchNumber,
				"expiry_date":  batch.ExpiryDate.Format(time.DateOnly),
				"quantity":     batch.QuantityReceived,
			},
		}, func(ctx context.Context, h IntegrationHandler) error {
			return h.HandleBatchReceived(ctx, BatchReceivedEvent{
				BatchID:           batch.ID,
				ProductID:         batch.ProductID,
				BatchNumber:       batch.BatchNumber,
				ExpiryDate:        batch.ExpiryDate,
				Quantity:          batch.QuantityReceived,
				UnitCost:          batch.PTRCost,
				PurchaseInvoiceID: batch.PurchaseInvoiceID,
				ReceivedAt:        now,
			})
		})
	})
	return batch, nil
}

// AllocateForSale serves quantity from the product's ACTIVE unexpired batches
// in first-expiry-first-out order. Either the whole quantity is allocated or
// nothing changes.
func (s *Service) AllocateForSale(ctx context.Context, input SaleInput) ([]Allocation, error) {
	if input.ProductID <= 0 {
		return nil, shared.Validation("product_id", "required")
	}
	if input.Quantity <= 0 {
		return nil, shared.Validation("quantity", "must be positive")
	}
	now := s.clock()
	today := shared.DateOf(now)

	var allocations []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if s.idempotency != nil && input.RefID != "" {
			key := fmt.Sprintf("sale:%s:%s:%d", input.RefType, input.RefID, input.ProductID)
			if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return ErrDuplicateSale
				}
				return err
			}
		}
		batches, err := tx.LockSellableBatches(ctx, input.ProductID, today)
		if err != nil {
			return err
		}
		var available int64
		for _, b := range batches {
			available += b.QuantityRemaining
		}
		if available < input.Quantity {
			return &shared.InsufficientStockError{ProductID: input.ProductID, Requested: input.Quantity, Available: available}
		}

		allocations = allocations[:0]
		need := input.Quantity
		for _, b := range batches {
			if need == 0 {
				break
			}
			take := min(need, b.QuantityRemaining)
			remaining := b.QuantityRemaining - take
			status := b.Status
			if remaining == 0 {
				status = BatchDepleted
			}
			if err := tx.UpdateBatch(ctx, b.ID, remaining, status, now); err != nil {
				return err
			}
			if _, err := tx.InsertMovement(ctx, Movement{
				BatchID:     b.ID,
				Type:        MovementSold,
				Quantity:    -take,
				RefType:     input.RefType,
				RefID:       input.RefID,
				Reason:      "sale allocation",
				PerformedBy: input.ActorID,
				PerformedAt: now,
			}); err != nil {
				return err
			}
			allocations = append(allocations, Allocation{
				BatchID:     b.ID,
				BatchNumber: b.BatchNumber,
				ExpiryDate:  b.ExpiryDate,
				Quantity:    take,
				UnitCost:    b.PTRCost,
			})
			need -= take
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := append([]Allocation(nil), allocations...)
	shared.AfterCommit(ctx, func(ctx context.Context) {
		s.afterMutation(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory:allocate",
			Entity:   "product",
			EntityID: strconv.FormatInt(input.ProductID, 10),
			Meta: map[string]any{
				"quantity": input.Quantity,
				"ref_type": input.RefType,
				"ref_id":   input.RefID,
				"batches":  len(out),
			},
		}, func(ctx context.Context, h IntegrationHandler) error {
			return h.HandleStockAllocated(ctx, StockAllocatedEvent{
				ProductID:   input.ProductID,
				RefType:     input.RefType,
				RefID:       input.RefID,
				Quantity:    input.Quantity,
				Allocations: out,
				AllocatedAt: now,
			})
		})
	})
	return out, nil
}

// AdjustQuantity applies a signed correction to one batch. ADJUSTED and
// RETURNED accept either sign; EXPIRED and RECALLED accept zero or a
// write-off and move the batch to the matching terminal status.
func (s *Service) AdjustQuantity(ctx context.Context, input AdjustInput) (Batch, error) {
	if input.BatchID <= 0 {
		return Batch{}, shared.Validation("batch_id", "required")
	}
	switch input.Type {
	case MovementAdjusted, MovementReturned:
		if input.Delta == 0 {
			return Batch{}, shared.Validation("delta", "must be non zero")
		}
	case MovementExpired, MovementRecalled:
		if input.Delta > 0 {
			return Batch{}, shared.Validation("delta", fmt.Sprintf("%s cannot add stock", input.Type))
		}
	default:
		return Batch{}, fmt.Errorf("%w %q: %w", ErrInvalidMovement, input.Type, shared.Validation("type", "must be ADJUSTED, RETURNED, EXPIRED or RECALLED"))
	}
	if strings.TrimSpace(input.Reason) == "" {
		return Batch{}, shared.Validation("reason", "required")
	}
	now := s.clock()

	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		batch, err = s.applyAdjustment(ctx, tx, input, now)
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	shared.AfterCommit(ctx, func(ctx context.Context) {
		s.afterAdjustment(ctx, batch, input, now)
	})
	return batch, nil
}

func (s *Service) applyAdjustment(ctx context.Context, tx TxRepository, input AdjustInput, now time.Time) (Batch, error) {
	batch, err := tx.LockBatch(ctx, input.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if batch.Status.Terminal() && input.Delta > 0 {
		return Batch{}, shared.Validation("delta", fmt.Sprintf("batch %s is %s", batch.BatchNumber, batch.Status))
	}
	remaining := batch.QuantityRemaining + input.Delta
	if remaining < 0 {
		return Batch{}, shared.Validation("delta", fmt.Sprintf("would leave %d units in batch %s", remaining, batch.BatchNumber))
	}
	if remaining > batch.QuantityReceived {
		return Batch{}, shared.Validation("delta", fmt.Sprintf("would exceed the %d units received in batch %s", batch.QuantityReceived, batch.BatchNumber))
	}

	status := batch.Status
	switch input.Type {
	case MovementExpired:
		status = BatchExpired
	case MovementRecalled:
		status = BatchRecalled
	default:
		if status == BatchActive && remaining == 0 {
			status = BatchDepleted
		}
		if status == BatchDepleted && remaining > 0 {
			status = BatchActive
		}
	}
	if err := tx.UpdateBatch(ctx, batch.ID, remaining, status, now); err != nil {
		return Batch{}, err
	}
	if _, err := tx.InsertMovement(ctx, Movement{
		BatchID:     batch.ID,
		Type:        input.Type,
		Quantity:    input.Delta,
		RefType:     input.RefType,
		RefID:       input.RefID,
		Reason:      input.Reason,
		PerformedBy: input.ActorID,
		PerformedAt: now,
	}); err != nil {
		return Batch{}, err
	}
	batch.QuantityRemaining = remaining
	batch.Status = status
	batch.UpdatedAt = now
	return batch, nil
}

func (s *Service) afterAdjustment(ctx context.Context, batch Batch, input AdjustInput, now time.Time) {
	s.afterMutation(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:" + strings.ToLower(string(input.Type)),
		Entity:   "product_batch",
		EntityID: strconv.FormatInt(batch.ID, 10),
		Meta: map[string]any{
			"delta":     input.Delta,
			"remaining": batch.QuantityRemaining,
			"status":    string(batch.Status),
			"reason":    input.Reason,
		},
	}, func(ctx context.Context, h IntegrationHandler) error {
		return h.HandleBatchAdjusted(ctx, BatchAdjustedEvent{
			BatchID:   batch.ID,
			ProductID: batch.ProductID,
			Type:      input.Type,
			Delta:     input.Delta,
			Remaining: batch.QuantityRemaining,
			Status:    batch.Status,
			Reason:    input.Reason,
			PostedAt:  now,
		})
	})
}

// SweepExpired moves ACTIVE batches whose expiry date has been reached to
// EXPIRED, logging an EXPIRED movement for each. Stock on hand is kept so it
// can still be returned to the vendor or written off.
func (s *Service) SweepExpired(ctx context.Context, asOf time.Time) (SweepResult, error) {
	now := s.clock()
	if asOf.IsZero() {
		asOf = now
	}
	asOf = shared.DateOf(asOf)
	result := SweepResult{AsOf: asOf}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result.Expired = nil
		result.QuantityOnHand = 0
		batches, err := tx.LockExpiring(ctx, asOf)
		if err != nil {
			return err
		}
		for _, b := range batches {
			input := AdjustInput{
				BatchID: b.ID,
				Type:    MovementExpired,
				Reason:  fmt.Sprintf("expired on %s with %d units on hand", b.ExpiryDate.Format(time.DateOnly), b.QuantityRemaining),
				RefType: "EXPIRY_SWEEP",
				RefID:   asOf.Format(time.DateOnly),
			}
			updated, err := s.applyAdjustment(ctx, tx, input, now)
			if err != nil {
				return err
			}
			result.Expired = append(result.Expired, updated)
			result.QuantityOnHand += updated.QuantityRemaining
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	for _, b := range result.Expired {
		batch := b
		shared.AfterCommit(ctx, func(ctx context.Context) {
			s.afterAdjustment(ctx, batch, AdjustInput{BatchID: batch.ID, Type: MovementExpired, Reason: "expiry sweep"}, now)
		})
	}
	return result, nil
}

// NearExpiry lists ACTIVE batches with stock expiring within thresholdDays.
func (s *Service) NearExpiry(ctx context.Context, thresholdDays int) ([]NearExpiryBatch, error) {
	if thresholdDays <= 0 || thresholdDays > 3650 {
		return nil, shared.Validation("threshold_days", "must be between 1 and 3650")
	}
	today := shared.DateOf(s.clock())
	load := func(ctx context.Context) (any, error) {
		rows, err := s.repo.NearExpiry(ctx, today, today.AddDate(0, 0, thresholdDays))
		if err != nil {
			return nil, err
		}
		for i := range rows {
			rows[i].DaysToExpiry = shared.DaysBetween(today, rows[i].ExpiryDate)
		}
		return rows, nil
	}
	var out []NearExpiryBatch
	if s.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]NearExpiryBatch), nil
	}
	key, err := s.cache.BuildKey(ctx, "inventory", "near_expiry", today.Format(time.DateOnly), strconv.Itoa(thresholdDays))
	if err != nil {
		return nil, err
	}
	if err := s.cache.FetchJSON(ctx, key, &out, load); err != nil {
		return nil, err
	}
	return out, nil
}

// NearExpirySummary buckets the widest threshold into 30/60/90 day tiers.
// Each batch appears once, in its tightest tier, so totals are not double counted.
func (s *Service) NearExpirySummary(ctx context.Context) (ExpirySummary, error) {
	widest := ExpiryThresholds[len(ExpiryThresholds)-1]
	rows, err := s.NearExpiry(ctx, widest)
	if err != nil {
		return ExpirySummary{}, err
	}
	summary := ExpirySummary{AsOf: shared.DateOf(s.clock()), TotalValue: decimal.Zero}
	summary.Tiers = make([]ExpiryTier, len(ExpiryThresholds))
	for i, days := range ExpiryThresholds {
		summary.Tiers[i] = ExpiryTier{Days: days, Value: decimal.Zero}
	}
	for _, row := range rows {
		for i, days := range ExpiryThresholds {
			if row.DaysToExpiry <= days {
				tier := &summary.Tiers[i]
				tier.Batches = append(tier.Batches, row)
				tier.Quantity += row.QuantityAtRisk
				tier.Value = tier.Value.Add(row.ValueAtRisk)
				break
			}
		}
		summary.TotalBatches++
		summary.TotalQuantity += row.QuantityAtRisk
		summary.TotalValue = summary.TotalValue.Add(row.ValueAtRisk)
	}
	return summary, nil
}

// GetBatch returns a batch by id.
func (s *Service) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// FindBatch looks up a batch by its natural key.
func (s *Service) FindBatch(ctx context.Context, productID int64, batchNumber string, expiry time.Time) (Batch, error) {
	return s.repo.FindBatch(ctx, productID, strings.TrimSpace(batchNumber), shared.DateOf(expiry))
}

// Movements returns the movement log of a batch, oldest first.
func (s *Service) Movements(ctx context.Context, batchID int64) ([]Movement, error) {
	if _, err := s.repo.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.repo.Movements(ctx, batchID)
}

// AvailableStock sums sellable quantity of a product.
func (s *Service) AvailableStock(ctx context.Context, productID int64) (int64, error) {
	return s.repo.AvailableStock(ctx, productID, shared.DateOf(s.clock()))
}

// Reconcile compares a batch with its movement log.
func (s *Service) Reconcile(ctx context.Context, batchID int64) (Reconciliation, error) {
	return s.repo.Reconcile(ctx, batchID)
}

// ReconcileAll lists every batch whose movement log does not explain its quantity.
func (s *Service) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	return s.repo.Unbalanced(ctx)
}

func (s *Service) afterMutation(ctx context.Context, log shared.AuditLog, emit func(context.Context, IntegrationHandler) error) {
	if log.At.IsZero() {
		log.At = s.clock()
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump inventory cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Warn("audit inventory", slog.String("action", log.Action), slog.Any("error", err))
		}
	}
	if s.integration != nil && emit != nil {
		if err := emit(ctx, s.integration); err != nil {
			s.logger.Warn("publish inventory event", slog.String("action", log.Action), slog.Any("error", err))
		}
	}
}
