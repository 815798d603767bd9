package purchasing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/sequence"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListItems(ctx context.Context, invoiceID int64) ([]Item, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SequencePort allocates goods receipt numbers.
type SequencePort interface {
	Allocate(ctx context.Context, namespace string) (sequence.Allocation, error)
}

// InventoryPort receives and returns stock for invoice items.
type InventoryPort interface {
	ReceiveBatch(ctx context.Context, input inventory.ReceiveInput) (inventory.Batch, error)
	FindBatch(ctx context.Context, productID int64, batchNumber string, expiry time.Time) (inventory.Batch, error)
	AdjustQuantity(ctx context.Context, input inventory.AdjustInput) (inventory.Batch, error)
}

// PricingPort posts prices derived from invoice items.
type PricingPort interface {
	Revise(ctx context.Context, productID int64, input pricing.PriceInput, asOf time.Time) (pricing.PriceInterval, bool, error)
}

// Dependencies are the modules an invoice drives on completion.
type Dependencies struct {
	Sequence  SequencePort
	Inventory InventoryPort
	Pricing   PricingPort
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// Service orchestrates the purchase invoice lifecycle.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	deps        Dependencies
	integration IntegrationHandler
	clock       func() time.Time
	logger      *slog.Logger
	validate    *validator.Validate
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, deps Dependencies, cfg ServiceConfig, integration IntegrationHandler) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		deps:        deps,
		integration: integration,
		clock:       clock,
		logger:      logger,
		validate:    validator.New(),
	}
}

// CreateInvoice opens an invoice and numbers its goods receipt in the same
// transaction, so a failed insert also releases the number.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (InvoiceDetail, error) {
	now := s.clock()
	today := shared.DateOf(now)
	input.InvoiceNo = strings.TrimSpace(input.InvoiceNo)
	input.VendorGSTIN = strings.ToUpper(strings.TrimSpace(input.VendorGSTIN))
	switch {
	case input.VendorID <= 0:
		return InvoiceDetail{}, shared.Validation("vendor_id", "required")
	case input.InvoiceNo == "":
		return InvoiceDetail{}, shared.Validation("invoice_no", "required")
	case input.InvoiceDate.IsZero():
		return InvoiceDetail{}, shared.Validation("invoice_date", "required")
	case shared.DateOf(input.InvoiceDate).After(today):
		return InvoiceDetail{}, shared.Validation("invoice_date", "must not be in the future")
	}
	if input.VendorGSTIN != "" {
		if err := s.validate.Var(input.VendorGSTIN, "len=15,alphanum"); err != nil {
			return InvoiceDetail{}, shared.Validation("vendor_gstin", "must be 15 alphanumeric characters")
		}
	}
	items := make([]Item, 0, len(input.Items))
	for i, in := range input.Items {
		if in.ActorID == 0 {
			in.ActorID = input.ActorID
		}
		item, err := buildItem(in, input.InterState, today)
		if err != nil {
			return InvoiceDetail{}, fmt.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	total, cgst, sgst, igst := sumTotals(items)

	var detail InvoiceDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := s.deps.Sequence.Allocate(ctx, sequence.CounterGoodsReceipt)
		if err != nil {
			return fmt.Errorf("allocate goods receipt number: %w", err)
		}
		inv, err := tx.InsertInvoice(ctx, Invoice{
			VendorID:        input.VendorID,
			VendorGSTIN:     input.VendorGSTIN,
			InvoiceNo:       input.InvoiceNo,
			InvoiceDate:     shared.DateOf(input.InvoiceDate),
			GRNo:            alloc.Format(GoodsReceiptPrefix),
			GRDate:          today,
			Status:          ProcessingNew,
			PaymentStatus:   PaymentUnpaid,
			TaxStatus:       TaxPending,
			LifecycleStatus: LifecycleOpen,
			Total:           total,
			PaidAmount:      decimal.Zero,
			CGSTAmount:      cgst,
			SGSTAmount:      sgst,
			IGSTAmount:      igst,
			InterState:      input.InterState,
			Comments:        input.Comments,
			CreatedBy:       input.ActorID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		detail = InvoiceDetail{Invoice: inv}
		for _, item := range items {
			item.InvoiceID = inv.ID
			saved, err := tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			detail.Items = append(detail.Items, saved)
		}
		return nil
	})
	if err != nil {
		return InvoiceDetail{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "purchasing:create",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(detail.ID, 10),
		Meta:     map[string]any{"invoice_no": detail.InvoiceNo, "gr_no": detail.GRNo, "items": len(detail.Items)},
	}, nil)
	return detail, nil
}

// AddItem validates and appends an item, returning a VERIFIED invoice to NEW.
func (s *Service) AddItem(ctx context.Context, invoiceID int64, input ItemInput) (Item, error) {
	var saved Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := lockOpenInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == ProcessingComplete {
			return &shared.TransitionError{Action: "add item", Reasons: []string{"invoice is already COMPLETE"}}
		}
		item, err := buildItem(input, inv.InterState, shared.DateOf(s.clock()))
		if err != nil {
			return err
		}
		item.InvoiceID = inv.ID
		if saved, err = tx.InsertItem(ctx, item); err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, inv.ID)
		if err != nil {
			return err
		}
		inv.Total, inv.CGSTAmount, inv.SGSTAmount, inv.IGSTAmount = sumTotals(items)
		if inv.Total.LessThan(inv.PaidAmount) {
			return shared.Validation("total", fmt.Sprintf("invoice total %s would fall below paid amount %s", inv.Total, inv.PaidAmount))
		}
		if !inv.PaidAmount.IsZero() {
			inv.PaymentStatus = DerivePaymentStatus(inv.Total, inv.PaidAmount)
		}
		inv.Status = ProcessingNew
		inv.UpdatedAt = s.clock()
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return Item{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "purchasing:add_item",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     map[string]any{"item_id": saved.ID, "item_type": string(saved.Type), "total": saved.Total.String()},
	}, nil)
	return saved, nil
}

// VerifyItems marks items verified; the invoice becomes VERIFIED once every
// item is.
func (s *Service) VerifyItems(ctx context.Context, invoiceID int64, itemIDs []int64, actorID int64) (Invoice, error) {
	if len(itemIDs) == 0 {
		return Invoice{}, shared.Validation("item_ids", "required")
	}
	now := s.clock()
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if inv, err = lockOpenInvoice(ctx, tx, invoiceID); err != nil {
			return err
		}
		if inv.Status == ProcessingComplete {
			return &shared.TransitionError{Action: "verify items", Reasons: []string{"invoice is already COMPLETE"}}
		}
		items, err := tx.ListItems(ctx, inv.ID)
		if err != nil {
			return err
		}
		byID := make(map[int64]int, len(items))
		for i, it := range items {
			byID[it.ID] = i
		}
		for _, id := range itemIDs {
			idx, ok := byID[id]
			if !ok {
				return fmt.Errorf("purchasing: item %d not on invoice %d: %w", id, inv.ID, shared.ErrNotFound)
			}
			if items[idx].Status == ItemVerified {
				continue
			}
			items[idx].Status = ItemVerified
			items[idx].VerifiedBy = actorID
			items[idx].VerifiedAt = &now
			if err := tx.UpdateItem(ctx, items[idx]); err != nil {
				return err
			}
		}
		if unverified(items) == 0 {
			inv.Status = ProcessingVerified
		}
		inv.UpdatedAt = now
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "purchasing:verify",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     map[string]any{"item_ids": itemIDs, "status": string(inv.Status)},
	}, nil)
	return inv, nil
}

// CompleteInvoice is the one-way gate that turns items into stock. Every
// batch receipt, price revision and return adjustment shares one transaction
// with the status change.
func (s *Service) CompleteInvoice(ctx context.Context, invoiceID int64, actorID int64) (InvoiceDetail, error) {
	now := s.clock()
	today := shared.DateOf(now)
	var detail InvoiceDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := lockOpenInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == ProcessingComplete {
			return ErrAlreadyComplete
		}
		items, err := tx.ListItems(ctx, inv.ID)
		if err != nil {
			return err
		}
		var reasons []string
		if len(items) == 0 {
			reasons = append(reasons, "invoice has no items")
		}
		if n := unverified(items); n > 0 {
			reasons = append(reasons, fmt.Sprintf("%d item(s) not verified", n))
		}
		if len(reasons) > 0 {
			return &shared.TransitionError{Action: "complete invoice", Reasons: reasons}
		}

		for i := range items {
			if err := s.receiveItem(ctx, inv, &items[i], today, actorID); err != nil {
				return fmt.Errorf("item %d (%s %s): %w", items[i].ID, items[i].Type, items[i].BatchNumber, err)
			}
			if err := tx.UpdateItem(ctx, items[i]); err != nil {
				return err
			}
		}

		inv.Total, inv.CGSTAmount, inv.SGSTAmount, inv.IGSTAmount = sumTotals(items)
		inv.PaymentStatus = DerivePaymentStatus(inv.Total, inv.PaidAmount)
		inv.Status = ProcessingComplete
		inv.CompletedAt = &now
		inv.CompletedBy = actorID
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		detail = InvoiceDetail{Invoice: inv, Items: items}
		return nil
	})
	if err != nil {
		return InvoiceDetail{}, err
	}

	lines := make([]ReceiptLineEvent, 0, len(detail.Items))
	for _, it := range detail.Items {
		lines = append(lines, ReceiptLineEvent{
			ProductID: it.ProductID,
			BatchID:   it.BatchID,
			Type:      it.Type,
			Quantity:  receivedQuantity(it),
			UnitCost:  it.UnitCost,
		})
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "purchasing:complete",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     map[string]any{"total": detail.Total.String(), "tax_credit": detail.TotalTaxCredit().String()},
	}, func(ctx context.Context, h IntegrationHandler) error {
		return h.HandleInvoiceCompleted(ctx, InvoiceCompletedEvent{
			ID:          detail.ID,
			InvoiceNo:   detail.InvoiceNo,
			GRNo:        detail.GRNo,
			VendorID:    detail.VendorID,
			Total:       detail.Total,
			TaxCredit:   detail.TotalTaxCredit(),
			CompletedAt: now,
			Lines:       lines,
		})
	})
	return detail, nil
}

func (s *Service) receiveItem(ctx context.Context, inv Invoice, item *Item, today time.Time, actorID int64) error {
	ref := strconv.FormatInt(inv.ID, 10)
	if item.Type == ItemReturn {
		batch, err := s.deps.Inventory.FindBatch(ctx, item.ProductID, item.BatchNumber, item.ExpiryDate)
		if err != nil {
			return err
		}
		if _, err := s.deps.Inventory.AdjustQuantity(ctx, inventory.AdjustInput{
			BatchID: batch.ID,
			Delta:   -item.Quantity,
			Type:    inventory.MovementReturned,
			Reason:  item.ReturnReason,
			RefType: "PURCHASE_RETURN",
			RefID:   ref,
			ActorID: actorID,
		}); err != nil {
			return err
		}
		item.BatchID = batch.ID
		return nil
	}

	batch, err := s.deps.Inventory.ReceiveBatch(ctx, inventory.ReceiveInput{
		ProductID:         item.ProductID,
		BatchNumber:       item.BatchNumber,
		ExpiryDate:        item.ExpiryDate,
		ManufacturedDate:  item.ManufacturedDate,
		Quantity:          receivedQuantity(*item),
		PTRCost:           item.UnitCost,
		VendorID:          inv.VendorID,
		PurchaseInvoiceID: inv.ID,
		RefType:           "PURCHASE_INVOICE",
		RefID:             ref,
		ActorID:           actorID,
	})
	if err != nil {
		return err
	}
	item.BatchID = batch.ID
	_, _, err = s.deps.Pricing.Revise(ctx, item.ProductID, pricing.PriceInput{
		SalePrice:    item.SalePrice,
		MRP:          item.MRP,
		BasePrice:    item.UnitCost,
		TaxPct:       item.TaxPct,
		TaxInclusive: true,
		Method:       pricing.MethodManual,
		Reason:       "purchase invoice " + inv.InvoiceNo,
		ActorID:      actorID,
	}, today)
	return err
}

// RecordPayment inserts a payment and moves the payment axis in the same
// transaction. A payment that would exceed the total is rejected before insert.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (Payment, Invoice, error) {
	now := s.clock()
	input.Mode = strings.ToUpper(strings.TrimSpace(input.Mode))
	switch {
	case input.InvoiceID <= 0:
		return Payment{}, Invoice{}, shared.Validation("invoice_id", "required")
	case !input.Amount.IsPositive():
		return Payment{}, Invoice{}, shared.Validation("amount", "must be positive")
	case input.Mode == "":
		return Payment{}, Invoice{}, shared.Validation("mode", "required")
	}
	if input.PaidOn.IsZero() {
		input.PaidOn = now
	}
	if shared.DateOf(input.PaidOn).After(shared.DateOf(now)) {
		return Payment{}, Invoice{}, shared.Validation("paid_on", "must not be in the future")
	}

	var (
		payment Payment
		inv     Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if inv, err = lockOpenInvoice(ctx, tx, input.InvoiceID); err != nil {
			return err
		}
		paid := inv.PaidAmount.Add(input.Amount)
		if paid.GreaterThan(inv.Total) {
			return fmt.Errorf("%w: outstanding %s, payment %s", ErrOverpayment, inv.Outstanding(), input.Amount)
		}
		payment, err = tx.InsertPayment(ctx, Payment{
			InvoiceID: inv.ID,
			VendorID:  inv.VendorID,
			Amount:    input.Amount,
			PaidOn:    shared.DateOf(input.PaidOn),
			Mode:      input.Mode,
			TransRef:  strings.TrimSpace(input.TransRef),
			CreatedBy: input.ActorID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		inv.PaidAmount = paid
		inv.PaymentStatus = DerivePaymentStatus(inv.Total, paid)
		inv.UpdatedAt = now
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return Payment{}, Invoice{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "purchasing:payment",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(inv.ID, 10),
		Meta:     map[string]any{"payment_id": payment.ID, "amount": payment.Amount.String(), "payment_status": string(inv.PaymentStatus)},
	}, func(ctx context.Context, h IntegrationHandler) error {
		return h.HandlePaymentRecorded(ctx, PaymentRecordedEvent{
			ID:            payment.ID,
			InvoiceID:     inv.ID,
			VendorID:      inv.VendorID,
			Amount:        payment.Amount,
			PaymentStatus: inv.PaymentStatus,
			PaidOn:        payment.PaidOn,
		})
	})
	return payment, inv, nil
}

// ReconcilePayment marks a payment as matched with the bank. Reconciled
// payments never change again.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID int64, actorID int64) (Payment, error) {
	now := s.clock()
	var payment Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if payment, err = tx.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		if payment.Reconciled {
			return ErrPaymentReconciled
		}
		payment.Reconciled = true
		payment.ReconciledAt = &now
		payment.ReconciledBy = actorID
		return tx.MarkPaymentReconciled(ctx, payment.ID, now, actorID)
	})
	if err != nil {
		return Payment{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "purchasing:reconcile_payment",
		Entity:   "vendor_payment",
		EntityID: strconv.FormatInt(paymentID, 10),
	}, nil)
	return payment, nil
}

// MarkGSTR2BVerified flags invoices as matched in the vendor's GSTR-2B return
// and makes them ITC eligible. All invoices move or none do.
func (s *Service) MarkGSTR2BVerified(ctx context.Context, invoiceIDs []int64, actorID int64) (ITCResult, error) {
	if len(invoiceIDs) == 0 {
		return ITCResult{}, shared.Validation("invoice_ids", "required")
	}
	ids := slices.Clone(invoiceIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	now := s.clock()
	var moved []Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		moved = moved[:0]
		var reasons []string
		for _, id := range ids {
			inv, err := tx.LockInvoice(ctx, id)
			if err != nil {
				return err
			}
			if inv.VendorGSTIN == "" {
				reasons = append(reasons, fmt.Sprintf("invoice %s has no vendor GSTIN", inv.InvoiceNo))
			}
			if inv.TaxStatus != TaxPending {
				reasons = append(reasons, fmt.Sprintf("invoice %s tax status is %s", inv.InvoiceNo, inv.TaxStatus))
			}
			moved = append(moved, inv)
		}
		if len(reasons) > 0 {
			return &shared.TransitionError{Action: "mark GSTR-2B verified", Reasons: reasons}
		}
		for i := range moved {
			moved[i].GSTR2BVerified = true
			moved[i].TaxStatus = TaxITCEligible
			moved[i].UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, moved[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ITCResult{}, err
	}
	return s.taxMoved(ctx, moved, TaxPending, actorID, "purchasing:gstr2b_verified", now), nil
}

// UpdateTaxStatus moves a single invoice along the tax axis.
func (s *Service) UpdateTaxStatus(ctx context.Context, invoiceID int64, update TaxUpdate) (Invoice, error) {
	now := s.clock()
	update.Note = strings.TrimSpace(update.Note)
	var (
		inv  Invoice
		from TaxStatus
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if inv, err = tx.LockInvoice(ctx, invoiceID); err != nil {
			return err
		}
		from = inv.TaxStatus
		action := fmt.Sprintf("move tax status to %s", update.Status)
		if !from.CanMoveTo(update.Status) {
			return &shared.TransitionError{Action: action, Reasons: []string{fmt.Sprintf("tax status is %s", from)}}
		}
		var reasons []string
		switch update.Status {
		case TaxITCEligible:
			if inv.VendorGSTIN == "" {
				reasons = append(reasons, "vendor GSTIN missing")
			}
			if !inv.GSTR2BVerified && !update.GSTR2BVerified {
				reasons = append(reasons, "GSTR-2B not verified")
			}
			inv.GSTR2BVerified = true
		case TaxITCClaimed:
			if !inv.GSTR2BVerified {
				reasons = append(reasons, "GSTR-2B not verified")
			}
		case TaxITCIneligible, TaxITCReversed:
			if update.Note == "" {
				reasons = append(reasons, "a reason is required")
			}
		}
		if len(reasons) > 0 {
			return &shared.TransitionError{Action: action, Reasons: reasons}
		}
		inv.TaxStatus = update.Status
		if update.Note != "" {
			inv.TaxNote = update.Note
		}
		inv.UpdatedAt = now
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.taxMoved(ctx, []Invoice{inv}, from, update.ActorID, "purchasing:tax_status", now)
	return inv, nil
}

// BulkClaimITC claims credit for every eligible, GSTR-2B verified invoice dated
// within [from, to].
func (s *Service) BulkClaimITC(ctx context.Context, from, to time.Time, actorID int64) (ITCResult, error) {
	from, to = shared.DateOf(from), shared.DateOf(to)
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return ITCResult{}, shared.Validation("period", "from must not be after to")
	}
	now := s.clock()
	var claimed []Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if claimed, err = tx.LockClaimable(ctx, from, to); err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].TaxStatus = TaxITCClaimed
			claimed[i].UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, claimed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ITCResult{}, err
	}
	return s.taxMoved(ctx, claimed, TaxITCEligible, actorID, "purchasing:itc_claim", now), nil
}

// ReverseOverdueITC reverses claimed credit on invoices still not fully paid
// ITCReversalDays after their invoice date.
func (s *Service) ReverseOverdueITC(ctx context.Context, asOf time.Time) (ITCResult, error) {
	now := s.clock()
	if asOf.IsZero() {
		asOf = now
	}
	cutoff := shared.DateOf(asOf).AddDate(0, 0, -ITCReversalDays)
	var reversed []Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if reversed, err = tx.LockOverdueClaims(ctx, cutoff); err != nil {
			return err
		}
		for i := range reversed {
			reversed[i].TaxStatus = TaxITCReversed
			reversed[i].TaxNote = fmt.Sprintf("payment %s after %d days", reversed[i].PaymentStatus, ITCReversalDays)
			reversed[i].UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, reversed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ITCResult{}, err
	}
	return s.taxMoved(ctx, reversed, TaxITCClaimed, 0, "purchasing:itc_reversal", now), nil
}

// CanClose lists the preconditions closing the invoice still lacks.
func (s *Service) CanClose(ctx context.Context, invoiceID int64) (ClosureCheck, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return ClosureCheck{}, err
	}
	items, err := s.repo.ListItems(ctx, invoiceID)
	if err != nil {
		return ClosureCheck{}, err
	}
	reasons := closureReasons(inv, items)
	return ClosureCheck{CanClose: len(reasons) == 0, Reasons: reasons}, nil
}

// CloseInvoice closes the invoice for good, or reports every unmet precondition.
func (s *Service) CloseInvoice(ctx context.Context, invoiceID int64, notes string, actorID int64) (Invoice, error) {
	now := s.clock()
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if inv, err = tx.LockInvoice(ctx, invoiceID); err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, inv.ID)
		if err != nil {
			return err
		}
		if reasons := closureReasons(inv, items); len(reasons) > 0 {
			return &shared.TransitionError{Action: "close invoice", Reasons: reasons}
		}
		inv.LifecycleStatus = LifecycleClosed
		inv.ClosedAt = &now
		inv.ClosedBy = actorID
		inv.ClosureNotes = strings.TrimSpace(notes)
		inv.UpdatedAt = now
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.after(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "purchasing:close",
		Entity:   "purchase_invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     map[string]any{"notes": inv.ClosureNotes},
	}, func(ctx context.Context, h IntegrationHandler) error {
		return h.HandleInvoiceStatusChanged(ctx, InvoiceStatusChangedEvent{
			InvoiceID: invoiceID,
			Axis:      "lifecycle",
			From:      string(LifecycleOpen),
			To:        string(LifecycleClosed),
			ChangedAt: now,
		})
	})
	return inv, nil
}

// Get loads an invoice with its items and payments.
func (s *Service) Get(ctx context.Context, invoiceID int64) (InvoiceDetail, error) {
	var detail InvoiceDetail
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inv, err := s.repo.GetInvoice(gctx, invoiceID)
		detail.Invoice = inv
		return err
	})
	g.Go(func() error {
		items, err := s.repo.ListItems(gctx, invoiceID)
		detail.Items = items
		return err
	})
	g.Go(func() error {
		payments, err := s.repo.ListPayments(gctx, invoiceID)
		detail.Payments = payments
		return err
	})
	if err := g.Wait(); err != nil {
		return InvoiceDetail{}, err
	}
	return detail, nil
}

// Summary reports counts and balances across the four status axes.
func (s *Service) Summary(ctx context.Context, invoiceID int64) (Summary, error) {
	detail, err := s.Get(ctx, invoiceID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Invoice:      detail.Invoice,
		ItemCounts:   map[ItemType]int{ItemRegular: 0, ItemReturn: 0, ItemSupplied: 0},
		ItemsTotal:   len(detail.Items),
		PaymentCount: len(detail.Payments),
		Outstanding:  detail.Outstanding(),
		TaxCredit:    detail.TotalTaxCredit(),
	}
	for _, it := range detail.Items {
		sum.ItemCounts[it.Type]++
		if it.Status == ItemVerified {
			sum.ItemsVerified++
		}
	}
	for _, p := range detail.Payments {
		if p.Reconciled {
			sum.Reconciled++
		}
	}
	reasons := closureReasons(detail.Invoice, detail.Items)
	sum.Closure = ClosureCheck{CanClose: len(reasons) == 0, Reasons: reasons}
	return sum, nil
}

func closureReasons(inv Invoice, items []Item) []string {
	var reasons []string
	if inv.LifecycleStatus == LifecycleClosed {
		return []string{"invoice is already CLOSED"}
	}
	if inv.Status != ProcessingComplete {
		reasons = append(reasons, fmt.Sprintf("processing status is %s, must be COMPLETE", inv.Status))
	}
	if inv.PaymentStatus != PaymentPaid {
		reasons = append(reasons, fmt.Sprintf("payment status is %s, must be PAID", inv.PaymentStatus))
	}
	if n := unverified(items); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d item(s) not verified", n))
	}
	return reasons
}

func lockOpenInvoice(ctx context.Context, tx TxRepository, id int64) (Invoice, error) {
	inv, err := tx.LockInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.LifecycleStatus == LifecycleClosed {
		return Invoice{}, ErrInvoiceClosed
	}
	return inv, nil
}

func unverified(items []Item) int {
	n := 0
	for _, it := range items {
		if it.Status != ItemVerified {
			n++
		}
	}
	return n
}

func receivedQuantity(it Item) int64 {
	if it.Type == ItemReturn {
		return -it.Quantity
	}
	return it.Quantity + it.FreeQuantity
}

func (s *Service) taxMoved(ctx context.Context, invoices []Invoice, from TaxStatus, actorID int64, action string, at time.Time) ITCResult {
	result := ITCResult{TaxCredit: decimal.Zero}
	for _, inv := range invoices {
		result.InvoiceIDs = append(result.InvoiceIDs, inv.ID)
		result.TaxCredit = result.TaxCredit.Add(inv.TotalTaxCredit())
		s.after(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "purchase_invoice",
			EntityID: strconv.FormatInt(inv.ID, 10),
			Meta:     map[string]any{"from": string(from), "to": string(inv.TaxStatus)},
		}, func(ctx context.Context, h IntegrationHandler) error {
			return h.HandleInvoiceStatusChanged(ctx, InvoiceStatusChangedEvent{
				InvoiceID: inv.ID,
				Axis:      "tax",
				From:      string(from),
				To:        string(inv.TaxStatus),
				ChangedAt: at,
			})
		})
	}
	return result
}

// after records the audit entry and publishes the event once the enclosing
// transaction, if any, commits.
func (s *Service) after(ctx context.Context, log shared.AuditLog, emit func(context.Context, IntegrationHandler) error) {
	if log.At.IsZero() {
		log.At = s.clock()
	}
	shared.AfterCommit(ctx, func(ctx context.Context) {
		if s.audit != nil {
			if err := s.audit.Record(ctx, log); err != nil {
				s.logger.Warn("audit purchasing", slog.String("action", log.Action), slog.Any("error", err))
			}
		}
		if s.integration != nil && emit != nil {
			if err := emit(ctx, s.integration); err != nil {
				s.logger.Warn("publish purchasing event", slog.String("action", log.Action), slog.Any("error", err))
			}
		}
	})
}
