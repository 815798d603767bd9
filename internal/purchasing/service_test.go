package purchasing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/sequence"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

type memTxKey struct{}

type memoryState struct {
	invoices map[int64]Invoice
	items    map[int64]Item
	payments map[int64]Payment
	nextID   int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		invoices: make(map[int64]Invoice, len(s.invoices)),
		items:    make(map[int64]Item, len(s.items)),
		payments: make(map[int64]Payment, len(s.payments)),
		nextID:   s.nextID,
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	return out
}

type memoryRepo struct {
	mu    sync.Mutex
	state memoryState
}

type memoryTx struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		invoices: map[int64]Invoice{},
		items:    map[int64]Item{},
		payments: map[int64]Payment{},
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memoryTx); ok {
		return fn(ctx, tx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	staged := r.state.clone()
	tx := &memoryTx{state: &staged}
	txCtx, hooks := shared.ContextWithCommitHooks(context.WithValue(ctx, memTxKey{}, tx))
	if err := fn(txCtx, tx); err != nil {
		return err
	}
	r.state = staged
	hooks.Run(ctx)
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryRepo) ListItems(ctx context.Context, invoiceID int64) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return itemsOf(r.state, invoiceID), nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.state.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func itemsOf(s memoryState, invoiceID int64) []Item {
	var out []Item
	for _, it := range s.items {
		if it.InvoiceID == invoiceID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *memoryTx) id() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

func (tx *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	for _, existing := range tx.state.invoices {
		if existing.VendorID == inv.VendorID && existing.InvoiceNo == inv.InvoiceNo {
			return Invoice{}, &shared.ConflictError{Entity: "purchase_invoice", Key: inv.InvoiceNo}
		}
	}
	inv.ID = tx.id()
	tx.state.invoices[inv.ID] = inv
	return inv, nil
}

func (tx *memoryTx) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := tx.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (tx *memoryTx) UpdateInvoice(ctx context.Context, inv Invoice) error {
	if _, ok := tx.state.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	tx.state.invoices[inv.ID] = inv
	return nil
}

func (tx *memoryTx) InsertItem(ctx context.Context, it Item) (Item, error) {
	it.ID = tx.id()
	tx.state.items[it.ID] = it
	return it, nil
}

func (tx *memoryTx) ListItems(ctx context.Context, invoiceID int64) ([]Item, error) {
	return itemsOf(*tx.state, invoiceID), nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, it Item) error {
	tx.state.items[it.ID] = it
	return nil
}

func (tx *memoryTx) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	p.ID = tx.id()
	tx.state.payments[p.ID] = p
	return p, nil
}

func (tx *memoryTx) LockPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := tx.state.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (tx *memoryTx) MarkPaymentReconciled(ctx context.Context, id int64, at time.Time, actorID int64) error {
	p := tx.state.payments[id]
	p.Reconciled = true
	p.ReconciledAt = &at
	p.ReconciledBy = actorID
	tx.state.payments[id] = p
	return nil
}

func (tx *memoryTx) LockClaimable(ctx context.Context, from, to time.Time) ([]Invoice, error) {
	return tx.filter(func(inv Invoice) bool {
		return inv.TaxStatus == TaxITCEligible && inv.GSTR2BVerified &&
			!inv.InvoiceDate.Before(from) && !inv.InvoiceDate.After(to)
	}), nil
}

func (tx *memoryTx) LockOverdueClaims(ctx context.Context, cutoff time.Time) ([]Invoice, error) {
	return tx.filter(func(inv Invoice) bool {
		return inv.TaxStatus == TaxITCClaimed && inv.PaymentStatus != PaymentPaid && !inv.InvoiceDate.After(cutoff)
	}), nil
}

func (tx *memoryTx) filter(keep func(Invoice) bool) []Invoice {
	var out []Invoice
	for _, inv := range tx.state.invoices {
		if keep(inv) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fakeSequence hands out numbers that are only consumed when the caller's
// transaction commits.
type fakeSequence struct {
	mu   sync.Mutex
	last int64
}

func (s *fakeSequence) Allocate(ctx context.Context, namespace string) (sequence.Allocation, error) {
	s.mu.Lock()
	next := s.last + 1
	s.mu.Unlock()
	shared.AfterCommit(ctx, func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.last = next
	})
	return sequence.Allocation{Namespace: namespace, FiscalYearStart: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), Value: next}, nil
}

type fakeInventory struct {
	mu       sync.Mutex
	nextID   int64
	batches  map[int64]inventory.Batch
	received []inventory.ReceiveInput
	adjusted []inventory.AdjustInput
	failOn   int64
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{batches: map[int64]inventory.Batch{}}
}

func (f *fakeInventory) seed(productID int64, batchNumber string, expiry time.Time, qty int64) inventory.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	b := inventory.Batch{
		ID: f.nextID, ProductID: productID, BatchNumber: batchNumber, ExpiryDate: expiry,
		QuantityReceived: qty, QuantityRemaining: qty, Status: inventory.BatchActive,
	}
	f.batches[b.ID] = b
	return b
}

func (f *fakeInventory) ReceiveBatch(ctx context.Context, input inventory.ReceiveInput) (inventory.Batch, error) {
	if input.ProductID == f.failOn {
		return inventory.Batch{}, errors.New("receive failed")
	}
	f.mu.Lock()
	f.nextID++
	b := inventory.Batch{
		ID: f.nextID, ProductID: input.ProductID, BatchNumber: input.BatchNumber, ExpiryDate: input.ExpiryDate,
		QuantityReceived: input.Quantity, QuantityRemaining: input.Quantity, PTRCost: input.PTRCost, Status: inventory.BatchActive,
	}
	f.mu.Unlock()
	shared.AfterCommit(ctx, func(context.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.batches[b.ID] = b
		f.received = append(f.received, input)
	})
	return b, nil
}

func (f *fakeInventory) FindBatch(ctx context.Context, productID int64, batchNumber string, expiry time.Time) (inventory.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.ProductID == productID && b.BatchNumber == batchNumber && b.ExpiryDate.Equal(expiry) {
			return b, nil
		}
	}
	return inventory.Batch{}, inventory.ErrBatchNotFound
}

func (f *fakeInventory) AdjustQuantity(ctx context.Context, input inventory.AdjustInput) (inventory.Batch, error) {
	f.mu.Lock()
	b, ok := f.batches[input.BatchID]
	f.mu.Unlock()
	if !ok {
		return inventory.Batch{}, inventory.ErrBatchNotFound
	}
	if b.QuantityRemaining+input.Delta < 0 {
		return inventory.Batch{}, shared.Validation("delta", "would leave negative stock")
	}
	b.QuantityRemaining += input.Delta
	shared.AfterCommit(ctx, func(context.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.batches[b.ID] = b
		f.adjusted = append(f.adjusted, input)
	})
	return b, nil
}

type revision struct {
	productID int64
	input     pricing.PriceInput
}

type fakePricing struct {
	mu        sync.Mutex
	revisions []revision
	failOn    int64
}

func (p *fakePricing) Revise(ctx context.Context, productID int64, input pricing.PriceInput, asOf time.Time) (pricing.PriceInterval, bool, error) {
	if productID == p.failOn {
		return pricing.PriceInterval{}, false, shared.Validation("sale_price", "below base price")
	}
	shared.AfterCommit(ctx, func(context.Context) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.revisions = append(p.revisions, revision{productID: productID, input: input})
	})
	return pricing.PriceInterval{ProductID: productID, SalePrice: input.SalePrice, EffectiveFrom: asOf}, true, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type recordingIntegration struct {
	mu        sync.Mutex
	completed []InvoiceCompletedEvent
	payments  []PaymentRecordedEvent
	changes   []InvoiceStatusChangedEvent
}

func (r *recordingIntegration) HandleInvoiceCompleted(ctx context.Context, evt InvoiceCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, evt)
	return nil
}

func (r *recordingIntegration) HandlePaymentRecorded(ctx context.Context, evt PaymentRecordedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, evt)
	return nil
}

func (r *recordingIntegration) HandleInvoiceStatusChanged(ctx context.Context, evt InvoiceStatusChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, evt)
	return nil
}

type fixture struct {
	repo      *memoryRepo
	sequence  *fakeSequence
	inventory *fakeInventory
	pricing   *fakePricing
	audit     *recordingAudit
	events    *recordingIntegration
	svc       *Service
	now       time.Time
}

func newFixture() *fixture {
	f := &fixture{
		repo:      newMemoryRepo(),
		sequence:  &fakeSequence{},
		inventory: newFakeInventory(),
		pricing:   &fakePricing{},
		audit:     &recordingAudit{},
		events:    &recordingIntegration{},
		now:       time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC),
	}
	deps := Dependencies{Sequence: f.sequence, Inventory: f.inventory, Pricing: f.pricing}
	f.svc = NewService(f.repo, f.audit, deps, ServiceConfig{Clock: func() time.Time { return f.now }}, f.events)
	return f
}

var (
	invoiceDate = time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
	expiry      = time.Date(2028, time.March, 31, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// regularItem totals 1008.00: 900.00 taxable plus 54.00 CGST and 54.00 SGST.
func regularItem() ItemInput {
	return ItemInput{
		ProductID:    1,
		Type:         ItemRegular,
		BatchNumber:  "AMX-01",
		ExpiryDate:   expiry,
		Quantity:     10,
		FreeQuantity: 2,
		PTRValue:     dec("100"),
		DiscountPct:  dec("10"),
		TaxPct:       dec("12"),
		SalePrice:    dec("140"),
		MRP:          dec("150"),
		ActorID:      7,
	}
}

// suppliedItem totals 262.50.
func suppliedItem() ItemInput {
	return ItemInput{
		ProductID:   2,
		Type:        ItemSupplied,
		BatchNumber: "PCM-09",
		ExpiryDate:  expiry,
		Quantity:    5,
		PTRValue:    dec("50"),
		TaxPct:      dec("5"),
		SalePrice:   dec("60"),
		MRP:         dec("70"),
		ChallanRef:  "DC-17",
		ActorID:     7,
	}
}

// returnItem totals -336.00.
func returnItem() ItemInput {
	return ItemInput{
		ProductID:    3,
		Type:         ItemReturn,
		BatchNumber:  "IBU-04",
		ExpiryDate:   expiry,
		Quantity:     3,
		PTRValue:     dec("100"),
		TaxPct:       dec("12"),
		ReturnReason: "damaged in transit",
		ActorID:      7,
	}
}

func (f *fixture) create(t *testing.T, invoiceNo, gstin string, items ...ItemInput) InvoiceDetail {
	t.Helper()
	detail, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		VendorID:    11,
		VendorGSTIN: gstin,
		InvoiceNo:   invoiceNo,
		InvoiceDate: invoiceDate,
		Items:       items,
		ActorID:     7,
	})
	require.NoError(t, err)
	return detail
}

func (f *fixture) verifyAll(t *testing.T, detail InvoiceDetail) Invoice {
	t.Helper()
	ids := make([]int64, 0, len(detail.Items))
	for _, it := range detail.Items {
		ids = append(ids, it.ID)
	}
	inv, err := f.svc.VerifyItems(context.Background(), detail.ID, ids, 7)
	require.NoError(t, err)
	return inv
}

func (f *fixture) completed(t *testing.T, invoiceNo string, items ...ItemInput) InvoiceDetail {
	t.Helper()
	detail := f.create(t, invoiceNo, "27AAPFU0939F1ZV", items...)
	f.verifyAll(t, detail)
	done, err := f.svc.CompleteInvoice(context.Background(), detail.ID, 7)
	require.NoError(t, err)
	return done
}

func TestCreateInvoiceNumbersGoodsReceiptAndSplitsTax(t *testing.T) {
	f := newFixture()
	detail := f.create(t, "INV-100", "27aapfu0939f1zv", regularItem())

	require.Equal(t, "GRN/2026-27/000001", detail.GRNo)
	require.Equal(t, "27AAPFU0939F1ZV", detail.VendorGSTIN)
	require.Equal(t, ProcessingNew, detail.Status)
	require.Equal(t, PaymentUnpaid, detail.PaymentStatus)
	require.Equal(t, TaxPending, detail.TaxStatus)
	require.Equal(t, LifecycleOpen, detail.LifecycleStatus)
	requireAmount(t, "1008", detail.Total)
	requireAmount(t, "54", detail.CGSTAmount)
	requireAmount(t, "54", detail.SGSTAmount)
	requireAmount(t, "0", detail.IGSTAmount)

	require.Len(t, detail.Items, 1)
	item := detail.Items[0]
	requireAmount(t, "75", item.UnitCost)
	requireAmount(t, "6", item.CGSTPct)
	require.Equal(t, ItemNew, item.Status)

	next := f.create(t, "INV-101", "")
	require.Equal(t, "GRN/2026-27/000002", next.GRNo)
}

func TestCreateInvoiceInterStateUsesIGST(t *testing.T) {
	f := newFixture()
	detail, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		VendorID: 11, InvoiceNo: "INV-200", InvoiceDate: invoiceDate, InterState: true,
		Items: []ItemInput{regularItem()}, ActorID: 7,
	})
	require.NoError(t, err)
	requireAmount(t, "108", detail.IGSTAmount)
	requireAmount(t, "0", detail.CGSTAmount)
	requireAmount(t, "1008", detail.Total)
}

func TestCreateInvoiceRejectsInvalidItemsWithoutSideEffects(t *testing.T) {
	f := newFixture()
	noChallan := suppliedItem()
	noChallan.ChallanRef = ""
	noReason := returnItem()
	noReason.ReturnReason = "  "
	aboveMRP := regularItem()
	aboveMRP.SalePrice = dec("151")
	badMfg := regularItem()
	badMfg.ManufacturedDate = expiry
	freeReturn := returnItem()
	freeReturn.FreeQuantity = 1

	for name, item := range map[string]ItemInput{
		"supplied without challan": noChallan,
		"return without reason":    noReason,
		"sale above mrp":           aboveMRP,
		"manufactured at expiry":   badMfg,
		"free goods on return":     freeReturn,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
				VendorID: 11, InvoiceNo: "INV-BAD", InvoiceDate: invoiceDate, Items: []ItemInput{item}, ActorID: 7,
			})
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		VendorID: 11, InvoiceNo: "INV-FUT", InvoiceDate: f.now.AddDate(0, 0, 1), ActorID: 7,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Empty(t, f.repo.state.invoices)
	require.Zero(t, f.sequence.last)
}

func TestCreateInvoiceDuplicateNumberReleasesGoodsReceipt(t *testing.T) {
	f := newFixture()
	f.create(t, "INV-300", "")

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		VendorID: 11, InvoiceNo: "INV-300", InvoiceDate: invoiceDate, ActorID: 7,
	})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.EqualValues(t, 1, f.sequence.last)

	other := f.create(t, "INV-301", "")
	require.Equal(t, "GRN/2026-27/000002", other.GRNo)
}

func TestAddItemReturnsVerifiedInvoiceToNew(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-400", "", regularItem())
	require.Equal(t, ProcessingVerified, f.verifyAll(t, detail).Status)

	item, err := f.svc.AddItem(ctx, detail.ID, suppliedItem())
	require.NoError(t, err)
	require.Equal(t, ItemNew, item.Status)

	inv, err := f.svc.repo.GetInvoice(ctx, detail.ID)
	require.NoError(t, err)
	require.Equal(t, ProcessingNew, inv.Status)
	requireAmount(t, "1270.50", inv.Total)
	requireAmount(t, "60.25", inv.CGSTAmount)
}

func TestAddItemCannotDropTotalBelowPaid(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-410", "", regularItem())
	_, _, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("1000"), Mode: "bank"})
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, detail.ID, returnItem())
	require.ErrorIs(t, err, shared.ErrValidation)

	items, err := f.repo.ListItems(ctx, detail.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestVerifyItemsRejectsForeignItem(t *testing.T) {
	f := newFixture()
	first := f.create(t, "INV-500", "", regularItem())
	second := f.create(t, "INV-501", "", regularItem())

	_, err := f.svc.VerifyItems(context.Background(), first.ID, []int64{second.Items[0].ID}, 7)
	require.ErrorIs(t, err, shared.ErrNotFound)

	inv, err := f.svc.VerifyItems(context.Background(), first.ID, []int64{first.Items[0].ID}, 7)
	require.NoError(t, err)
	require.Equal(t, ProcessingVerified, inv.Status)
}

func TestCompleteInvoiceRequiresVerifiedItems(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	empty := f.create(t, "INV-600", "")
	_, err := f.svc.CompleteInvoice(ctx, empty.ID, 7)
	var transition *shared.TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"invoice has no items"}, transition.Reasons)

	pending := f.create(t, "INV-601", "", regularItem(), suppliedItem())
	_, err = f.svc.VerifyItems(ctx, pending.ID, []int64{pending.Items[0].ID}, 7)
	require.NoError(t, err)
	_, err = f.svc.CompleteInvoice(ctx, pending.ID, 7)
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"1 item(s) not verified"}, transition.Reasons)
	require.Empty(t, f.inventory.received)
}

func TestCompleteInvoiceReceivesStockAndPostsPrices(t *testing.T) {
	f := newFixture()
	returned := f.inventory.seed(3, "IBU-04", expiry, 20)

	done := f.completed(t, "INV-700", regularItem(), suppliedItem(), returnItem())

	require.Equal(t, ProcessingComplete, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, PaymentUnpaid, done.PaymentStatus)
	requireAmount(t, "934.50", done.Total)
	requireAmount(t, "42.25", done.CGSTAmount)

	require.Len(t, f.inventory.received, 2)
	receipt := f.inventory.received[0]
	require.EqualValues(t, 12, receipt.Quantity)
	requireAmount(t, "75", receipt.PTRCost)
	require.Equal(t, done.ID, receipt.PurchaseInvoiceID)
	require.EqualValues(t, 11, receipt.VendorID)

	require.Len(t, f.inventory.adjusted, 1)
	adj := f.inventory.adjusted[0]
	require.Equal(t, returned.ID, adj.BatchID)
	require.EqualValues(t, -3, adj.Delta)
	require.Equal(t, inventory.MovementReturned, adj.Type)
	require.EqualValues(t, 17, f.inventory.batches[returned.ID].QuantityRemaining)

	require.Len(t, f.pricing.revisions, 2)
	rev := f.pricing.revisions[0]
	require.EqualValues(t, 1, rev.productID)
	requireAmount(t, "140", rev.input.SalePrice)
	requireAmount(t, "75", rev.input.BasePrice)
	require.True(t, rev.input.TaxInclusive)

	for _, it := range done.Items {
		require.NotZero(t, it.BatchID, "item %d", it.ID)
	}
	require.Len(t, f.events.completed, 1)
	require.Len(t, f.events.completed[0].Lines, 3)
	require.EqualValues(t, -3, f.events.completed[0].Lines[2].Quantity)

	_, err := f.svc.CompleteInvoice(context.Background(), done.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyComplete)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestCompleteInvoiceRollsBackEverythingOnFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pricing.failOn = 2
	detail := f.create(t, "INV-800", "", regularItem(), suppliedItem())
	f.verifyAll(t, detail)

	_, err := f.svc.CompleteInvoice(ctx, detail.ID, 7)
	require.ErrorIs(t, err, shared.ErrValidation)

	inv, err := f.repo.GetInvoice(ctx, detail.ID)
	require.NoError(t, err)
	require.Equal(t, ProcessingVerified, inv.Status)
	require.Empty(t, f.inventory.received)
	require.Empty(t, f.pricing.revisions)
	require.Empty(t, f.events.completed)
	items, err := f.repo.ListItems(ctx, detail.ID)
	require.NoError(t, err)
	for _, it := range items {
		require.Zero(t, it.BatchID)
	}

	f.pricing.failOn = 0
	_, err = f.svc.CompleteInvoice(ctx, detail.ID, 7)
	require.NoError(t, err)
	require.Len(t, f.inventory.received, 2)
}

func TestCompleteInvoiceReturnNeedsStock(t *testing.T) {
	f := newFixture()
	f.inventory.seed(3, "IBU-04", expiry, 2)
	detail := f.create(t, "INV-810", "", returnItem())
	f.verifyAll(t, detail)

	_, err := f.svc.CompleteInvoice(context.Background(), detail.ID, 7)
	require.ErrorIs(t, err, shared.ErrValidation)

	missing := newFixture()
	other := missing.create(t, "INV-811", "", returnItem())
	missing.verifyAll(t, other)
	_, err = missing.svc.CompleteInvoice(context.Background(), other.ID, 7)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCompleteInvoiceWithOnlyReturnsIsPaid(t *testing.T) {
	f := newFixture()
	f.inventory.seed(3, "IBU-04", expiry, 20)
	done := f.completed(t, "INV-820", returnItem())
	requireAmount(t, "-336", done.Total)
	require.Equal(t, PaymentPaid, done.PaymentStatus)
}

func TestRecordPaymentDerivesStatusAndRejectsOverpayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-900", "", regularItem())

	_, _, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: decimal.Zero, Mode: "CASH"})
	require.ErrorIs(t, err, shared.ErrValidation)

	payment, inv, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("500"), Mode: "upi", TransRef: "UTR1"})
	require.NoError(t, err)
	require.Equal(t, "UPI", payment.Mode)
	require.Equal(t, PaymentPartial, inv.PaymentStatus)

	_, _, err = f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("600"), Mode: "UPI"})
	require.ErrorIs(t, err, ErrOverpayment)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, inv, err = f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("508"), Mode: "UPI"})
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, inv.PaymentStatus)
	requireAmount(t, "1008", inv.PaidAmount)
	requireAmount(t, "0", inv.Outstanding())

	payments, err := f.repo.ListPayments(ctx, detail.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Len(t, f.events.payments, 2)
}

func TestReconcilePaymentOnlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-950", "", regularItem())
	payment, _, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("100"), Mode: "CHEQUE"})
	require.NoError(t, err)

	got, err := f.svc.ReconcilePayment(ctx, payment.ID, 9)
	require.NoError(t, err)
	require.True(t, got.Reconciled)
	require.EqualValues(t, 9, got.ReconciledBy)

	_, err = f.svc.ReconcilePayment(ctx, payment.ID, 9)
	require.ErrorIs(t, err, ErrPaymentReconciled)

	_, err = f.svc.ReconcilePayment(ctx, 999, 9)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCloseInvoiceGatesOnEveryAxis(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-1000", "", regularItem())

	check, err := f.svc.CanClose(ctx, detail.ID)
	require.NoError(t, err)
	require.False(t, check.CanClose)
	require.Equal(t, []string{
		"processing status is NEW, must be COMPLETE",
		"payment status is UNPAID, must be PAID",
		"1 item(s) not verified",
	}, check.Reasons)

	_, err = f.svc.CloseInvoice(ctx, detail.ID, "", 7)
	var transition *shared.TransitionError
	require.ErrorAs(t, err, &transition)
	require.Len(t, transition.Reasons, 3)

	f.verifyAll(t, detail)
	_, err = f.svc.CompleteInvoice(ctx, detail.ID, 7)
	require.NoError(t, err)
	_, err = f.svc.CloseInvoice(ctx, detail.ID, "", 7)
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"payment status is UNPAID, must be PAID"}, transition.Reasons)

	_, _, err = f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("1008"), Mode: "BANK"})
	require.NoError(t, err)
	closed, err := f.svc.CloseInvoice(ctx, detail.ID, " settled ", 7)
	require.NoError(t, err)
	require.Equal(t, LifecycleClosed, closed.LifecycleStatus)
	require.Equal(t, "settled", closed.ClosureNotes)

	_, err = f.svc.AddItem(ctx, detail.ID, suppliedItem())
	require.ErrorIs(t, err, ErrInvoiceClosed)
	_, _, err = f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("1"), Mode: "BANK"})
	require.ErrorIs(t, err, ErrInvoiceClosed)
	_, err = f.svc.CloseInvoice(ctx, detail.ID, "", 7)
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"invoice is already CLOSED"}, transition.Reasons)

	require.NotEmpty(t, f.events.changes)
	last := f.events.changes[len(f.events.changes)-1]
	require.Equal(t, "lifecycle", last.Axis)
	require.Equal(t, string(LifecycleClosed), last.To)
}

func TestTaxAxisFollowsGSTR2BAndReversal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-1100", "27AAPFU0939F1ZV", regularItem())

	_, err := f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxITCClaimed})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	res, err := f.svc.MarkGSTR2BVerified(ctx, []int64{detail.ID, detail.ID}, 7)
	require.NoError(t, err)
	require.Equal(t, []int64{detail.ID}, res.InvoiceIDs)
	requireAmount(t, "108", res.TaxCredit)

	claimed, err := f.svc.BulkClaimITC(ctx, invoiceDate.AddDate(0, 0, -5), invoiceDate, 7)
	require.NoError(t, err)
	require.Equal(t, []int64{detail.ID}, claimed.InvoiceIDs)

	reversed, err := f.svc.ReverseOverdueITC(ctx, invoiceDate.AddDate(0, 0, ITCReversalDays-1))
	require.NoError(t, err)
	require.Empty(t, reversed.InvoiceIDs)

	reversed, err = f.svc.ReverseOverdueITC(ctx, invoiceDate.AddDate(0, 0, ITCReversalDays))
	require.NoError(t, err)
	require.Equal(t, []int64{detail.ID}, reversed.InvoiceIDs)

	inv, err := f.repo.GetInvoice(ctx, detail.ID)
	require.NoError(t, err)
	require.Equal(t, TaxITCReversed, inv.TaxStatus)
	require.NotEmpty(t, inv.TaxNote)

	var axes []string
	for _, c := range f.events.changes {
		axes = append(axes, fmt.Sprintf("%s:%s->%s", c.Axis, c.From, c.To))
	}
	require.Equal(t, []string{
		"tax:PENDING->ITC_ELIGIBLE",
		"tax:ITC_ELIGIBLE->ITC_CLAIMED",
		"tax:ITC_CLAIMED->ITC_REVERSED",
	}, axes)
}

func TestReverseOverdueITCSkipsPaidInvoices(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-1150", "27AAPFU0939F1ZV", regularItem())
	_, err := f.svc.MarkGSTR2BVerified(ctx, []int64{detail.ID}, 7)
	require.NoError(t, err)
	_, err = f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxITCClaimed, ActorID: 7})
	require.NoError(t, err)
	_, _, err = f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("1008"), Mode: "BANK"})
	require.NoError(t, err)

	res, err := f.svc.ReverseOverdueITC(ctx, invoiceDate.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Empty(t, res.InvoiceIDs)
}

func TestMarkGSTR2BVerifiedIsAllOrNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	good := f.create(t, "INV-1200", "27AAPFU0939F1ZV", regularItem())
	bad := f.create(t, "INV-1201", "", regularItem())

	_, err := f.svc.MarkGSTR2BVerified(ctx, []int64{good.ID, bad.ID}, 7)
	var transition *shared.TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"invoice INV-1201 has no vendor GSTIN"}, transition.Reasons)

	inv, err := f.repo.GetInvoice(ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, TaxPending, inv.TaxStatus)
	require.False(t, inv.GSTR2BVerified)
}

func TestUpdateTaxStatusRules(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-1300", "27AAPFU0939F1ZV", regularItem())

	_, err := f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxITCEligible})
	var transition *shared.TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"GSTR-2B not verified"}, transition.Reasons)

	_, err = f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxITCIneligible})
	require.ErrorAs(t, err, &transition)
	require.Equal(t, []string{"a reason is required"}, transition.Reasons)

	inv, err := f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxITCEligible, GSTR2BVerified: true})
	require.NoError(t, err)
	require.Equal(t, TaxITCEligible, inv.TaxStatus)
	require.True(t, inv.GSTR2BVerified)

	_, err = f.svc.UpdateTaxStatus(ctx, detail.ID, TaxUpdate{Status: TaxPending})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestSummaryReportsAllAxes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.inventory.seed(3, "IBU-04", expiry, 20)
	detail := f.create(t, "INV-1400", "", regularItem(), suppliedItem(), returnItem())
	_, err := f.svc.VerifyItems(ctx, detail.ID, []int64{detail.Items[0].ID}, 7)
	require.NoError(t, err)
	payment, _, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("400"), Mode: "BANK"})
	require.NoError(t, err)
	_, err = f.svc.ReconcilePayment(ctx, payment.ID, 7)
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, detail.ID)
	require.NoError(t, err)
	require.Equal(t, map[ItemType]int{ItemRegular: 1, ItemSupplied: 1, ItemReturn: 1}, sum.ItemCounts)
	require.Equal(t, 3, sum.ItemsTotal)
	require.Equal(t, 1, sum.ItemsVerified)
	require.Equal(t, 1, sum.PaymentCount)
	require.Equal(t, 1, sum.Reconciled)
	requireAmount(t, "534.50", sum.Outstanding)
	require.False(t, sum.Closure.CanClose)
	require.Contains(t, sum.Closure.Reasons, "2 item(s) not verified")

	_, err = f.svc.Summary(ctx, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOperationsJoinEnclosingTransaction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detail := f.create(t, "INV-1500", "", regularItem())

	sentinel := errors.New("outer failure")
	err := f.repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		if _, _, err := f.svc.RecordPayment(ctx, PaymentInput{InvoiceID: detail.ID, Amount: dec("100"), Mode: "BANK"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	inv, err := f.repo.GetInvoice(ctx, detail.ID)
	require.NoError(t, err)
	requireAmount(t, "0", inv.PaidAmount)
	require.Empty(t, f.events.payments)
}

// priceStore is an in-memory pricing.RepositoryPort so completion runs the
// real price validation.
type priceStore struct {
	mu        sync.Mutex
	intervals map[int64]pricing.PriceInterval
	nextID    int64
}

func newPriceStore() *priceStore {
	return &priceStore{intervals: make(map[int64]pricing.PriceInterval)}
}

func (p *priceStore) WithTx(ctx context.Context, fn func(context.Context, pricing.TxRepository) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(ctx, p)
}

func (p *priceStore) LockOpenInterval(ctx context.Context, productID int64) (pricing.PriceInterval, error) {
	for _, iv := range p.intervals {
		if iv.ProductID == productID && iv.IsOpen() {
			return iv, nil
		}
	}
	return pricing.PriceInterval{}, pricing.ErrPriceNotFound
}

func (p *priceStore) CloseInterval(ctx context.Context, id int64, effectiveTo time.Time) error {
	iv := p.intervals[id]
	iv.EffectiveTo = effectiveTo
	p.intervals[id] = iv
	return nil
}

func (p *priceStore) InsertInterval(ctx context.Context, interval pricing.PriceInterval) (int64, time.Time, error) {
	p.nextID++
	interval.ID = p.nextID
	p.intervals[interval.ID] = interval
	return interval.ID, time.Time{}, nil
}

func (p *priceStore) PriceAt(ctx context.Context, productID int64, asOf time.Time) (pricing.PriceInterval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, iv := range p.intervals {
		if iv.ProductID == productID && iv.Covers(asOf) {
			return iv, nil
		}
	}
	return pricing.PriceInterval{}, pricing.ErrPriceNotFound
}

func (p *priceStore) History(ctx context.Context, productID int64) ([]pricing.PriceInterval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pricing.PriceInterval
	for _, iv := range p.intervals {
		if iv.ProductID == productID {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

// withLedger rebuilds the service on a real pricing.Service.
func (f *fixture) withLedger() *pricing.Service {
	clock := func() time.Time { return f.now }
	ledger := pricing.NewService(newPriceStore(), nil, pricing.ServiceConfig{Clock: clock}, nil)
	deps := Dependencies{Sequence: f.sequence, Inventory: f.inventory, Pricing: ledger}
	f.svc = NewService(f.repo, f.audit, deps, ServiceConfig{Clock: clock}, f.events)
	return ledger
}

func TestItemsPricedBelowCostAreRejectedBeforeInsert(t *testing.T) {
	f := newFixture()
	f.withLedger()
	ctx := context.Background()

	belowCost := regularItem()
	belowCost.DiscountPct = decimal.Zero
	belowCost.FreeQuantity = 0
	belowCost.SalePrice = dec("80")

	_, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{
		VendorID: 11, InvoiceNo: "INV-COST", InvoiceDate: invoiceDate, Items: []ItemInput{belowCost}, ActorID: 7,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "below unit cost 100")
	require.Empty(t, f.repo.state.invoices)

	detail := f.create(t, "INV-COST-2", "")
	_, err = f.svc.AddItem(ctx, detail.ID, belowCost)
	require.ErrorIs(t, err, shared.ErrValidation)
	items, err := f.repo.ListItems(ctx, detail.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	// Free goods lower the unit cost: 1000 over 12 units is 83.33.
	withFree := belowCost
	withFree.FreeQuantity = 2
	withFree.SalePrice = dec("84")
	_, err = f.svc.AddItem(ctx, detail.ID, withFree)
	require.NoError(t, err)
}

func TestAcceptedItemsCompleteAgainstPriceLedger(t *testing.T) {
	f := newFixture()
	ledger := f.withLedger()

	atCost := suppliedItem()
	atCost.SalePrice = dec("50")
	f.completed(t, "INV-LEDGER", regularItem(), atCost)

	current, err := ledger.CurrentPrice(context.Background(), 1, f.now)
	require.NoError(t, err)
	requireAmount(t, "140", current.SalePrice)
	requireAmount(t, "75", current.BasePrice)

	history, err := ledger.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NoError(t, pricing.VerifyTimeline(history))
}

func TestExpiredItemsAreRejectedBeforeInsert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	today := shared.DateOf(f.now)

	for name, date := range map[string]time.Time{
		"expires today": today,
		"expired":       today.AddDate(0, 0, -1),
		"long ago":      time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
	} {
		t.Run(name, func(t *testing.T) {
			item := regularItem()
			item.ExpiryDate = date
			_, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{
				VendorID: 11, InvoiceNo: "INV-EXP", InvoiceDate: invoiceDate, Items: []ItemInput{item}, ActorID: 7,
			})
			require.ErrorIs(t, err, shared.ErrValidation)
			require.ErrorContains(t, err, "expiry_date")
		})
	}
	require.Empty(t, f.repo.state.invoices)

	detail := f.create(t, "INV-EXP-2", "")
	item := regularItem()
	item.ExpiryDate = today
	_, err := f.svc.AddItem(ctx, detail.ID, item)
	require.ErrorIs(t, err, shared.ErrValidation)

	tomorrow := regularItem()
	tomorrow.ExpiryDate = today.AddDate(0, 0, 1)
	_, err = f.svc.AddItem(ctx, detail.ID, tomorrow)
	require.NoError(t, err)

	// Expired stock can still go back to the vendor.
	expiredReturn := returnItem()
	expiredReturn.ExpiryDate = today.AddDate(0, 0, -10)
	_, err = f.svc.AddItem(ctx, detail.ID, expiredReturn)
	require.NoError(t, err)
}

func TestAuditEntriesUseServiceClock(t *testing.T) {
	f := newFixture()
	detail := f.create(t, "INV-CLOCK", "", regularItem())
	f.now = f.now.Add(2 * time.Hour)
	f.verifyAll(t, detail)

	require.Len(t, f.audit.logs, 2)
	require.Equal(t, time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC), f.audit.logs[0].At)
	require.Equal(t, f.now, f.audit.logs[1].At)
}
