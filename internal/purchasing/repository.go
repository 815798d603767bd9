package purchasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

const (
	constraintInvoiceKey = "purchase_invoices_vendor_invoice_no_key"
	constraintGRNo       = "purchase_invoices_gr_no_key"
)

// Repository persists purchase invoices, items and payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	InsertItem(ctx context.Context, item Item) (Item, error)
	ListItems(ctx context.Context, invoiceID int64) ([]Item, error)
	UpdateItem(ctx context.Context, item Item) error
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	LockPayment(ctx context.Context, id int64) (Payment, error)
	MarkPaymentReconciled(ctx context.Context, id int64, at time.Time, actorID int64) error
	LockClaimable(ctx context.Context, from, to time.Time) ([]Invoice, error)
	LockOverdueClaims(ctx context.Context, cutoff time.Time) ([]Invoice, error)
}

type txRepo struct {
	tx pgx.Tx
}

const invoiceColumns = `id, vendor_id, COALESCE(vendor_gstin, ''), invoice_no, invoice_date, gr_no, gr_date,
status, payment_status, tax_status, lifecycle_status, total, paid_amount, cgst_amount, sgst_amount, igst_amount,
inter_state, gstr2b_verified, COALESCE(tax_note, ''), COALESCE(comments, ''), completed_at, COALESCE(completed_by, 0),
closed_at, COALESCE(closed_by, 0), COALESCE(closure_notes, ''), COALESCE(created_by, 0), created_at, updated_at`

const itemColumns = `id, invoice_id, product_id, item_type, batch_number, expiry_date, manufactured_date,
quantity, free_quantity, ptr_value, discount_pct, tax_pct, cgst_pct, sgst_pct, igst_pct,
cgst_amount, sgst_amount, igst_amount, unit_cost, sale_price, mrp, total,
COALESCE(challan_ref, ''), COALESCE(return_reason, ''), status, COALESCE(batch_id, 0),
COALESCE(verified_by, 0), verified_at, COALESCE(created_by, 0)`

const paymentColumns = `id, invoice_id, vendor_id, amount, paid_on, mode, COALESCE(trans_ref, ''),
reconciled, reconciled_at, COALESCE(reconciled_by, 0), COALESCE(created_by, 0), created_at`

// WithTx runs fn in a serializable transaction, joining one already in ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetInvoice returns an invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// ListItems returns invoice items in entry order.
func (r *Repository) ListItems(ctx context.Context, invoiceID int64) ([]Item, error) {
	return listItems(ctx, db.Conn(ctx, r.pool), invoiceID)
}

// ListPayments returns invoice payments in entry order.
func (r *Repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+paymentColumns+` FROM vendor_payments
WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO purchase_invoices (vendor_id, vendor_gstin, invoice_no, invoice_date, gr_no, gr_date,
status, payment_status, tax_status, lifecycle_status, total, paid_amount, cgst_amount, sgst_amount, igst_amount,
inter_state, comments, created_by, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULLIF($17, ''), $18, $19, $20)
RETURNING `+invoiceColumns,
		inv.VendorID, inv.VendorGSTIN, inv.InvoiceNo, inv.InvoiceDate, inv.GRNo, inv.GRDate,
		string(inv.Status), string(inv.PaymentStatus), string(inv.TaxStatus), string(inv.LifecycleStatus),
		inv.Total, inv.PaidAmount, inv.CGSTAmount, inv.SGSTAmount, inv.IGSTAmount,
		inv.InterState, inv.Comments, nullID(inv.CreatedBy), inv.CreatedAt, inv.UpdatedAt)
	inserted, err := scanInvoice(row)
	if err != nil {
		if constraint, ok := db.IsUniqueViolation(err); ok {
			switch constraint {
			case constraintInvoiceKey:
				return Invoice{}, &shared.ConflictError{Entity: "purchase_invoice", Key: fmt.Sprintf("%d/%s", inv.VendorID, inv.InvoiceNo)}
			case constraintGRNo:
				return Invoice{}, &shared.ConflictError{Entity: "goods_receipt", Key: inv.GRNo}
			}
		}
		return Invoice{}, err
	}
	return inserted, nil
}

func (r *txRepo) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices WHERE id = $1 FOR UPDATE`, id)
	return scanInvoice(row)
}

func (r *txRepo) UpdateInvoice(ctx context.Context, inv Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_invoices SET
status = $2, payment_status = $3, tax_status = $4, lifecycle_status = $5,
total = $6, paid_amount = $7, cgst_amount = $8, sgst_amount = $9, igst_amount = $10,
gstr2b_verified = $11, tax_note = NULLIF($12, ''), completed_at = $13, completed_by = $14,
closed_at = $15, closed_by = $16, closure_notes = NULLIF($17, ''), updated_at = $18
WHERE id = $1`,
		inv.ID, string(inv.Status), string(inv.PaymentStatus), string(inv.TaxStatus), string(inv.LifecycleStatus),
		inv.Total, inv.PaidAmount, inv.CGSTAmount, inv.SGSTAmount, inv.IGSTAmount,
		inv.GSTR2BVerified, inv.TaxNote, inv.CompletedAt, nullID(inv.CompletedBy),
		inv.ClosedAt, nullID(inv.ClosedBy), inv.ClosureNotes, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepo) InsertItem(ctx context.Context, it Item) (Item, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO purchase_invoice_items (invoice_id, product_id, item_type, batch_number,
expiry_date, manufactured_date, quantity, free_quantity, ptr_value, discount_pct, tax_pct, cgst_pct, sgst_pct, igst_pct,
cgst_amount, sgst_amount, igst_amount, unit_cost, sale_price, mrp, total, challan_ref, return_reason, status, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
NULLIF($22, ''), NULLIF($23, ''), $24, $25)
RETURNING `+itemColumns,
		it.InvoiceID, it.ProductID, string(it.Type), it.BatchNumber,
		it.ExpiryDate, nullDate(it.ManufacturedDate), it.Quantity, it.FreeQuantity, it.PTRValue, it.DiscountPct, it.TaxPct,
		it.CGSTPct, it.SGSTPct, it.IGSTPct, it.CGSTAmount, it.SGSTAmount, it.IGSTAmount,
		it.UnitCost, it.SalePrice, it.MRP, it.Total, it.ChallanRef, it.ReturnReason, string(it.Status), nullID(it.CreatedBy))
	return scanItem(row)
}

func (r *txRepo) ListItems(ctx context.Context, invoiceID int64) ([]Item, error) {
	return listItems(ctx, r.tx, invoiceID)
}

func (r *txRepo) UpdateItem(ctx context.Context, it Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_invoice_items
SET status = $2, verified_by = $3, verified_at = $4, batch_id = $5 WHERE id = $1`,
		it.ID, string(it.Status), nullID(it.VerifiedBy), it.VerifiedAt, nullID(it.BatchID))
	return err
}

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO vendor_payments (invoice_id, vendor_id, amount, paid_on, mode, trans_ref, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
RETURNING `+paymentColumns,
		p.InvoiceID, p.VendorID, p.Amount, p.PaidOn, p.Mode, p.TransRef, nullID(p.CreatedBy), p.CreatedAt)
	return scanPayment(row)
}

func (r *txRepo) LockPayment(ctx context.Context, id int64) (Payment, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM vendor_payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}

func (r *txRepo) MarkPaymentReconciled(ctx context.Context, id int64, at time.Time, actorID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE vendor_payments SET reconciled = TRUE, reconciled_at = $2, reconciled_by = $3
WHERE id = $1 AND NOT reconciled`, id, at, nullID(actorID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentReconciled
	}
	return nil
}

func (r *txRepo) LockClaimable(ctx context.Context, from, to time.Time) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices
WHERE tax_status = 'ITC_ELIGIBLE' AND gstr2b_verified AND invoice_date BETWEEN $1 AND $2
ORDER BY id FOR UPDATE`, from, to)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *txRepo) LockOverdueClaims(ctx context.Context, cutoff time.Time) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM purchase_invoices
WHERE tax_status = 'ITC_CLAIMED' AND payment_status <> 'PAID' AND invoice_date <= $1
ORDER BY id FOR UPDATE`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func listItems(ctx context.Context, q db.Querier, invoiceID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM purchase_invoice_items WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                             Invoice
		status, payment, tax, lifecycle string
	)
	err := row.Scan(&inv.ID, &inv.VendorID, &inv.VendorGSTIN, &inv.InvoiceNo, &inv.InvoiceDate, &inv.GRNo, &inv.GRDate,
		&status, &payment, &tax, &lifecycle, &inv.Total, &inv.PaidAmount, &inv.CGSTAmount, &inv.SGSTAmount, &inv.IGSTAmount,
		&inv.InterState, &inv.GSTR2BVerified, &inv.TaxNote, &inv.Comments, &inv.CompletedAt, &inv.CompletedBy,
		&inv.ClosedAt, &inv.ClosedBy, &inv.ClosureNotes, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = ProcessingStatus(status)
	inv.PaymentStatus = PaymentStatus(payment)
	inv.TaxStatus = TaxStatus(tax)
	inv.LifecycleStatus = LifecycleStatus(lifecycle)
	inv.InvoiceDate = inv.InvoiceDate.UTC()
	inv.GRDate = inv.GRDate.UTC()
	return inv, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		it          Item
		typ, status string
		mfg         *time.Time
	)
	err := row.Scan(&it.ID, &it.InvoiceID, &it.ProductID, &typ, &it.BatchNumber, &it.ExpiryDate, &mfg,
		&it.Quantity, &it.FreeQuantity, &it.PTRValue, &it.DiscountPct, &it.TaxPct, &it.CGSTPct, &it.SGSTPct, &it.IGSTPct,
		&it.CGSTAmount, &it.SGSTAmount, &it.IGSTAmount, &it.UnitCost, &it.SalePrice, &it.MRP, &it.Total,
		&it.ChallanRef, &it.ReturnReason, &status, &it.BatchID, &it.VerifiedBy, &it.VerifiedAt, &it.CreatedBy)
	if err != nil {
		return Item{}, err
	}
	it.Type = ItemType(typ)
	it.Status = ItemStatus(status)
	it.ExpiryDate = it.ExpiryDate.UTC()
	if mfg != nil {
		it.ManufacturedDate = mfg.UTC()
	}
	return it, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.VendorID, &p.Amount, &p.PaidOn, &p.Mode, &p.TransRef,
		&p.Reconciled, &p.ReconciledAt, &p.ReconciledBy, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.PaidOn = p.PaidOn.UTC()
	return p, nil
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
