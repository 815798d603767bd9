package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

const constraintBatchKey = "product_batches_product_batch_expiry_key"

// Repository persists batches and their movement log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch Batch) (Batch, error)
	LockBatch(ctx context.Context, id int64) (Batch, error)
	LockSellableBatches(ctx context.Context, productID int64, today time.Time) ([]Batch, error)
	LockExpiring(ctx context.Context, asOf time.Time) ([]Batch, error)
	UpdateBatch(ctx context.Context, id int64, remaining int64, status BatchStatus, at time.Time) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

const batchColumns = `id, product_id, batch_number, expiry_date, manufactured_date, received_date,
quantity_received, quantity_remaining, ptr_cost, status, vendor_id, purchase_invoice_id, created_by, updated_at`

// WithTx runs fn in a serializable transaction, joining one already in ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetBatch returns a batch by id.
func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches WHERE id = $1`, id)
	return scanBatch(row)
}

// FindBatch returns the batch matching the natural key.
func (r *Repository) FindBatch(ctx context.Context, productID int64, batchNumber string, expiry time.Time) (Batch, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE product_id = $1 AND batch_number = $2 AND expiry_date = $3`, productID, batchNumber, expiry)
	return scanBatch(row)
}

// Movements lists the log of a batch in insertion order.
func (r *Repository) Movements(ctx context.Context, batchID int64) ([]Movement, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, batch_id, movement_type, quantity, COALESCE(ref_type, ''),
COALESCE(ref_id, ''), COALESCE(reason, ''), COALESCE(performed_by, 0), performed_at
FROM batch_movements WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var (
			m   Movement
			typ string
		)
		if err := rows.Scan(&m.ID, &m.BatchID, &typ, &m.Quantity, &m.RefType, &m.RefID, &m.Reason, &m.PerformedBy, &m.PerformedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

// NearExpiry lists ACTIVE batches with stock expiring in [from, until].
func (r *Repository) NearExpiry(ctx context.Context, from, until time.Time) ([]NearExpiryBatch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, product_id, batch_number, expiry_date, quantity_remaining,
quantity_remaining * ptr_cost
FROM product_batches
WHERE status = 'ACTIVE' AND quantity_remaining > 0 AND expiry_date >= $1 AND expiry_date <= $2
ORDER BY expiry_date, product_id, id`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NearExpiryBatch
	for rows.Next() {
		var b NearExpiryBatch
		if err := rows.Scan(&b.BatchID, &b.ProductID, &b.BatchNumber, &b.ExpiryDate, &b.QuantityAtRisk, &b.ValueAtRisk); err != nil {
			return nil, err
		}
		b.ExpiryDate = b.ExpiryDate.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// AvailableStock sums sellable quantity of a product.
func (r *Repository) AvailableStock(ctx context.Context, productID int64, today time.Time) (int64, error) {
	var total int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(quantity_remaining), 0)::bigint FROM product_batches
WHERE product_id = $1 AND status = 'ACTIVE' AND quantity_remaining > 0 AND expiry_date > $2`, productID, today).Scan(&total)
	return total, err
}

const reconcileQuery = `SELECT b.id, b.quantity_received, b.quantity_remaining,
COALESCE(SUM(m.quantity) FILTER (WHERE m.movement_type = 'RECEIVED'), 0)::bigint,
COALESCE(SUM(m.quantity) FILTER (WHERE m.movement_type <> 'RECEIVED'), 0)::bigint
FROM product_batches b
LEFT JOIN batch_movements m ON m.batch_id = b.id`

// Reconcile compares one batch with its movement log.
func (r *Repository) Reconcile(ctx context.Context, batchID int64) (Reconciliation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, reconcileQuery+` WHERE b.id = $1 GROUP BY b.id`, batchID)
	if err != nil {
		return Reconciliation{}, err
	}
	out, err := scanReconciliations(rows)
	if err != nil {
		return Reconciliation{}, err
	}
	if len(out) == 0 {
		return Reconciliation{}, ErrBatchNotFound
	}
	return out[0], nil
}

// Unbalanced lists batches whose log does not explain their quantities.
func (r *Repository) Unbalanced(ctx context.Context) ([]Reconciliation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, reconcileQuery+` GROUP BY b.id
HAVING COALESCE(SUM(m.quantity) FILTER (WHERE m.movement_type = 'RECEIVED'), 0) <> b.quantity_received
OR b.quantity_received + COALESCE(SUM(m.quantity) FILTER (WHERE m.movement_type <> 'RECEIVED'), 0) <> b.quantity_remaining
ORDER BY b.id`)
	if err != nil {
		return nil, err
	}
	return scanReconciliations(rows)
}

func scanReconciliations(rows pgx.Rows) ([]Reconciliation, error) {
	defer rows.Close()
	var out []Reconciliation
	for rows.Next() {
		var rec Reconciliation
		if err := rows.Scan(&rec.BatchID, &rec.QuantityReceived, &rec.QuantityRemaining, &rec.ReceivedLogged, &rec.MovementSum); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *txRepo) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO product_batches (product_id, batch_number, expiry_date, manufactured_date, received_date,
quantity_received, quantity_remaining, ptr_cost, status, vendor_id, purchase_invoice_id, created_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+batchColumns,
		b.ProductID, b.BatchNumber, b.ExpiryDate, nullDate(b.ManufacturedDate), b.ReceivedDate,
		b.QuantityReceived, b.QuantityRemaining, b.PTRCost, string(b.Status), nullID(b.VendorID), nullID(b.PurchaseInvoiceID),
		nullID(b.CreatedBy), b.UpdatedAt)
	inserted, err := scanBatch(row)
	if err != nil {
		if constraint, ok := db.IsUniqueViolation(err); ok && constraint == constraintBatchKey {
			return Batch{}, &shared.ConflictError{
				Entity: "product_batch",
				Key:    fmt.Sprintf("%d/%s/%s", b.ProductID, b.BatchNumber, b.ExpiryDate.Format(time.DateOnly)),
			}
		}
		return Batch{}, err
	}
	return inserted, nil
}

func (r *txRepo) LockBatch(ctx context.Context, id int64) (Batch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches WHERE id = $1 FOR UPDATE`, id)
	return scanBatch(row)
}

func (r *txRepo) LockSellableBatches(ctx context.Context, productID int64, today time.Time) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE product_id = $1 AND status = 'ACTIVE' AND quantity_remaining > 0 AND expiry_date > $2
ORDER BY expiry_date, received_date, id
FOR UPDATE`, productID, today)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (r *txRepo) LockExpiring(ctx context.Context, asOf time.Time) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE status = 'ACTIVE' AND expiry_date <= $1
ORDER BY expiry_date, id
FOR UPDATE`, asOf)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (r *txRepo) UpdateBatch(ctx context.Context, id int64, remaining int64, status BatchStatus, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE product_batches SET quantity_remaining = $2, status = $3, updated_at = $4 WHERE id = $1`,
		id, remaining, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batch_movements (batch_id, movement_type, quantity, ref_type, ref_id, reason, performed_by, performed_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
RETURNING id`, m.BatchID, string(m.Type), m.Quantity, m.RefType, m.RefID, m.Reason, nullID(m.PerformedBy), m.PerformedAt).Scan(&id)
	return id, err
}

func scanBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b         Batch
		status    string
		mfg       *time.Time
		vendor    *int64
		invoice   *int64
		createdBy *int64
		cost      decimal.Decimal
	)
	err := row.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ExpiryDate, &mfg, &b.ReceivedDate,
		&b.QuantityReceived, &b.QuantityRemaining, &cost, &status, &vendor, &invoice, &createdBy, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrBatchNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.PTRCost = cost
	b.Status = BatchStatus(status)
	b.ExpiryDate = b.ExpiryDate.UTC()
	b.ReceivedDate = b.ReceivedDate.UTC()
	if mfg != nil {
		b.ManufacturedDate = mfg.UTC()
	}
	if vendor != nil {
		b.VendorID = *vendor
	}
	if invoice != nil {
		b.PurchaseInvoiceID = *invoice
	}
	if createdBy != nil {
		b.CreatedBy = *createdBy
	}
	return b, nil
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
