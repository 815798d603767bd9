package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Constraints guarding the interval invariant. A violation means another
// transaction posted concurrently, so the caller may retry.
const (
	constraintOneOpen    = "price_intervals_one_open"
	constraintNoOverlap  = "price_intervals_no_overlap"
	codeExclusionViolate = "23P01"
)

// Repository persists price intervals in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LockOpenInterval(ctx context.Context, productID int64) (PriceInterval, error)
	CloseInterval(ctx context.Context, id int64, effectiveTo time.Time) error
	InsertInterval(ctx context.Context, interval PriceInterval) (int64, time.Time, error)
}

type txRepo struct {
	tx pgx.Tx
}

const intervalColumns = `id, product_id, effective_from, effective_to, sale_price, mrp, base_price,
margin_pct, discount_pct, tax_pct, tax_inclusive, calculation_method, reason, comments, created_by, created_at`

// WithTx runs fn in a serializable transaction, joining one already in ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// PriceAt returns the interval whose closed range contains asOf.
func (r *Repository) PriceAt(ctx context.Context, productID int64, asOf time.Time) (PriceInterval, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+intervalColumns+` FROM price_intervals
WHERE product_id = $1 AND effective_from <= $2 AND effective_to >= $2`, productID, asOf)
	interval, err := scanInterval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PriceInterval{}, ErrPriceNotFound
	}
	return interval, err
}

// History lists all intervals ordered by start date.
func (r *Repository) History(ctx context.Context, productID int64) ([]PriceInterval, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+intervalColumns+` FROM price_intervals
WHERE product_id = $1 ORDER BY effective_from`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PriceInterval
	for rows.Next() {
		interval, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, interval)
	}
	return out, rows.Err()
}

func (r *txRepo) LockOpenInterval(ctx context.Context, productID int64) (PriceInterval, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+intervalColumns+` FROM price_intervals
WHERE product_id = $1 AND effective_to = $2
FOR UPDATE`, productID, InfinityDate)
	interval, err := scanInterval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PriceInterval{}, ErrPriceNotFound
	}
	return interval, err
}

func (r *txRepo) CloseInterval(ctx context.Context, id int64, effectiveTo time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE price_intervals SET effective_to = $2 WHERE id = $1`, id, effectiveTo)
	return classifyIntervalError(err)
}

func (r *txRepo) InsertInterval(ctx context.Context, p PriceInterval) (int64, time.Time, error) {
	var (
		id        int64
		createdAt time.Time
	)
	err := r.tx.QueryRow(ctx, `INSERT INTO price_intervals (product_id, effective_from, effective_to, sale_price, mrp, base_price,
margin_pct, discount_pct, tax_pct, tax_inclusive, calculation_method, reason, comments, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
RETURNING id, created_at`,
		p.ProductID, p.EffectiveFrom, p.EffectiveTo, p.SalePrice, p.MRP, p.BasePrice,
		p.MarginPct, p.DiscountPct, p.TaxPct, p.TaxInclusive, string(p.Method), p.Reason, p.Comments, p.CreatedBy,
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, time.Time{}, classifyIntervalError(err)
	}
	return id, createdAt, nil
}

func classifyIntervalError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if (pgErr.Code == db.CodeUniqueViolation && pgErr.ConstraintName == constraintOneOpen) ||
			(pgErr.Code == codeExclusionViolate && pgErr.ConstraintName == constraintNoOverlap) {
			return &shared.TransientError{Code: pgErr.Code, Err: err}
		}
	}
	return err
}

func scanInterval(row pgx.Row) (PriceInterval, error) {
	var (
		p      PriceInterval
		method string
	)
	err := row.Scan(&p.ID, &p.ProductID, &p.EffectiveFrom, &p.EffectiveTo, &p.SalePrice, &p.MRP, &p.BasePrice,
		&p.MarginPct, &p.DiscountPct, &p.TaxPct, &p.TaxInclusive, &method, &p.Reason, &p.Comments, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return PriceInterval{}, err
	}
	p.Method = CalculationMethod(method)
	p.EffectiveFrom = p.EffectiveFrom.UTC()
	p.EffectiveTo = p.EffectiveTo.UTC()
	return p, nil
}
