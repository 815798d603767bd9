package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
)

// Repository persists counters in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	EnsureCounter(ctx context.Context, namespace string, fiscalYearStart time.Time) error
	LockCounter(ctx context.Context, namespace string, fiscalYearStart time.Time) (int64, error)
	StoreCounter(ctx context.Context, namespace string, fiscalYearStart time.Time, value int64, at time.Time) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a serializable transaction, joining one already in ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Current returns the last issued value, zero when the counter does not exist yet.
func (r *Repository) Current(ctx context.Context, namespace string, fiscalYearStart time.Time) (int64, error) {
	var last int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT last_value FROM sequence_counters WHERE namespace = $1 AND fiscal_year_start = $2`, namespace, fiscalYearStart).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

func (r *txRepo) EnsureCounter(ctx context.Context, namespace string, fiscalYearStart time.Time) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO sequence_counters (namespace, fiscal_year_start, last_value, updated_at)
VALUES ($1, $2, 0, NOW())
ON CONFLICT (namespace, fiscal_year_start) DO NOTHING`, namespace, fiscalYearStart)
	return err
}

func (r *txRepo) LockCounter(ctx context.Context, namespace string, fiscalYearStart time.Time) (int64, error) {
	var last int64
	err := r.tx.QueryRow(ctx, `SELECT last_value FROM sequence_counters
WHERE namespace = $1 AND fiscal_year_start = $2
FOR UPDATE`, namespace, fiscalYearStart).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("lock counter: %w", err)
	}
	return last, nil
}

func (r *txRepo) StoreCounter(ctx context.Context, namespace string, fiscalYearStart time.Time, value int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sequence_counters SET last_value = $3, updated_at = $4
WHERE namespace = $1 AND fiscal_year_start = $2 AND last_value = $3 - 1`, namespace, fiscalYearStart, value, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store counter %s: expected previous value %d", namespace, value-1)
	}
	return nil
}
