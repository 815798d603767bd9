package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed keys. Inside a transaction carried by the
// context the key is written in that transaction, so a rollback forgets it.
type IdempotencyStore struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewIdempotencyStore constructs the store. clock stamps keys and sets the
// cleanup cutoff; nil means the wall clock in UTC.
func NewIdempotencyStore(pool *pgxpool.Pool, clock func() time.Time) *IdempotencyStore {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &IdempotencyStore{pool: pool, clock: clock}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *IdempotencyStore) conn(ctx context.Context) execer {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := s.conn(ctx).Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, s.clock())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := s.clock().Add(-olderThan)
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
