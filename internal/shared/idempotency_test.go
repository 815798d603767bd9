package shared

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// execTx records statements sent through the transaction carried by ctx.
type execTx struct {
	pgx.Tx
	sql  []string
	args [][]any
}

func (t *execTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.sql = append(t.sql, sql)
	t.args = append(t.args, args)
	return pgconn.NewCommandTag("DELETE 4"), nil
}

func TestIdempotencyStoreStampsKeysWithClock(t *testing.T) {
	now := time.Date(2026, time.April, 1, 9, 30, 0, 0, time.UTC)
	store := NewIdempotencyStore(nil, func() time.Time { return now })
	tx := &execTx{}
	ctx := ContextWithTx(context.Background(), tx)

	require.NoError(t, store.CheckAndInsert(ctx, "sale:42", "inventory"))
	require.Len(t, tx.args, 1)
	require.Equal(t, []any{"sale:42", "inventory", now}, tx.args[0])
}

func TestIdempotencyCleanupCutoffFollowsClock(t *testing.T) {
	now := time.Date(2026, time.April, 1, 3, 0, 0, 0, time.UTC)
	store := NewIdempotencyStore(nil, func() time.Time { return now })
	tx := &execTx{}
	ctx := ContextWithTx(context.Background(), tx)

	removed, err := store.Cleanup(ctx, 48*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 4, removed)
	require.Equal(t, []any{time.Date(2026, time.March, 30, 3, 0, 0, 0, time.UTC)}, tx.args[0])
}

func TestIdempotencyStoreRejectsMissingParts(t *testing.T) {
	store := NewIdempotencyStore(nil, nil)
	ctx := ContextWithTx(context.Background(), &execTx{})
	require.Error(t, store.CheckAndInsert(ctx, "", "inventory"))
	require.Error(t, store.CheckAndInsert(ctx, "k", ""))

	var missing *IdempotencyStore
	require.Error(t, missing.CheckAndInsert(ctx, "k", "inventory"))
}
