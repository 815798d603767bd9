package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAfterCommitDefersInsideTransaction(t *testing.T) {
	var order []string
	ctx, hooks := ContextWithCommitHooks(context.Background())

	AfterCommit(ctx, func(context.Context) { order = append(order, "audit") })
	AfterCommit(ctx, func(context.Context) { order = append(order, "publish") })
	require.Empty(t, order)

	hooks.Run(context.Background())
	require.Equal(t, []string{"audit", "publish"}, order)

	hooks.Run(context.Background())
	require.Len(t, order, 2, "hooks run once")
}

func TestAfterCommitRunsImmediatelyWithoutTransaction(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	require.True(t, ran)

	_, ok := TxFromContext(context.Background())
	require.False(t, ok)
}
