package shared

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

type txContextKey struct{}

type commitHooksKey struct{}

// ContextWithTx stores the open transaction in context so nested repositories join it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext extracts the transaction from context.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// CommitHooks collects side effects that must only happen once the outermost
// transaction has committed.
type CommitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// ContextWithCommitHooks attaches a fresh hook list to ctx.
func ContextWithCommitHooks(ctx context.Context) (context.Context, *CommitHooks) {
	hooks := &CommitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, hooks), hooks
}

// AfterCommit defers fn until the enclosing transaction commits. Outside a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if hooks, ok := ctx.Value(commitHooksKey{}).(*CommitHooks); ok && hooks != nil {
		hooks.mu.Lock()
		hooks.fns = append(hooks.fns, fn)
		hooks.mu.Unlock()
		return
	}
	fn(ctx)
}

// Run executes the collected hooks in registration order.
func (h *CommitHooks) Run(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}
