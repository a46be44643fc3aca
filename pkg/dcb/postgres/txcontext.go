package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// The ambient transaction scope lets several Append calls share one
// transaction, e.g. for outbox-style command handlers. The scope is carried
// in the context, so it is isolated per call chain and never process-wide.
//
// When a scope is present, Append runs its statements on that transaction and
// neither commits nor rolls back; the scope owner decides. A ConcurrencyError
// raised inside a scope therefore propagates without rollback at this layer.

type txContextKey struct{}

// WithTx returns a context carrying the transaction as the ambient scope for
// nested Append calls.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the ambient transaction, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}
