package dcb

import (
	"context"
)

// EventStore is the backend contract: a multi-tenant, append-only event log
// with dynamic consistency boundaries. Both the Postgres backend and the
// in-memory reference implementation satisfy it.
type EventStore interface {
	// Stream returns all stored events of the tenant matching the query,
	// ordered by ascending global position. An empty query matches nothing;
	// use a query with EventTypeAny to read everything.
	Stream(ctx context.Context, tenant Tenant, query StreamQuery, opts *StreamOptions) ([]Event, error)

	// StreamChannel delivers the same result set as Stream through a channel.
	// The channel is closed when the result set is exhausted or the context is
	// cancelled. This is a finite read, not a subscription.
	StreamChannel(ctx context.Context, tenant Tenant, query StreamQuery) (<-chan Event, error)

	// Append atomically persists the events in input order, optionally guarded
	// by a consistency boundary. Either all events are stored with contiguous
	// positions or none are. A violated boundary yields a ConcurrencyError, a
	// known id a DuplicateEventError; in both cases the store is unchanged.
	Append(ctx context.Context, tenant Tenant, events []InputEvent, condition *AppendCondition) ([]Event, error)
}
