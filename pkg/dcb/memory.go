package dcb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory reference implementation of EventStore. All
// appends serialise on a single store-wide mutex, which makes the consistency
// check trivially atomic with respect to the insert. Streams take only a read
// lock and may observe a prefix of a concurrent writer, but never a partially
// applied append.
//
// Intended for tests and as executable documentation of the backend contract.
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[Tenant]map[uuid.UUID]StoredEvent
	ids      map[uuid.UUID]struct{} // ids are unique across tenants
	position atomic.Int64
}

var _ EventStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[Tenant]map[uuid.UUID]StoredEvent),
		ids:     make(map[uuid.UUID]struct{}),
	}
}

// Append implements EventStore.
func (s *MemoryStore) Append(ctx context.Context, tenant Tenant, events []InputEvent, condition *AppendCondition) ([]Event, error) {
	if err := ValidateAppend(tenant, events); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return []Event{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate ids fail the whole batch before anything is stored, both
	// against the store and within the batch itself.
	seen := make(map[uuid.UUID]struct{}, len(events))
	for _, e := range events {
		if _, ok := s.ids[e.ID]; ok {
			return nil, s.duplicateErr(e.ID)
		}
		if _, ok := seen[e.ID]; ok {
			return nil, s.duplicateErr(e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	if condition != nil {
		if violated := s.boundaryViolated(tenant, *condition); violated {
			return nil, &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("append condition violated: events matching query %s exist", condition.FailIfEventsMatch),
				},
			}
		}
	}

	// Stage the whole batch first, checking cancellation between events, and
	// commit to the maps only once every position is stamped. A cancelled
	// batch leaves the store unchanged; the skipped positions stay as gaps,
	// same as an aborted database transaction.
	staged := make([]StoredEvent, 0, len(events))
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Stored events are immutable; detach them from the caller's slices
		// and maps so later mutation of the input cannot reach the store.
		staged = append(staged, StoredEvent{
			Position:   s.position.Add(1),
			ID:         e.ID,
			Tenant:     tenant,
			Type:       e.Type,
			Tags:       append([]Tag{}, e.Tags...),
			Data:       append([]byte{}, e.Data...),
			Metadata:   copyMetadata(e.Metadata),
			OccurredAt: e.OccurredAt,
		})
	}

	byID := s.tenants[tenant]
	if byID == nil {
		byID = make(map[uuid.UUID]StoredEvent)
		s.tenants[tenant] = byID
	}
	out := make([]Event, 0, len(staged))
	for _, stored := range staged {
		byID[stored.ID] = stored
		s.ids[stored.ID] = struct{}{}
		out = append(out, stored.Envelope())
	}
	return out, nil
}

// boundaryViolated evaluates the consistency boundary by scanning the
// tenant's events. Caller holds the write lock.
func (s *MemoryStore) boundaryViolated(tenant Tenant, condition AppendCondition) bool {
	query := condition.FailIfEventsMatch
	if query.MatchesNothing() {
		return false
	}

	// An unknown AfterEventID degenerates to "no matching events at all".
	after := int64(-1)
	if condition.AfterEventID != nil {
		if e, ok := s.tenants[tenant][*condition.AfterEventID]; ok {
			after = e.Position
		}
	}

	for _, e := range s.tenants[tenant] {
		if e.Position > after && query.Matches(e.Type, e.Tags) {
			return true
		}
	}
	return false
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) duplicateErr(id uuid.UUID) error {
	return &DuplicateEventError{
		EventStoreError: EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("event id %s already exists", id),
		},
		EventID: id,
	}
}

// Stream implements EventStore.
func (s *MemoryStore) Stream(ctx context.Context, tenant Tenant, query StreamQuery, opts *StreamOptions) ([]Event, error) {
	matches, err := s.snapshot(ctx, tenant, query)
	if err != nil {
		return nil, err
	}

	if opts != nil && opts.MaxCount > 0 && len(matches) > opts.MaxCount {
		matches = matches[:opts.MaxCount]
	}

	out := make([]Event, len(matches))
	for i, e := range matches {
		out[i] = e.Envelope()
	}
	return out, nil
}

// StreamChannel implements EventStore.
func (s *MemoryStore) StreamChannel(ctx context.Context, tenant Tenant, query StreamQuery) (<-chan Event, error) {
	matches, err := s.snapshot(ctx, tenant, query)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, defaultStreamBuffer)
	go func() {
		defer close(ch)
		for _, e := range matches {
			select {
			case ch <- e.Envelope():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

const defaultStreamBuffer = 100

// snapshot filters and orders the tenant's events under a read lock.
func (s *MemoryStore) snapshot(ctx context.Context, tenant Tenant, query StreamQuery) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query.MatchesNothing() {
		return nil, nil
	}

	s.mu.RLock()
	var matches []StoredEvent
	for _, e := range s.tenants[tenant] {
		if query.Matches(e.Type, e.Tags) {
			matches = append(matches, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Position < matches[j].Position })
	return matches, nil
}

// =============================================================================
// Debugging accessors (not part of the backend contract)
// =============================================================================

// AllEvents returns every stored event of the tenant ordered by position.
func (s *MemoryStore) AllEvents(tenant Tenant) []StoredEvent {
	s.mu.RLock()
	events := make([]StoredEvent, 0, len(s.tenants[tenant]))
	for _, e := range s.tenants[tenant] {
		events = append(events, e)
	}
	s.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Position < events[j].Position })
	return events
}

// Count returns the number of stored events of the tenant.
func (s *MemoryStore) Count(tenant Tenant) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenant])
}

// Contains reports whether the tenant holds an event with the given id.
func (s *MemoryStore) Contains(tenant Tenant, id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenant][id]
	return ok
}
