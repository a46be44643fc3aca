package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go-barnacle/pkg/dcb"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the durable Postgres-backed EventStore. The consistency check and
// the insert of an append run as one statement, so two conflicting writers
// serialise at the database: the later one either sees the earlier rows in
// its EXISTS or collides on the unique id index.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
}

var _ dcb.EventStore = (*Store)(nil)

// Connect creates a pool from cfg.ConnectionString and returns a store
// backed by it. Close releases the pool.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	pool, err := pgxpool.New(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "Connect",
				Err: fmt.Errorf("unable to create pool: %w", err),
			},
			Resource: "database",
		}
	}
	store, err := NewStore(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStore creates a store on an existing pool, verifying connectivity.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "NewStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}
	return NewStoreFromPool(pool, cfg), nil
}

// NewStoreFromPool creates a store without connection testing. This is used
// by tests that share a Postgres container.
func NewStoreFromPool(pool *pgxpool.Pool, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Pool exposes the underlying pool, e.g. to open an ambient transaction.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Stream implements dcb.EventStore. It uses a pooled connection without an
// explicit transaction; a single ORDER BY position query is already a
// consistent snapshot.
func (s *Store) Stream(ctx context.Context, tenant dcb.Tenant, query dcb.StreamQuery, opts *dcb.StreamOptions) ([]dcb.Event, error) {
	if err := validateTenant(tenant, "stream"); err != nil {
		return nil, err
	}
	if query.MatchesNothing() {
		return []dcb.Event{}, nil
	}

	sql, args := buildStreamSQL(s.cfg.Schema, tenant, query, opts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.surface("stream", err)
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		stored, err := scanStoredEvent(rows, tenant)
		if err != nil {
			return nil, s.surface("stream", err)
		}
		events = append(events, stored.Envelope())
	}
	if err := rows.Err(); err != nil {
		return nil, s.surface("stream", err)
	}
	if events == nil {
		events = []dcb.Event{}
	}
	return events, nil
}

// StreamChannel implements dcb.EventStore.
func (s *Store) StreamChannel(ctx context.Context, tenant dcb.Tenant, query dcb.StreamQuery) (<-chan dcb.Event, error) {
	if err := validateTenant(tenant, "stream"); err != nil {
		return nil, err
	}

	ch := make(chan dcb.Event, s.cfg.StreamBuffer)
	if query.MatchesNothing() {
		close(ch)
		return ch, nil
	}

	sql, args := buildStreamSQL(s.cfg.Schema, tenant, query, nil)
	go func() {
		defer close(ch)

		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			s.logger.Error("stream channel query failed", zap.Error(err), zap.String("tenant", tenant.String()))
			return
		}
		defer rows.Close()

		for rows.Next() {
			stored, err := scanStoredEvent(rows, tenant)
			if err != nil {
				s.logger.Error("stream channel scan failed", zap.Error(err), zap.String("tenant", tenant.String()))
				return
			}
			select {
			case ch <- stored.Envelope():
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			s.logger.Error("stream channel iteration failed", zap.Error(err), zap.String("tenant", tenant.String()))
		}
	}()
	return ch, nil
}

// Append implements dcb.EventStore. Outside an ambient transaction scope the
// store owns a READ COMMITTED transaction per call; inside one it only runs
// statements and leaves commit and rollback to the scope owner.
func (s *Store) Append(ctx context.Context, tenant dcb.Tenant, events []dcb.InputEvent, condition *dcb.AppendCondition) ([]dcb.Event, error) {
	if err := dcb.ValidateAppend(tenant, events); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return []dcb.Event{}, nil
	}

	// An unsatisfiable boundary can never match a row, so the check passes
	// trivially and the insert is unconditional.
	if condition != nil && condition.FailIfEventsMatch.MatchesNothing() {
		condition = nil
	}

	bulk := len(events) >= s.cfg.BulkInsertThreshold

	if tx, ok := TxFromContext(ctx); ok {
		out, err := s.appendInTx(ctx, tx, tenant, events, condition, bulk)
		if err != nil {
			return nil, s.logged(err)
		}
		return out, nil
	}

	out, err := s.appendOwnTx(ctx, tenant, events, condition, bulk)
	if err != nil && bulk && retryableSequentially(err) {
		s.logger.Warn("bulk append failed, retrying in sequential mode",
			zap.Error(err), zap.String("tenant", tenant.String()), zap.Int("events", len(events)))
		out, err = s.appendOwnTx(ctx, tenant, events, condition, false)
	}
	if err != nil {
		return nil, s.logged(err)
	}
	return out, nil
}

// appendOwnTx runs one append attempt in a store-owned transaction.
func (s *Store) appendOwnTx(ctx context.Context, tenant dcb.Tenant, events []dcb.InputEvent, condition *dcb.AppendCondition, bulk bool) ([]dcb.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classifyError("append", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	out, err := s.appendInTx(ctx, tx, tenant, events, condition, bulk)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError("append", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return out, nil
}

// appendInTx inserts the batch on the given transaction, either as one
// multi-row statement or event by event. In sequential mode only the first
// row carries the boundary: once it is in, the boundary would trivially match
// the row just inserted.
func (s *Store) appendInTx(ctx context.Context, tx pgx.Tx, tenant dcb.Tenant, events []dcb.InputEvent, condition *dcb.AppendCondition, bulk bool) ([]dcb.Event, error) {
	var positions []int64
	if bulk {
		var err error
		positions, err = s.execAppend(ctx, tx, tenant, events, condition)
		if err != nil {
			return nil, err
		}
	} else {
		positions = make([]int64, 0, len(events))
		for i := range events {
			cond := condition
			if i > 0 {
				cond = nil
			}
			ps, err := s.execAppend(ctx, tx, tenant, events[i:i+1], cond)
			if err != nil {
				return nil, err
			}
			positions = append(positions, ps...)
		}
	}

	if len(positions) != len(events) {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("expected %d inserted positions, got %d", len(events), len(positions)),
			},
			Resource: "database",
		}
	}

	out := make([]dcb.Event, len(events))
	for i, e := range events {
		out[i] = dcb.StoredEvent{
			Position:   positions[i],
			ID:         e.ID,
			Tenant:     tenant,
			Type:       e.Type,
			Tags:       e.Tags,
			Data:       e.Data,
			Metadata:   e.Metadata,
			OccurredAt: e.OccurredAt,
		}.Envelope()
	}
	return out, nil
}

// execAppend issues a single insert statement for the batch, with the
// consistency check folded in when a condition is present, and returns the
// assigned positions in input order.
func (s *Store) execAppend(ctx context.Context, tx pgx.Tx, tenant dcb.Tenant, batch []dcb.InputEvent, condition *dcb.AppendCondition) ([]int64, error) {
	var (
		sql  string
		args []any
		err  error
	)
	if condition == nil {
		sql, args, err = buildInsertSQL(s.cfg.Schema, tenant, batch)
	} else {
		sql, args, err = buildConditionalAppendSQL(s.cfg.Schema, tenant, batch, *condition)
	}
	if err != nil {
		return nil, &dcb.EventStoreError{Op: "append", Err: err}
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyError("append", err)
	}
	defer rows.Close()

	positions := make([]int64, 0, len(batch))
	if condition == nil {
		for rows.Next() {
			var position int64
			if err := rows.Scan(&position); err != nil {
				return nil, classifyError("append", err)
			}
			positions = append(positions, position)
		}
	} else {
		for rows.Next() {
			var position *int64
			var hasConflicts bool
			if err := rows.Scan(&position, &hasConflicts); err != nil {
				return nil, classifyError("append", err)
			}
			if hasConflicts {
				return nil, &dcb.ConcurrencyError{
					EventStoreError: dcb.EventStoreError{
						Op:  "append",
						Err: fmt.Errorf("append condition violated: events matching query %s exist", condition.FailIfEventsMatch),
					},
				}
			}
			if position != nil {
				positions = append(positions, *position)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("append", err)
	}
	return positions, nil
}

// =============================================================================
// Row scanning and error classification
// =============================================================================

func scanStoredEvent(rows pgx.Rows, tenant dcb.Tenant) (dcb.StoredEvent, error) {
	var (
		id         uuid.UUID
		eventType  string
		tags       []string
		data       []byte
		metadata   []byte
		occurredAt time.Time
		position   int64
	)
	if err := rows.Scan(&id, &eventType, &tags, &data, &metadata, &occurredAt, &position); err != nil {
		return dcb.StoredEvent{}, fmt.Errorf("failed to scan event row: %w", err)
	}

	var md map[string]string
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &md); err != nil {
			return dcb.StoredEvent{}, fmt.Errorf("failed to unmarshal metadata for event %s: %w", id, err)
		}
	}

	return dcb.StoredEvent{
		Position:   position,
		ID:         id,
		Tenant:     tenant,
		Type:       dcb.EventType(eventType),
		Tags:       dcb.ParseTagsArray(tags),
		Data:       data,
		Metadata:   md,
		OccurredAt: occurredAt,
	}, nil
}

func validateTenant(tenant dcb.Tenant, op string) error {
	if tenant == "" {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{
				Op:  op,
				Err: fmt.Errorf("tenant cannot be empty"),
			},
			Field: "tenant",
			Value: "empty",
		}
	}
	return nil
}

var duplicateKeyDetail = regexp.MustCompile(`\(id\)=\(([0-9a-fA-F-]{36})\)`)

// classifyError maps database errors onto the store taxonomy. Cancellation is
// surfaced as the context error, never wrapped.
func classifyError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		var id uuid.UUID
		if m := duplicateKeyDetail.FindStringSubmatch(pgErr.Detail); m != nil {
			id, _ = uuid.Parse(m[1])
		}
		return &dcb.DuplicateEventError{
			EventStoreError: dcb.EventStoreError{
				Op:  op,
				Err: fmt.Errorf("event id already exists: %w", err),
			},
			EventID: id,
		}
	}

	return &dcb.ResourceError{
		EventStoreError: dcb.EventStoreError{
			Op:  op,
			Err: err,
		},
		Resource: "database",
	}
}

// retryableSequentially reports whether a failed bulk insert is worth one
// retry in sequential mode: only plain backend errors qualify, never
// conflicts, duplicates, validation failures or cancellation.
func retryableSequentially(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return dcb.IsResourceError(err)
}

// surface classifies a raw error and logs it when it is a backend failure.
func (s *Store) surface(op string, err error) error {
	return s.logged(classifyError(op, err))
}

// logged logs an already-classified error at error level when it is a plain
// backend failure; conflicts and duplicates are the caller's business.
func (s *Store) logged(err error) error {
	if dcb.IsResourceError(err) {
		s.logger.Error("event store backend error", zap.Error(err))
	}
	return err
}
