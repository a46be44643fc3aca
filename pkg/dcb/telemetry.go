package dcb

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-barnacle/pkg/dcb"

// TracingStore wraps an EventStore and opens one span per operation: "Stream"
// with the canonical query string in the display name, and "Append" with one
// span event per appended event. While a trace is active the W3C trace
// context is serialised into the stored metadata (traceparent, tracestate);
// on Stream, metadata carrying a parseable context is flagged with
// _trace_context=available.
//
// With no tracer provider configured all spans are no-ops and the wrapper is
// pass-through.
type TracingStore struct {
	inner      EventStore
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var _ EventStore = (*TracingStore)(nil)

// TracingOption configures a TracingStore.
type TracingOption func(*TracingStore)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(s *TracingStore) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// NewTracingStore wraps inner with span creation around Stream and Append.
func NewTracingStore(inner EventStore, opts ...TracingOption) *TracingStore {
	s := &TracingStore{
		inner:      inner,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream implements EventStore.
func (s *TracingStore) Stream(ctx context.Context, tenant Tenant, query StreamQuery, opts *StreamOptions) ([]Event, error) {
	maxCount := 0
	if opts != nil {
		maxCount = opts.MaxCount
	}
	ctx, span := s.tracer.Start(ctx, "Stream "+query.String(),
		trace.WithAttributes(
			attribute.String("tenant.id", tenant.String()),
			attribute.Int("events.max", maxCount),
		))
	defer span.End()

	events, err := s.inner.Stream(ctx, tenant, query, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := range events {
		s.markTraceContext(events[i].Metadata)
	}
	return events, nil
}

// StreamChannel implements EventStore. The span covers only the query setup;
// the channel outlives it.
func (s *TracingStore) StreamChannel(ctx context.Context, tenant Tenant, query StreamQuery) (<-chan Event, error) {
	ctx, span := s.tracer.Start(ctx, "Stream "+query.String(),
		trace.WithAttributes(attribute.String("tenant.id", tenant.String())))
	defer span.End()

	inner, err := s.inner.StreamChannel(ctx, tenant, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make(chan Event, defaultStreamBuffer)
	go func() {
		defer close(out)
		for e := range inner {
			s.markTraceContext(e.Metadata)
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Append implements EventStore.
func (s *TracingStore) Append(ctx context.Context, tenant Tenant, events []InputEvent, condition *AppendCondition) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("tenant.id", tenant.String()),
			attribute.Int("events.count", len(events)),
		))
	defer span.End()

	for _, e := range events {
		span.AddEvent("event", trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.type", e.Type.String()),
			attribute.StringSlice("event.tags", TagsToArray(e.Tags)),
		))
	}

	if trace.SpanContextFromContext(ctx).IsValid() {
		events = s.injectTraceContext(ctx, events)
	}

	out, err := s.inner.Append(ctx, tenant, events, condition)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// injectTraceContext copies each event and stamps the active trace context
// into its metadata. Caller-owned events and maps are never mutated.
func (s *TracingStore) injectTraceContext(ctx context.Context, events []InputEvent) []InputEvent {
	out := make([]InputEvent, len(events))
	for i, e := range events {
		md := make(map[string]string, len(e.Metadata)+2)
		for k, v := range e.Metadata {
			md[k] = v
		}
		s.propagator.Inject(ctx, propagation.MapCarrier(md))
		e.Metadata = md
		out[i] = e
	}
	return out
}

// markTraceContext flags metadata whose stored trace context keys parse as a
// valid span context.
func (s *TracingStore) markTraceContext(md map[string]string) {
	if md == nil {
		return
	}
	if _, ok := md[MetadataKeyTraceparent]; !ok {
		return
	}
	extracted := s.propagator.Extract(context.Background(), propagation.MapCarrier(md))
	if trace.SpanContextFromContext(extracted).IsValid() {
		md[MetadataKeyTraceContext] = "available"
	}
}
