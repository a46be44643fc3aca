package dcb

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Reserved metadata keys. The store injects these; callers must not set them.
const (
	MetadataKeyPosition     = "_position"
	MetadataKeyTraceContext = "_trace_context"
	MetadataKeyTraceparent  = "traceparent"
	MetadataKeyTracestate   = "tracestate"
)

var (
	tagPartPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	eventTypePattern = regexp.MustCompile(`^[a-z-]+$`)
)

// Tenant identifies the owner of a set of events. Every operation is scoped
// to exactly one tenant; the store never crosses tenants in a single call.
type Tenant string

func (t Tenant) String() string { return string(t) }

// EventType is a lower-case token classifying an event, e.g. "order-created".
type EventType string

// EventTypeAny is the wildcard event type: a query containing it matches
// events of any type.
const EventTypeAny EventType = "*"

func (t EventType) String() string { return string(t) }

// Tag is a (key, value) label attached to an event, e.g. order:123. Tags are
// the index DCB consistency boundaries are expressed over.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// String returns the canonical "key:value" form.
func (t Tag) String() string { return t.Key + ":" + t.Value }

// InputEvent is an event to be appended to the store.
type InputEvent struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	Tags       []Tag             `json:"tags"`
	Data       []byte            `json:"data"`
	Metadata   map[string]string `json:"metadata"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Event is the stored form of an event as observed by readers. The assigned
// global position travels in Metadata under MetadataKeyPosition.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	Data       []byte            `json:"data"`
	Metadata   map[string]string `json:"metadata"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Position returns the global position carried in the event metadata, or 0 if
// the event has not been read back from the store.
func (e Event) Position() int64 {
	p, err := strconv.ParseInt(e.Metadata[MetadataKeyPosition], 10, 64)
	if err != nil {
		return 0
	}
	return p
}

// StoredEvent is the internal record kept by backends.
type StoredEvent struct {
	Position   int64
	ID         uuid.UUID
	Tenant     Tenant
	Type       EventType
	Tags       []Tag
	Data       []byte
	Metadata   map[string]string
	OccurredAt time.Time
}

// Envelope converts the stored record into the reader-facing event, injecting
// the position into a copy of the metadata.
func (s StoredEvent) Envelope() Event {
	md := make(map[string]string, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		md[k] = v
	}
	md[MetadataKeyPosition] = strconv.FormatInt(s.Position, 10)
	return Event{
		ID:         s.ID,
		Type:       s.Type,
		Data:       s.Data,
		Metadata:   md,
		OccurredAt: s.OccurredAt,
	}
}

// StreamOptions provides options for streaming events.
type StreamOptions struct {
	// MaxCount truncates the result to the first MaxCount events by position.
	// Zero or negative means no limit.
	MaxCount int
}

// AppendCondition is the consistency boundary of a DCB append: the append
// succeeds only if no event matching FailIfEventsMatch has been stored after
// the event identified by AfterEventID (or at all, when AfterEventID is nil).
type AppendCondition struct {
	FailIfEventsMatch StreamQuery
	AfterEventID      *uuid.UUID
}
