package dcb

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

// =============================================================================
// Tenant and EventType Constructors
// =============================================================================

// NewTenant creates a Tenant, rejecting the empty identifier.
func NewTenant(id string) (Tenant, error) {
	if id == "" {
		return "", &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewTenant",
				Err: fmt.Errorf("tenant id cannot be empty"),
			},
			Field: "tenant",
			Value: "empty",
		}
	}
	return Tenant(id), nil
}

// NewEventType creates an EventType, enforcing the ^[a-z-]+$ token format.
// The wildcard EventTypeAny is admitted for use in queries.
func NewEventType(id string) (EventType, error) {
	if id == string(EventTypeAny) {
		return EventTypeAny, nil
	}
	if !eventTypePattern.MatchString(id) {
		return "", &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewEventType",
				Err: fmt.Errorf("event type %q must match %s", id, eventTypePattern),
			},
			Field: "type",
			Value: id,
		}
	}
	return EventType(id), nil
}

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair, enforcing the
// ^[A-Za-z0-9_-]+$ format on both sides.
func NewTag(key, value string) (Tag, error) {
	if !tagPartPattern.MatchString(key) {
		return Tag{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewTag",
				Err: fmt.Errorf("tag key %q must match %s", key, tagPartPattern),
			},
			Field: "tag.key",
			Value: key,
		}
	}
	if !tagPartPattern.MatchString(value) {
		return Tag{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewTag",
				Err: fmt.Errorf("tag value %q must match %s", value, tagPartPattern),
			},
			Field: "tag.value",
			Value: value,
		}
	}
	return Tag{Key: key, Value: value}, nil
}

// MustTag is NewTag that panics on invalid input. For tests and static wiring.
func MustTag(key, value string) Tag {
	t, err := NewTag(key, value)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTag parses the canonical "key:value" form, splitting on the first
// colon only.
func ParseTag(s string) (Tag, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Tag{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "ParseTag",
				Err: fmt.Errorf("tag %q is not in key:value form", s),
			},
			Field: "tag",
			Value: s,
		}
	}
	return NewTag(parts[0], parts[1])
}

// NewTags creates a slice of tags from key-value pairs. It panics if the
// number of arguments is odd or a pair is invalid.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		panic("NewTags: odd number of arguments")
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = MustTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates an InputEvent with a fresh time-ordered id and the
// current time. Metadata may be nil.
func NewInputEvent(eventType EventType, tags []Tag, data []byte, metadata map[string]string) InputEvent {
	return InputEvent{
		ID:         NewEventID(),
		Type:       eventType,
		Tags:       tags,
		Data:       data,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
}

// NewEventBatch creates a slice of events from the given InputEvents. This is
// a convenience for appending multiple related events in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// NewEventID generates a time-ordered UUID for a new event. The id is the
// UUIDv7 suffix of a TypeID, so ids sort roughly by creation time.
func NewEventID() uuid.UUID {
	tid, err := typeid.WithPrefix("event")
	if err != nil {
		return uuid.New()
	}
	id, err := uuid.FromBytes(tid.UUIDBytes())
	if err != nil {
		return uuid.New()
	}
	return id
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates a condition that fails the append if any event
// matching the query exists at all.
func NewAppendCondition(failIfEventsMatch StreamQuery) *AppendCondition {
	return &AppendCondition{FailIfEventsMatch: failIfEventsMatch}
}

// NewAppendConditionAfter creates a condition that fails the append if any
// event matching the query was stored after the event with the given id.
func NewAppendConditionAfter(failIfEventsMatch StreamQuery, afterEventID uuid.UUID) *AppendCondition {
	return &AppendCondition{
		FailIfEventsMatch: failIfEventsMatch,
		AfterEventID:      &afterEventID,
	}
}
