package dcb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ValidateAppend checks a tenant and batch before any I/O. Backends call it
// at the top of Append so both implementations reject the same inputs.
func ValidateAppend(tenant Tenant, events []InputEvent) error {
	if tenant == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("tenant cannot be empty"),
			},
			Field: "tenant",
			Value: "empty",
		}
	}
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	if e.ID == uuid.Nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("missing id in event %d", index),
			},
			Field: "id",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	if e.Type == "" || e.Type == EventTypeAny || !eventTypePattern.MatchString(string(e.Type)) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid type %q in event %d", e.Type, index),
			},
			Field: "type",
			Value: string(e.Type),
		}
	}

	for j, t := range e.Tags {
		if !tagPartPattern.MatchString(t.Key) {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("invalid tag key %q in event %d", t.Key, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
				Value: t.Key,
			}
		}
		if !tagPartPattern.MatchString(t.Value) {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("invalid value for key %s in tag %d of event %d", t.Key, j, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].value", index, j),
				Value: t.Value,
			}
		}
	}

	// Payloads land in a jsonb column; catch malformed JSON before any I/O.
	if !json.Valid(e.Data) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON data in event %d", index),
			},
			Field: "data",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	// The position and trace-availability keys are injected by the store on
	// read; a caller-supplied value would be silently overwritten or lied
	// about, so reject it up front. traceparent/tracestate are set by the
	// tracing layer before the backend sees the batch and pass through.
	for _, key := range []string{MetadataKeyPosition, MetadataKeyTraceContext} {
		if _, ok := e.Metadata[key]; ok {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("metadata key %s is reserved (event %d)", key, index),
				},
				Field: "metadata",
				Value: key,
			}
		}
	}

	return nil
}
