package dcb

import (
	"sort"
	"strings"
)

// StreamQuery is an immutable predicate over event tags and types. The zero
// value matches nothing; builders return new queries and never mutate the
// receiver, so queries can be shared freely across goroutines.
//
// Tags and types are independent dimensions combined with AND: when both are
// non-empty an event must satisfy both to match.
type StreamQuery struct {
	tags          []Tag
	types         []EventType
	matchAllTags  bool
	matchAllTypes bool
}

// NewStreamQuery creates an empty query. Used as a match predicate it matches
// nothing; add at least one tag or event type.
func NewStreamQuery() StreamQuery {
	return StreamQuery{}
}

// WithTags returns a copy of the query with the given tags appended.
func (q StreamQuery) WithTags(tags ...Tag) StreamQuery {
	out := q
	out.tags = append(append([]Tag{}, q.tags...), tags...)
	return out
}

// WithEventTypes returns a copy of the query with the given types appended.
func (q StreamQuery) WithEventTypes(types ...EventType) StreamQuery {
	out := q
	out.types = append(append([]EventType{}, q.types...), types...)
	return out
}

// RequiringAllTags returns a copy of the query that matches only events
// carrying every queried tag, instead of at least one.
func (q StreamQuery) RequiringAllTags() StreamQuery {
	out := q
	out.matchAllTags = true
	return out
}

// RequiringAllEventTypes returns a copy of the query in ALL mode for event
// types. A single event has exactly one type, so this is satisfiable only
// while the query holds at most one type.
func (q StreamQuery) RequiringAllEventTypes() StreamQuery {
	out := q
	out.matchAllTypes = true
	return out
}

// Tags returns the queried tags.
func (q StreamQuery) Tags() []Tag { return append([]Tag{}, q.tags...) }

// EventTypes returns the queried event types.
func (q StreamQuery) EventTypes() []EventType { return append([]EventType{}, q.types...) }

// MatchAllTags reports whether every queried tag must be present on an event.
func (q StreamQuery) MatchAllTags() bool { return q.matchAllTags }

// MatchAllEventTypes reports whether the type dimension is in ALL mode.
func (q StreamQuery) MatchAllEventTypes() bool { return q.matchAllTypes }

// IsEmpty reports whether the query has no conditions at all.
func (q StreamQuery) IsEmpty() bool {
	return len(q.tags) == 0 && len(q.types) == 0
}

// MatchesNothing reports whether the query is unsatisfiable for any single
// event: either it is empty, or it requires ALL of several distinct types.
// Backends short-circuit such queries without touching storage.
func (q StreamQuery) MatchesNothing() bool {
	if q.IsEmpty() {
		return true
	}
	if q.matchAllTypes && len(q.types) > 1 && !q.containsWildcardType() {
		return true
	}
	return false
}

func (q StreamQuery) containsWildcardType() bool {
	for _, t := range q.types {
		if t == EventTypeAny {
			return true
		}
	}
	return false
}

// Matches evaluates the query against a single event's type and tags.
func (q StreamQuery) Matches(eventType EventType, tags []Tag) bool {
	if q.IsEmpty() {
		return false
	}

	if len(q.tags) > 0 {
		if q.matchAllTags {
			for _, want := range q.tags {
				if !containsTag(tags, want) {
					return false
				}
			}
		} else {
			overlap := false
			for _, want := range q.tags {
				if containsTag(tags, want) {
					overlap = true
					break
				}
			}
			if !overlap {
				return false
			}
		}
	}

	if len(q.types) > 0 {
		if q.containsWildcardType() {
			return true
		}
		if q.matchAllTypes && len(q.types) > 1 {
			// A single event carries one type; requiring several is unsatisfiable.
			return false
		}
		for _, want := range q.types {
			if want == eventType {
				return true
			}
		}
		return false
	}

	return true
}

// String renders the canonical form used for telemetry and logging.
func (q StreamQuery) String() string {
	if q.IsEmpty() {
		return "*"
	}

	var parts []string
	if len(q.tags) > 0 {
		quoted := make([]string, len(q.tags))
		for i, t := range q.tags {
			quoted[i] = "'" + t.String() + "'"
		}
		parts = append(parts, "tag in ["+strings.Join(quoted, ",")+"]")
	}
	if len(q.types) > 0 {
		quoted := make([]string, len(q.types))
		for i, t := range q.types {
			quoted[i] = "'" + t.String() + "'"
		}
		parts = append(parts, "event type in ["+strings.Join(quoted, ",")+"]")
	}

	joiner := " OR "
	if q.matchAllTags || q.matchAllTypes {
		joiner = " AND "
	}
	return strings.Join(parts, joiner)
}

func containsTag(tags []Tag, want Tag) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// TagsToArray converts a slice of Tags to a PostgreSQL TEXT[] array of
// "key:value" entries, sorted for consistent ordering.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}

	result := make([]string, len(tags))
	for i, tag := range tags {
		result[i] = tag.String()
	}
	sort.Strings(result)
	return result
}

// ParseTagsArray converts a PostgreSQL TEXT[] array back to a slice of Tags.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return []Tag{}
	}

	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if item == "" {
			continue
		}

		// Split on first ":" only to handle values with colons
		parts := strings.SplitN(item, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			if key != "" {
				tags = append(tags, Tag{Key: key, Value: parts[1]})
			}
		}
	}
	return tags
}
