package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"go-barnacle/pkg/dcb"
)

// All statements are tenant-scoped by construction: the first positional
// argument is always the tenant id and every branch starts from
// "tenant_id = $1".

const eventColumns = "id, tenant_id, event_type, tags, data, metadata, created_at"

// buildStreamSQL translates a stream query to SQL. Callers must have ruled
// out unsatisfiable queries via MatchesNothing.
func buildStreamSQL(schema string, tenant dcb.Tenant, query dcb.StreamQuery, opts *dcb.StreamOptions) (string, []any) {
	args := []any{string(tenant)}
	conds := []string{"tenant_id = $1"}

	qConds, qArgs := queryConditions(query, len(args)+1)
	conds = append(conds, qConds...)
	args = append(args, qArgs...)

	sql := fmt.Sprintf(
		"SELECT id, event_type, tags, data, metadata, created_at, position FROM %s.events WHERE %s ORDER BY position ASC",
		schema, strings.Join(conds, " AND "),
	)
	if opts != nil && opts.MaxCount > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.MaxCount)
	}
	return sql, args
}

// queryConditions renders the tag and type dimensions of a query as SQL
// conditions with positional arguments starting at argIndex.
func queryConditions(query dcb.StreamQuery, argIndex int) ([]string, []any) {
	var conds []string
	var args []any

	if tags := query.Tags(); len(tags) > 0 {
		op := "&&" // overlap
		if query.MatchAllTags() {
			op = "@>" // containment
		}
		conds = append(conds, fmt.Sprintf("tags %s $%d::text[]", op, argIndex))
		args = append(args, dcb.TagsToArray(tags))
		argIndex++
	}

	if types := query.EventTypes(); len(types) > 0 && !containsWildcard(types) {
		if len(types) == 1 {
			conds = append(conds, fmt.Sprintf("event_type = $%d", argIndex))
			args = append(args, string(types[0]))
		} else {
			// MatchAllEventTypes with several types is unsatisfiable and was
			// rejected before SQL generation; this is the ANY branch.
			conds = append(conds, fmt.Sprintf("event_type = ANY($%d::text[])", argIndex))
			args = append(args, eventTypesToStrings(types))
		}
	}

	return conds, args
}

// boundaryConditions renders the consistency predicate of an append
// condition. The position clause degenerates to TRUE when no AfterEventID is
// given, and to -1 when the id does not exist (COALESCE), which makes the
// check "no matching events at all".
func boundaryConditions(schema string, cond dcb.AppendCondition, argIndex int) ([]string, []any) {
	conds := []string{"tenant_id = $1"}
	var args []any

	if cond.AfterEventID != nil {
		conds = append(conds, fmt.Sprintf(
			"position > COALESCE((SELECT position FROM %s.events WHERE tenant_id = $1 AND id = $%d), -1)",
			schema, argIndex,
		))
		args = append(args, *cond.AfterEventID)
		argIndex++
	} else {
		conds = append(conds, "TRUE")
	}

	qConds, qArgs := queryConditions(cond.FailIfEventsMatch, argIndex)
	conds = append(conds, qConds...)
	args = append(args, qArgs...)

	return conds, args
}

// buildInsertSQL renders an unconditional multi-row insert returning the
// assigned positions in input order.
func buildInsertSQL(schema string, tenant dcb.Tenant, events []dcb.InputEvent) (string, []any, error) {
	args := []any{string(tenant)}
	rows, args, err := valuesRows(events, args)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s.events (%s) VALUES %s RETURNING position",
		schema, eventColumns, strings.Join(rows, ", "),
	)
	return sql, args, nil
}

// buildConditionalAppendSQL renders the atomic check-and-insert statement:
// the EXISTS over the boundary predicate and the guarded insert share one
// snapshot, so the check is atomic with respect to the insert under READ
// COMMITTED.
func buildConditionalAppendSQL(schema string, tenant dcb.Tenant, events []dcb.InputEvent, cond dcb.AppendCondition) (string, []any, error) {
	args := []any{string(tenant)}

	boundaryConds, boundaryArgs := boundaryConditions(schema, cond, len(args)+1)
	args = append(args, boundaryArgs...)

	rows, args, err := valuesRows(events, args)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf(`WITH consistency_check AS (
	SELECT EXISTS (
		SELECT 1 FROM %[1]s.events WHERE %[2]s
	) AS has_conflicts
),
inserted AS (
	INSERT INTO %[1]s.events (%[3]s)
	SELECT v.id, v.tenant_id, v.event_type, v.tags, v.data, v.metadata, v.created_at
	FROM (VALUES %[4]s) AS v(%[3]s)
	WHERE NOT (SELECT has_conflicts FROM consistency_check)
	RETURNING position
)
SELECT i.position, c.has_conflicts
FROM consistency_check c
LEFT JOIN inserted i ON NOT c.has_conflicts
ORDER BY i.position NULLS FIRST`,
		schema, strings.Join(boundaryConds, " AND "), eventColumns, strings.Join(rows, ", "),
	)
	return sql, args, nil
}

// valuesRows renders one parenthesised VALUES row per event, appending the
// six per-event arguments to args. $1 (the tenant) is reused in every row.
func valuesRows(events []dcb.InputEvent, args []any) ([]string, []any, error) {
	rows := make([]string, len(events))
	for i, e := range events {
		md, err := marshalMetadata(e.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata of event %d: %w", i, err)
		}
		base := len(args)
		rows[i] = fmt.Sprintf(
			"($%d::uuid, $1::varchar, $%d::text, $%d::text[], $%d::jsonb, $%d::jsonb, $%d::timestamptz)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		)
		args = append(args,
			e.ID,
			string(e.Type),
			dcb.TagsToArray(e.Tags),
			string(e.Data),
			md,
			e.OccurredAt,
		)
	}
	return rows, args, nil
}

func marshalMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func containsWildcard(types []dcb.EventType) bool {
	for _, t := range types {
		if t == dcb.EventTypeAny {
			return true
		}
	}
	return false
}

func eventTypesToStrings(types []dcb.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
