package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is the storage layout of the backend: one append-only table plus
// the indexes behind the two hot paths (tenant-scoped ordering and tag
// containment). %[1]s is the schema name.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.events (
    position   BIGSERIAL PRIMARY KEY,
    id         UUID NOT NULL UNIQUE,
    tenant_id  VARCHAR(255) NOT NULL,
    event_type TEXT NOT NULL,
    data       JSONB NOT NULL,
    tags       TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    metadata   JSONB NOT NULL DEFAULT '{}'
);

-- tenant scan in stream order
CREATE INDEX IF NOT EXISTS idx_events_tenant_position
    ON %[1]s.events (tenant_id, position DESC);

-- tag containment and overlap
CREATE INDEX IF NOT EXISTS idx_events_tags
    ON %[1]s.events USING GIN (tags);

-- covering tenant index
CREATE INDEX IF NOT EXISTS idx_events_tenant_covering
    ON %[1]s.events (tenant_id) INCLUDE (tags, event_type, position);

-- type within tenant
CREATE INDEX IF NOT EXISTS idx_events_tenant_type
    ON %[1]s.events (tenant_id, event_type) INCLUDE (position, tags);

-- boundary scans
CREATE INDEX IF NOT EXISTS idx_events_tenant_boundary
    ON %[1]s.events (tenant_id, position) WHERE position > 0;

-- time queries
CREATE INDEX IF NOT EXISTS idx_events_tenant_created
    ON %[1]s.events (tenant_id, created_at);

-- global order for cross-tenant catch-up readers
CREATE INDEX IF NOT EXISTS idx_events_position_covering
    ON %[1]s.events (position)
    INCLUDE (id, tenant_id, event_type, tags, data, metadata, created_at);
`

// SchemaDDL returns the DDL for the given schema name.
func SchemaDDL(schema string) string {
	if schema == "" {
		schema = DefaultSchema
	}
	return fmt.Sprintf(schemaDDL, schema)
}

// EnsureSchema creates the schema, events table and indexes if missing.
// Running migrations is the caller's concern in production; this exists so
// tests and local setups can boot a fresh database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if _, err := pool.Exec(ctx, SchemaDDL(schema)); err != nil {
		return fmt.Errorf("ensure schema %q: %w", schema, err)
	}
	return nil
}
