package postgres

import "go.uber.org/zap"

const (
	// DefaultSchema is the Postgres schema the events table lives in.
	DefaultSchema = "app"

	// DefaultBulkInsertThreshold is the batch size at which the backend
	// switches from per-event inserts to a single multi-row statement.
	DefaultBulkInsertThreshold = 5

	// DefaultStreamBuffer is the channel buffer for StreamChannel.
	DefaultStreamBuffer = 100
)

// Config contains configuration for the Postgres backend.
type Config struct {
	// ConnectionString is used by Connect; ignored when a pool is supplied.
	ConnectionString string

	// Schema qualifies the events table. Defaults to DefaultSchema.
	Schema string

	// BulkInsertThreshold selects between bulk and sequential insert mode.
	// Values <= 0 fall back to the default.
	BulkInsertThreshold int

	// StreamBuffer is the channel buffer size for StreamChannel.
	StreamBuffer int

	// Logger receives backend errors. Defaults to a nop logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.BulkInsertThreshold <= 0 {
		c.BulkInsertThreshold = DefaultBulkInsertThreshold
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
