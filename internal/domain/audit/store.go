package audit

import (
	"context"
)

// Store persists audit records.
// Interface owned by domain per hexagonal architecture.
type Store interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Recorder accepts audit records without blocking the caller.
type Recorder interface {
	Record(record Record)
}
