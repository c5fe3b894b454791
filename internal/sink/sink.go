// Package sink delivers record batches to their destination.
package sink

import (
	"context"

	"github.com/google/uuid"

	"bodsch.me/logstream-ingest/internal/record"
)

// Batch is one flushed group of records in acceptance order.
type Batch struct {
	ID      uuid.UUID
	Records []record.Record
	Final   bool // set on the batch produced by the terminal flush
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Sink is a batch destination. Deliver is never called concurrently and never after Close.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch Batch) error
	Close() error
}

// TableInitializer is implemented by sinks that must prepare a destination table
// from the first record before any batch is delivered.
type TableInitializer interface {
	EnsureTable(ctx context.Context, sample record.Record) error
}
