// Package stream defines the push contract between event sources, the query stage and the uploader.
package stream

import (
	"context"

	"bodsch.me/logstream-ingest/internal/record"
)

// Observer consumes a push-based record stream.
//
// Producers call OnNext zero or more times followed by at most one of OnError or OnCompleted.
// No OnNext may follow OnError or OnCompleted.
type Observer interface {
	OnNext(rec record.Record)
	OnError(err error)
	OnCompleted()
}

// Source is an event source that pushes records into an Observer from its own receive loop.
type Source interface {
	// Start binds the source and begins pushing records into obs. It returns once receiving is active.
	Start(ctx context.Context, obs Observer) error
	// Stop stops receiving and waits until no further OnNext call can happen.
	Stop() error
}
