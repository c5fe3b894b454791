// Package upload buffers a record stream into batches and delivers them to a sink,
// with at most one delivery in flight at any time.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bodsch.me/logstream-ingest/internal/record"
	"bodsch.me/logstream-ingest/internal/sink"
)

// ErrFlushInFlight is returned by Flush when a previous batch has not been cleared.
var ErrFlushInFlight = errors.New("flush requested while a batch is in flight")

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 10000

// Metrics receives uploader events. All methods must be safe for concurrent use.
type Metrics interface {
	RecordAccepted(rec record.Record)
	RecordDropped()
	BatchDelivered(sinkName string, batch sink.Batch, took time.Duration)
	BatchFailed(sinkName string, batch sink.Batch, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordAccepted(record.Record)                     {}
func (noopMetrics) RecordDropped()                                   {}
func (noopMetrics) BatchDelivered(string, sink.Batch, time.Duration) {}
func (noopMetrics) BatchFailed(string, sink.Batch, error)            {}

// Options configures an Uploader. BatchSize is the record count that triggers a
// flush. FlushInterval triggers a flush once that much time has passed since the
// last one; zero disables time based flushing. Now defaults to time.Now.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Metrics       Metrics
	Now           func() time.Time
}

// Uploader is a stream.Observer that batches records for a sink.
//
// OnNext is called from the source's receive goroutine. Flush may additionally be
// triggered by Run and by OnCompleted on other goroutines; flushMu serializes the
// whole swap, deliver and clear sequence.
type Uploader struct {
	sink          sink.Sink
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       Metrics
	now           func() time.Time

	mu         sync.Mutex
	open       []record.Record
	lastFlush  time.Time
	tableReady bool
	completed  bool
	err        error

	flushMu  sync.Mutex
	inflight []record.Record

	done       chan struct{}
	failed     chan struct{}
	failedOnce sync.Once
}

// New returns an uploader delivering to s.
func New(s sink.Sink, opts Options) *Uploader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Uploader{
		sink:          s,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		logger:        opts.Logger.With("component", "uploader", "sink", s.Name()),
		metrics:       opts.Metrics,
		now:           opts.Now,
		open:          make([]record.Record, 0, opts.BatchSize),
		lastFlush:     opts.Now(),
		done:          make(chan struct{}),
		failed:        make(chan struct{}),
	}
}

// OnNext accepts one record. Records arriving after an error or after completion are dropped.
func (u *Uploader) OnNext(rec record.Record) {
	u.mu.Lock()
	if u.err != nil || u.completed {
		u.mu.Unlock()
		u.metrics.RecordDropped()
		return
	}
	needTable := !u.tableReady
	u.mu.Unlock()

	if needTable {
		if err := u.ensureTable(rec); err != nil {
			u.latch(fmt.Errorf("prepare destination table: %w", err))
			u.metrics.RecordDropped()
			return
		}
	}

	u.mu.Lock()
	if u.err != nil || u.completed {
		u.mu.Unlock()
		u.metrics.RecordDropped()
		return
	}
	u.open = append(u.open, rec)
	due := len(u.open) >= u.batchSize || u.intervalElapsedLocked()
	u.mu.Unlock()
	u.metrics.RecordAccepted(rec)

	if due {
		if err := u.Flush(false); err != nil {
			u.logger.Error("flush failed", "error", err)
		}
	}
}

// OnError latches err and signals Failed. Buffered records are discarded and Done is never closed.
func (u *Uploader) OnError(err error) {
	if err == nil {
		err = errors.New("upstream reported a nil error")
	}
	u.latch(err)
}

// OnCompleted flushes the remaining records as the final batch, closes the sink and signals Done.
// It is a no-op after an error was latched or when called a second time.
func (u *Uploader) OnCompleted() {
	u.mu.Lock()
	if u.err != nil || u.completed {
		u.mu.Unlock()
		return
	}
	u.completed = true
	u.mu.Unlock()

	u.flushMu.Lock()
	if err := u.flushLocked(true); err != nil {
		u.logger.Error("final flush failed", "error", err)
	}
	if err := u.sink.Close(); err != nil {
		u.logger.Error("closing sink failed", "error", err)
	}
	u.flushMu.Unlock()

	u.logger.Info("uploader completed")
	close(u.done)
}

// Flush delivers the open batch. Only one flush runs at a time; concurrent callers wait.
func (u *Uploader) Flush(final bool) error {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()
	return u.flushLocked(final)
}

// FlushIfDue flushes when the flush interval has elapsed. It reports whether a flush ran.
func (u *Uploader) FlushIfDue() (bool, error) {
	u.mu.Lock()
	due := !u.completed && u.err == nil && u.intervalElapsedLocked()
	u.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, u.Flush(false)
}

// Run checks the flush interval periodically so idle buffers are delivered without
// a new record arriving. It returns when ctx is cancelled or the uploader finished.
func (u *Uploader) Run(ctx context.Context) error {
	if u.flushInterval <= 0 {
		select {
		case <-ctx.Done():
		case <-u.done:
		case <-u.failed:
		}
		return nil
	}

	tick := u.flushInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.done:
			return nil
		case <-u.failed:
			return nil
		case <-ticker.C:
			if _, err := u.FlushIfDue(); err != nil {
				u.logger.Error("interval flush failed", "error", err)
			}
		}
	}
}

// Done is closed once the final batch was delivered and the sink closed.
func (u *Uploader) Done() <-chan struct{} { return u.done }

// Failed is closed once an upstream or destination table error was latched.
func (u *Uploader) Failed() <-chan struct{} { return u.failed }

// Err returns the latched error, if any.
func (u *Uploader) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Buffered returns the number of records in the open batch.
func (u *Uploader) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.open)
}

// flushLocked requires flushMu.
func (u *Uploader) flushLocked(final bool) error {
	if len(u.inflight) > 0 {
		return ErrFlushInFlight
	}

	u.mu.Lock()
	u.inflight, u.open = u.open, make([]record.Record, 0, u.batchSize)
	u.mu.Unlock()

	defer func() {
		u.inflight = nil
		u.mu.Lock()
		u.lastFlush = u.now()
		u.mu.Unlock()
	}()

	if len(u.inflight) == 0 {
		return nil
	}

	batch := sink.Batch{ID: uuid.New(), Records: u.inflight, Final: final}

	start := time.Now()
	// Delivery is never cancelled once started.
	if err := u.sink.Deliver(context.Background(), batch); err != nil {
		u.metrics.BatchFailed(u.sink.Name(), batch, err)
		u.logger.Error("batch delivery failed, batch dropped", "batch_id", batch.ID, "records", batch.Len(), "final", final, "error", err)
		return nil
	}
	took := time.Since(start)
	u.metrics.BatchDelivered(u.sink.Name(), batch, took)
	u.logger.Debug("batch delivered", "batch_id", batch.ID, "records", batch.Len(), "final", final, "took", took.String())
	return nil
}

func (u *Uploader) ensureTable(sample record.Record) error {
	defer func() {
		u.mu.Lock()
		u.tableReady = true
		u.mu.Unlock()
	}()

	ti, ok := u.sink.(sink.TableInitializer)
	if !ok {
		return nil
	}
	return ti.EnsureTable(context.Background(), sample)
}

// intervalElapsedLocked requires mu.
func (u *Uploader) intervalElapsedLocked() bool {
	return u.flushInterval > 0 && u.now().After(u.lastFlush.Add(u.flushInterval))
}

func (u *Uploader) latch(err error) {
	u.mu.Lock()
	if u.err != nil || u.completed {
		u.mu.Unlock()
		return
	}
	u.err = err
	u.open = nil
	u.mu.Unlock()

	u.logger.Error("uploader failed", "error", err)
	u.failedOnce.Do(func() { close(u.failed) })
}
