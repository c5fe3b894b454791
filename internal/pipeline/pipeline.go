// Package pipeline wires an event source, an optional query stage and the uploader
// together and implements the drain-on-stop shutdown protocol.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"bodsch.me/logstream-ingest/internal/query"
	"bodsch.me/logstream-ingest/internal/stream"
)

// ErrUpstream marks a session aborted by a source, filter or destination table error.
var ErrUpstream = errors.New("pipeline aborted")

// State is the lifecycle position of a Pipeline.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateFiltering
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFiltering:
		return "filtering"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Uploader is the terminal observer of the pipeline.
type Uploader interface {
	stream.Observer
	Run(ctx context.Context) error
	Done() <-chan struct{}
	Failed() <-chan struct{}
	Err() error
}

// Filter is the optional query stage between source and uploader.
type Filter interface {
	stream.Observer
	QueryCount() int
	Failures() []query.LoadError
	Subscribe(obs stream.Observer)
}

// Pipeline runs one ingestion session.
type Pipeline struct {
	source   stream.Source
	filter   Filter
	uploader Uploader
	logger   *slog.Logger
	state    atomic.Int32
}

// New returns a pipeline. filter may be nil.
func New(source stream.Source, uploader Uploader, filter Filter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:   source,
		filter:   filter,
		uploader: uploader,
		logger:   logger.With("component", "pipeline"),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Healthy reports the state name and whether the pipeline has not failed.
func (p *Pipeline) Healthy() (string, bool) {
	s := p.State()
	return s.String(), s != StateFailed
}

// Run starts the source and blocks until ctx is cancelled or the uploader fails.
// On cancellation it stops the source, completes the stream and waits until the
// uploader delivered everything it accepted. It returns nil after a graceful stop.
func (p *Pipeline) Run(ctx context.Context) error {
	head, filtering := p.head()

	if err := p.source.Start(ctx, head); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("start event source: %w", err)
	}
	if filtering {
		p.setState(StateFiltering)
	} else {
		p.setState(StateListening)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.uploader.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		wg.Wait()
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("stop requested, draining")
	case <-p.uploader.Failed():
	}

	p.setState(StateDraining)
	stopErr := p.source.Stop()
	if stopErr != nil {
		p.logger.Warn("event source did not stop cleanly", "error", stopErr)
	}

	select {
	case <-p.uploader.Failed():
		return p.fail(stopErr)
	default:
	}

	head.OnCompleted()

	select {
	case <-p.uploader.Done():
	case <-p.uploader.Failed():
		return p.fail(stopErr)
	}

	p.setState(StateStopped)
	p.logger.Info("pipeline stopped")
	if stopErr != nil {
		return fmt.Errorf("stop event source: %w", stopErr)
	}
	return nil
}

// head picks the observer the source pushes into. Without at least one valid
// query the uploader is subscribed directly.
func (p *Pipeline) head() (stream.Observer, bool) {
	if p.filter == nil {
		return p.uploader, false
	}

	for _, f := range p.filter.Failures() {
		p.logger.Warn("query failed to load", "query", f.Name, "error", f.Err)
	}
	if p.filter.QueryCount() == 0 {
		p.logger.Warn("no valid queries loaded, forwarding all records unfiltered", "failed_queries", len(p.filter.Failures()))
		return p.uploader, false
	}

	p.logger.Info("query stage enabled", "queries", p.filter.QueryCount())
	p.filter.Subscribe(p.uploader)
	return p.filter, true
}

func (p *Pipeline) fail(stopErr error) error {
	p.setState(StateFailed)
	err := fmt.Errorf("%w: %w", ErrUpstream, p.uploader.Err())
	p.logger.Error("pipeline failed", "error", err)
	return errors.Join(err, stopErr)
}

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug("pipeline state changed", "from", prev.String(), "to", s.String())
	}
}
