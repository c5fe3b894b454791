package query

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bodsch.me/logstream-ingest/internal/record"
	"bodsch.me/logstream-ingest/internal/stream"
)

// Definition is one named query in a definition file.
type Definition struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
}

// File is the layout of a query definition file.
type File struct {
	Queries []Definition `yaml:"queries"`
}

// LoadError describes a query definition that failed to compile.
type LoadError struct {
	Name string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Name, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// Metrics receives filter stage events.
type Metrics interface {
	RecordFiltered()
}

// Stage is a stream.Observer that evaluates every compiled query against each record
// and pushes one output record per matching query to its subscriber.
type Stage struct {
	queries    []*Query
	failures   []LoadError
	downstream stream.Observer
	metrics    Metrics
	logger     *slog.Logger
}

// Load reads a definition file and compiles its queries. Only an unreadable file is
// an error. A malformed file yields a stage without queries and a single failure
// named after the file; queries that fail to compile are reported by Failures.
func Load(path string, logger *slog.Logger) (*Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		s := NewStage(nil, logger)
		s.failures = append(s.failures, LoadError{Name: path, Err: fmt.Errorf("parse query file: %w", err)})
		return s, nil
	}
	return NewStage(f.Queries, logger), nil
}

// NewStage compiles defs into a stage.
func NewStage(defs []Definition, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stage{logger: logger.With("component", "query")}

	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			name = fmt.Sprintf("query_%d", i+1)
		}
		if seen[name] {
			s.failures = append(s.failures, LoadError{Name: name, Err: fmt.Errorf("duplicate query name")})
			continue
		}
		seen[name] = true

		if strings.TrimSpace(def.Query) == "" {
			s.failures = append(s.failures, LoadError{Name: name, Err: fmt.Errorf("empty query")})
			continue
		}
		q, err := Compile(name, def.Query)
		if err != nil {
			s.failures = append(s.failures, LoadError{Name: name, Err: err})
			continue
		}
		s.queries = append(s.queries, q)
	}
	return s
}

// WithMetrics sets the receiver of filter events and returns s.
func (s *Stage) WithMetrics(m Metrics) *Stage {
	s.metrics = m
	return s
}

// QueryCount returns the number of successfully compiled queries.
func (s *Stage) QueryCount() int { return len(s.queries) }

// Failures returns the queries that failed to load.
func (s *Stage) Failures() []LoadError { return s.failures }

// Queries returns the compiled queries in definition order.
func (s *Stage) Queries() []*Query { return s.queries }

// Subscribe sets the observer receiving the stage output. It must be called before
// the first record is pushed.
func (s *Stage) Subscribe(obs stream.Observer) {
	s.downstream = obs
}

// OnNext pushes one output record per query matching rec.
func (s *Stage) OnNext(rec record.Record) {
	matched := false
	for _, q := range s.queries {
		out, ok := q.Apply(rec)
		if !ok {
			continue
		}
		matched = true
		if s.downstream != nil {
			s.downstream.OnNext(out)
		}
	}
	if !matched && s.metrics != nil {
		s.metrics.RecordFiltered()
	}
}

// OnError forwards err to the subscriber.
func (s *Stage) OnError(err error) {
	if s.downstream != nil {
		s.downstream.OnError(err)
	}
}

// OnCompleted forwards completion to the subscriber.
func (s *Stage) OnCompleted() {
	if s.downstream != nil {
		s.downstream.OnCompleted()
	}
}
