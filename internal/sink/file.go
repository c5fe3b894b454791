package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// File writes all delivered records into one JSON array.
//
// The opening bracket is written when the file is created and the closing bracket
// on Close. Write failures are logged and not returned, so a failed batch never
// aborts the pipeline.
type File struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	logger *slog.Logger
	first  bool
	closed bool
}

// NewFile creates or truncates path and writes the array start token.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	s := &File{
		path:   path,
		f:      f,
		w:      bufio.NewWriter(f),
		logger: logger.With("component", "file_sink", "path", path),
		first:  true,
	}
	if _, err := s.w.WriteString("[\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write output file header: %w", err)
	}
	return s, nil
}

// Name returns the sink identifier used in logs and metrics.
func (s *File) Name() string { return "file" }

// Deliver appends the batch records as array elements.
func (s *File) Deliver(_ context.Context, batch Batch) error {
	if s.closed {
		return fmt.Errorf("file sink %s is closed", s.path)
	}
	for _, rec := range batch.Records {
		data, err := json.Marshal(rec)
		if err != nil {
			s.logger.Warn("failed to encode record", "batch_id", batch.ID, "error", err)
			continue
		}
		if !s.first {
			if _, err := s.w.WriteString(",\n"); err != nil {
				s.logger.Error("failed to write output file", "batch_id", batch.ID, "error", err)
				return nil
			}
		}
		if _, err := s.w.Write(data); err != nil {
			s.logger.Error("failed to write output file", "batch_id", batch.ID, "error", err)
			return nil
		}
		s.first = false
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Error("failed to flush output file", "batch_id", batch.ID, "error", err)
	}
	return nil
}

// Close writes the array end token and closes the file.
func (s *File) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.w.WriteString("\n]\n"); err != nil {
		s.logger.Error("failed to write output file trailer", "error", err)
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Error("failed to flush output file", "error", err)
	}
	return s.f.Close()
}
