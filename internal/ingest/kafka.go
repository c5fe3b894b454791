package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"bodsch.me/logstream-ingest/internal/config"
	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/stream"
)

// MessageReader is the subset of *kafka.Reader used by KafkaSource.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource consumes a topic and pushes the lines of every message value.
// A read error other than shutdown is terminal and reported through OnError.
type KafkaSource struct {
	cfg     config.KafkaConfig
	handler *lineHandler
	logger  *slog.Logger

	newReader func(config.KafkaConfig) MessageReader
	reader    MessageReader
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewKafkaSource creates a consumer group reader for cfg.Topic.
func NewKafkaSource(cfg config.KafkaConfig, p parser.Parser, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka_source", "topic", cfg.Topic)
	return &KafkaSource{
		cfg:       cfg,
		handler:   newLineHandler(p, logger),
		logger:    logger,
		newReader: newKafkaReader,
	}
}

func newKafkaReader(cfg config.KafkaConfig) MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// WithMetrics sets the receiver of parse errors and returns s.
func (s *KafkaSource) WithMetrics(m Metrics) *KafkaSource {
	s.handler.metrics = m
	return s
}

// Start creates the reader and begins consuming in a background goroutine.
func (s *KafkaSource) Start(ctx context.Context, obs stream.Observer) error {
	s.reader = s.newReader(s.cfg)
	s.handler.bind(obs)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("event source started", "transport", "kafka", "brokers", s.cfg.Brokers, "group_id", s.cfg.GroupID)

	s.wg.Add(1)
	go s.readLoop(runCtx)
	return nil
}

// Stop cancels the read loop, waits for it and closes the reader.
func (s *KafkaSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.handler.unbind()
	if s.reader == nil {
		return nil
	}
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

func (s *KafkaSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Error("kafka read failed", "error", err)
			s.handler.fail(fmt.Errorf("read kafka topic %s: %w", s.cfg.Topic, err))
			return
		}

		for _, line := range splitLines(msg.Value) {
			s.handler.handle(line)
		}
	}
}
