// Package logstreamingest provides the public application API for the ingestion runtime.
package logstreamingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"bodsch.me/logstream-ingest/internal/adx"
	"bodsch.me/logstream-ingest/internal/config"
	"bodsch.me/logstream-ingest/internal/httpserver"
	"bodsch.me/logstream-ingest/internal/ingest"
	"bodsch.me/logstream-ingest/internal/metrics"
	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/pipeline"
	"bodsch.me/logstream-ingest/internal/query"
	"bodsch.me/logstream-ingest/internal/sink"
	"bodsch.me/logstream-ingest/internal/stream"
	"bodsch.me/logstream-ingest/internal/upload"
)

// Application is the main runtime object coordinating the pipeline and metric export.
type Application struct {
	cfg           config.Config
	logger        *slog.Logger
	registry      *prometheus.Registry
	metrics       *metrics.Manager
	metricsServer *httpserver.MetricsServer
	pipeline      *pipeline.Pipeline
	uploader      *upload.Uploader
	closers       []io.Closer
}

// New creates a fully initialized application from validated configuration.
func New(cfg config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logOut := io.Writer(os.Stdout)
	if !cfg.UsesKusto() && cfg.Output.File == "" {
		// stdout carries the console sink output
		logOut = os.Stderr
	}
	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}

	p, err := parser.New(cfg.Parser.Format, cfg.Parser.PayloadFormat)
	if err != nil {
		return nil, err
	}

	flushInterval, err := cfg.Upload.FlushIntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("parse flush interval: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	metricManager, err := metrics.NewManager(cfg.Metrics, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create metrics manager: %w", err)
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metricManager,
	}

	var filter pipeline.Filter
	if cfg.Query.File != "" {
		stage, err := query.Load(cfg.Query.File, logger)
		if err != nil {
			return nil, err
		}
		filter = stage.WithMetrics(metricManager)
	}

	source, err := newSource(cfg, p, logger, metricManager)
	if err != nil {
		return nil, err
	}

	s, err := app.newSink()
	if err != nil {
		return nil, app.shutdownWithCause(err)
	}

	app.uploader = upload.New(s, upload.Options{
		BatchSize:     cfg.Upload.BatchSize,
		FlushInterval: flushInterval,
		Logger:        logger,
		Metrics:       metricManager,
	})
	app.pipeline = pipeline.New(source, app.uploader, filter, logger)
	app.metricsServer = httpserver.NewMetricsServer(cfg.Metrics.ListenAddress, registry, app.pipeline.Healthy, logger)

	app.logger.Info(
		"application initialized",
		"source", strings.ToLower(cfg.Source.Kind),
		"sink", s.Name(),
		"metrics_listen", cfg.Metrics.ListenAddress,
		"parser_format", p.Format(),
		"batch_size", cfg.Upload.BatchSize,
		"flush_interval", flushInterval.String(),
		"query_file", cfg.Query.File,
		"log_level", strings.ToLower(strings.TrimSpace(cfg.Logging.Level)),
	)

	return app, nil
}

// Run starts the metrics server and the pipeline and blocks until the context is
// cancelled and the pipeline drained, or until either of them fails.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.metricsServer.Serve(gctx)
	})
	g.Go(func() error {
		return a.pipeline.Run(gctx)
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("application stopped with error", "error", err, "state", a.pipeline.State().String())
	}
	return a.shutdownWithCause(err)
}

// shutdownWithCause releases destination connections and merges errors with an optional root cause.
func (a *Application) shutdownWithCause(cause error) error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close destination: %w", err))
		}
	}
	a.closers = nil

	if cause != nil {
		errs = append([]error{cause}, errs...)
	}

	if a.pipeline != nil {
		a.logger.Info("shutdown complete", "state", a.pipeline.State().String())
	}
	return errors.Join(errs...)
}

// newSink selects the destination: Kusto when an endpoint is configured, else the
// output file, else the console.
func (a *Application) newSink() (sink.Sink, error) {
	cfg := a.cfg
	switch {
	case cfg.UsesKusto():
		client, err := adx.Dial(cfg.Kusto)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)

		ingestor, err := client.NewIngestor()
		if err != nil {
			return nil, err
		}
		schemas := adx.NewSchemaManager(client, cfg.Kusto.Table, cfg.Kusto.Reset, a.logger)
		if client.Streaming() {
			schemas.WithStreamingIngestion()
		}
		return sink.NewKusto(cfg.Kusto.Table, schemas, ingestor, a.logger), nil
	case cfg.Output.File != "":
		return sink.NewFile(cfg.Output.File, a.logger)
	default:
		return sink.NewConsole(os.Stdout), nil
	}
}

// newSource builds the configured event source.
func newSource(cfg config.Config, p parser.Parser, logger *slog.Logger, m ingest.Metrics) (stream.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source.Kind)) {
	case config.SourceUDP, config.SourceTCP:
		readTimeout, err := cfg.Source.ReadTimeoutDuration()
		if err != nil {
			return nil, fmt.Errorf("parse read timeout: %w", err)
		}
		if strings.EqualFold(cfg.Source.Kind, config.SourceTCP) {
			return ingest.NewTCPSource(cfg.Source.ListenAddress, readTimeout, cfg.Source.LineMaxBytes, p, logger).WithMetrics(m), nil
		}
		return ingest.NewUDPSource(cfg.Source.ListenAddress, readTimeout, cfg.Source.LineMaxBytes, p, logger).WithMetrics(m), nil
	case config.SourceKafka:
		return ingest.NewKafkaSource(cfg.Source.Kafka, p, logger).WithMetrics(m), nil
	default:
		return nil, fmt.Errorf("unsupported source %q", cfg.Source.Kind)
	}
}

// newLogger creates a slog logger according to configuration.
func newLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	level := new(slog.LevelVar)
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOptions)
	case "text":
		handler = slog.NewTextHandler(out, handlerOptions)
	default:
		return nil, fmt.Errorf("unsupported log output format %q", cfg.Format)
	}

	return slog.New(handler), nil
}
