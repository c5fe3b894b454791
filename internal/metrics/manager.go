// Package metrics creates and updates Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bodsch.me/logstream-ingest/internal/config"
	"bodsch.me/logstream-ingest/internal/record"
	"bodsch.me/logstream-ingest/internal/sink"
)

const missingLabelValue = "unknown"

// Manager owns the pipeline collectors.
type Manager struct {
	logger          *slog.Logger
	eventCounter    *prometheus.CounterVec
	eventLabelNames []string

	parseErrors      prometheus.Counter
	recordsAccepted  prometheus.Counter
	recordsDropped   prometheus.Counter
	recordsFiltered  prometheus.Counter
	recordsDelivered *prometheus.CounterVec
	batchesFlushed   *prometheus.CounterVec
	deliveryErrors   *prometheus.CounterVec
	flushDuration    *prometheus.HistogramVec
}

// NewManager builds collectors from configuration and registers them in the provided registry.
func NewManager(cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:          logger,
		eventLabelNames: append([]string(nil), cfg.EventCounter.Labels...),
	}

	m.eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        cfg.EventCounter.Name,
			Help:        cfg.EventCounter.Help,
			ConstLabels: cfg.ConstLabels,
		},
		cfg.EventCounter.Labels,
	)
	m.parseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "logstream_parse_errors_total",
		Help:        "Total number of received lines that could not be parsed.",
		ConstLabels: cfg.ConstLabels,
	})
	m.recordsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "logstream_records_accepted_total",
		Help:        "Total number of records buffered by the uploader.",
		ConstLabels: cfg.ConstLabels,
	})
	m.recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "logstream_records_dropped_total",
		Help:        "Total number of records rejected by the uploader after an error or completion.",
		ConstLabels: cfg.ConstLabels,
	})
	m.recordsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "logstream_records_filtered_total",
		Help:        "Total number of records that matched no query.",
		ConstLabels: cfg.ConstLabels,
	})
	m.recordsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "logstream_records_delivered_total",
		Help:        "Total number of records handed to the sink.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"sink"})
	m.batchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "logstream_batches_flushed_total",
		Help:        "Total number of batches delivered, by sink and whether the batch was the final one.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"sink", "final"})
	m.deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "logstream_delivery_errors_total",
		Help:        "Total number of batches dropped because delivery failed.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"sink"})
	m.flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "logstream_flush_duration_seconds",
		Help:        "Time spent delivering one batch.",
		ConstLabels: cfg.ConstLabels,
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"sink"})

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"event counter", m.eventCounter},
		{"parse error counter", m.parseErrors},
		{"accepted record counter", m.recordsAccepted},
		{"dropped record counter", m.recordsDropped},
		{"filtered record counter", m.recordsFiltered},
		{"delivered record counter", m.recordsDelivered},
		{"flushed batch counter", m.batchesFlushed},
		{"delivery error counter", m.deliveryErrors},
		{"flush duration histogram", m.flushDuration},
	}
	for _, c := range collectors {
		if err := registry.Register(c.c); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
	}

	return m, nil
}

// RecordParseError increments the parse error metric.
func (m *Manager) RecordParseError() {
	m.parseErrors.Inc()
}

// RecordFiltered counts a record that no query matched.
func (m *Manager) RecordFiltered() {
	m.recordsFiltered.Inc()
}

// RecordAccepted counts one buffered record and applies it to the event counter.
func (m *Manager) RecordAccepted(rec record.Record) {
	m.recordsAccepted.Inc()
	m.eventCounter.WithLabelValues(labelValuesByNames(rec, m.eventLabelNames)...).Inc()
}

// RecordDropped counts a record the uploader refused.
func (m *Manager) RecordDropped() {
	m.recordsDropped.Inc()
}

// BatchDelivered records a successful delivery to the named sink.
func (m *Manager) BatchDelivered(sinkName string, batch sink.Batch, took time.Duration) {
	m.batchesFlushed.WithLabelValues(sinkName, strconv.FormatBool(batch.Final)).Inc()
	m.recordsDelivered.WithLabelValues(sinkName).Add(float64(batch.Len()))
	m.flushDuration.WithLabelValues(sinkName).Observe(took.Seconds())
}

// BatchFailed records a batch dropped after a failed delivery.
func (m *Manager) BatchFailed(sinkName string, batch sink.Batch, err error) {
	m.deliveryErrors.WithLabelValues(sinkName).Inc()
	m.logger.Debug("delivery error counted", "sink", sinkName, "batch_id", batch.ID, "error", err)
}

// labelValuesByNames maps configured label fields to Prometheus label values.
func labelValuesByNames(rec record.Record, names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		value := ""
		if v, ok := rec.Get(name); ok && !v.IsNull() {
			value = strings.TrimSpace(v.String())
		}
		if value == "" || value == "-" {
			value = missingLabelValue
		}
		result = append(result, value)
	}
	return result
}
