// Package config provides application configuration loading, defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Source kinds selectable on the command line.
const (
	SourceUDP   = "udp"
	SourceTCP   = "tcp"
	SourceKafka = "kafka"
)

// Kusto transfer modes and authentication methods.
const (
	KustoModeDirect = "direct"
	KustoModeQueued = "queued"

	KustoAuthDefault = "default"
	KustoAuthAppKey  = "app_key"
	KustoAuthAzCLI   = "az_cli"
)

// Environment variables consulted by LoadEnv.
const (
	EnvKustoClientID     = "KUSTO_CLIENT_ID"
	EnvKustoClientSecret = "KUSTO_CLIENT_SECRET"
	EnvKustoTenantID     = "KUSTO_TENANT_ID"
)

// Config contains the complete runtime configuration.
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Parser  ParserConfig  `yaml:"parser"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Upload  UploadConfig  `yaml:"upload"`
	Output  OutputConfig  `yaml:"output"`
	Kusto   KustoConfig   `yaml:"kusto"`
	Query   QueryConfig   `yaml:"query"`
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	Kind          string      `yaml:"kind"`
	ListenAddress string      `yaml:"listen_address"`
	ReadTimeout   string      `yaml:"read_timeout"`
	LineMaxBytes  int         `yaml:"line_max_bytes"`
	Kafka         KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka consumer source.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// ParserConfig contains parser format settings.
type ParserConfig struct {
	Format        string `yaml:"format"`
	PayloadFormat string `yaml:"payload_format"`
}

// LoggingConfig contains log level and output formatting settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint and the per-event counter.
type MetricsConfig struct {
	ListenAddress string             `yaml:"listen_address"`
	ConstLabels   map[string]string  `yaml:"const_labels"`
	EventCounter  EventCounterConfig `yaml:"event_counter"`
}

// EventCounterConfig defines the counter of delivered events labelled by record fields.
type EventCounterConfig struct {
	Name   string   `yaml:"name"`
	Help   string   `yaml:"help"`
	Labels []string `yaml:"labels"`
}

// UploadConfig controls batching. A zero or empty flush interval disables time based flushing.
type UploadConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// OutputConfig selects the local sinks used when no Kusto destination is configured.
type OutputConfig struct {
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// KustoConfig describes the Azure Data Explorer destination.
type KustoConfig struct {
	Endpoint       string `yaml:"endpoint"`
	IngestEndpoint string `yaml:"ingest_endpoint"`
	Database       string `yaml:"database"`
	Table          string `yaml:"table"`
	Reset          bool   `yaml:"reset"`
	Mode           string `yaml:"mode"`
	Auth           string `yaml:"auth"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"-"`
	TenantID       string `yaml:"tenant_id"`
}

// QueryConfig points at an optional query definition file for the filter stage.
type QueryConfig struct {
	File string `yaml:"file"`
}

// Default returns a complete default configuration.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Kind:          SourceUDP,
			ListenAddress: "127.0.0.1:514",
			ReadTimeout:   "30s",
			LineMaxBytes:  64 * 1024,
			Kafka: KafkaConfig{
				GroupID: "logstream-ingest",
			},
		},
		Parser: ParserConfig{
			Format:        "auto",
			PayloadFormat: "raw",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9213",
			ConstLabels:   map[string]string{},
			EventCounter: EventCounterConfig{
				Name:   "logstream_ingest_events_total",
				Help:   "Total number of events accepted by the uploader.",
				Labels: []string{"syslog_host"},
			},
		},
		Upload: UploadConfig{
			BatchSize:     10000,
			FlushInterval: "30s",
		},
		Kusto: KustoConfig{
			Mode: KustoModeDirect,
			Auth: KustoAuthDefault,
		},
	}
}

// LoadFile reads a YAML configuration file and overlays it on defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadEnv reads an optional dotenv file into the process environment and applies
// Kusto credentials found there. A missing dotenv file is not an error.
func (c *Config) LoadEnv(dotenvPath string) error {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", dotenvPath, err)
		}
	}

	if v := os.Getenv(EnvKustoClientID); v != "" {
		c.Kusto.ClientID = v
	}
	if v := os.Getenv(EnvKustoClientSecret); v != "" {
		c.Kusto.ClientSecret = v
	}
	if v := os.Getenv(EnvKustoTenantID); v != "" {
		c.Kusto.TenantID = v
	}
	return nil
}

// UsesKusto reports whether the Kusto destination is selected.
// Local outputs take precedence only when no Kusto endpoint is configured.
func (c *Config) UsesKusto() bool {
	return strings.TrimSpace(c.Kusto.Endpoint) != ""
}

// Validate checks whether the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Source.Kind) {
	case SourceUDP, SourceTCP:
		if c.Source.ListenAddress == "" {
			errs = append(errs, errors.New("source.listen_address must not be empty"))
		}
		if c.Source.LineMaxBytes <= 0 {
			errs = append(errs, errors.New("source.line_max_bytes must be > 0"))
		}
		if _, err := time.ParseDuration(c.Source.ReadTimeout); err != nil {
			errs = append(errs, fmt.Errorf("source.read_timeout invalid: %w", err))
		}
	case SourceKafka:
		if len(c.Source.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("source.kafka.brokers must not be empty"))
		}
		if c.Source.Kafka.Topic == "" {
			errs = append(errs, errors.New("source.kafka.topic must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q is invalid (supported: udp, tcp, kafka)", c.Source.Kind))
	}

	switch strings.ToLower(strings.TrimSpace(c.Parser.Format)) {
	case "auto", "json", "syslog_rfc3164", "syslog_ng_json":
	default:
		errs = append(errs, fmt.Errorf("parser.format %q is not supported (supported: auto, json, syslog_rfc3164, syslog_ng_json)", c.Parser.Format))
	}
	switch strings.ToLower(strings.TrimSpace(c.Parser.PayloadFormat)) {
	case "", "json", "raw":
	default:
		errs = append(errs, fmt.Errorf("parser.payload_format %q is invalid (supported: json, raw)", c.Parser.PayloadFormat))
	}

	if !isOneOfCI(c.Logging.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", c.Logging.Level))
	}
	if !isOneOfCI(c.Logging.Format, "text", "json") {
		errs = append(errs, fmt.Errorf("logging.format %q is invalid", c.Logging.Format))
	}

	if err := validateMetricName(c.Metrics.EventCounter.Name); err != nil {
		errs = append(errs, fmt.Errorf("metrics.event_counter.name: %w", err))
	}

	if c.Upload.BatchSize <= 0 {
		errs = append(errs, errors.New("upload.batch_size must be > 0"))
	}
	if _, err := c.Upload.FlushIntervalDuration(); err != nil {
		errs = append(errs, fmt.Errorf("upload.flush_interval invalid: %w", err))
	}

	errs = append(errs, c.validateDestination()...)

	if c.Query.File != "" {
		if _, err := os.Stat(c.Query.File); err != nil {
			errs = append(errs, fmt.Errorf("query.file %q: %w", c.Query.File, err))
		}
	}

	return errors.Join(errs...)
}

// validateDestination requires a complete Kusto destination unless a file or console output is requested.
func (c *Config) validateDestination() []error {
	if !c.UsesKusto() && (c.Output.File != "" || c.Output.Console) {
		return nil
	}

	var errs []error
	if c.Kusto.Endpoint == "" {
		errs = append(errs, errors.New("kusto.endpoint is required when neither output.file nor output.console is set"))
	}
	if c.Kusto.Database == "" {
		errs = append(errs, errors.New("kusto.database must not be empty"))
	}
	if c.Kusto.Table == "" {
		errs = append(errs, errors.New("kusto.table must not be empty"))
	}
	if !isOneOfCI(c.Kusto.Mode, KustoModeDirect, KustoModeQueued) {
		errs = append(errs, fmt.Errorf("kusto.mode %q is invalid (supported: direct, queued)", c.Kusto.Mode))
	}
	switch strings.ToLower(c.Kusto.Auth) {
	case KustoAuthDefault, KustoAuthAzCLI:
	case KustoAuthAppKey:
		if c.Kusto.ClientID == "" || c.Kusto.ClientSecret == "" || c.Kusto.TenantID == "" {
			errs = append(errs, fmt.Errorf("kusto.auth %q requires %s, %s and %s", KustoAuthAppKey, EnvKustoClientID, EnvKustoClientSecret, EnvKustoTenantID))
		}
	default:
		errs = append(errs, fmt.Errorf("kusto.auth %q is invalid (supported: default, app_key, az_cli)", c.Kusto.Auth))
	}
	return errs
}

// ReadTimeoutDuration parses the configured read timeout.
func (s SourceConfig) ReadTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(s.ReadTimeout)
}

// FlushIntervalDuration parses the flush interval. Empty, "0" and "infinite" disable time based flushing.
func (u UploadConfig) FlushIntervalDuration() (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(u.FlushInterval)) {
	case "", "0", "infinite":
		return 0, nil
	}
	d, err := time.ParseDuration(u.FlushInterval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative interval %s", d)
	}
	return d, nil
}

// ExampleYAML returns a documented example configuration.
func ExampleYAML() string {
	return `source:
  kind: "udp"                  # udp | tcp | kafka
  listen_address: "0.0.0.0:514"
  read_timeout: "30s"         # idle timeout per tcp connection
  line_max_bytes: 65536
  kafka:
    brokers: ["127.0.0.1:9092"]
    topic: "syslog"
    group_id: "logstream-ingest"

parser:
  format: "auto"               # auto | json | syslog_rfc3164 | syslog_ng_json
  payload_format: "raw"        # json | raw (used for syslog-based payloads)

logging:
  level: "info"   # debug|info|warn|error
  format: "text"  # text|json

metrics:
  listen_address: "127.0.0.1:9213"
  event_counter:
    name: "logstream_ingest_events_total"
    help: "Total number of events accepted by the uploader."
    labels: ["syslog_host", "syslog_tag"]

upload:
  batch_size: 10000
  flush_interval: "30s"        # 0 or "infinite" disables time based flushing

# Local outputs are used only when kusto.endpoint is empty.
output:
  file: ""                     # write a JSON array to this path
  console: false               # print tab-separated lines

kusto:
  endpoint: "https://mycluster.westeurope.kusto.windows.net"
  database: "logs"
  table: "Syslog"
  reset: false                 # drop the table before the first batch
  mode: "direct"               # direct (streaming) | queued
  auth: "default"              # default | app_key | az_cli
  # app_key credentials are read from KUSTO_CLIENT_ID, KUSTO_CLIENT_SECRET, KUSTO_TENANT_ID

query:
  file: ""                     # optional query definition file
`
}

// validateMetricName validates Prometheus metric name syntax.
func validateMetricName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("must not be empty")
	}
	if !metricNameRE.MatchString(name) {
		return fmt.Errorf("invalid metric name %q", name)
	}
	return nil
}

// isOneOfCI checks whether value matches any candidate case-insensitively.
func isOneOfCI(value string, candidates ...string) bool {
	for _, candidate := range candidates {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
