// Package cli parses command-line options and applies them as config overrides.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bodsch.me/logstream-ingest/internal/config"
)

const programName = "logstream-ingest"

// ErrHelp is returned when usage was requested. Callers exit successfully.
var ErrHelp = flag.ErrHelp

// Options contains parsed command-line arguments.
type Options struct {
	Source             string
	Version            bool
	PrintExampleConfig bool
	ConfigPath         string
	EnvFile            string

	ListenAddress   string
	KafkaBrokersCSV string
	KafkaTopic      string
	KafkaGroup      string

	QueryFile  string
	OutputFile string
	Console    bool

	KustoEndpoint       string
	KustoIngestEndpoint string
	KustoDatabase       string
	KustoTable          string
	KustoReset          bool
	KustoMode           string
	KustoAuth           string

	BatchSize     int
	FlushInterval string

	MetricsAddress string
	ParserFormat   string
	PayloadFormat  string
	LogLevel       string
	LogFormat      string
	EventLabelsCSV string

	set map[string]bool
}

// Parse parses the command-line arguments into an Options struct. Usage is written to stderr.
func Parse(args []string) (Options, error) {
	return ParseWithOutput(args, os.Stderr)
}

// ParseWithOutput parses args and writes usage and flag errors to out.
func ParseWithOutput(args []string, out io.Writer) (Options, error) {
	if len(args) == 0 {
		printUsage(out)
		return Options{}, errors.New("missing source subcommand (udp, tcp or kafka)")
	}

	switch args[0] {
	case "help", "-h", "-help", "--help":
		printUsage(out)
		return Options{}, ErrHelp
	case "-version", "--version", "version":
		return Options{Version: true}, nil
	case "-print-example-config", "--print-example-config":
		return Options{PrintExampleConfig: true}, nil
	}

	source := strings.ToLower(args[0])
	switch source {
	case config.SourceUDP, config.SourceTCP, config.SourceKafka:
	default:
		printUsage(out)
		return Options{}, fmt.Errorf("unknown subcommand %q", args[0])
	}

	opts := Options{Source: source}
	fs := flag.NewFlagSet(programName+" "+source, flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.EnvFile, "env-file", ".env", "Dotenv file with KUSTO_CLIENT_ID, KUSTO_CLIENT_SECRET, KUSTO_TENANT_ID")

	if source == config.SourceKafka {
		fs.StringVar(&opts.KafkaBrokersCSV, "brokers", "", "Comma-separated Kafka broker addresses")
		fs.StringVar(&opts.KafkaTopic, "topic", "", "Kafka topic to consume")
		fs.StringVar(&opts.KafkaGroup, "group", "", "Kafka consumer group ID")
	} else {
		fs.StringVar(&opts.ListenAddress, "listen", "", "Listen address for the log stream (e.g. 0.0.0.0:514)")
	}

	fs.StringVar(&opts.QueryFile, "query", "", "Query definition file for the filter stage")
	fs.StringVar(&opts.OutputFile, "output", "", "Write records as a JSON array to this file")
	fs.BoolVar(&opts.Console, "console", false, "Print records as tab-separated lines")

	fs.StringVar(&opts.KustoEndpoint, "kusto-endpoint", "", "Kusto cluster URL (e.g. https://mycluster.westeurope.kusto.windows.net)")
	fs.StringVar(&opts.KustoIngestEndpoint, "kusto-ingest-endpoint", "", "Kusto data management URL for queued ingestion (derived from the cluster URL when empty)")
	fs.StringVar(&opts.KustoDatabase, "kusto-database", "", "Kusto database")
	fs.StringVar(&opts.KustoTable, "kusto-table", "", "Kusto destination table")
	fs.BoolVar(&opts.KustoReset, "kusto-reset", false, "Drop the destination table before the first batch")
	fs.StringVar(&opts.KustoMode, "kusto-mode", "", "Kusto transfer mode: direct|queued")
	fs.StringVar(&opts.KustoAuth, "kusto-auth", "", "Kusto authentication: default|app_key|az_cli")

	fs.IntVar(&opts.BatchSize, "batch-size", 0, "Records per batch")
	fs.StringVar(&opts.FlushInterval, "flush-interval", "", "Maximum time between flushes (e.g. 30s, 0 disables)")

	fs.StringVar(&opts.MetricsAddress, "metrics-listen", "", "HTTP listen address for /metrics endpoint (e.g. 127.0.0.1:9213)")
	fs.StringVar(&opts.ParserFormat, "log-format", "", "Input log parser format (auto|json|syslog_rfc3164|syslog_ng_json)")
	fs.StringVar(&opts.PayloadFormat, "payload-format", "", "Payload parser format for syslog-based messages (json|raw)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Logger level: debug|info|warn|error")
	fs.StringVar(&opts.LogFormat, "log-output", "", "Logger output format: text|json")
	fs.StringVar(&opts.EventLabelsCSV, "event-labels", "", "Comma-separated label fields for the event counter")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		return Options{}, err
	}

	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	return opts, nil
}

// ApplyOverrides mutates cfg with explicit CLI values only.
func (o Options) ApplyOverrides(cfg *config.Config) {
	if o.Source != "" {
		cfg.Source.Kind = o.Source
	}
	if o.ListenAddress != "" {
		cfg.Source.ListenAddress = o.ListenAddress
	}
	if o.KafkaBrokersCSV != "" {
		cfg.Source.Kafka.Brokers = splitCSV(o.KafkaBrokersCSV)
	}
	if o.KafkaTopic != "" {
		cfg.Source.Kafka.Topic = o.KafkaTopic
	}
	if o.KafkaGroup != "" {
		cfg.Source.Kafka.GroupID = o.KafkaGroup
	}
	if o.QueryFile != "" {
		cfg.Query.File = o.QueryFile
	}
	if o.OutputFile != "" {
		cfg.Output.File = o.OutputFile
	}
	if o.set["console"] {
		cfg.Output.Console = o.Console
	}
	if o.KustoEndpoint != "" {
		cfg.Kusto.Endpoint = o.KustoEndpoint
	}
	if o.KustoIngestEndpoint != "" {
		cfg.Kusto.IngestEndpoint = o.KustoIngestEndpoint
	}
	if o.KustoDatabase != "" {
		cfg.Kusto.Database = o.KustoDatabase
	}
	if o.KustoTable != "" {
		cfg.Kusto.Table = o.KustoTable
	}
	if o.set["kusto-reset"] {
		cfg.Kusto.Reset = o.KustoReset
	}
	if o.KustoMode != "" {
		cfg.Kusto.Mode = o.KustoMode
	}
	if o.KustoAuth != "" {
		cfg.Kusto.Auth = o.KustoAuth
	}
	if o.BatchSize != 0 {
		cfg.Upload.BatchSize = o.BatchSize
	}
	if o.FlushInterval != "" {
		cfg.Upload.FlushInterval = o.FlushInterval
	}
	if o.MetricsAddress != "" {
		cfg.Metrics.ListenAddress = o.MetricsAddress
	}
	if o.ParserFormat != "" {
		cfg.Parser.Format = o.ParserFormat
	}
	if o.PayloadFormat != "" {
		cfg.Parser.PayloadFormat = o.PayloadFormat
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}
	if o.EventLabelsCSV != "" {
		cfg.Metrics.EventCounter.Labels = splitCSV(o.EventLabelsCSV)
	}
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `Usage: %[1]s <udp|tcp|kafka> [options]
       %[1]s --version
       %[1]s --print-example-config

Run "%[1]s <subcommand> -h" for the options of a source.
`, programName)
}

// splitCSV splits a comma-separated list into trimmed non-empty values.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
