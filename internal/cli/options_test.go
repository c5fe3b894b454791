package cli

import (
	"errors"
	"io"
	"testing"

	"bodsch.me/logstream-ingest/internal/config"
)

func TestParseHelp(t *testing.T) {
	for _, args := range [][]string{{"help"}, {"--help"}, {"udp", "-h"}} {
		if _, err := ParseWithOutput(args, io.Discard); !errors.Is(err, ErrHelp) {
			t.Fatalf("%v: expected ErrHelp, got %v", args, err)
		}
	}
}

func TestParseRejectsUnknownSubcommand(t *testing.T) {
	if _, err := ParseWithOutput([]string{"http"}, io.Discard); err == nil || errors.Is(err, ErrHelp) {
		t.Fatalf("expected unknown subcommand error, got %v", err)
	}
	if _, err := ParseWithOutput(nil, io.Discard); err == nil {
		t.Fatalf("expected missing subcommand error")
	}
}

func TestParseVersion(t *testing.T) {
	opts, err := ParseWithOutput([]string{"--version"}, io.Discard)
	if err != nil || !opts.Version {
		t.Fatalf("expected version flag, got %+v %v", opts, err)
	}
}

func TestApplyOverridesUDP(t *testing.T) {
	opts, err := ParseWithOutput([]string{
		"udp",
		"--listen", "0.0.0.0:5514",
		"--output", "out.json",
		"--kusto-reset",
		"--batch-size", "2",
		"--flush-interval", "0",
		"--event-labels", "syslog_host, ,severity",
	}, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg := config.Default()
	cfg.Output.Console = true
	opts.ApplyOverrides(&cfg)

	if cfg.Source.Kind != config.SourceUDP || cfg.Source.ListenAddress != "0.0.0.0:5514" {
		t.Fatalf("source not applied: %+v", cfg.Source)
	}
	if cfg.Output.File != "out.json" || !cfg.Kusto.Reset {
		t.Fatalf("output overrides not applied: %+v %+v", cfg.Output, cfg.Kusto)
	}
	if !cfg.Output.Console {
		t.Fatalf("unset console flag must not override config")
	}
	if cfg.Upload.BatchSize != 2 || cfg.Upload.FlushInterval != "0" {
		t.Fatalf("upload overrides not applied: %+v", cfg.Upload)
	}
	if labels := cfg.Metrics.EventCounter.Labels; len(labels) != 2 || labels[1] != "severity" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestKafkaFlags(t *testing.T) {
	opts, err := ParseWithOutput([]string{"kafka", "--brokers", "a:9092,b:9092", "--topic", "logs"}, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := config.Default()
	opts.ApplyOverrides(&cfg)
	if cfg.Source.Kind != config.SourceKafka || len(cfg.Source.Kafka.Brokers) != 2 || cfg.Source.Kafka.Topic != "logs" {
		t.Fatalf("kafka overrides not applied: %+v", cfg.Source)
	}

	if _, err := ParseWithOutput([]string{"kafka", "--listen", ":514"}, io.Discard); err == nil {
		t.Fatalf("expected --listen to be rejected for kafka")
	}
}
