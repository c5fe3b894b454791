package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func fileOutputConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.Output.File = filepath.Join(t.TempDir(), "out.json")
	return cfg
}

func TestDefaultWithFileOutputIsValid(t *testing.T) {
	cfg := fileOutputConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
}

func TestValidateRequiresKustoWithoutLocalOutput(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected missing destination error")
	}
	for _, want := range []string{"kusto.endpoint", "kusto.database", "kusto.table"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestValidateKustoDestination(t *testing.T) {
	cfg := Default()
	cfg.Kusto.Endpoint = "https://help.kusto.windows.net"
	cfg.Kusto.Database = "db"
	cfg.Kusto.Table = "T"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid kusto config: %v", err)
	}

	cfg.Kusto.Auth = KustoAuthAppKey
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected app_key without credentials to fail")
	}
}

func TestValidateMissingQueryFile(t *testing.T) {
	cfg := fileOutputConfig(t)
	cfg.Query.File = filepath.Join(t.TempDir(), "missing.yaml")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing query file error")
	}
}

func TestValidateKafkaSource(t *testing.T) {
	cfg := fileOutputConfig(t)
	cfg.Source.Kind = SourceKafka
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected kafka without brokers to fail")
	}
	cfg.Source.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Source.Kafka.Topic = "logs"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid kafka config: %v", err)
	}
}

func TestFlushIntervalDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "", want: 0},
		{in: "infinite", want: 0},
		{in: "0", want: 0},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "-1s", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range tests {
		got, err := UploadConfig{FlushInterval: tc.in}.FlushIntervalDuration()
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %s, %v", tc.in, got, err)
		}
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("upload:\n  batch_size: 2\nkusto:\n  table: Events\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Upload.BatchSize != 2 || cfg.Kusto.Table != "Events" {
		t.Fatalf("overrides not applied: %+v", cfg.Upload)
	}
	if cfg.Upload.FlushInterval != "30s" || cfg.Source.Kind != SourceUDP {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestExampleYAMLParses(t *testing.T) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExampleYAML()), &cfg); err != nil {
		t.Fatalf("example yaml does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example yaml is not valid: %v", err)
	}
}

func TestLoadEnvReadsDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("KUSTO_CLIENT_ID=app\nKUSTO_CLIENT_SECRET=secret\nKUSTO_TENANT_ID=tenant\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	for _, key := range []string{EnvKustoClientID, EnvKustoClientSecret, EnvKustoTenantID} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Default()
	if err := cfg.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Kusto.ClientID != "app" || cfg.Kusto.ClientSecret != "secret" || cfg.Kusto.TenantID != "tenant" {
		t.Fatalf("credentials not loaded: %+v", cfg.Kusto)
	}
}

func TestLoadEnvMissingFileIsIgnored(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing dotenv to be ignored: %v", err)
	}
}
