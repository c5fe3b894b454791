package adx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"bodsch.me/logstream-ingest/internal/record"
)

type fakeRunner struct {
	commands []string
	failOn   string
}

func (f *fakeRunner) RunCommand(_ context.Context, command string) error {
	f.commands = append(f.commands, command)
	if f.failOn != "" && strings.HasPrefix(command, f.failOn) {
		return errors.New("boom")
	}
	return nil
}

func sampleRecord() record.Record {
	return record.FromFields(
		record.Field{Name: "ts", Value: record.Time(time.Unix(0, 0))},
		record.Field{Name: "pri", Value: record.Int8(3)},
		record.Field{Name: "count", Value: record.Int64(9)},
		record.Field{Name: "ratio", Value: record.Float(0.5)},
		record.Field{Name: "host", Value: record.String("h")},
		record.Field{Name: "ok", Value: record.Bool(true)},
		record.Field{Name: "took", Value: record.Duration(time.Second)},
		record.Field{Name: "id", Value: record.UUID(uuid.New())},
		record.Field{Name: "props", Value: record.Dynamic(map[string]any{"a": 1})},
		record.Field{Name: "empty", Value: record.Null()},
	)
}

func TestColumnTypeCoversEveryKind(t *testing.T) {
	for k := record.KindNull; k <= record.KindDynamic; k++ {
		if _, err := ColumnType(k); err != nil {
			t.Fatalf("kind %s has no column type: %v", k, err)
		}
	}
	if _, err := ColumnType(record.KindDynamic + 1); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestSchemaFromRecord(t *testing.T) {
	schema, err := SchemaFromRecord(sampleRecord())
	if err != nil {
		t.Fatalf("SchemaFromRecord: %v", err)
	}
	want := []Column{
		{Name: "ts", Type: TypeDatetime},
		{Name: "pri", Type: TypeLong},
		{Name: "count", Type: TypeLong},
		{Name: "ratio", Type: TypeReal},
		{Name: "host", Type: TypeString},
		{Name: "ok", Type: TypeBool},
		{Name: "took", Type: TypeTimespan},
		{Name: "id", Type: TypeGUID},
		{Name: "props", Type: TypeDynamic},
		{Name: "empty", Type: TypeDynamic},
	}
	if len(schema.Columns) != len(want) {
		t.Fatalf("expected %d columns got %d", len(want), len(schema.Columns))
	}
	for i, col := range want {
		if schema.Columns[i] != col {
			t.Fatalf("column %d: expected %+v got %+v", i, col, schema.Columns[i])
		}
	}
}

func TestEnsureTableWithReset(t *testing.T) {
	runner := &fakeRunner{}
	m := NewSchemaManager(runner, "Events", true, nil)

	rec := record.FromFields(
		record.Field{Name: "host", Value: record.String("a")},
		record.Field{Name: "n", Value: record.Int32(1)},
	)
	schema, err := m.EnsureTable(context.Background(), rec)
	if err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if got := schema.Names(); len(got) != 2 || got[0] != "host" || got[1] != "n" {
		t.Fatalf("unexpected schema %v", got)
	}

	want := []string{
		".drop table ['Events'] ifexists",
		".create-merge table ['Events'] (['host']:string, ['n']:long)",
		".alter table ['Events'] policy ingestiontime true",
	}
	if len(runner.commands) != len(want) {
		t.Fatalf("expected %d commands got %v", len(want), runner.commands)
	}
	for i := range want {
		if runner.commands[i] != want[i] {
			t.Fatalf("command %d:\n got %s\nwant %s", i, runner.commands[i], want[i])
		}
	}
}

func TestEnsureTableWithoutResetSkipsDrop(t *testing.T) {
	runner := &fakeRunner{}
	m := NewSchemaManager(runner, "Events", false, nil)
	if _, err := m.EnsureTable(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	for _, cmd := range runner.commands {
		if strings.HasPrefix(cmd, ".drop") {
			t.Fatalf("unexpected drop command %q", cmd)
		}
	}
}

func TestEnsureTablePropagatesFailure(t *testing.T) {
	runner := &fakeRunner{failOn: ".create-merge"}
	m := NewSchemaManager(runner, "Events", false, nil)
	if _, err := m.EnsureTable(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected create-merge failure to propagate")
	}
	if len(runner.commands) != 1 {
		t.Fatalf("expected to stop after failing command, ran %v", runner.commands)
	}
}

func TestEnsureTableCommandsPerMode(t *testing.T) {
	rec := record.FromFields(record.Field{Name: "host", Value: record.String("a")})
	base := []string{
		".drop table ['Events'] ifexists",
		".create-merge table ['Events'] (['host']:string)",
		".alter table ['Events'] policy ingestiontime true",
	}
	tests := map[string]struct {
		streaming bool
		want      []string
	}{
		"queued": {want: base},
		"direct": {streaming: true, want: append(append([]string{}, base...), ".alter table ['Events'] policy streamingingestion enable")},
	}
	for name, tc := range tests {
		runner := &fakeRunner{}
		m := NewSchemaManager(runner, "Events", true, nil)
		if tc.streaming {
			m.WithStreamingIngestion()
		}
		if _, err := m.EnsureTable(context.Background(), rec); err != nil {
			t.Fatalf("%s: EnsureTable: %v", name, err)
		}
		if len(runner.commands) != len(tc.want) {
			t.Fatalf("%s: expected %v got %v", name, tc.want, runner.commands)
		}
		for i := range tc.want {
			if runner.commands[i] != tc.want[i] {
				t.Fatalf("%s: command %d:\n got %s\nwant %s", name, i, runner.commands[i], tc.want[i])
			}
		}
	}
}

func TestEnsureTableStreamingPolicyFailure(t *testing.T) {
	runner := &fakeRunner{failOn: ".alter table ['Events'] policy streamingingestion"}
	m := NewSchemaManager(runner, "Events", false, nil).WithStreamingIngestion()
	if _, err := m.EnsureTable(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected streaming policy failure to propagate")
	}
}

func TestQuoteIdentifierEscapes(t *testing.T) {
	if got := QuoteIdentifier("it's"); got != `['it\'s']` {
		t.Fatalf("unexpected quoting %s", got)
	}
}

func TestIngestEndpoint(t *testing.T) {
	tests := map[string]string{
		"https://help.kusto.windows.net":        "https://ingest-help.kusto.windows.net",
		"https://ingest-help.kusto.windows.net": "https://ingest-help.kusto.windows.net",
	}
	for in, want := range tests {
		if got := IngestEndpoint(in); got != want {
			t.Fatalf("IngestEndpoint(%s) = %s, want %s", in, got, want)
		}
	}
}
