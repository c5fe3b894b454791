// Package adx manages Azure Data Explorer (Kusto) destination tables and ingestion.
package adx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bodsch.me/logstream-ingest/internal/record"
)

// Kusto column types used by the destination schema.
const (
	TypeString   = "string"
	TypeBool     = "bool"
	TypeLong     = "long"
	TypeReal     = "real"
	TypeDatetime = "datetime"
	TypeTimespan = "timespan"
	TypeGUID     = "guid"
	TypeDynamic  = "dynamic"
)

// ColumnType maps a record value kind to its Kusto column type.
// All integer widths share one column type; nested and null values become dynamic.
func ColumnType(kind record.Kind) (string, error) {
	switch kind {
	case record.KindString:
		return TypeString, nil
	case record.KindBool:
		return TypeBool, nil
	case record.KindInt8, record.KindInt16, record.KindInt32, record.KindInt64:
		return TypeLong, nil
	case record.KindFloat:
		return TypeReal, nil
	case record.KindTime:
		return TypeDatetime, nil
	case record.KindDuration:
		return TypeTimespan, nil
	case record.KindUUID:
		return TypeGUID, nil
	case record.KindDynamic, record.KindNull:
		return TypeDynamic, nil
	default:
		return "", fmt.Errorf("no column type for value kind %s", kind)
	}
}

// Column is one destination column.
type Column struct {
	Name string
	Type string
}

// Schema is the ordered destination column list derived from a sample record.
type Schema struct {
	Columns []Column
}

// SchemaFromRecord derives a schema from the sample record's field order and value kinds.
func SchemaFromRecord(sample record.Record) (Schema, error) {
	columns := make([]Column, 0, sample.Len())
	for _, f := range sample.Fields() {
		typ, err := ColumnType(f.Value.Kind())
		if err != nil {
			return Schema{}, fmt.Errorf("column %q: %w", f.Name, err)
		}
		columns = append(columns, Column{Name: f.Name, Type: typ})
	}
	return Schema{Columns: columns}, nil
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// CommandRunner executes a Kusto management command against the configured database.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) error
}

// SchemaManager creates or resets the destination table before the first batch is ingested.
type SchemaManager struct {
	runner    CommandRunner
	table     string
	reset     bool
	streaming bool
	logger    *slog.Logger
}

// NewSchemaManager returns a manager for table. When reset is set the table is dropped first.
func NewSchemaManager(runner CommandRunner, table string, reset bool, logger *slog.Logger) *SchemaManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaManager{runner: runner, table: table, reset: reset, logger: logger}
}

// WithStreamingIngestion makes EnsureTable enable the streaming ingestion policy,
// which direct mode requires on a freshly created table. It returns m.
func (m *SchemaManager) WithStreamingIngestion() *SchemaManager {
	m.streaming = true
	return m
}

// EnsureTable drops the table when configured to reset, then create-merges it with the
// schema inferred from sample and enables the ingestion time policy, plus the
// streaming ingestion policy when configured for direct mode.
func (m *SchemaManager) EnsureTable(ctx context.Context, sample record.Record) (Schema, error) {
	schema, err := SchemaFromRecord(sample)
	if err != nil {
		return Schema{}, fmt.Errorf("infer schema: %w", err)
	}
	if len(schema.Columns) == 0 {
		return Schema{}, fmt.Errorf("infer schema: sample record has no fields")
	}

	if m.reset {
		if err := m.runner.RunCommand(ctx, DropTableCommand(m.table)); err != nil {
			return Schema{}, fmt.Errorf("drop table %s: %w", m.table, err)
		}
		m.logger.Info("destination table dropped", "table", m.table)
	}

	if err := m.runner.RunCommand(ctx, CreateMergeTableCommand(m.table, schema)); err != nil {
		return Schema{}, fmt.Errorf("create-merge table %s: %w", m.table, err)
	}
	if err := m.runner.RunCommand(ctx, IngestionTimePolicyCommand(m.table)); err != nil {
		return Schema{}, fmt.Errorf("enable ingestion time policy on %s: %w", m.table, err)
	}
	if m.streaming {
		if err := m.runner.RunCommand(ctx, StreamingIngestionPolicyCommand(m.table)); err != nil {
			return Schema{}, fmt.Errorf("enable streaming ingestion policy on %s: %w", m.table, err)
		}
	}

	m.logger.Info("destination table ready", "table", m.table, "columns", len(schema.Columns))
	return schema, nil
}

// DropTableCommand returns the idempotent drop command for table.
func DropTableCommand(table string) string {
	return ".drop table " + QuoteIdentifier(table) + " ifexists"
}

// CreateMergeTableCommand returns a command that creates table or appends missing columns.
func CreateMergeTableCommand(table string, schema Schema) string {
	var b strings.Builder
	b.WriteString(".create-merge table ")
	b.WriteString(QuoteIdentifier(table))
	b.WriteString(" (")
	for i, c := range schema.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdentifier(c.Name))
		b.WriteByte(':')
		b.WriteString(c.Type)
	}
	b.WriteString(")")
	return b.String()
}

// IngestionTimePolicyCommand enables the hidden ingestion_time() column on table.
func IngestionTimePolicyCommand(table string) string {
	return ".alter table " + QuoteIdentifier(table) + " policy ingestiontime true"
}

// StreamingIngestionPolicyCommand enables streaming ingestion on table.
func StreamingIngestionPolicyCommand(table string) string {
	return ".alter table " + QuoteIdentifier(table) + " policy streamingingestion enable"
}

// QuoteIdentifier renders name as a bracketed Kusto identifier.
func QuoteIdentifier(name string) string {
	return "['" + strings.ReplaceAll(strings.ReplaceAll(name, `\`, `\\`), "'", `\'`) + "']"
}
