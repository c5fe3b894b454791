package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-kusto-go/kusto/ingest"

	"bodsch.me/logstream-ingest/internal/adx"
	"bodsch.me/logstream-ingest/internal/record"
)

// SchemaEnsurer prepares the destination table from a sample record.
type SchemaEnsurer interface {
	EnsureTable(ctx context.Context, sample record.Record) (adx.Schema, error)
}

// Kusto ingests batches into an Azure Data Explorer table as CSV in schema column order.
type Kusto struct {
	table    string
	schemas  SchemaEnsurer
	ingestor adx.Ingestor
	schema   adx.Schema
	logger   *slog.Logger
}

// NewKusto returns a sink delivering through ingestor into table.
func NewKusto(table string, schemas SchemaEnsurer, ingestor adx.Ingestor, logger *slog.Logger) *Kusto {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kusto{
		table:    table,
		schemas:  schemas,
		ingestor: ingestor,
		logger:   logger.With("component", "kusto_sink", "table", table),
	}
}

// Name returns the sink identifier used in logs and metrics.
func (k *Kusto) Name() string { return "kusto" }

// EnsureTable creates or resets the destination table and fixes the column order for all later batches.
func (k *Kusto) EnsureTable(ctx context.Context, sample record.Record) error {
	schema, err := k.schemas.EnsureTable(ctx, sample)
	if err != nil {
		return err
	}
	k.schema = schema
	return nil
}

// Deliver ingests the batch as CSV in schema column order.
func (k *Kusto) Deliver(ctx context.Context, batch Batch) error {
	if len(k.schema.Columns) == 0 {
		return errors.New("destination table is not initialized")
	}

	var body bytes.Buffer
	if err := adx.WriteCSV(&body, k.schema, batch.Records); err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}

	size := body.Len()
	if _, err := k.ingestor.FromReader(ctx, &body, ingest.FileFormat(ingest.CSV)); err != nil {
		return fmt.Errorf("ingest batch %s into %s: %w", batch.ID, k.table, err)
	}

	k.logger.Debug("batch handed to kusto", "batch_id", batch.ID, "records", batch.Len(), "bytes", size)
	return nil
}

// Close releases the ingestor.
func (k *Kusto) Close() error {
	return k.ingestor.Close()
}
