package adx

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"bodsch.me/logstream-ingest/internal/record"
)

// WriteCSV renders records as CSV rows in schema column order.
// Fields missing from a record are written as empty cells.
func WriteCSV(w io.Writer, schema Schema, records []record.Record) error {
	cw := csv.NewWriter(w)
	row := make([]string, len(schema.Columns))
	for _, rec := range records {
		for i, col := range schema.Columns {
			v, ok := rec.Get(col.Name)
			if !ok {
				row[i] = ""
				continue
			}
			row[i] = FormatValue(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatValue renders a value in the literal syntax Kusto expects in CSV ingestion.
func FormatValue(v record.Value) string {
	switch v.Kind() {
	case record.KindTime:
		t, _ := v.AsTime()
		return t.UTC().Format("2006-01-02T15:04:05.0000000Z")
	case record.KindDuration:
		d, _ := v.AsDuration()
		return FormatTimespan(d)
	default:
		return v.String()
	}
}

// FormatTimespan renders d as [-]d.hh:mm:ss.fffffff.
func FormatTimespan(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	ticks := d / 100 // 100ns ticks

	return fmt.Sprintf("%s%d.%02d:%02d:%02d.%07d", sign, days, hours, minutes, seconds, ticks)
}
