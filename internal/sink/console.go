package sink

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Console writes one tab-separated line per record, preceded once by a header
// built from the first record's field names.
type Console struct {
	w             *bufio.Writer
	headerWritten bool
}

// NewConsole returns a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: bufio.NewWriter(w)}
}

// Name returns the sink identifier used in logs and metrics.
func (c *Console) Name() string { return "console" }

// Deliver prints the header on first use, then one tab separated line per record.
func (c *Console) Deliver(_ context.Context, batch Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if !c.headerWritten {
		c.headerWritten = true
		if _, err := c.w.WriteString(strings.Join(batch.Records[0].Names(), "\t") + "\n"); err != nil {
			return err
		}
	}
	for _, rec := range batch.Records {
		if _, err := c.w.WriteString(rec.String() + "\n"); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Close flushes buffered output.
func (c *Console) Close() error {
	return c.w.Flush()
}
