package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"bodsch.me/logstream-ingest/internal/config"
	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/record"
)

type collector struct {
	mu      sync.Mutex
	records []record.Record
	err     error
}

func (c *collector) OnNext(rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *collector) OnCompleted() {}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d records, got %d", n, c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type parseErrors struct {
	mu sync.Mutex
	n  int
}

func (p *parseErrors) RecordParseError() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func TestSplitLines(t *testing.T) {
	lines := splitLines([]byte("  {\"a\":1}\r\n\n {\"a\":2}  \n"))
	if len(lines) != 2 || string(lines[0]) != `{"a":1}` || string(lines[1]) != `{"a":2}` {
		t.Fatalf("unexpected lines %q", lines)
	}
	if splitLines([]byte(" \n ")) != nil {
		t.Fatalf("expected nil for blank payload")
	}
}

func TestUDPSourcePushesParsedRecords(t *testing.T) {
	errs := &parseErrors{}
	src := NewUDPSource("127.0.0.1:0", 50*time.Millisecond, 4096, parser.NewJSONParser(), nil).WithMetrics(errs)
	out := &collector{}
	if err := src.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("udp", src.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("{\"host\":\"a\"}\nnot json\n{\"host\":\"b\"}")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out.waitFor(t, 2)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if v, _ := out.records[1].Get("host"); v.String() != "b" {
		t.Fatalf("unexpected second record %v", out.records[1])
	}
	errs.mu.Lock()
	defer errs.mu.Unlock()
	if errs.n != 1 {
		t.Fatalf("expected one parse error, got %d", errs.n)
	}
}

func TestTCPSourcePushesParsedRecords(t *testing.T) {
	src := NewTCPSource("127.0.0.1:0", time.Second, 4096, parser.NewJSONParser(), nil)
	out := &collector{}
	if err := src.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", src.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out.waitFor(t, 3)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = conn.Close()

	for i, rec := range out.records {
		v, _ := rec.Get("n")
		if n, _ := v.AsInt(); n != int64(i+1) {
			t.Fatalf("record %d out of order: %v", i, rec)
		}
	}
}

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	failWith error
	closed   bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	failWith := r.failWith
	r.mu.Unlock()

	if failWith != nil {
		return kafka.Message{}, failWith
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaSourceConsumesUntilStopped(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Value: []byte(`{"n":1}`)},
		{Value: []byte("{\"n\":2}\n{\"n\":3}")},
	}}
	src := NewKafkaSource(config.KafkaConfig{Topic: "logs"}, parser.NewJSONParser(), nil)
	src.newReader = func(config.KafkaConfig) MessageReader { return reader }

	out := &collector{}
	if err := src.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out.waitFor(t, 3)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !reader.closed {
		t.Fatalf("expected reader to be closed")
	}
	if out.err != nil {
		t.Fatalf("shutdown must not be reported as an error: %v", out.err)
	}
}

func TestKafkaSourceReportsReadFailure(t *testing.T) {
	broken := errors.New("group coordinator not available")
	reader := &fakeReader{failWith: broken}
	src := NewKafkaSource(config.KafkaConfig{Topic: "logs"}, parser.NewJSONParser(), nil)
	src.newReader = func(config.KafkaConfig) MessageReader { return reader }

	out := &collector{}
	if err := src.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		out.mu.Lock()
		err := out.err
		out.mu.Unlock()
		if err != nil {
			if !errors.Is(err, broken) {
				t.Fatalf("unexpected error %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("read failure was not reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = src.Stop()
}
