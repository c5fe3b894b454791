package parser

import (
	"errors"
	"testing"
	"time"

	"bodsch.me/logstream-ingest/internal/record"
)

func TestJSONParserKeepsTypes(t *testing.T) {
	rec, err := NewJSONParser().ParseLine([]byte(`  {"status":404,"request_time":0.012,"request_method":"GET"}  `))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	status, _ := rec.Get("status")
	if n, ok := status.AsInt(); !ok || n != 404 {
		t.Fatalf("unexpected status %v", status.Interface())
	}
	rt, _ := rec.Get("request_time")
	if rt.Kind() != record.KindFloat {
		t.Fatalf("expected float request_time, got %s", rt.Kind())
	}
}

func TestJSONParserRejectsNonObject(t *testing.T) {
	if _, err := NewJSONParser().ParseLine([]byte(`"just a string"`)); err == nil {
		t.Fatalf("expected error for non-object line")
	}
}

func TestRFC3164WithRawPayload(t *testing.T) {
	p, err := NewRFC3164SyslogParser("raw")
	if err != nil {
		t.Fatalf("NewRFC3164SyslogParser: %v", err)
	}
	p.now = func() time.Time { return time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC) }

	rec, err := p.ParseLine([]byte(`<34>Jun  9 22:14:15 web01 nginx[4711]: GET /healthz 200`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}

	sev, _ := rec.Get("syslog_severity")
	if n, _ := sev.AsInt(); n != 2 {
		t.Fatalf("expected severity 2, got %d", n)
	}
	fac, _ := rec.Get("syslog_facility")
	if n, _ := fac.AsInt(); n != 4 {
		t.Fatalf("expected facility 4, got %d", n)
	}
	pid, _ := rec.Get("syslog_pid")
	if n, _ := pid.AsInt(); n != 4711 {
		t.Fatalf("expected pid 4711, got %v", pid.Interface())
	}
	ts, _ := rec.Get("syslog_timestamp")
	stamp, ok := ts.AsTime()
	if !ok || !stamp.Equal(time.Date(2024, 6, 9, 22, 14, 15, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", ts.Interface())
	}
	msg, _ := rec.Get("message")
	if msg.String() != "GET /healthz 200" {
		t.Fatalf("unexpected message %q", msg.String())
	}
	if rec.Names()[0] != "syslog_timestamp" {
		t.Fatalf("expected timestamp first, got %v", rec.Names())
	}
}

func TestRFC3164YearRollover(t *testing.T) {
	p, err := NewRFC3164SyslogParser("raw")
	if err != nil {
		t.Fatalf("NewRFC3164SyslogParser: %v", err)
	}
	p.now = func() time.Time { return time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC) }

	rec, err := p.ParseLine([]byte(`Dec 31 23:59:59 host app: bye`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	ts, _ := rec.Get("syslog_timestamp")
	stamp, _ := ts.AsTime()
	if stamp.Year() != 2024 {
		t.Fatalf("expected previous year, got %d", stamp.Year())
	}
}

func TestSyslogNGEnvelopeWithJSONPayload(t *testing.T) {
	p, err := NewSyslogNGJSONEnvelopeParser("json")
	if err != nil {
		t.Fatalf("NewSyslogNGJSONEnvelopeParser: %v", err)
	}
	rec, err := p.ParseLine([]byte(`{"HOST":"h1","PROGRAM":"nginx","MESSAGE":"{\"status\":200}"}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	host, _ := rec.Get("syslog_host")
	if host.String() != "h1" {
		t.Fatalf("expected syslog_host alias, got %q", host.String())
	}
	status, _ := rec.Get("status")
	if n, _ := status.AsInt(); n != 200 {
		t.Fatalf("expected nested status 200, got %v", status.Interface())
	}
}

func TestSyslogNGRejectsPlainJSON(t *testing.T) {
	p, err := NewSyslogNGJSONEnvelopeParser("json")
	if err != nil {
		t.Fatalf("NewSyslogNGJSONEnvelopeParser: %v", err)
	}
	if _, err := p.ParseLine([]byte(`{"status":200}`)); !errors.Is(err, ErrNotSyslogNGJSONEnvelope) {
		t.Fatalf("expected ErrNotSyslogNGJSONEnvelope, got %v", err)
	}
}

func TestAutoParserDetectsFormats(t *testing.T) {
	p, err := New("auto", "raw")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		line   string
		format string
	}{
		{line: `{"a":1}`, format: "json"},
		{line: `{"HOST":"h","MESSAGE":"hi"}`, format: "syslog_ng_json"},
		{line: `<13>Feb  3 01:02:03 host app: hi`, format: "syslog_rfc3164"},
	}
	for _, tc := range tests {
		rec, err := p.ParseLine([]byte(tc.line))
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", tc.line, err)
		}
		got, _ := rec.Get(MetaInputFormatKey)
		if got.String() != tc.format {
			t.Fatalf("line %q: expected format %s got %s", tc.line, tc.format, got.String())
		}
	}

	if _, err := p.ParseLine([]byte("not a log line")); err == nil {
		t.Fatalf("expected detection failure")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New("xml", ""); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
