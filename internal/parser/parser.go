// Package parser decodes raw log lines (JSON, RFC3164 syslog, syslog-ng JSON envelopes)
// into typed, insertion-ordered records.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bodsch.me/logstream-ingest/internal/record"
)

// Parser parses one raw log line into a record.
type Parser interface {
	// ParseLine parses one line of input.
	ParseLine(line []byte) (record.Record, error)
	// Format returns the configured parser format name.
	Format() string
}

const (
	// MetaInputFormatKey stores the detected top-level input format.
	MetaInputFormatKey = "_meta_input_format"
	// MetaPayloadFormatKey stores the nested payload format.
	MetaPayloadFormatKey = "_meta_payload_format"
	// MetaParserKey stores the parser mode used by the application (e.g. auto).
	MetaParserKey = "_meta_parser"
)

// ErrNotSyslogNGJSONEnvelope indicates that a JSON line does not match the syslog-ng envelope structure.
var ErrNotSyslogNGJSONEnvelope = errors.New("line is not a syslog-ng json envelope")

// New builds the parser for a configured format name.
func New(format, payloadFormat string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		return NewAutoParser(payloadFormat)
	case "json":
		return NewJSONParser(), nil
	case "syslog_rfc3164":
		return NewRFC3164SyslogParser(payloadFormat)
	case "syslog_ng_json":
		return NewSyslogNGJSONEnvelopeParser(payloadFormat)
	default:
		return nil, fmt.Errorf("unsupported parser format %q", format)
	}
}

// JSONParser parses line-delimited JSON objects.
type JSONParser struct{}

// NewJSONParser creates a JSON line parser instance.
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// Format returns the parser format identifier.
func (p *JSONParser) Format() string {
	return "json"
}

// ParseLine decodes a JSON object, keeping key order and value types.
func (p *JSONParser) ParseLine(line []byte) (record.Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return record.Record{}, fmt.Errorf("empty line")
	}
	if trimmed[0] != '{' {
		return record.Record{}, fmt.Errorf("json parser expects an object starting with '{'")
	}
	return record.DecodeJSONObject(trimmed)
}

// SyslogNGJSONEnvelopeParser parses syslog-ng JSON envelopes and optionally parses the
// nested MESSAGE field as JSON.
type SyslogNGJSONEnvelopeParser struct {
	payloadFormat string
	jsonParser    *JSONParser
	messageField  string
}

// NewSyslogNGJSONEnvelopeParser creates a parser for syslog-ng JSON envelope messages.
// Supported payload formats are "json" and "raw".
func NewSyslogNGJSONEnvelopeParser(payloadFormat string) (*SyslogNGJSONEnvelopeParser, error) {
	format, err := normalizePayloadFormat(payloadFormat)
	if err != nil {
		return nil, fmt.Errorf("syslog-ng: %w", err)
	}
	return &SyslogNGJSONEnvelopeParser{
		payloadFormat: format,
		jsonParser:    NewJSONParser(),
		messageField:  "MESSAGE",
	}, nil
}

// Format returns the parser format identifier.
func (p *SyslogNGJSONEnvelopeParser) Format() string {
	return "syslog_ng_json"
}

var syslogNGAliases = [][2]string{
	{"HOST", "syslog_host"},
	{"PROGRAM", "syslog_tag"},
	{"MESSAGE", "syslog_message"},
	{"PRIORITY", "syslog_priority"},
	{"FACILITY", "syslog_facility_text"},
	{"SOURCEIP", "syslog_sourceip"},
}

// ParseLine parses a syslog-ng JSON envelope and optionally parses the nested MESSAGE payload.
func (p *SyslogNGJSONEnvelopeParser) ParseLine(line []byte) (record.Record, error) {
	outer, err := p.jsonParser.ParseLine(line)
	if err != nil {
		return record.Record{}, err
	}
	if !looksLikeSyslogNGEnvelope(outer) {
		return record.Record{}, ErrNotSyslogNGJSONEnvelope
	}

	result := outer.Clone()
	for _, alias := range syslogNGAliases {
		if v, ok := outer.Get(alias[0]); ok {
			result.Set(alias[1], v)
		}
	}

	msgValue, _ := outer.Get(p.messageField)
	msg := msgValue.String()

	if p.payloadFormat == "raw" {
		if strings.TrimSpace(msg) != "" {
			result.Set("message", record.String(msg))
		}
		setMeta(&result, p.Format(), p.payloadFormat, "")
		return result, nil
	}

	if strings.TrimSpace(msg) == "" {
		return record.Record{}, fmt.Errorf("syslog-ng envelope does not contain a non-empty %q field", p.messageField)
	}
	payload, err := p.jsonParser.ParseLine([]byte(msg))
	if err != nil {
		return record.Record{}, fmt.Errorf("parse syslog-ng MESSAGE payload as json: %w", err)
	}
	for _, f := range payload.Fields() {
		result.Set(f.Name, f.Value)
	}
	setMeta(&result, p.Format(), p.payloadFormat, "")
	return result, nil
}

// AutoParser detects the line format and delegates to the appropriate parser.
type AutoParser struct {
	jsonParser     *JSONParser
	rfc3164Parser  *RFC3164SyslogParser
	syslogNGParser *SyslogNGJSONEnvelopeParser
}

// NewAutoParser creates an auto-detect parser.
// The payloadFormat is used for syslog-based parsers that parse nested message payloads.
func NewAutoParser(payloadFormat string) (*AutoParser, error) {
	rfc3164Parser, err := NewRFC3164SyslogParser(payloadFormat)
	if err != nil {
		return nil, err
	}
	syslogNGParser, err := NewSyslogNGJSONEnvelopeParser(payloadFormat)
	if err != nil {
		return nil, err
	}
	return &AutoParser{
		jsonParser:     NewJSONParser(),
		rfc3164Parser:  rfc3164Parser,
		syslogNGParser: syslogNGParser,
	}, nil
}

// Format returns the parser format identifier.
func (p *AutoParser) Format() string {
	return "auto"
}

// ParseLine auto-detects syslog-ng JSON envelope, plain JSON, or RFC3164 syslog.
func (p *AutoParser) ParseLine(line []byte) (record.Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return record.Record{}, fmt.Errorf("empty line")
	}

	var errs []error

	if trimmed[0] == '{' {
		rec, err := p.syslogNGParser.ParseLine(trimmed)
		if err == nil {
			rec.Set(MetaParserKey, record.String(p.Format()))
			return rec, nil
		}
		if !errors.Is(err, ErrNotSyslogNGJSONEnvelope) {
			errs = append(errs, fmt.Errorf("syslog-ng json parse failed: %w", err))
		}

		rec, err = p.jsonParser.ParseLine(trimmed)
		if err == nil {
			setMeta(&rec, "json", "", p.Format())
			return rec, nil
		}
		errs = append(errs, fmt.Errorf("json parse failed: %w", err))
	}

	rec, err := p.rfc3164Parser.ParseLine(trimmed)
	if err == nil {
		rec.Set(MetaParserKey, record.String(p.Format()))
		return rec, nil
	}
	errs = append(errs, fmt.Errorf("rfc3164 parse failed: %w", err))

	return record.Record{}, fmt.Errorf("auto parser could not detect supported format: %w", errors.Join(errs...))
}

// RFC3164SyslogParser parses RFC3164 syslog lines and optionally parses the MSG payload.
type RFC3164SyslogParser struct {
	payloadFormat string
	jsonParser    *JSONParser
	now           func() time.Time
}

// NewRFC3164SyslogParser creates an RFC3164 syslog parser.
// Supported payload formats are "json" and "raw".
func NewRFC3164SyslogParser(payloadFormat string) (*RFC3164SyslogParser, error) {
	format, err := normalizePayloadFormat(payloadFormat)
	if err != nil {
		return nil, fmt.Errorf("syslog: %w", err)
	}
	return &RFC3164SyslogParser{
		payloadFormat: format,
		jsonParser:    NewJSONParser(),
		now:           time.Now,
	}, nil
}

// Format returns the parser format identifier.
func (p *RFC3164SyslogParser) Format() string {
	return "syslog_rfc3164"
}

// ParseLine parses an RFC3164 syslog envelope and then parses or stores the message payload.
func (p *RFC3164SyslogParser) ParseLine(line []byte) (record.Record, error) {
	env, err := parseRFC3164Envelope(line, p.now())
	if err != nil {
		return record.Record{}, err
	}

	rec := record.New(16)
	rec.Set("syslog_timestamp", record.Time(env.Timestamp))
	rec.Set("syslog_pri", record.Int32(int32(env.PRI)))
	rec.Set("syslog_facility", record.Int32(int32(env.Facility)))
	rec.Set("syslog_severity", record.Int32(int32(env.Severity)))
	rec.Set("syslog_host", record.String(env.Host))
	rec.Set("syslog_tag", record.String(env.Tag))
	rec.Set("syslog_pid", pidValue(env.PID))
	rec.Set("syslog_message", record.String(env.Message))

	if p.payloadFormat == "raw" {
		rec.Set("message", record.String(env.Message))
		setMeta(&rec, p.Format(), p.payloadFormat, "")
		return rec, nil
	}

	payload, err := p.jsonParser.ParseLine([]byte(env.Message))
	if err != nil {
		return record.Record{}, fmt.Errorf("parse syslog message payload as json: %w", err)
	}
	for _, f := range payload.Fields() {
		rec.Set(f.Name, f.Value)
	}
	setMeta(&rec, p.Format(), p.payloadFormat, "")
	return rec, nil
}

// RFC3164Envelope contains parsed header fields and the message payload.
type RFC3164Envelope struct {
	PRI       int
	Facility  int
	Severity  int
	Timestamp time.Time
	Host      string
	Tag       string
	PID       string
	Message   string
}

var rfc3164Regex = regexp.MustCompile(
	`^(?:<(\d{1,3})>)?` +
		`([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+` +
		`(\S+)\s+` +
		`([^:\s]+(?:\[\d+\])?)` +
		`:\s?` +
		`(.*)$`,
)

var tagWithPIDRegex = regexp.MustCompile(`^([^\[]+)\[(\d+)\]$`)

// parseRFC3164Envelope parses a single RFC3164 syslog line. The year-less header
// timestamp is placed in the year of now, or the previous year if that would be in the future.
func parseRFC3164Envelope(line []byte, now time.Time) (RFC3164Envelope, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return RFC3164Envelope{}, fmt.Errorf("empty line")
	}

	matches := rfc3164Regex.FindStringSubmatch(trimmed)
	if matches == nil {
		return RFC3164Envelope{}, fmt.Errorf("line is not a supported RFC3164 syslog message")
	}

	pri := 13 // user.notice when PRI is omitted
	if matches[1] != "" {
		parsedPRI, err := strconv.Atoi(matches[1])
		if err != nil {
			return RFC3164Envelope{}, fmt.Errorf("invalid PRI %q: %w", matches[1], err)
		}
		pri = parsedPRI
	}

	stamp, err := time.ParseInLocation(time.Stamp, strings.Join(strings.Fields(matches[2]), " "), now.Location())
	if err != nil {
		return RFC3164Envelope{}, fmt.Errorf("invalid timestamp %q: %w", matches[2], err)
	}
	stamp = stamp.AddDate(now.Year(), 0, 0)
	if stamp.After(now.Add(24 * time.Hour)) {
		stamp = stamp.AddDate(-1, 0, 0)
	}

	tag := matches[4]
	pid := ""
	if sub := tagWithPIDRegex.FindStringSubmatch(tag); sub != nil {
		tag = sub[1]
		pid = sub[2]
	}

	return RFC3164Envelope{
		PRI:       pri,
		Facility:  pri / 8,
		Severity:  pri % 8,
		Timestamp: stamp,
		Host:      matches[3],
		Tag:       tag,
		PID:       pid,
		Message:   matches[5],
	}, nil
}

func pidValue(pid string) record.Value {
	if pid == "" {
		return record.Null()
	}
	n, err := strconv.ParseInt(pid, 10, 32)
	if err != nil {
		return record.String(pid)
	}
	return record.Int32(int32(n))
}

// looksLikeSyslogNGEnvelope checks whether a parsed JSON object resembles a syslog-ng JSON envelope.
func looksLikeSyslogNGEnvelope(rec record.Record) bool {
	if !rec.Has("MESSAGE") {
		return false
	}
	for _, key := range []string{"PROGRAM", "HOST", "PRIORITY", "FACILITY", "SOURCEIP", "TAGS"} {
		if rec.Has(key) {
			return true
		}
	}
	return false
}

func normalizePayloadFormat(payloadFormat string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(payloadFormat))
	switch format {
	case "":
		return "json", nil
	case "json", "raw":
		return format, nil
	default:
		return "", fmt.Errorf("unsupported payload format %q", payloadFormat)
	}
}

// setMeta stores parser metadata fields on a parsed record.
func setMeta(rec *record.Record, inputFormat string, payloadFormat string, parserName string) {
	if inputFormat != "" {
		rec.Set(MetaInputFormatKey, record.String(inputFormat))
	}
	if payloadFormat != "" {
		rec.Set(MetaPayloadFormatKey, record.String(payloadFormat))
	}
	if parserName != "" {
		rec.Set(MetaParserKey, record.String(parserName))
	}
}
