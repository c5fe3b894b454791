// Package query implements the optional filter stage: a small pipe-separated query
// language evaluated against every record of the stream.
//
//	where severity <= 3 and syslog_host startswith "web" | project syslog_timestamp, message
//
// Clauses run left to right. A where clause keeps records for which every condition
// holds; a project clause keeps the named fields in the given order, filling missing
// fields with null so the output field set stays stable.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bodsch.me/logstream-ingest/internal/record"
)

// Comparison operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpContains     = "contains"
	OpStartsWith   = "startswith"
)

// Query is one compiled query definition.
type Query struct {
	Name  string
	Text  string
	steps []step
}

type step struct {
	conds   []condition
	project []string
}

type litKind int

const (
	litString litKind = iota
	litNumber
	litBool
	litNull
)

type literal struct {
	kind  litKind
	text  string
	f     float64
	i     int64
	isInt bool
	b     bool
}

type condition struct {
	field string
	op    string
	lit   literal
}

// Compile parses text into a query.
func Compile(name, text string) (*Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	q := &Query{Name: name, Text: text}
	for {
		kw := p.next()
		if kw.kind != tokIdent {
			return nil, p.errorf(kw, "expected 'where' or 'project', found %s", kw.kind)
		}

		switch strings.ToLower(kw.text) {
		case "where":
			conds, err := p.parseConditions()
			if err != nil {
				return nil, err
			}
			q.steps = append(q.steps, step{conds: conds})
		case "project":
			fields, err := p.parseFieldList()
			if err != nil {
				return nil, err
			}
			q.steps = append(q.steps, step{project: fields})
		default:
			return nil, p.errorf(kw, "unknown clause %q", kw.text)
		}

		t := p.next()
		switch t.kind {
		case tokEOF:
			return q, nil
		case tokPipe:
		default:
			return nil, p.errorf(t, "expected '|' or end of query, found %q", t.text)
		}
	}
}

// Apply evaluates the query against rec. It returns the resulting record and whether rec matched.
func (q *Query) Apply(rec record.Record) (record.Record, bool) {
	out := rec
	for _, s := range q.steps {
		if s.project != nil {
			out = project(out, s.project)
			continue
		}
		for _, c := range s.conds {
			if !c.match(out) {
				return record.Record{}, false
			}
		}
	}
	return out, true
}

func project(rec record.Record, names []string) record.Record {
	out := record.New(len(names))
	for _, name := range names {
		v, ok := rec.Get(name)
		if !ok {
			v = record.Null()
		}
		out.Set(name, v)
	}
	return out
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("position %d: %s", t.pos, fmt.Sprintf(format, args...))
}

func (p *parser) parseConditions() ([]condition, error) {
	var conds []condition
	for {
		c, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)

		if t := p.peek(); t.kind == tokIdent && strings.EqualFold(t.text, "and") {
			p.next()
			continue
		}
		return conds, nil
	}
}

func (p *parser) parseCondition() (condition, error) {
	field := p.next()
	if field.kind != tokIdent {
		return condition{}, p.errorf(field, "expected field name, found %s", field.kind)
	}

	opTok := p.next()
	var op string
	switch {
	case opTok.kind == tokOp:
		op = opTok.text
	case opTok.kind == tokIdent && (strings.EqualFold(opTok.text, OpContains) || strings.EqualFold(opTok.text, OpStartsWith)):
		op = strings.ToLower(opTok.text)
	default:
		return condition{}, p.errorf(opTok, "expected comparison operator after %q", field.text)
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return condition{}, err
	}
	if lit.kind == litNull && op != OpEqual && op != OpNotEqual {
		return condition{}, p.errorf(opTok, "operator %s cannot compare with null", op)
	}
	if lit.kind == litBool && op != OpEqual && op != OpNotEqual {
		return condition{}, p.errorf(opTok, "operator %s cannot compare with a bool", op)
	}
	return condition{field: field.text, op: op, lit: lit}, nil
}

func (p *parser) parseLiteral() (literal, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{kind: litString, text: t.text}, nil
	case tokNumber:
		lit := literal{kind: litNumber, text: t.text}
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			lit.i, lit.f, lit.isInt = i, float64(i), true
			return lit, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return literal{}, p.errorf(t, "invalid number %q", t.text)
		}
		lit.f = f
		return lit, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true", "false":
			return literal{kind: litBool, text: t.text, b: strings.EqualFold(t.text, "true")}, nil
		case "null":
			return literal{kind: litNull, text: t.text}, nil
		}
		return literal{}, p.errorf(t, "expected literal, found identifier %q (quote string values)", t.text)
	default:
		return literal{}, p.errorf(t, "expected literal, found %s", t.kind)
	}
}

func (p *parser) parseFieldList() ([]string, error) {
	var fields []string
	for {
		t := p.next()
		if t.kind != tokIdent {
			return nil, p.errorf(t, "expected field name in project, found %s", t.kind)
		}
		fields = append(fields, t.text)
		if p.peek().kind != tokComma {
			return fields, nil
		}
		p.next()
	}
}

func (c condition) match(rec record.Record) bool {
	v, ok := rec.Get(c.field)
	if !ok {
		v = record.Null()
	}

	if c.lit.kind == litNull {
		return v.IsNull() == (c.op == OpEqual)
	}
	if v.IsNull() {
		return c.op == OpNotEqual
	}

	switch c.op {
	case OpContains:
		return strings.Contains(strings.ToLower(v.String()), strings.ToLower(c.lit.text))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(v.String()), strings.ToLower(c.lit.text))
	}

	cmp, err := compare(v, c.lit)
	if err != nil {
		return c.op == OpNotEqual
	}
	switch c.op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

var errIncomparable = errors.New("incomparable values")

// compare orders v against lit, converting the literal to the value's kind where possible.
func compare(v record.Value, lit literal) (int, error) {
	switch lit.kind {
	case litBool:
		b, ok := v.AsBool()
		if !ok {
			return 0, errIncomparable
		}
		return compareBool(b, lit.b), nil
	case litNumber:
		if i, ok := v.AsInt(); ok && lit.isInt {
			return compareOrdered(i, lit.i), nil
		}
		if f, ok := v.AsFloat(); ok {
			return compareOrdered(f, lit.f), nil
		}
		if s, ok := v.AsString(); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return 0, errIncomparable
			}
			return compareOrdered(f, lit.f), nil
		}
		return 0, errIncomparable
	case litString:
		switch v.Kind() {
		case record.KindTime:
			t, _ := v.AsTime()
			want, err := time.Parse(time.RFC3339Nano, lit.text)
			if err != nil {
				return 0, errIncomparable
			}
			return t.Compare(want), nil
		case record.KindDuration:
			d, _ := v.AsDuration()
			want, err := time.ParseDuration(lit.text)
			if err != nil {
				return 0, errIncomparable
			}
			return compareOrdered(d, want), nil
		case record.KindUUID:
			return strings.Compare(v.String(), strings.ToLower(lit.text)), nil
		default:
			return strings.Compare(v.String(), lit.text), nil
		}
	}
	return 0, errIncomparable
}

func compareOrdered[T int64 | float64 | time.Duration](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
