package record

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Field is one named value of a record.
type Field struct {
	Name  string
	Value Value
}

// Record is an insertion-ordered set of named values.
// Records are not safe for concurrent mutation; once handed to a stream they must not be modified.
type Record struct {
	fields []Field
	index  map[string]int
}

// New creates an empty record with room for n fields.
func New(n int) Record {
	return Record{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// FromFields builds a record from fields in order. Later duplicates overwrite earlier values.
func FromFields(fields ...Field) Record {
	r := New(len(fields))
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Set stores value under name. Existing fields keep their position.
func (r *Record) Set(name string, value Value) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
}

// Get returns the value stored under name.
func (r Record) Get(name string) (Value, bool) {
	i, ok := r.index[name]
	if !ok {
		return Value{}, false
	}
	return r.fields[i].Value, true
}

// Has reports whether name is present.
func (r Record) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Fields returns the fields in insertion order. The slice must not be modified.
func (r Record) Fields() []Field { return r.fields }

// Names returns the field names in insertion order.
func (r Record) Names() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Clone returns a copy that can be mutated independently.
func (r Record) Clone() Record {
	c := New(len(r.fields))
	for _, f := range r.fields {
		c.Set(f.Name, f.Value)
	}
	return c
}

// Project returns a new record holding only the named fields, in the given order.
// Missing names are skipped.
func (r Record) Project(names ...string) Record {
	out := New(len(names))
	for _, name := range names {
		if v, ok := r.Get(name); ok {
			out.Set(name, v)
		}
	}
	return out
}

// String renders the record as tab-separated values.
func (r Record) String() string {
	values := make([]string, len(r.fields))
	for i, f := range r.fields {
		values[i] = f.Value.String()
	}
	return strings.Join(values, "\t")
}

// MarshalJSON encodes the record as a JSON object with keys in insertion order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
