package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotObject is returned when JSON input is not an object.
var ErrNotObject = errors.New("json value is not an object")

// DecodeJSONObject decodes one JSON object into a record, keeping the key order of the input.
// Integral numbers become Int64, other numbers Float, nested objects and arrays Dynamic.
func DecodeJSONObject(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Record{}, fmt.Errorf("decode json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Record{}, ErrNotObject
	}

	rec := New(16)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("decode json key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return Record{}, fmt.Errorf("decode json: unexpected key token %v", tok)
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return Record{}, fmt.Errorf("decode json field %q: %w", key, err)
		}
		rec.Set(key, FromJSON(raw))
	}

	if _, err := dec.Token(); err != nil {
		return Record{}, fmt.Errorf("decode json: %w", err)
	}
	return rec, nil
}

// FromJSON converts a value produced by encoding/json (with UseNumber) into a Value.
func FromJSON(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(v)
	case bool:
		return Bool(v)
	case json.Number:
		if i, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return Int64(i)
		}
		if f, err := v.Float64(); err == nil {
			return Float(f)
		}
		return String(v.String())
	case float64:
		return Float(v)
	default:
		return Dynamic(v)
	}
}
