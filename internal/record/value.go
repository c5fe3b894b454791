// Package record defines the ordered, dynamically typed records that flow through the pipeline.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the value types a record field can hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat
	KindTime
	KindDuration
	KindUUID
	KindDynamic
)

var kindNames = [...]string{
	KindNull:     "null",
	KindString:   "string",
	KindBool:     "bool",
	KindInt8:     "int8",
	KindInt16:    "int16",
	KindInt32:    "int32",
	KindInt64:    "int64",
	KindFloat:    "float",
	KindTime:     "time",
	KindDuration: "duration",
	KindUUID:     "uuid",
	KindDynamic:  "dynamic",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsInteger reports whether k is one of the integral kinds.
func (k Kind) IsInteger() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

// Value is a tagged union over the supported field types. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	t    time.Time
	u    uuid.UUID
	dyn  any
}

// Constructors, one per Kind.
func Null() Value                    { return Value{} }
func String(s string) Value          { return Value{kind: KindString, s: s} }
func Int8(v int8) Value              { return Value{kind: KindInt8, i: int64(v)} }
func Int16(v int16) Value            { return Value{kind: KindInt16, i: int64(v)} }
func Int32(v int32) Value            { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value            { return Value{kind: KindInt64, i: v} }
func Float(v float64) Value          { return Value{kind: KindFloat, f: v} }
func Time(v time.Time) Value         { return Value{kind: KindTime, t: v} }
func UUID(v uuid.UUID) Value         { return Value{kind: KindUUID, u: v} }
func Duration(d time.Duration) Value { return Value{kind: KindDuration, i: int64(d)} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, i: 1}
	}
	return Value{kind: KindBool}
}

// Dynamic wraps a nested structure (maps, slices, scalars as produced by encoding/json).
// A nil argument yields a null value.
func Dynamic(v any) Value {
	if v == nil {
		return Null()
	}
	return Value{kind: KindDynamic, dyn: v}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload and whether the value is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the boolean payload and whether the value is a bool.
func (v Value) AsBool() (bool, bool) { return v.i != 0, v.kind == KindBool }

// AsInt returns the payload of any integral kind widened to int64.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind.IsInteger() }

// AsFloat returns a float for numeric kinds.
func (v Value) AsFloat() (float64, bool) {
	switch {
	case v.kind == KindFloat:
		return v.f, true
	case v.kind.IsInteger():
		return float64(v.i), true
	}
	return 0, false
}

// AsTime returns the time payload and whether the value is a timestamp.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// AsDuration returns the duration payload and whether the value is a duration.
func (v Value) AsDuration() (time.Duration, bool) { return time.Duration(v.i), v.kind == KindDuration }

// AsUUID returns the identifier payload and whether the value is a UUID.
func (v Value) AsUUID() (uuid.UUID, bool) { return v.u, v.kind == KindUUID }

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return v.i != 0
	case KindInt8:
		return int8(v.i)
	case KindInt16:
		return int16(v.i)
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return v.i
	case KindFloat:
		return v.f
	case KindTime:
		return v.t
	case KindDuration:
		return time.Duration(v.i)
	case KindUUID:
		return v.u
	case KindDynamic:
		return v.dyn
	default:
		return nil
	}
}

// String renders the value as plain text. Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindDuration:
		return time.Duration(v.i).String()
	case KindUUID:
		return v.u.String()
	case KindDynamic:
		data, err := json.Marshal(v.dyn)
		if err != nil {
			return fmt.Sprintf("%v", v.dyn)
		}
		return string(data)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as standard JSON. Durations are encoded as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool, KindInt8, KindInt16, KindInt32, KindInt64:
		return []byte(v.String()), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindDynamic:
		return json.Marshal(v.dyn)
	default:
		return json.Marshal(v.String())
	}
}

// Equal reports whether two values have the same kind and payload.
// Dynamic values compare by their JSON encoding.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindTime:
		return v.t.Equal(other.t)
	case KindFloat:
		return v.f == other.f
	case KindString, KindDynamic:
		return v.String() == other.String()
	case KindUUID:
		return v.u == other.u
	default:
		return v.i == other.i
	}
}
