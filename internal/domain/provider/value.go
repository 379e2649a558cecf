package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueType is a type tag used in manifests and export signatures.
type ValueType string

// Value types.
const (
	TypeI32 ValueType = "i32"
	TypeI64 ValueType = "i64"
	TypeF32 ValueType = "f32"
	TypeF64 ValueType = "f64"
)

// ParseValueType parses a type tag.
func ParseValueType(s string) (ValueType, error) {
	switch t := ValueType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeI32, TypeI64, TypeF32, TypeF64:
		return t, nil
	default:
		return "", fmt.Errorf("unknown value type %q", s)
	}
}

func joinTypes(types []ValueType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// ValueKind identifies the variant held by a Value.
type ValueKind uint8

// Value kinds.
const (
	ValueNull ValueKind = iota
	ValueBool
	ValueI32
	ValueI64
	ValueF32
	ValueF64
	ValueString
	ValueBytes
	ValueArray
	ValueObject
)

var kindNames = [...]string{"null", "bool", "i32", "i64", "f32", "f64", "string", "bytes", "array", "object"}

// String returns the kind name.
func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a tagged value crossing the host/plugin boundary.
// The zero Value is null.
type Value struct {
	kind ValueKind
	bits uint64
	str  string
	raw  []byte
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: ValueBool}
	if b {
		v.bits = 1
	}
	return v
}

// I32 returns a 32-bit integer value.
func I32(n int32) Value { return Value{kind: ValueI32, bits: uint64(uint32(n))} }

// I64 returns a 64-bit integer value.
func I64(n int64) Value { return Value{kind: ValueI64, bits: uint64(n)} }

// F32 returns a 32-bit float value.
func F32(f float32) Value { return Value{kind: ValueF32, bits: uint64(math.Float32bits(f))} }

// F64 returns a 64-bit float value.
func F64(f float64) Value { return Value{kind: ValueF64, bits: math.Float64bits(f)} }

// String returns a string value.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// Bytes returns a byte string value.
func Bytes(b []byte) Value { return Value{kind: ValueBytes, raw: append([]byte(nil), b...)} }

// Array returns an array value.
func Array(items ...Value) Value { return Value{kind: ValueArray, arr: items} }

// Object returns an object value.
func Object(fields map[string]Value) Value { return Value{kind: ValueObject, obj: fields} }

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.bits != 0, v.kind == ValueBool }

// AsI32 returns the int32 held by v.
func (v Value) AsI32() (int32, bool) { return int32(uint32(v.bits)), v.kind == ValueI32 }

// AsI64 returns the int64 held by v.
func (v Value) AsI64() (int64, bool) { return int64(v.bits), v.kind == ValueI64 }

// AsF32 returns the float32 held by v.
func (v Value) AsF32() (float32, bool) { return math.Float32frombits(uint32(v.bits)), v.kind == ValueF32 }

// AsF64 returns the float64 held by v.
func (v Value) AsF64() (float64, bool) { return math.Float64frombits(v.bits), v.kind == ValueF64 }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == ValueString }

// AsBytes returns the bytes held by v.
func (v Value) AsBytes() ([]byte, bool) { return v.raw, v.kind == ValueBytes }

// AsArray returns the items held by v.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == ValueArray }

// AsObject returns the fields held by v.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == ValueObject }

// Interface converts v into plain Go values.
func (v Value) Interface() any {
	switch v.kind {
	case ValueBool:
		b, _ := v.AsBool()
		return b
	case ValueI32:
		n, _ := v.AsI32()
		return n
	case ValueI64:
		n, _ := v.AsI64()
		return n
	case ValueF32:
		f, _ := v.AsF32()
		return f
	case ValueF64:
		f, _ := v.AsF64()
		return f
	case ValueString:
		return v.str
	case ValueBytes:
		return v.raw
	case ValueArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case ValueObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// String formats v for display.
func (v Value) String() string {
	switch v.kind {
	case ValueNull:
		return "null"
	case ValueString:
		return strconv.Quote(v.str)
	case ValueArray:
		parts := make([]string, len(v.arr))
		for i, item := range v.arr {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case ValueObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.obj[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

// MarshalJSON encodes v as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// ParseValue parses a textual argument according to a type tag.
func ParseValue(s string, t ValueType) (Value, error) {
	s = strings.TrimSpace(s)
	switch t {
	case TypeI32:
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse %q as i32: %w", s, err)
		}
		return I32(int32(n)), nil
	case TypeI64:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse %q as i64: %w", s, err)
		}
		return I64(n), nil
	case TypeF32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse %q as f32: %w", s, err)
		}
		return F32(float32(f)), nil
	case TypeF64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse %q as f64: %w", s, err)
		}
		return F64(f), nil
	default:
		return Value{}, fmt.Errorf("unknown value type %q", t)
	}
}
