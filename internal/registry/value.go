package registry

import (
	"fmt"
	"strconv"
)

// ValueKind is the small typed universe for property values (spec §6):
// string, int32, uint32, int64, uint64, boolean, and — for an object's
// Versions property only — a list of version tuples.
type ValueKind int

const (
	ValString ValueKind = iota
	ValInt32
	ValUint32
	ValInt64
	ValUint64
	ValBool
	ValVersions
)

func (k ValueKind) String() string {
	switch k {
	case ValString:
		return "string"
	case ValInt32:
		return "int32"
	case ValUint32:
		return "uint32"
	case ValInt64:
		return "int64"
	case ValUint64:
		return "uint64"
	case ValBool:
		return "boolean"
	case ValVersions:
		return "versions"
	default:
		return "unknown"
	}
}

// Value is a typed property value. Exactly one field is meaningful,
// selected by Kind.
type Value struct {
	Kind     ValueKind
	Str      string
	I32      int32
	U32      uint32
	I64      int64
	U64      uint64
	Bool     bool
	Versions []Version
}

func StringValue(s string) Value    { return Value{Kind: ValString, Str: s} }
func Int32Value(v int32) Value      { return Value{Kind: ValInt32, I32: v} }
func Uint32Value(v uint32) Value    { return Value{Kind: ValUint32, U32: v} }
func Int64Value(v int64) Value      { return Value{Kind: ValInt64, I64: v} }
func Uint64Value(v uint64) Value    { return Value{Kind: ValUint64, U64: v} }
func BoolValue(v bool) Value        { return Value{Kind: ValBool, Bool: v} }
func VersionsValue(v []Version) Value {
	return Value{Kind: ValVersions, Versions: v}
}

// ParseValue coerces a string into a Value of the given kind. This backs
// the "same call surface must accept untyped string maps" requirement of
// spec §6, so that a command-line client can exercise every method without
// a typed IDL.
func ParseValue(kind ValueKind, s string) (Value, error) {
	switch kind {
	case ValString:
		return StringValue(s), nil
	case ValInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Value{}, ErrInvalidArgs(fmt.Sprintf("not an int32: %q", s))
		}
		return Int32Value(int32(v)), nil
	case ValUint32:
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Value{}, ErrInvalidArgs(fmt.Sprintf("not a uint32: %q", s))
		}
		return Uint32Value(uint32(v)), nil
	case ValInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, ErrInvalidArgs(fmt.Sprintf("not an int64: %q", s))
		}
		return Int64Value(v), nil
	case ValUint64:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, ErrInvalidArgs(fmt.Sprintf("not a uint64: %q", s))
		}
		return Uint64Value(v), nil
	case ValBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, ErrInvalidArgs(fmt.Sprintf("not a boolean: %q", s))
		}
		return BoolValue(v), nil
	case ValVersions:
		return Value{}, ErrInvalidArgs("Versions cannot be set from a single string; use the structured call")
	default:
		return Value{}, ErrInvalidArgs("unknown property type")
	}
}
