package tuple

import (
	"bytes"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Kind is the declared kind of a field.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a schema kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "string":
		return KindString, nil
	case "int":
		return KindInt, nil
	case "bool":
		return KindBool, nil
	case "bytes":
		return KindBytes, nil
	default:
		return 0, fmt.Errorf("unknown field kind %q (want string, int, bool or bytes)", s)
	}
}

// Value is a sealed interface over the field value types.
// Only String, Int, Bool and Bytes implement it. A nil Value is null.
type Value interface {
	tupleValue() // sealed
	Kind() Kind
}

// String is a string field value.
type String string

func (String) tupleValue() {}
func (String) Kind() Kind  { return KindString }

// Int is an integer field value. Always int64, never float.
type Int int64

func (Int) tupleValue() {}
func (Int) Kind() Kind  { return KindInt }

// Bool is a boolean field value.
type Bool bool

func (Bool) tupleValue() {}
func (Bool) Kind() Kind  { return KindBool }

// Bytes is an opaque byte-string field value.
type Bytes []byte

func (Bytes) tupleValue() {}
func (Bytes) Kind() Kind  { return KindBytes }

// Equal reports whether two values are the same kind and content.
// Two nulls are equal; null never equals a non-null value.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && norm.NFC.String(string(av)) == norm.NFC.String(string(bv))
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	default:
		return false
	}
}

// Normalize returns v with strings NFC-normalized and byte slices copied,
// so the result shares no memory with the caller.
func Normalize(v Value) Value {
	switch val := v.(type) {
	case String:
		return String(norm.NFC.String(string(val)))
	case Bytes:
		if val == nil {
			return Bytes{}
		}
		return Bytes(bytes.Clone(val))
	default:
		return v
	}
}

// FormatValue renders a value for logs and CLI output.
func FormatValue(v Value) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case String:
		return fmt.Sprintf("%q", string(val))
	case Int:
		return fmt.Sprintf("%d", int64(val))
	case Bool:
		return fmt.Sprintf("%t", bool(val))
	case Bytes:
		return fmt.Sprintf("0x%x", []byte(val))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MarshalText renders the kind by name so JSON and YAML carry "string"
// rather than a number.
func (k Kind) MarshalText() ([]byte, error) {
	if k < KindString || k > KindBytes {
		return nil, fmt.Errorf("invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
