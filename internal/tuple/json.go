package tuple

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ValueFromAny converts a decoded JSON or YAML scalar into a field value.
// Accepted forms: nil, string, bool, integers (including json.Number) and
// {"$bytes": "<base64>"} for byte strings.
func ValueFromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer %d out of int64 range", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not field values: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not field values: %v", val)
	case map[string]any:
		raw, ok := val[bytesKey]
		if !ok || len(val) != 1 {
			return nil, fmt.Errorf("object field values must be {%q: <base64>}", bytesKey)
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a base64 string", bytesKey)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", bytesKey, err)
		}
		return Bytes(b), nil
	default:
		return nil, fmt.Errorf("unsupported field value type %T", v)
	}
}

// ValuesFromAny converts a list of decoded scalars.
func ValuesFromAny(items []any) ([]Value, error) {
	out := make([]Value, len(items))
	for i, item := range items {
		v, err := ValueFromAny(item)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// valueToAny is the inverse of ValueFromAny for encoding/json.
func valueToAny(v Value) any {
	switch val := v.(type) {
	case nil:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Bytes:
		return map[string]string{bytesKey: base64.StdEncoding.EncodeToString(val)}
	default:
		return nil
	}
}

type wireEntry struct {
	Type   string            `json:"type"`
	Fields []json.RawMessage `json:"fields"`
}

func marshalFields(typ string, fields []Value) ([]byte, error) {
	out := struct {
		Type   string `json:"type"`
		Fields []any  `json:"fields"`
	}{Type: typ, Fields: make([]any, len(fields))}
	for i, f := range fields {
		out.Fields[i] = valueToAny(f)
	}
	return json.Marshal(out)
}

func unmarshalFields(data []byte) (string, []Value, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return "", nil, err
	}
	fields := make([]Value, len(w.Fields))
	for i, raw := range w.Fields {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var item any
		if err := dec.Decode(&item); err != nil {
			return "", nil, fmt.Errorf("field %d: %w", i, err)
		}
		v, err := ValueFromAny(item)
		if err != nil {
			return "", nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields[i] = v
	}
	return w.Type, fields, nil
}

// MarshalJSON encodes the entry as {"type": ..., "fields": [...]}.
func (e Entry) MarshalJSON() ([]byte, error) {
	return marshalFields(e.Type, e.Fields)
}

// UnmarshalJSON decodes the form written by MarshalJSON. Numbers must be
// integers.
func (e *Entry) UnmarshalJSON(data []byte) error {
	typ, fields, err := unmarshalFields(data)
	if err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	e.Type, e.Fields = typ, fields
	return nil
}

// MarshalJSON encodes the template; wildcards are null.
func (t Template) MarshalJSON() ([]byte, error) {
	return marshalFields(t.Type, t.Fields)
}

// UnmarshalJSON decodes a template.
func (t *Template) UnmarshalJSON(data []byte) error {
	typ, fields, err := unmarshalFields(data)
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	t.Type, t.Fields = typ, fields
	return nil
}
