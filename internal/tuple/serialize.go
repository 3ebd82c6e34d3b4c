package tuple

import (
	"bytes"
	"fmt"
)

// FieldData is the plain-data form of one field value. Kind 0 is null.
type FieldData struct {
	Kind  uint8  `msgpack:"k"`
	Str   string `msgpack:"s,omitempty"`
	Int   int64  `msgpack:"i,omitempty"`
	Bool  bool   `msgpack:"b,omitempty"`
	Bytes []byte `msgpack:"y,omitempty"`
}

// EntryData is the plain-data form of an entry or template, independent
// of any object-graph serializer. The recovery log and snapshots encode it.
type EntryData struct {
	Type   string      `msgpack:"t"`
	Fields []FieldData `msgpack:"f"`
}

// SerializeValue converts a value to its plain-data form.
func SerializeValue(v Value) FieldData {
	switch val := v.(type) {
	case String:
		return FieldData{Kind: uint8(KindString), Str: string(val)}
	case Int:
		return FieldData{Kind: uint8(KindInt), Int: int64(val)}
	case Bool:
		return FieldData{Kind: uint8(KindBool), Bool: bool(val)}
	case Bytes:
		return FieldData{Kind: uint8(KindBytes), Bytes: bytes.Clone(val)}
	default:
		return FieldData{}
	}
}

// Value converts the plain-data form back.
func (f FieldData) Value() (Value, error) {
	switch Kind(f.Kind) {
	case 0:
		return nil, nil
	case KindString:
		return String(f.Str), nil
	case KindInt:
		return Int(f.Int), nil
	case KindBool:
		return Bool(f.Bool), nil
	case KindBytes:
		if f.Bytes == nil {
			return Bytes{}, nil
		}
		return Bytes(bytes.Clone(f.Bytes)), nil
	default:
		return nil, fmt.Errorf("unknown field kind tag %d", f.Kind)
	}
}

func serializeFields(typ string, fields []Value) EntryData {
	d := EntryData{Type: typ, Fields: make([]FieldData, len(fields))}
	for i, v := range fields {
		d.Fields[i] = SerializeValue(v)
	}
	return d
}

func (d EntryData) values() ([]Value, error) {
	out := make([]Value, len(d.Fields))
	for i, f := range d.Fields {
		v, err := f.Value()
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Serialize converts an entry to plain data.
func (e Entry) Serialize() EntryData {
	return serializeFields(e.Type, e.Fields)
}

// Serialize converts a template to plain data. Wildcards become null fields.
func (t Template) Serialize() EntryData {
	return serializeFields(t.Type, t.Fields)
}

// Entry rebuilds the entry.
func (d EntryData) Entry() (Entry, error) {
	fields, err := d.values()
	if err != nil {
		return Entry{}, fmt.Errorf("entry %q: %w", d.Type, err)
	}
	return Entry{Type: d.Type, Fields: fields}, nil
}

// Template rebuilds the template.
func (d EntryData) Template() (Template, error) {
	fields, err := d.values()
	if err != nil {
		return Template{}, fmt.Errorf("template %q: %w", d.Type, err)
	}
	return Template{Type: d.Type, Fields: fields}, nil
}
