package tuple

import (
	"strings"
)

// Entry is an immutable typed record: an ordered sequence of nullable
// field values laid out by its type.
type Entry struct {
	Type   string
	Fields []Value
}

// Template is an entry-shaped pattern. A nil field is a wildcard, and a
// template may stop short of its type's field count; the missing fields
// are wildcards as well.
type Template struct {
	Type   string
	Fields []Value
}

// AnyTemplate matches every entry of every type.
var AnyTemplate = Template{}

// Normalize returns a deep copy of e with normalized field values.
func (e Entry) Normalize() Entry {
	fields := make([]Value, len(e.Fields))
	for i, v := range e.Fields {
		fields[i] = Normalize(v)
	}
	return Entry{Type: e.Type, Fields: fields}
}

// Normalize returns a deep copy of t with normalized field values.
func (t Template) Normalize() Template {
	fields := make([]Value, len(t.Fields))
	for i, v := range t.Fields {
		fields[i] = Normalize(v)
	}
	return Template{Type: t.Type, Fields: fields}
}

// Clone returns a copy that shares no memory with e.
func (e Entry) Clone() Entry {
	return e.Normalize()
}

// String renders the entry for logs: Type(v1, v2, ...).
func (e Entry) String() string {
	return render(e.Type, e.Fields)
}

// String renders the template for logs, with wildcards as "*".
func (t Template) String() string {
	if t.Type == "" && len(t.Fields) == 0 {
		return "*"
	}
	return render(t.Type, t.Fields)
}

func render(typ string, fields []Value) string {
	var b strings.Builder
	b.WriteString(typ)
	b.WriteByte('(')
	for i, v := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(FormatValue(v))
	}
	b.WriteByte(')')
	return b.String()
}

// Matches reports whether every non-wildcard field of tmpl equals the
// entry field at the same position. Type compatibility is the caller's
// concern: the space only offers entries whose type is assignable to the
// template's.
func Matches(tmpl Template, e Entry) bool {
	if len(tmpl.Fields) > len(e.Fields) {
		return false
	}
	for i, want := range tmpl.Fields {
		if want == nil {
			continue
		}
		if !Equal(want, e.Fields[i]) {
			return false
		}
	}
	return true
}
